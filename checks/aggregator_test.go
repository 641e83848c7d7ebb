/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package checks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"chainguard.dev/automerge/githost"
	"chainguard.dev/automerge/policy"
)

// fakeProvider replays one list of checks per poll and records re-runs.
type fakeProvider struct {
	kind    Kind
	polls   [][]Check
	outcome RetriggerOutcome
	listErr error

	mu        sync.Mutex
	calls     int
	retrigger []string
}

func (f *fakeProvider) Kind() Kind { return f.kind }

func (f *fakeProvider) ListChecks(_ context.Context, _ *githost.PullRequest) ([]Check, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	i := min(f.calls, len(f.polls)-1)
	f.calls++
	return f.polls[i], nil
}

func (f *fakeProvider) RetriggerCheck(_ context.Context, _ *githost.PullRequest, c Check) (RetriggerOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrigger = append(f.retrigger, c.Name)
	if f.outcome == "" {
		return RetriggerOK, nil
	}
	return f.outcome, nil
}

func resolve(t *testing.T, cfg *policy.Config) *policy.Effective {
	t.Helper()
	eff, err := policy.Resolve(cfg, githost.Target{Owner: "org", Repo: "repo", Number: 1})
	require.NoError(t, err)
	return eff
}

func withMax(name string, n int) *policy.Config {
	cfg := policy.Default()
	cfg.Checks = map[string]policy.CheckPolicy{name: {MaxFailures: &n}}
	return cfg
}

var testPR = &githost.PullRequest{
	Target:  githost.Target{Owner: "org", Repo: "repo", Number: 1},
	HeadSHA: "abc123",
}

// TestFlakyCheckRetriggeredOnce verifies that a check failing once within its
// allowance is re-run exactly once and then satisfies the aggregator.
func TestFlakyCheckRetriggeredOnce(t *testing.T) {
	p := &fakeProvider{kind: KindGitHubActions, polls: [][]Check{
		{{Name: "build", State: StateFailure, RunID: "1/1"}},
		{{Name: "build", State: StateFailure, RunID: "1/1"}},
		{{Name: "build", State: StatePending, RunID: "1/2"}},
		{{Name: "build", State: StateSuccess, RunID: "1/2"}},
	}}
	agg := NewAggregator(resolve(t, withMax("build", 1)), p)
	ctx := context.Background()

	wants := []Verdict{StillWaiting, StillWaiting, StillWaiting, AllSatisfied}
	for i, want := range wants {
		res, err := agg.Poll(ctx, testPR)
		require.NoError(t, err)
		if res.Verdict != want {
			t.Errorf("poll %d: Verdict = %s, wanted = %s", i, res.Verdict, want)
		}
	}
	if diff := cmp.Diff([]string{"build"}, p.retrigger); diff != "" {
		t.Errorf("re-runs mismatch (-want +got):\n%s", diff)
	}
	if got := agg.Failures("build"); got != 1 {
		t.Errorf("Failures(build) = %d, wanted = 1", got)
	}
}

// TestHardFailure verifies that a check failing more often than allowed
// aborts without another re-run, and that the verdict is permanent.
func TestHardFailure(t *testing.T) {
	p := &fakeProvider{kind: KindCircleCI, polls: [][]Check{
		{{Name: "flaky-step", State: StateFailure, RunID: "a"}},
		{{Name: "flaky-step", State: StateFailure, RunID: "b"}},
		{{Name: "flaky-step", State: StateSuccess, RunID: "c"}},
	}}
	agg := NewAggregator(resolve(t, withMax("flaky-step", 1)), p)
	ctx := context.Background()

	res, err := agg.Poll(ctx, testPR)
	require.NoError(t, err)
	require.Equal(t, StillWaiting, res.Verdict)

	for i := range 2 {
		res, err = agg.Poll(ctx, testPR)
		require.NoError(t, err)
		if res.Verdict != HardFailed {
			t.Fatalf("poll %d: Verdict = %s, wanted = %s", i, res.Verdict, HardFailed)
		}
		want := &HardFailure{Name: "flaky-step", Count: 2, Max: 1}
		if diff := cmp.Diff(want, res.Failure); diff != "" {
			t.Errorf("Failure mismatch (-want +got):\n%s", diff)
		}
		if !errors.Is(res.Failure, ErrHardFailure) {
			t.Errorf("errors.Is(%v, ErrHardFailure) = false", res.Failure)
		}
	}
	if diff := cmp.Diff([]string{"flaky-step"}, p.retrigger); diff != "" {
		t.Errorf("re-runs mismatch (-want +got):\n%s", diff)
	}
}

// TestIdempotentPolls verifies that an unchanged snapshot never increments a
// counter twice nor re-runs a check twice.
func TestIdempotentPolls(t *testing.T) {
	p := &fakeProvider{kind: KindGitHubActions, polls: [][]Check{
		{{Name: "lint", State: StateFailure, RunID: "7/1"}, {Name: "test", State: StateSuccess, RunID: "8/1"}},
	}}
	agg := NewAggregator(resolve(t, policy.Default()), p)

	var last []Observation
	for range 5 {
		res, err := agg.Poll(context.Background(), testPR)
		require.NoError(t, err)
		require.Equal(t, StillWaiting, res.Verdict)
		last = res.Observations
	}
	want := []Observation{
		{Name: "lint", Provider: KindGitHubActions, State: StatePending, Failures: 1},
		{Name: "test", Provider: KindGitHubActions, State: StateSuccess},
	}
	if diff := cmp.Diff(want, last); diff != "" {
		t.Errorf("Observations mismatch (-want +got):\n%s", diff)
	}
	if len(p.retrigger) != 1 {
		t.Errorf("re-runs = %v, wanted exactly one", p.retrigger)
	}
}

// TestMonotonicFailures verifies that failure counts only grow, whatever the
// sequence of observed states.
func TestMonotonicFailures(t *testing.T) {
	seq := []State{StateFailure, StatePending, StateSuccess, StateFailure, StateFailure, StatePending, StateFailure}
	var polls [][]Check
	for _, s := range seq {
		polls = append(polls, []Check{{Name: "e2e", State: s}})
	}
	p := &fakeProvider{kind: KindCircleCI, polls: polls}
	agg := NewAggregator(resolve(t, policy.Default()), p)

	prev := 0
	for i := range seq {
		_, err := agg.Poll(context.Background(), testPR)
		require.NoError(t, err)
		got := agg.Failures("e2e")
		if got < prev {
			t.Fatalf("poll %d: Failures = %d, decreased from %d", i, got, prev)
		}
		prev = got
	}
	// Without run IDs, only transitions into failure count.
	if prev != 3 {
		t.Errorf("Failures(e2e) = %d, wanted = 3", prev)
	}
	if len(p.retrigger) != 3 {
		t.Errorf("re-runs = %d, wanted = 3", len(p.retrigger))
	}
}

// TestUnsupportedRetrigger verifies that a check the provider cannot re-run
// keeps the run waiting without repeated requests.
func TestUnsupportedRetrigger(t *testing.T) {
	p := &fakeProvider{
		kind:    KindCircleCI,
		outcome: RetriggerUnsupported,
		polls:   [][]Check{{{Name: "ci/legacy", State: StateFailure, RunID: "x"}}},
	}
	agg := NewAggregator(resolve(t, policy.Default()), p)

	for range 3 {
		res, err := agg.Poll(context.Background(), testPR)
		require.NoError(t, err)
		require.Equal(t, StillWaiting, res.Verdict)
		require.Empty(t, res.Retriggered)
	}
	if len(p.retrigger) != 1 {
		t.Errorf("re-run requests = %d, wanted = 1", len(p.retrigger))
	}
}

// TestRequiredChecks verifies that unreported required checks keep the run waiting.
func TestRequiredChecks(t *testing.T) {
	cfg := policy.Default()
	cfg.RequiredChecks = []string{"build", "deploy-preview"}
	p := &fakeProvider{kind: KindGitHubActions, polls: [][]Check{
		{{Name: "build", State: StateSuccess}},
		{{Name: "build", State: StateSuccess}, {Name: "deploy-preview", State: StateSuccess}},
	}}
	agg := NewAggregator(resolve(t, cfg), p)

	res, err := agg.Poll(context.Background(), testPR)
	require.NoError(t, err)
	require.Equal(t, StillWaiting, res.Verdict)
	if diff := cmp.Diff([]string{"deploy-preview"}, res.Missing); diff != "" {
		t.Errorf("Missing mismatch (-want +got):\n%s", diff)
	}

	res, err = agg.Poll(context.Background(), testPR)
	require.NoError(t, err)
	require.Equal(t, AllSatisfied, res.Verdict)
}

// TestNoChecks verifies that a pull request without checks is satisfied.
func TestNoChecks(t *testing.T) {
	agg := NewAggregator(resolve(t, policy.Default()), &fakeProvider{kind: KindGitHubActions, polls: [][]Check{nil}})
	res, err := agg.Poll(context.Background(), testPR)
	require.NoError(t, err)
	if res.Verdict != AllSatisfied {
		t.Errorf("Verdict = %s, wanted = %s", res.Verdict, AllSatisfied)
	}
}

// TestMultipleProviders verifies that checks from several providers share one namespace.
func TestMultipleProviders(t *testing.T) {
	actions := &fakeProvider{kind: KindGitHubActions, polls: [][]Check{{{Name: "build", State: StateSuccess}}}}
	circle := &fakeProvider{kind: KindCircleCI, polls: [][]Check{{{Name: "ci/circleci: test", State: StateFailure, RunID: "1"}}}}
	agg := NewAggregator(resolve(t, policy.Default()), actions, circle)

	res, err := agg.Poll(context.Background(), testPR)
	require.NoError(t, err)
	require.Equal(t, StillWaiting, res.Verdict)
	require.Len(t, res.Observations, 2)
	if len(actions.retrigger) != 0 || len(circle.retrigger) != 1 {
		t.Errorf("re-runs went to the wrong provider: actions=%v circleci=%v", actions.retrigger, circle.retrigger)
	}
}

// TestNameCollision verifies that the same check name from two providers is an error.
func TestNameCollision(t *testing.T) {
	a := &fakeProvider{kind: KindGitHubActions, polls: [][]Check{{{Name: "build", State: StateSuccess}}}}
	b := &fakeProvider{kind: KindCircleCI, polls: [][]Check{{{Name: "build", State: StateSuccess}}}}
	agg := NewAggregator(resolve(t, policy.Default()), a, b)

	_, err := agg.Poll(context.Background(), testPR)
	var ce *CollisionError
	if !errors.As(err, &ce) {
		t.Fatalf("Poll() error = %v, wanted a CollisionError", err)
	}
	if ce.Name != "build" {
		t.Errorf("Name = %q, wanted = build", ce.Name)
	}
}

// TestDuplicateNamesWorstWins verifies that one provider reporting a name
// twice cannot hide a failing run behind a passing one.
func TestDuplicateNamesWorstWins(t *testing.T) {
	tests := []struct {
		name   string
		checks []Check
		want   Verdict
	}{{
		name:   "passing listed first",
		checks: []Check{{Name: "CI", State: StateSuccess, RunID: "1/1"}, {Name: "CI", State: StateFailure, RunID: "2/1"}},
		want:   HardFailed,
	}, {
		name:   "failing listed first",
		checks: []Check{{Name: "CI", State: StateFailure, RunID: "2/1"}, {Name: "CI", State: StateSuccess, RunID: "1/1"}},
		want:   HardFailed,
	}, {
		name:   "one still running",
		checks: []Check{{Name: "CI", State: StateSuccess, RunID: "1/1"}, {Name: "CI", State: StatePending, RunID: "2/1"}},
		want:   StillWaiting,
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{kind: KindGitHubActions, polls: [][]Check{tt.checks}}
			agg := NewAggregator(resolve(t, withMax("CI", 0)), p)

			res, err := agg.Poll(context.Background(), testPR)
			require.NoError(t, err)
			if res.Verdict != tt.want {
				t.Errorf("Verdict = %s, wanted = %s", res.Verdict, tt.want)
			}
			require.Len(t, res.Observations, 1)
		})
	}
}

// scopedProvider hands out a fresh copy of itself per run.
type scopedProvider struct {
	fakeProvider
	runs *int
}

func (s *scopedProvider) ForRun() Provider {
	*s.runs++
	return &fakeProvider{kind: s.kind, polls: s.polls}
}

// TestRunScopedProviders verifies that providers keeping re-run state get a
// fresh instance for every aggregator, including behind a dry run.
func TestRunScopedProviders(t *testing.T) {
	runs := 0
	p := &scopedProvider{fakeProvider: fakeProvider{kind: KindCircleCI, polls: [][]Check{{{Name: "e2e", State: StateFailure, RunID: "1"}}}}, runs: &runs}
	eff := resolve(t, policy.Default())

	for range 2 {
		agg := NewAggregator(eff, p)
		_, err := agg.Poll(context.Background(), testPR)
		require.NoError(t, err)
	}
	NewAggregator(eff, DryRun{Provider: p})

	if runs != 3 {
		t.Errorf("ForRun calls = %d, wanted = 3", runs)
	}
	if len(p.retrigger) != 0 || p.calls != 0 {
		t.Errorf("shared provider was used directly: calls=%d re-runs=%v", p.calls, p.retrigger)
	}
}

// TestListError verifies that provider errors are returned for the caller to retry.
func TestListError(t *testing.T) {
	boom := errors.New("boom")
	agg := NewAggregator(resolve(t, policy.Default()), &fakeProvider{kind: KindCircleCI, listErr: boom})
	if _, err := agg.Poll(context.Background(), testPR); !errors.Is(err, boom) {
		t.Errorf("Poll() error = %v, wanted %v", err, boom)
	}
}

// TestDryRun verifies that a dry run provider never reaches the real one.
func TestDryRun(t *testing.T) {
	p := &fakeProvider{kind: KindCircleCI, polls: [][]Check{{{Name: "e2e", State: StateFailure, RunID: "1"}}}}
	agg := NewAggregator(resolve(t, policy.Default()), DryRun{Provider: p})

	res, err := agg.Poll(context.Background(), testPR)
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"e2e"}, res.Retriggered); diff != "" {
		t.Errorf("Retriggered mismatch (-want +got):\n%s", diff)
	}
	if len(p.retrigger) != 0 {
		t.Errorf("real re-runs = %v, wanted none", p.retrigger)
	}
}
