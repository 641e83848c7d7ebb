/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package actions reports GitHub Actions workflow runs as checks.
//
// Each workflow contributes one check, named after the workflow, whose state
// is that of the workflow's most recent run for the pull request's head
// commit. Re-running a check re-runs the failed jobs of that run.
package actions

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"

	"chainguard.dev/automerge/checks"
	"chainguard.dev/automerge/githost"
	"chainguard.dev/automerge/retry"
)

// Provider implements checks.Provider for GitHub Actions.
type Provider struct {
	gh    *github.Client
	retry retry.RetryConfig
}

var _ checks.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithRetryConfig overrides the rate limit retry policy.
func WithRetryConfig(cfg retry.RetryConfig) Option {
	return func(p *Provider) { p.retry = cfg }
}

// New creates a Provider backed by gh.
func New(gh *github.Client, opts ...Option) *Provider {
	p := &Provider{gh: gh, retry: retry.DefaultRetryConfig()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Kind implements checks.Provider.
func (p *Provider) Kind() checks.Kind {
	return checks.KindGitHubActions
}

// ListChecks implements checks.Provider.
func (p *Provider) ListChecks(ctx context.Context, pr *githost.PullRequest) ([]checks.Check, error) {
	t := pr.Target
	opts := &github.ListWorkflowRunsOptions{
		HeadSHA:     pr.HeadSHA,
		ListOptions: github.ListOptions{PerPage: 100},
	}

	latest := make(map[int64]*github.WorkflowRun)
	var order []int64
	for {
		var resp *github.Response
		runs, err := githost.Call(ctx, p.retry, "list workflow runs", func() (*github.WorkflowRuns, *github.Response, error) {
			r, rsp, err := p.gh.Actions.ListRepositoryWorkflowRuns(ctx, t.Owner, t.Repo, opts)
			resp = rsp
			return r, rsp, err
		})
		if err != nil {
			return nil, fmt.Errorf("listing workflow runs for %s@%s: %w", t.FullName(), pr.HeadSHA, err)
		}
		for _, run := range runs.WorkflowRuns {
			// Older GitHub Enterprise servers ignore the head_sha filter.
			if run.GetHeadSHA() != pr.HeadSHA {
				continue
			}
			id := run.GetWorkflowID()
			prev, ok := latest[id]
			if !ok {
				order = append(order, id)
			}
			if !ok || run.GetID() > prev.GetID() {
				latest[id] = run
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	out := make([]checks.Check, 0, len(order))
	for _, id := range order {
		run := latest[id]
		out = append(out, checks.Check{
			Name:  run.GetName(),
			State: classify(run),
			RunID: fmt.Sprintf("%d/%d", run.GetID(), run.GetRunAttempt()),
			URL:   run.GetHTMLURL(),
		})
	}
	return out, nil
}

// classify maps a workflow run's status and conclusion to a check state.
func classify(run *github.WorkflowRun) checks.State {
	if run.GetStatus() != "completed" {
		return checks.StatePending
	}
	switch run.GetConclusion() {
	case "success", "neutral", "skipped":
		return checks.StateSuccess
	case "failure", "timed_out", "cancelled", "startup_failure":
		return checks.StateFailure
	default:
		// action_required and stale need a human; keep waiting.
		return checks.StatePending
	}
}

// RetriggerCheck implements checks.Provider.
func (p *Provider) RetriggerCheck(ctx context.Context, pr *githost.PullRequest, check checks.Check) (checks.RetriggerOutcome, error) {
	runID, err := parseRunID(check.RunID)
	if err != nil {
		return "", err
	}
	log := clog.FromContext(ctx).With("workflow", check.Name, "run", runID)

	_, err = githost.Call(ctx, p.retry, "re-run failed jobs", func() (struct{}, *github.Response, error) {
		resp, err := p.gh.Actions.RerunFailedJobsByID(ctx, pr.Target.Owner, pr.Target.Repo, runID)
		return struct{}{}, resp, err
	})
	switch code := githost.StatusCode(err); {
	case err == nil:
		log.Info("Re-running failed jobs of workflow run")
		return checks.RetriggerOK, nil
	case code == http.StatusForbidden || code == http.StatusUnprocessableEntity:
		// Runs older than a month, or still in progress, cannot be re-run.
		log.With("error", err).Warn("Workflow run cannot be re-run")
		return checks.RetriggerUnsupported, nil
	default:
		return "", fmt.Errorf("re-running workflow run %d: %w", runID, err)
	}
}

func parseRunID(s string) (int64, error) {
	id, _, _ := strings.Cut(s, "/")
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed workflow run id %q: %w", s, err)
	}
	return n, nil
}
