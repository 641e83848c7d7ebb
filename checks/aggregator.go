/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package checks

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"chainguard.dev/automerge/githost"
	"chainguard.dev/automerge/metrics"
	"chainguard.dev/automerge/policy"
)

// record is what the Aggregator remembers about a check between polls.
type record struct {
	provider Provider
	state    State
	runID    string
	url      string
	failures int
	// retriggered is the failure count a re-run was last requested for.
	retriggered int
}

// Aggregator merges the checks of several providers into one namespace and
// tracks their failure counts. It is not safe for concurrent use; each
// orchestration run owns its own Aggregator.
type Aggregator struct {
	policy    *policy.Effective
	providers []Provider
	records   map[string]*record
}

// NewAggregator returns an Aggregator that classifies checks with eff.
func NewAggregator(eff *policy.Effective, providers ...Provider) *Aggregator {
	scoped := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if rs, ok := p.(RunScoped); ok {
			p = rs.ForRun()
		}
		scoped = append(scoped, p)
	}
	return &Aggregator{
		policy:    eff,
		providers: scoped,
		records:   make(map[string]*record),
	}
}

// Observed reports whether any check has been seen during this run, on any
// head commit.
func (a *Aggregator) Observed() bool {
	return len(a.records) > 0
}

// Failures returns the cumulative failure count of a check.
func (a *Aggregator) Failures(name string) int {
	if rec, ok := a.records[name]; ok {
		return rec.failures
	}
	return 0
}

// Poll lists the current checks of pr, updates failure counts, requests
// re-runs for retriable failures and returns the verdict.
func (a *Aggregator) Poll(ctx context.Context, pr *githost.PullRequest) (*Result, error) {
	log := clog.FromContext(ctx).With("sha", pr.HeadSHA)

	current, err := a.list(ctx, pr)
	if err != nil {
		return nil, err
	}

	names := slices.Sorted(maps.Keys(current))
	for _, name := range names {
		c := current[name]
		rec, ok := a.records[name]
		if !ok {
			rec = &record{provider: c.provider}
			a.records[name] = rec
		}
		if c.check.State == StateFailure && (rec.state != StateFailure || rec.runID != c.check.RunID) {
			rec.failures++
			log.With("check", name, "failures", rec.failures).Info("Check failed")
		}
		rec.provider = c.provider
		rec.state, rec.runID, rec.url = c.check.State, c.check.RunID, c.check.URL
	}

	res := &Result{}
	// Crossing the allowance is permanent, whatever the check reports now.
	for _, name := range slices.Sorted(maps.Keys(a.records)) {
		rec := a.records[name]
		if limit, ok := a.policy.MaxFailures(name); ok && rec.failures > limit {
			res.Verdict = HardFailed
			res.Failure = &HardFailure{Name: name, Count: rec.failures, Max: limit}
			res.Observations = a.observations(names, nil)
			return res, nil
		}
	}

	pending := make(map[string]bool)
	waiting := false
	for _, name := range names {
		rec := a.records[name]
		switch rec.state {
		case StateSuccess:
		case StatePending:
			waiting = true
		case StateFailure:
			waiting = true
			pending[name] = true
			if rec.retriggered == rec.failures {
				continue
			}
			outcome, err := rec.provider.RetriggerCheck(ctx, pr, current[name].check)
			if err != nil {
				return nil, fmt.Errorf("re-running check %q: %w", name, err)
			}
			rec.retriggered = rec.failures
			metrics.RecordRetrigger(string(rec.provider.Kind()), string(outcome))
			switch outcome {
			case RetriggerOK:
				log.With("check", name, "failures", rec.failures).Info("Requested re-run of failed check")
				res.Retriggered = append(res.Retriggered, name)
			default:
				log.With("check", name, "provider", rec.provider.Kind()).Warn("Provider cannot re-run this check, waiting for a manual re-run")
			}
		default:
			waiting = true
		}
	}

	for _, name := range a.policy.RequiredChecks {
		if _, ok := current[name]; !ok {
			res.Missing = append(res.Missing, name)
			waiting = true
		}
	}

	res.Observations = a.observations(names, pending)
	if waiting {
		res.Verdict = StillWaiting
	} else {
		res.Verdict = AllSatisfied
	}
	return res, nil
}

// observations reports the recorded state of names, with the checks in
// pending reported as pending again.
func (a *Aggregator) observations(names []string, pending map[string]bool) []Observation {
	out := make([]Observation, 0, len(names))
	for _, name := range names {
		rec := a.records[name]
		state := rec.state
		if pending[name] {
			state = StatePending
		}
		out = append(out, Observation{
			Name:     name,
			Provider: rec.provider.Kind(),
			State:    state,
			Failures: rec.failures,
			URL:      rec.url,
		})
	}
	return out
}

type owned struct {
	check    Check
	provider Provider
	index    int
}

// list queries every provider concurrently and merges their checks by name.
func (a *Aggregator) list(ctx context.Context, pr *githost.PullRequest) (map[string]owned, error) {
	lists := make([][]Check, len(a.providers))
	eg, egctx := errgroup.WithContext(ctx)
	for i, p := range a.providers {
		eg.Go(func() error {
			checks, err := p.ListChecks(egctx, pr)
			if err != nil {
				return fmt.Errorf("listing %s checks: %w", p.Kind(), err)
			}
			lists[i] = checks
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]owned)
	for i, p := range a.providers {
		for _, c := range lists[i] {
			if prev, ok := merged[c.Name]; ok {
				if prev.index != i {
					return nil, &CollisionError{Name: c.Name, Providers: [2]Kind{prev.provider.Kind(), p.Kind()}}
				}
				// Same name twice from one provider, e.g. two workflows
				// sharing a name: the worst run stands for both.
				if severity(c.State) > severity(prev.check.State) {
					merged[c.Name] = owned{check: c, provider: p, index: i}
				}
				continue
			}
			merged[c.Name] = owned{check: c, provider: p, index: i}
		}
	}
	return merged, nil
}

// severity orders states from best to worst.
func severity(s State) int {
	switch s {
	case StateSuccess:
		return 0
	case StateFailure:
		return 2
	default:
		return 1
	}
}
