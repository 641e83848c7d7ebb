/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package circleci reports CircleCI jobs as checks and re-runs their
// workflows.
//
// Job state is read from the GitHub commit statuses CircleCI publishes for the
// head commit (one status context per job). Re-running a job re-runs its
// workflow from the failed jobs through the CircleCI v2 API, which needs a
// token; without one, re-runs are reported as unsupported.
package circleci

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"

	"chainguard.dev/automerge/checks"
	"chainguard.dev/automerge/githost"
	"chainguard.dev/automerge/retry"
)

// Provider implements checks.Provider for CircleCI.
type Provider struct {
	gh    *github.Client
	api   *Client
	retry retry.RetryConfig

	mu sync.Mutex
	// rerun holds the workflows a re-run was already requested for.
	rerun map[string]bool
}

var (
	_ checks.Provider  = (*Provider)(nil)
	_ checks.RunScoped = (*Provider)(nil)
)

// Option configures a Provider.
type Option func(*Provider)

// WithRetryConfig overrides the GitHub rate limit retry policy.
func WithRetryConfig(cfg retry.RetryConfig) Option {
	return func(p *Provider) { p.retry = cfg }
}

// New creates a Provider reading statuses through gh. api may be nil, in
// which case checks can be listed but not re-run.
func New(gh *github.Client, api *Client, opts ...Option) *Provider {
	p := &Provider{
		gh:    gh,
		api:   api,
		retry: retry.DefaultRetryConfig(),
		rerun: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ForRun implements checks.RunScoped. The returned Provider shares the
// clients but starts with no requested re-runs.
func (p *Provider) ForRun() checks.Provider {
	return &Provider{
		gh:    p.gh,
		api:   p.api,
		retry: p.retry,
		rerun: make(map[string]bool),
	}
}

// Kind implements checks.Provider.
func (p *Provider) Kind() checks.Kind {
	return checks.KindCircleCI
}

// ListChecks implements checks.Provider.
func (p *Provider) ListChecks(ctx context.Context, pr *githost.PullRequest) ([]checks.Check, error) {
	t := pr.Target
	opts := &github.ListOptions{PerPage: 100}

	var out []checks.Check
	for {
		var resp *github.Response
		combined, err := githost.Call(ctx, p.retry, "get combined status", func() (*github.CombinedStatus, *github.Response, error) {
			cs, rsp, err := p.gh.Repositories.GetCombinedStatus(ctx, t.Owner, t.Repo, pr.HeadSHA, opts)
			resp = rsp
			return cs, rsp, err
		})
		if err != nil {
			return nil, fmt.Errorf("listing commit statuses for %s@%s: %w", t.FullName(), pr.HeadSHA, err)
		}
		for _, st := range combined.Statuses {
			if !isCircleCI(st.GetTargetURL()) {
				continue
			}
			out = append(out, checks.Check{
				Name:  st.GetContext(),
				State: classify(st.GetState()),
				RunID: st.GetTargetURL(),
				URL:   st.GetTargetURL(),
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func classify(state string) checks.State {
	switch state {
	case "success":
		return checks.StateSuccess
	case "failure", "error":
		return checks.StateFailure
	default:
		return checks.StatePending
	}
}

func isCircleCI(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return u.Host == "circleci.com" || strings.HasSuffix(u.Host, ".circleci.com")
}

// jobRef is what a status target URL tells us about a job.
type jobRef struct {
	// slug is the project slug, e.g. "gh/owner/repo".
	slug   string
	number int
	// workflowID is set when the URL already names the workflow.
	workflowID string
}

// parseJobURL understands the legacy https://circleci.com/gh/<owner>/<repo>/<job>
// form and https://app.circleci.com/pipelines/<vcs>/<owner>/<repo>/<n>/workflows/<id>/jobs/<job>.
func parseJobURL(target string) (jobRef, error) {
	u, err := url.Parse(target)
	if err != nil {
		return jobRef{}, fmt.Errorf("parsing job URL %q: %w", target, err)
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")

	switch {
	case u.Host == "circleci.com" && len(segs) == 4:
		n, err := strconv.Atoi(segs[3])
		if err != nil {
			return jobRef{}, fmt.Errorf("malformed job number in %q", target)
		}
		return jobRef{slug: strings.Join(segs[:3], "/"), number: n}, nil

	case len(segs) == 7 && segs[0] == "pipelines" && segs[5] == "workflows" && segs[6] != "":
		return jobRef{slug: strings.Join(segs[1:4], "/"), workflowID: segs[6]}, nil

	case len(segs) == 9 && segs[0] == "pipelines" && segs[5] == "workflows" && segs[7] == "jobs":
		n, err := strconv.Atoi(segs[8])
		if err != nil {
			return jobRef{}, fmt.Errorf("malformed job number in %q", target)
		}
		return jobRef{slug: strings.Join(segs[1:4], "/"), number: n, workflowID: segs[6]}, nil
	}
	return jobRef{}, fmt.Errorf("unrecognized CircleCI job URL %q", target)
}

// RetriggerCheck implements checks.Provider.
func (p *Provider) RetriggerCheck(ctx context.Context, _ *githost.PullRequest, check checks.Check) (checks.RetriggerOutcome, error) {
	log := clog.FromContext(ctx).With("check", check.Name, "url", check.URL)
	if p.api == nil {
		log.Warn("No CircleCI token configured, cannot re-run")
		return checks.RetriggerUnsupported, nil
	}

	ref, err := parseJobURL(check.URL)
	if err != nil {
		log.With("error", err).Warn("Cannot re-run check")
		return checks.RetriggerUnsupported, nil
	}
	if ref.workflowID == "" {
		job, err := p.api.JobInfo(ctx, ref.slug, ref.number)
		if permanent(err) {
			log.With("error", err.Error()).Warn("CircleCI refused the job lookup, cannot re-run")
			return checks.RetriggerUnsupported, nil
		}
		if err != nil {
			return "", fmt.Errorf("fetching CircleCI job %s/%d: %w", ref.slug, ref.number, err)
		}
		ref.workflowID = job.LatestWorkflow.ID
	}

	p.mu.Lock()
	done := p.rerun[ref.workflowID]
	p.rerun[ref.workflowID] = true
	p.mu.Unlock()
	if done {
		log.With("workflow", ref.workflowID).Info("Workflow re-run already requested")
		return checks.RetriggerOK, nil
	}

	if err := p.api.RerunWorkflow(ctx, ref.workflowID); err != nil {
		p.mu.Lock()
		delete(p.rerun, ref.workflowID)
		p.mu.Unlock()
		if permanent(err) {
			log.With("workflow", ref.workflowID).With("error", err.Error()).Warn("CircleCI refused the re-run")
			return checks.RetriggerUnsupported, nil
		}
		return "", fmt.Errorf("re-running CircleCI workflow %s: %w", ref.workflowID, err)
	}
	log.With("workflow", ref.workflowID).Info("Re-running CircleCI workflow from failed jobs")
	return checks.RetriggerOK, nil
}
