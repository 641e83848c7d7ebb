/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"chainguard.dev/automerge/branchsync"
	"chainguard.dev/automerge/checks"
	"chainguard.dev/automerge/githost"
	"chainguard.dev/automerge/merger"
	"chainguard.dev/automerge/metrics"
	"chainguard.dev/automerge/policy"
	"chainguard.dev/automerge/retry"
	"chainguard.dev/automerge/reviewgate"
)

// Default polling intervals.
const (
	DefaultPollInterval    = 30 * time.Second
	DefaultMaxPollInterval = 5 * time.Minute
)

// Machine runs the orchestration state machine. A Machine holds only
// configuration; every Run has its own state, so one Machine may drive
// several pull requests concurrently.
type Machine struct {
	host      githost.Host
	cfg       *policy.Config
	providers []checks.Provider

	poll     retry.RetryConfig
	errRetry retry.RetryConfig
	timeout  time.Duration
	sleep    func(context.Context, time.Duration) error
}

// Option configures a Machine.
type Option func(*Machine)

// WithProviders sets the CI providers whose checks gate the merge.
func WithProviders(providers ...checks.Provider) Option {
	return func(m *Machine) { m.providers = providers }
}

// WithPollInterval sets the base and maximum delay between waiting cycles.
func WithPollInterval(base, ceiling time.Duration) Option {
	return func(m *Machine) {
		m.poll.BaseBackoff = base
		m.poll.MaxBackoff = ceiling
	}
}

// WithErrorRetry sets how collaborator errors are retried. MaxRetries is the
// number of consecutive failed cycles tolerated. Retries inside the
// collaborators multiply with it; disable them to make this the only bound.
func WithErrorRetry(cfg retry.RetryConfig) Option {
	return func(m *Machine) { m.errRetry = cfg }
}

// WithTimeout bounds the whole run. Zero means no bound beyond ctx.
func WithTimeout(d time.Duration) Option {
	return func(m *Machine) { m.timeout = d }
}

// WithSleeper replaces the function used to wait between cycles.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(m *Machine) { m.sleep = sleep }
}

// New creates a Machine. cfg may be nil for the built-in policy.
func New(host githost.Host, cfg *policy.Config, opts ...Option) (*Machine, error) {
	m := &Machine{
		host: host,
		cfg:  cfg,
		poll: retry.RetryConfig{
			BaseBackoff: DefaultPollInterval,
			MaxBackoff:  DefaultMaxPollInterval,
		},
		errRetry: retry.DefaultRetryConfig(),
		sleep:    retry.Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.host == nil {
		return nil, errors.New("a code host is required")
	}
	if m.poll.BaseBackoff <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", m.poll.BaseBackoff)
	}
	if err := m.poll.Validate(); err != nil {
		return nil, fmt.Errorf("invalid poll interval: %w", err)
	}
	if err := m.errRetry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid error retry policy: %w", err)
	}
	if m.timeout < 0 {
		return nil, fmt.Errorf("timeout cannot be negative, got %s", m.timeout)
	}
	return m, nil
}

// run is the state of one orchestration.
type run struct {
	*Machine
	target githost.Target

	state  State
	policy *policy.Effective
	agg    *checks.Aggregator
	sync   *branchsync.Monitor
	merger *merger.Engine

	// pendingSHA is the head a branch update was requested for.
	pendingSHA string
	// checkedSHA is the head whose checks were satisfied.
	checkedSHA string
	// refreshed is set once the head changed during the run, after which
	// an empty check list may only mean CI has not reported yet.
	refreshed bool

	cycles      int
	transitions int
	waits       int
	failures    int

	snapshot Snapshot
	attempts []merger.Attempt
	method   githost.MergeMethod
	commit   string

	span oteltrace.Span
}

func tracer() oteltrace.Tracer {
	return otel.Tracer("chainguard.dev.automerge.orchestrator",
		oteltrace.WithInstrumentationVersion("1.0.0"))
}

// Run drives target until it is merged or the run aborts. The returned
// Result is never nil; err is an *AbortError when the run did not merge.
func (m *Machine) Run(ctx context.Context, target githost.Target) (*Result, error) {
	start := time.Now()
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	ctx, span := tracer().Start(ctx, "automerge.run", oteltrace.WithAttributes(
		attribute.String("pr.owner", target.Owner),
		attribute.String("pr.repo", target.Repo),
		attribute.Int("pr.number", target.Number),
	))
	defer span.End()

	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("pr", target.String()))

	r := &run{
		Machine: m,
		target:  target,
		state:   StateInit,
		sync:    branchsync.New(m.host),
		merger:  merger.New(m.host),
		span:    span,
	}
	err := r.loop(ctx)

	outcome := string(StateMerged)
	var abort *AbortError
	if errors.As(err, &abort) {
		outcome = string(abort.Reason)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("abort.reason", outcome))
	}
	metrics.RecordRun(outcome, time.Since(start))

	return r.result(), err
}

func (r *run) result() *Result {
	return &Result{
		Target:   r.target,
		State:    r.state,
		Policy:   r.policy,
		Method:   r.method,
		Commit:   r.commit,
		Cycles:   r.cycles,
		Attempts: r.attempts,
		Snapshot: r.snapshot,
	}
}

func (r *run) loop(ctx context.Context) error {
	r.transition(ctx, StateResolvingPolicy)
	eff, err := policy.Resolve(r.cfg, r.target)
	if err != nil {
		return r.abort(ctx, ReasonConfigError, err)
	}
	r.policy = eff
	r.agg = checks.NewAggregator(eff, r.providers...)
	clog.FromContext(ctx).With("pattern", eff.Pattern).
		With("required_approvals", eff.RequiredApprovals).
		With("merge_methods", eff.MergeMethods).
		Info("Resolved merge policy")
	r.transition(ctx, StateSyncingBranch)

	for {
		if err := ctx.Err(); err != nil {
			return r.expired(ctx, err)
		}

		before := r.transitions
		r.cycles++
		metrics.RecordCycle(string(r.state))
		err := r.cycle(ctx)

		var abort *AbortError
		var delay time.Duration
		switch {
		case errors.As(err, &abort):
			return abort
		case err != nil && ctx.Err() != nil:
			return r.expired(ctx, err)
		case err != nil:
			r.failures++
			metrics.RecordTransientError(string(r.state))
			if r.failures > r.errRetry.MaxRetries {
				return r.abort(ctx, ReasonTransientFailureExhausted, err)
			}
			delay = r.errRetry.Delay(r.failures-1) + r.errRetry.Jitter()
			clog.FromContext(ctx).With("state", r.state).
				With("attempt", r.failures).
				With("max_retries", r.errRetry.MaxRetries).
				With("backoff", delay).
				With("error", err.Error()).
				Warn("Collaborator error, retrying")
		case r.state == StateMerged:
			return nil
		default:
			r.failures = 0
			if r.transitions != before {
				r.waits = 0
			}
			delay = r.poll.Delay(r.waits)
			r.waits++
			clog.FromContext(ctx).With("state", r.state).With("delay", delay).Debug("Waiting for next poll")
		}

		if err := r.sleep(ctx, delay); err != nil {
			return r.expired(ctx, err)
		}
	}
}

// cycle fetches one snapshot and advances the machine as far as it allows.
// It returns nil when the machine has to wait, an *AbortError when the run
// is over, or a collaborator error to retry.
func (r *run) cycle(ctx context.Context) (err error) {
	ctx, span := tracer().Start(ctx, "automerge.cycle", oteltrace.WithAttributes(
		attribute.String("state", string(r.state)),
		attribute.Int("cycle", r.cycles),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	pr, err := r.host.GetPullRequest(ctx, r.target)
	if err != nil {
		return err
	}
	r.observe(pr)
	log := clog.FromContext(ctx).With("sha", pr.HeadSHA)

	switch {
	case pr.Merged && r.state == StateMerging:
		// Our merge went through but its response was lost.
		log.Info("Pull request was merged by the previous attempt")
		r.transition(ctx, StateMerged)
		return nil
	case pr.Merged:
		return r.abort(ctx, ReasonIneligible, fmt.Errorf("%s is already merged", r.target))
	case pr.State != "open":
		return r.abort(ctx, ReasonIneligible, fmt.Errorf("%s is %s", r.target, pr.State))
	case pr.Draft:
		return r.abort(ctx, ReasonIneligible, fmt.Errorf("%s is a draft", r.target))
	}

	if r.checkedSHA != "" && r.checkedSHA != pr.HeadSHA {
		log.With("checked", r.checkedSHA).Info("Head moved after checks passed, re-validating")
		r.checkedSHA = ""
		r.transition(ctx, StateSyncingBranch)
	}

	for {
		switch r.state {
		case StateSyncingBranch:
			out, err := r.sync.Check(ctx, pr, r.pendingSHA)
			if err != nil {
				return err
			}
			switch out {
			case branchsync.UpToDate:
				r.pendingSHA = ""
				r.transition(ctx, StateAwaitingChecks)
			case branchsync.UpdateRequested:
				r.pendingSHA = pr.HeadSHA
				return nil
			case branchsync.Unsettled:
				return nil
			default:
				return r.abort(ctx, ReasonMergeConflict,
					fmt.Errorf("%s cannot be brought up to date with %s", pr.HeadRef, pr.BaseRef))
			}

		case StateAwaitingChecks:
			res, err := r.agg.Poll(ctx, pr)
			var collision *checks.CollisionError
			if errors.As(err, &collision) {
				return r.abort(ctx, ReasonConfigError, err)
			}
			if err != nil {
				return err
			}
			r.snapshot.Checks = res.Observations
			switch {
			case res.Verdict == checks.AllSatisfied && r.unreported(pr, res):
				log.Debug("No checks reported for the new head yet")
				return nil
			case res.Verdict == checks.AllSatisfied:
				r.checkedSHA = pr.HeadSHA
				r.transition(ctx, StateAwaitingReviews)
			case res.Verdict == checks.HardFailed:
				return r.abort(ctx, ReasonCheckHardFailure, res.Failure)
			default:
				log.With("missing", res.Missing).With("retriggered", res.Retriggered).Debug("Checks not yet satisfied")
				return nil
			}

		case StateAwaitingReviews:
			d := reviewgate.Evaluate(r.policy.RequiredApprovals, pr)
			r.snapshot.Approvals, r.snapshot.RequiredApprovals = d.CurrentApprovals, d.EffectiveMin
			if !d.Approved {
				log.With("approvals", d.CurrentApprovals).With("required", d.EffectiveMin).Debug("Waiting for approvals")
				return nil
			}
			r.transition(ctx, StateMerging)

		case StateMerging:
			attempts, err := r.merger.Merge(ctx, pr, r.policy.MergeMethods)
			r.attempts = append(r.attempts, attempts...)
			switch {
			case err == nil:
				last := attempts[len(attempts)-1]
				r.method, r.commit = last.Method, last.SHA
				r.transition(ctx, StateMerged)
				return nil
			case errors.Is(err, merger.ErrMergeRejected):
				log.With("error", err.Error()).Info("Merge raced with a change to the base branch, re-validating")
				r.checkedSHA = ""
				r.transition(ctx, StateSyncingBranch)
				return nil
			case errors.Is(err, merger.ErrNoAllowedMergeMethod):
				return r.abort(ctx, ReasonNoAllowedMergeMethod, err)
			default:
				return err
			}

		default:
			return fmt.Errorf("cycle started in unexpected state %s", r.state)
		}
	}
}

// unreported reports whether an empty check set for a replaced head means
// its CI has not started. A head replaced during the run passes with no
// checks only when none were ever seen and the host calls it clean.
func (r *run) unreported(pr *githost.PullRequest, res *checks.Result) bool {
	if !r.refreshed || len(res.Observations) > 0 {
		return false
	}
	return r.agg.Observed() || pr.MergeableState != githost.MergeableStateClean
}

func (r *run) observe(pr *githost.PullRequest) {
	if r.snapshot.HeadSHA != "" && r.snapshot.HeadSHA != pr.HeadSHA {
		r.refreshed = true
	}
	r.snapshot.HeadSHA = pr.HeadSHA
	r.snapshot.MergeableState = pr.MergeableState
	r.snapshot.Approvals = pr.Approvals
}

func (r *run) transition(ctx context.Context, to State) {
	from := r.state
	r.state = to
	r.transitions++
	r.span.AddEvent("transition", oteltrace.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
	clog.FromContext(ctx).With("from", from).With("to", to).Info("State transition")
}

func (r *run) abort(ctx context.Context, reason Reason, cause error) *AbortError {
	err := &AbortError{
		Reason:   reason,
		State:    r.state,
		Cause:    cause,
		Snapshot: r.snapshot,
	}
	r.transition(ctx, StateAborted)
	clog.FromContext(ctx).With("reason", reason).With("error", err.Error()).Error("Run aborted")
	return err
}

// expired aborts a run whose context is done.
func (r *run) expired(ctx context.Context, cause error) *AbortError {
	// ctx is done; keep its logger but drop the cancellation.
	ctx = context.WithoutCancel(ctx)
	if r.state == StateAwaitingReviews {
		return r.abort(ctx, ReasonInsufficientApprovalsTimeout, fmt.Errorf("have %d of %d approvals: %w",
			r.snapshot.Approvals, r.snapshot.RequiredApprovals, cause))
	}
	return r.abort(ctx, ReasonTimeout, cause)
}
