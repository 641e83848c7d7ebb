/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package checks

import (
	"context"
	"errors"
	"fmt"

	"chainguard.dev/automerge/githost"
)

// State is the classified state of a single check.
type State string

const (
	StatePending State = "pending"
	StateSuccess State = "success"
	StateFailure State = "failure"
)

// Kind names a CI provider. The set is closed: new providers add a Kind.
type Kind string

const (
	KindGitHubActions Kind = "github-actions"
	KindCircleCI      Kind = "circleci"
)

// Check is one named CI check as reported by a provider.
type Check struct {
	Name  string
	State State
	// RunID identifies the run that produced State. A re-run must report a
	// different RunID so that its failure is counted separately.
	RunID string
	// URL points at the run, if the provider knows it.
	URL string
}

// RetriggerOutcome is a provider's answer to a re-run request.
type RetriggerOutcome string

const (
	RetriggerOK          RetriggerOutcome = "ok"
	RetriggerUnsupported RetriggerOutcome = "unsupported"
)

// Provider is a CI system that can list and re-run checks for a pull request.
type Provider interface {
	Kind() Kind
	ListChecks(ctx context.Context, pr *githost.PullRequest) ([]Check, error)
	RetriggerCheck(ctx context.Context, pr *githost.PullRequest, check Check) (RetriggerOutcome, error)
}

// RunScoped is implemented by providers that keep state while re-running
// checks. NewAggregator calls ForRun so that no such state outlives a run.
type RunScoped interface {
	ForRun() Provider
}

// Observation is the aggregated view of one check after a poll.
type Observation struct {
	Name     string
	Provider Kind
	State    State
	// Failures is the cumulative number of failed runs seen this run.
	Failures int
	URL      string
}

// Verdict summarises all checks after a poll.
type Verdict string

const (
	AllSatisfied Verdict = "all_satisfied"
	StillWaiting Verdict = "still_waiting"
	HardFailed   Verdict = "hard_failure"
)

// ErrHardFailure matches every *HardFailure with errors.Is.
var ErrHardFailure = errors.New("check hard failure")

// HardFailure reports a check that failed more often than its policy allows.
type HardFailure struct {
	Name  string
	Count int
	Max   int
}

func (h *HardFailure) Error() string {
	return fmt.Sprintf("check %q failed %d times (allowed %d)", h.Name, h.Count, h.Max)
}

func (h *HardFailure) Is(target error) bool {
	return target == ErrHardFailure
}

// CollisionError reports two providers publishing a check with the same name.
type CollisionError struct {
	Name      string
	Providers [2]Kind
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("check %q is reported by both %s and %s", e.Name, e.Providers[0], e.Providers[1])
}

// Result is the outcome of one Poll.
type Result struct {
	Verdict Verdict
	// Observations is sorted by check name.
	Observations []Observation
	// Failure is set when Verdict is HardFailed.
	Failure *HardFailure
	// Retriggered lists the checks a re-run was requested for during this poll.
	Retriggered []string
	// Missing lists required checks no provider reported.
	Missing []string
}
