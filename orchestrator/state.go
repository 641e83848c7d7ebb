/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package orchestrator

import (
	"chainguard.dev/automerge/checks"
	"chainguard.dev/automerge/githost"
	"chainguard.dev/automerge/merger"
	"chainguard.dev/automerge/policy"
)

// State is a node of the orchestration state machine.
type State string

const (
	StateInit            State = "init"
	StateResolvingPolicy State = "resolving_policy"
	StateSyncingBranch   State = "syncing_branch"
	StateAwaitingChecks  State = "awaiting_checks"
	StateAwaitingReviews State = "awaiting_reviews"
	StateMerging         State = "merging"
	StateMerged          State = "merged"
	StateAborted         State = "aborted"
)

// Terminal reports whether s ends the run.
func (s State) Terminal() bool {
	return s == StateMerged || s == StateAborted
}

// Snapshot is the last observed state of the pull request, for reporting.
type Snapshot struct {
	HeadSHA        string
	MergeableState string

	Approvals         int
	RequiredApprovals int

	Checks []checks.Observation
}

// Result describes a finished run.
type Result struct {
	Target githost.Target
	State  State
	// Policy is nil when the policy could not be resolved.
	Policy *policy.Effective

	// Method and Commit are set when the pull request was merged.
	Method githost.MergeMethod
	Commit string

	Cycles   int
	Attempts []merger.Attempt
	Snapshot Snapshot
}
