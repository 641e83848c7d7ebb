/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package orchestrator drives a single pull request to a merge.
//
// A Machine resolves the repository policy once, then polls the code host
// in cycles. Every cycle fetches one snapshot of the pull request and
// advances through the states below as far as that snapshot allows:
//
//	Init → ResolvingPolicy → SyncingBranch → AwaitingChecks → AwaitingReviews → Merging → Merged
//
// A state that has to wait (a branch update in flight, checks running,
// approvals missing) ends the cycle and the machine sleeps. The sleep grows
// exponentially while the machine stays in the same state and drops back to
// the base interval after any transition. A merge rejected for a reason
// other than the merge method rewinds the machine to SyncingBranch, since
// the base branch most likely moved under it.
//
// Terminal failures are reported as *AbortError values carrying a Reason,
// the state the machine was in and the last observed snapshot. Errors from
// the code host or CI providers are retried with backoff up to a bound
// before the run aborts with TransientFailureExhausted. Deadline expiry or
// cancellation aborts with Timeout, or InsufficientApprovalsTimeout when
// the machine was waiting for reviews.
package orchestrator
