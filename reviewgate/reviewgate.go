/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package reviewgate decides whether a pull request has enough approvals.
package reviewgate

import (
	"fmt"

	"chainguard.dev/automerge/githost"
)

// State is the review picture of a pull request.
type State struct {
	CurrentApprovals int
	// BranchProtectionMin is the host's requirement, nil when unknown or absent.
	BranchProtectionMin *int
	// EffectiveMin is the larger of the policy and branch protection minimums.
	EffectiveMin int
}

// Decision is the outcome of Evaluate.
type Decision struct {
	State
	Approved bool
}

func (d Decision) String() string {
	if d.Approved {
		return fmt.Sprintf("approved (%d of %d)", d.CurrentApprovals, d.EffectiveMin)
	}
	return fmt.Sprintf("insufficient approvals (have %d, need %d)", d.CurrentApprovals, d.EffectiveMin)
}

// Evaluate compares the approvals on pr against the larger of required and
// the host's branch protection minimum.
func Evaluate(required int, pr *githost.PullRequest) Decision {
	s := State{
		CurrentApprovals:    pr.Approvals,
		BranchProtectionMin: pr.BranchProtectionMinApprovals,
		EffectiveMin:        max(required, 0),
	}
	if s.BranchProtectionMin != nil {
		s.EffectiveMin = max(s.EffectiveMin, *s.BranchProtectionMin)
	}
	return Decision{State: s, Approved: s.CurrentApprovals >= s.EffectiveMin}
}
