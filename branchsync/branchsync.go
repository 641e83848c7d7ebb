/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package branchsync keeps a pull request's head branch current with its
// base branch.
package branchsync

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"

	"chainguard.dev/automerge/githost"
)

// Outcome is the result of one branch currency check.
type Outcome string

const (
	// UpToDate means the head branch does not lag the base branch.
	UpToDate Outcome = "up_to_date"
	// UpdateRequested means an update is in flight; check again later.
	UpdateRequested Outcome = "update_requested"
	// UpdateFailed means the branch cannot be updated without a human.
	UpdateFailed Outcome = "update_failed"
	// Unsettled means the host is still computing mergeability, typically
	// right after the head moved; check again later.
	Unsettled Outcome = "unsettled"
)

// Monitor checks branch currency and requests updates through the host.
// It holds no state: the caller passes the head SHA it last requested an
// update for.
type Monitor struct {
	host githost.Host
}

// New creates a Monitor.
func New(host githost.Host) *Monitor {
	return &Monitor{host: host}
}

// Check inspects pr and requests a branch update when it is behind, unless
// one was already requested for the current head (pendingSHA).
func (m *Monitor) Check(ctx context.Context, pr *githost.PullRequest, pendingSHA string) (Outcome, error) {
	log := clog.FromContext(ctx).With("sha", pr.HeadSHA)

	switch {
	case pr.Conflicted():
		log.Warn("Pull request has conflicts with its base branch")
		return UpdateFailed, nil
	case pr.MergeableState == githost.MergeableStateUnknown:
		log.Debug("Mergeability not computed yet, waiting")
		return Unsettled, nil
	case !pr.Behind():
		return UpToDate, nil
	case pendingSHA != "" && pendingSHA == pr.HeadSHA:
		log.Debug("Branch update already requested, waiting")
		return UpdateRequested, nil
	}

	outcome, err := m.host.RequestBranchUpdate(ctx, pr)
	if err != nil {
		return "", fmt.Errorf("updating branch %s: %w", pr.HeadRef, err)
	}
	switch outcome {
	case githost.UpdateOK:
		log.With("base", pr.BaseRef).Info("Pull request is behind, requested a branch update")
		return UpdateRequested, nil
	case githost.UpdateConflict:
		log.Warn("Branch update rejected due to conflicts")
		return UpdateFailed, nil
	default:
		return "", fmt.Errorf("unexpected branch update outcome %q", outcome)
	}
}
