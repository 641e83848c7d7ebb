/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package githost

import (
	"context"

	"github.com/chainguard-dev/clog"
)

// DryRun wraps a Host and reports branch updates and merges as successful
// without performing them. Reads are delegated.
type DryRun struct {
	Host
}

// AttemptMerge implements Host.
func (d DryRun) AttemptMerge(ctx context.Context, pr *PullRequest, method MergeMethod) (*MergeResult, error) {
	clog.FromContext(ctx).With("method", method).With("sha", pr.HeadSHA).Info("Dry run, skipping merge")
	return &MergeResult{Outcome: MergeAccepted, Message: "dry run"}, nil
}

// RequestBranchUpdate implements Host.
func (d DryRun) RequestBranchUpdate(ctx context.Context, pr *PullRequest) (UpdateOutcome, error) {
	clog.FromContext(ctx).With("branch", pr.HeadRef).With("sha", pr.HeadSHA).Info("Dry run, skipping branch update")
	return UpdateOK, nil
}
