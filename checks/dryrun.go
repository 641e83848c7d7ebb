/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package checks

import (
	"context"

	"github.com/chainguard-dev/clog"

	"chainguard.dev/automerge/githost"
)

// DryRun wraps a Provider and reports re-runs as requested without
// performing them.
type DryRun struct {
	Provider
}

// RetriggerCheck implements Provider.
func (d DryRun) RetriggerCheck(ctx context.Context, _ *githost.PullRequest, check Check) (RetriggerOutcome, error) {
	clog.FromContext(ctx).With("check", check.Name).With("provider", d.Kind()).Info("Dry run, skipping re-run")
	return RetriggerOK, nil
}

// ForRun implements RunScoped for wrapped providers that keep run state.
func (d DryRun) ForRun() Provider {
	if rs, ok := d.Provider.(RunScoped); ok {
		return DryRun{Provider: rs.ForRun()}
	}
	return d
}
