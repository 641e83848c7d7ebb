/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package checks aggregates CI check state for a pull request across
// providers and decides, poll after poll, whether the checks are satisfied,
// still running, or failed beyond their flakiness allowance.
//
// An Aggregator lives for exactly one orchestration run. It remembers the
// last observed run of every check so that a failure is counted once, and
// requests a re-run through the owning Provider at most once per counted
// failure:
//
//	agg := checks.NewAggregator(eff, actions.New(gh), circleci.New(gh, cci))
//	res, err := agg.Poll(ctx, pr)
//	switch res.Verdict {
//	case checks.AllSatisfied:
//	case checks.StillWaiting:
//	case checks.HardFailed:
//		return res.Failure
//	}
package checks
