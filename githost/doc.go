/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package githost is the code-host boundary of automerge.
//
// It defines the Host capability the orchestrator consumes (fetch a pull
// request snapshot, request a branch update, attempt a merge) together with
// the value types that cross that boundary, and a GitHub implementation built
// on go-github (REST) and githubv4 (GraphQL).
//
// # Snapshots
//
// GetPullRequest returns a PullRequest snapshot combining the pull request
// itself, the approvals counted from each reviewer's latest opinionated review,
// the base branch protection's required approving review count (nil when the
// branch is not protected or the protection cannot be read) and the merge
// methods the repository advertises.
//
// # Rate limits
//
// Rate limit and 5xx responses are retried inside the client with exponential
// backoff. Errors that survive the retries are returned to the caller, which
// treats them as transient.
package githost
