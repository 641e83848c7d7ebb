/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package policy resolves the merge policy that applies to one pull request.
//
// A Config holds the global policy and an ordered list of repository
// overrides. Resolve picks the single best override for the target
// repository (an exact "owner/repo" pattern beats an "owner/*" wildcard) and
// overlays its set fields onto the global policy, producing an immutable
// Effective policy for the run.
//
// Configuration mistakes are reported as *ConfigError before any network
// activity happens.
package policy
