/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package retry provides exponential backoff helpers shared by the API
// adapters (rate limits, 5xx responses) and the orchestrator's polling loop.
//
// Delays double from BaseBackoff on every attempt and are capped at
// MaxBackoff. Sleeps are always cancellable through the context.
package retry
