/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package merger merges a pull request, falling back through an ordered
// list of merge methods while the host reports the method as not allowed.
package merger

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/chainguard-dev/clog"

	"chainguard.dev/automerge/githost"
	"chainguard.dev/automerge/metrics"
)

var (
	// ErrMergeRejected matches a *RejectedError.
	ErrMergeRejected = errors.New("merge rejected")
	// ErrNoAllowedMergeMethod is returned when every method was refused as not allowed.
	ErrNoAllowedMergeMethod = errors.New("no allowed merge method")
)

// RejectedError is a merge refused for a reason other than the method,
// typically because the base branch moved.
type RejectedError struct {
	Method  githost.MergeMethod
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s merge rejected: %s", e.Method, e.Message)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrMergeRejected
}

// Attempt records one merge call.
type Attempt struct {
	Method  githost.MergeMethod
	Outcome githost.MergeOutcome
	Message string
	// SHA is the merge commit of an accepted attempt.
	SHA string
}

// Engine performs merges through a host.
type Engine struct {
	host githost.Host
}

// New creates an Engine.
func New(host githost.Host) *Engine {
	return &Engine{host: host}
}

// Merge tries each method in order until one is accepted. The attempt log is
// returned in every case.
func (e *Engine) Merge(ctx context.Context, pr *githost.PullRequest, methods []githost.MergeMethod) ([]Attempt, error) {
	log := clog.FromContext(ctx).With("sha", pr.HeadSHA)

	attempts := make([]Attempt, 0, len(methods))
	for _, method := range methods {
		if len(pr.AllowedMergeMethods) > 0 && !slices.Contains(pr.AllowedMergeMethods, method) {
			log.With("method", method, "allowed", pr.AllowedMergeMethods).Debug("Method not advertised by the repository, trying anyway")
		}

		res, err := e.host.AttemptMerge(ctx, pr, method)
		if err != nil {
			return attempts, fmt.Errorf("merging with %s: %w", method, err)
		}
		attempts = append(attempts, Attempt{Method: method, Outcome: res.Outcome, Message: res.Message, SHA: res.SHA})
		metrics.RecordMergeAttempt(string(method), string(res.Outcome))

		switch res.Outcome {
		case githost.MergeAccepted:
			log.With("method", method, "commit", res.SHA).Info("Pull request merged")
			return attempts, nil
		case githost.MergeRejectedMethodNotAllowed:
			log.With("method", method).Info("Merge method not allowed, trying the next one")
		default:
			log.With("method", method, "reason", res.Message).Warn("Merge rejected")
			return attempts, &RejectedError{Method: method, Message: res.Message}
		}
	}
	return attempts, fmt.Errorf("%w: tried %v", ErrNoAllowedMergeMethod, methods)
}
