/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package orchestrator

import (
	"errors"
	"fmt"
)

// Reason classifies a terminal abort.
type Reason string

const (
	ReasonConfigError                  Reason = "ConfigError"
	ReasonCheckHardFailure             Reason = "CheckHardFailure"
	ReasonMergeConflict                Reason = "MergeConflict"
	ReasonInsufficientApprovalsTimeout Reason = "InsufficientApprovalsTimeout"
	ReasonNoAllowedMergeMethod         Reason = "NoAllowedMergeMethod"
	ReasonTimeout                      Reason = "Timeout"
	ReasonTransientFailureExhausted    Reason = "TransientFailureExhausted"
	ReasonIneligible                   Reason = "Ineligible"
)

// Sentinels matched by *AbortError through errors.Is.
var (
	ErrConfig                    = errors.New("configuration error")
	ErrCheckHardFailure          = errors.New("check failed beyond its allowance")
	ErrMergeConflict             = errors.New("merge conflict")
	ErrInsufficientApprovals     = errors.New("insufficient approvals")
	ErrNoAllowedMergeMethod      = errors.New("no allowed merge method")
	ErrTimeout                   = errors.New("timed out")
	ErrTransientFailureExhausted = errors.New("transient failures exhausted")
	ErrIneligible                = errors.New("pull request cannot be merged")
)

var sentinels = map[Reason][]error{
	ReasonConfigError:                  {ErrConfig},
	ReasonCheckHardFailure:             {ErrCheckHardFailure},
	ReasonMergeConflict:                {ErrMergeConflict},
	ReasonInsufficientApprovalsTimeout: {ErrInsufficientApprovals, ErrTimeout},
	ReasonNoAllowedMergeMethod:         {ErrNoAllowedMergeMethod},
	ReasonTimeout:                      {ErrTimeout},
	ReasonTransientFailureExhausted:    {ErrTransientFailureExhausted},
	ReasonIneligible:                   {ErrIneligible},
}

// Retryable reports whether running again later may succeed without a human
// changing anything.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonTimeout, ReasonInsufficientApprovalsTimeout, ReasonTransientFailureExhausted:
		return true
	}
	return false
}

// AbortError is the terminal failure of a run.
type AbortError struct {
	Reason Reason
	// State is the state the machine was in when it aborted.
	State State
	Cause error
	// Snapshot is the last observed state of the pull request.
	Snapshot Snapshot
}

func (e *AbortError) Error() string {
	msg := fmt.Sprintf("aborted in %s: %s", e.State, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AbortError) Unwrap() error {
	return e.Cause
}

func (e *AbortError) Is(target error) bool {
	for _, s := range sentinels[e.Reason] {
		if target == s {
			return true
		}
	}
	return false
}
