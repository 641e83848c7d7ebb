/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package metrics holds the Prometheus instruments shared by the automerge
// components. Everything registers with the default registry; the command
// exposes it with promhttp when a metrics port is configured.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automerge_runs_total",
			Help: "Total number of finished orchestration runs",
		},
		[]string{"outcome"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automerge_run_duration_seconds",
			Help:    "Wall-clock duration of orchestration runs",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10),
		},
		[]string{"outcome"},
	)

	cycleCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automerge_poll_cycles_total",
			Help: "Total number of poll cycles, by the state the cycle started in",
		},
		[]string{"state"},
	)

	transientCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automerge_transient_errors_total",
			Help: "Total number of collaborator errors retried by the state machine",
		},
		[]string{"state"},
	)

	retriggerCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automerge_check_retriggers_total",
			Help: "Total number of re-run requests for failed checks",
		},
		[]string{"provider", "outcome"},
	)

	mergeAttemptCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automerge_merge_attempts_total",
			Help: "Total number of merge attempts",
		},
		[]string{"method", "outcome"},
	)
)

// RecordRun counts a finished run and observes its duration.
func RecordRun(outcome string, d time.Duration) {
	runCounter.With(prometheus.Labels{"outcome": outcome}).Inc()
	runDuration.With(prometheus.Labels{"outcome": outcome}).Observe(d.Seconds())
}

// RecordCycle counts a poll cycle that started in state.
func RecordCycle(state string) {
	cycleCounter.With(prometheus.Labels{"state": state}).Inc()
}

// RecordTransientError counts a retried collaborator error.
func RecordTransientError(state string) {
	transientCounter.With(prometheus.Labels{"state": state}).Inc()
}

// RecordRetrigger counts a re-run request.
func RecordRetrigger(provider, outcome string) {
	retriggerCounter.With(prometheus.Labels{"provider": provider, "outcome": outcome}).Inc()
}

// RecordMergeAttempt counts a merge attempt with one method.
func RecordMergeAttempt(method, outcome string) {
	mergeAttemptCounter.With(prometheus.Labels{"method": method, "outcome": outcome}).Inc()
}
