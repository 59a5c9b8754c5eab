// Package metrics registers the process-wide Prometheus collectors for
// the research client core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Query metrics
	QueriesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchkit_queries_submitted_total",
			Help: "Total number of research queries submitted",
		},
		[]string{"mode"},
	)

	QueriesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchkit_queries_failed_total",
			Help: "Total number of research queries that surfaced an error",
		},
		[]string{"mode"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "researchkit_query_duration_seconds",
			Help:    "Synchronous portion of query submission in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// Push event metrics
	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchkit_events_dispatched_total",
			Help: "Push events dispatched to registered handlers",
		},
		[]string{"topic"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "researchkit_events_dropped_total",
			Help: "Push events dropped as unparseable",
		},
	)

	HandlerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "researchkit_event_handler_panics_total",
			Help: "Handler panics recovered during event dispatch",
		},
	)

	// Task ledger metrics
	TasksTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "researchkit_tasks_tracked",
			Help: "Background tasks currently tracked by the ledger",
		},
	)

	TaskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchkit_task_transitions_total",
			Help: "Task status transitions applied",
		},
		[]string{"status"},
	)

	ResultsInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "researchkit_results_inserted_total",
			Help: "Research results inserted into the result list",
		},
	)

	ResultsSkippedTrivial = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "researchkit_results_skipped_trivial_total",
			Help: "Completion payloads skipped by the non-trivial result guard",
		},
	)

	// Clarification metrics
	ClarificationsPresented = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "researchkit_clarifications_presented_total",
			Help: "Clarification cards presented",
		},
	)

	ClarificationsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchkit_clarifications_resolved_total",
			Help: "Clarification resolutions by outcome",
		},
		[]string{"outcome"},
	)

	// History metrics
	HistoryLoads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "researchkit_history_loads_total",
			Help: "History load operations served from the local store",
		},
	)
)
