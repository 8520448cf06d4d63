package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Assignment metrics
	AssignmentsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marcus_assignments_active",
			Help: "Number of active assignments in the ledger",
		},
	)

	AssignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marcus_assignments_total",
			Help: "Total assignment transitions by outcome",
		},
		[]string{"outcome"}, // assigned, completed, blocked, failed, released, expired, or a failure reason
	)

	AssignmentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marcus_assignment_decision_seconds",
			Help:    "Time spent inside the global assignment critical section",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Lease metrics
	LeaseRenewalsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marcus_lease_renewals_total",
			Help: "Total lease renewals, explicit and automatic",
		},
	)

	LeaseExpirationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marcus_lease_expirations_total",
			Help: "Total leases expired by the tick loop",
		},
	)

	// Monitor metrics
	ReversionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marcus_reversions_total",
			Help: "Out-of-band board changes detected, by kind",
		},
		[]string{"kind"}, // reverted_to_todo, reassigned, completed_by_other, blocked, missing
	)

	MonitorCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marcus_monitor_cycles_total",
			Help: "Completed reversion-monitor cycles",
		},
	)

	MonitorCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marcus_monitor_cycle_seconds",
			Help:    "Reversion-monitor cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Inference metrics
	InferenceRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marcus_inference_runs_total",
			Help: "Dependency inference runs by result source",
		},
		[]string{"source"}, // cache, full, pattern_only
	)

	OracleCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marcus_oracle_calls_total",
			Help: "Oracle calls by operation and status",
		},
		[]string{"operation", "status"},
	)

	// Event bus metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marcus_events_published_total",
			Help: "Events published by type",
		},
		[]string{"type"},
	)

	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marcus_events_dropped_total",
			Help: "Events dropped due to full subscriber queues",
		},
	)

	// Tool surface metrics
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marcus_tool_calls_total",
			Help: "Tool invocations by tool and status",
		},
		[]string{"tool", "status"},
	)
)

// Register registers all collectors with the default registry.
// Safe to call once at startup; the stdio server does not expose an HTTP
// endpoint itself, an embedding process may.
func Register() {
	prometheus.MustRegister(
		AssignmentsActive,
		AssignmentsTotal,
		AssignmentDuration,
		LeaseRenewalsTotal,
		LeaseExpirationsTotal,
		ReversionsTotal,
		MonitorCyclesTotal,
		MonitorCycleDuration,
		InferenceRunsTotal,
		OracleCallsTotal,
		EventsPublishedTotal,
		EventsDroppedTotal,
		ToolCallsTotal,
	)
}
