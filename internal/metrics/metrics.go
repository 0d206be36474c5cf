// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "supervisor"

// ============ events ============

var EventsAppended = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventlog",
		Name:      "appended_total",
		Help:      "Events written to the event log by type",
	},
	[]string{"type"},
)

var EventsDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventlog",
		Name:      "dropped_total",
		Help:      "Events that could not be persisted",
	},
)

// ============ heartbeat / risk ============

var HeartbeatsReceived = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "heartbeat",
		Name:      "received_total",
		Help:      "Heartbeats ingested, by outcome",
	},
	[]string{"outcome"},
)

var HeartbeatAge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "heartbeat",
		Name:      "age_seconds",
		Help:      "Seconds since the last accepted heartbeat (-1 when none)",
	},
)

var OrderDecisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "order_decisions_total",
		Help:      "Order evaluations by decision code",
	},
	[]string{"code", "allowed"},
)

var OrderEvaluationLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "order_evaluation_seconds",
		Help:      "Time spent inside the order gate",
		Buckets:   []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
	},
)

var RiskHalted = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "halted",
		Help:      "1 while the auto-halt is active",
	},
)

var RiskMultiplier = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "multiplier",
		Help:      "Current risk multiplier applied to order ceilings",
	},
)

// ============ policy / moderator ============

var PolicyPublications = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "policy",
		Name:      "publications_total",
		Help:      "Published policy documents by mode and source",
	},
	[]string{"mode", "source"},
)

var PolicyVersion = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "policy",
		Name:      "version",
		Help:      "Version of the current policy document",
	},
)

var ModeratorCalls = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "moderator",
		Name:      "calls_total",
		Help:      "Moderator review outcomes (ok, error, timeout, rejected)",
	},
	[]string{"outcome"},
)

var ModeratorLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "moderator",
		Name:      "review_seconds",
		Help:      "Moderator review latency",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8},
	},
)

var BreakerState = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "moderator",
		Name:      "breaker_state",
		Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open",
	},
)

// ============ process ============

var ProcessTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "transitions_total",
		Help:      "Worker lifecycle transitions by target state",
	},
	[]string{"to"},
)

var ProcessRestarts = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "restarts_total",
		Help:      "Automatic worker restarts",
	},
)

// ============ snapshot / api ============

var SnapshotRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "runs_total",
		Help:      "Snapshot runs by result (fresh, carried, error)",
	},
	[]string{"result"},
)

var HTTPRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Control API request latency",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"route", "method", "status"},
)
