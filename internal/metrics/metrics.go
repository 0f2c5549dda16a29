// Package metrics holds the Prometheus collectors for chatflow.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeFallback = "fallback"
	OutcomeRejected = "rejected"
)

var (
	StageRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_stage_runs_total",
			Help: "Stage invocations by outcome",
		},
		[]string{"stage", "outcome"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatflow_stage_duration_seconds",
			Help:    "Time spent processing one message in a stage",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"stage"},
	)

	FlowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_flows_completed_total",
			Help: "Flows that reached the terminal stage",
		},
		[]string{"degraded"},
	)

	ValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_validation_failures_total",
			Help: "Stage inputs rejected by payload validation; the flow halts",
		},
		[]string{"stage"},
	)

	IngestedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_ingested_records_total",
			Help: "Records embedded and written to the vector store",
		},
		[]string{"source"},
	)

	// 0 = closed, 1 = half-open, 2 = open
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatflow_circuit_breaker_state",
			Help: "Circuit breaker state per provider capability",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)

// ObserveStage records one stage run.
func ObserveStage(stage, outcome string, elapsed time.Duration) {
	StageRuns.WithLabelValues(stage, outcome).Inc()
	StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
