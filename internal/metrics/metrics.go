// Package metrics exposes Prometheus collectors for the lifecycle engine.
// Served at /metrics in Prometheus text exposition format.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// CyclesTotal counts reconciliation cycles by outcome (ok|error).
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_cycles_total",
			Help: "Reconciliation cycles run, by outcome",
		},
		[]string{"outcome"},
	)

	// CycleDuration observes how long one reconciliation cycle takes.
	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lifecycle_cycle_duration_seconds",
			Help:    "Duration of one reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// InferredFills counts fills inferred from order disappearance, by type.
	InferredFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_inferred_fills_total",
			Help: "Fills inferred from order disappearance, by type",
		},
		[]string{"type"},
	)

	// ActivePositions tracks the number of non-terminal positions.
	ActivePositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lifecycle_positions_active",
			Help: "Positions currently in a non-terminal phase",
		},
	)

	// RemoteErrors counts remote-call failures per credential+market scope.
	RemoteErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_remote_errors_total",
			Help: "Remote call failures, by scope",
		},
		[]string{"scope"},
	)

	// ForceCloses counts expiry-driven force closes.
	ForceCloses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lifecycle_force_closes_total",
			Help: "Positions force-closed by the expiry enforcer",
		},
	)

	// ExpiryWarnings counts expiry warnings sent.
	ExpiryWarnings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lifecycle_expiry_warnings_total",
			Help: "Expiry warnings issued",
		},
	)

	// UnprotectedFaults counts CRITICAL unprotected-position faults.
	UnprotectedFaults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lifecycle_unprotected_faults_total",
			Help: "CRITICAL faults where a position was left without protection",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CyclesTotal,
		CycleDuration,
		InferredFills,
		ActivePositions,
		RemoteErrors,
		ForceCloses,
		ExpiryWarnings,
		UnprotectedFaults,
	)
}
