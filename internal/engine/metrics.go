package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. One Metrics may be shared
// by many engine instances; series are labelled by module.
type Metrics struct {
	// Transactions counts finished transactions.
	// Labels: module, lane, outcome (Converged, Degraded, failed)
	Transactions *prometheus.CounterVec

	// Steps counts plan steps by disposition.
	// Labels: module, disposition (executed, skipped, changed)
	Steps *prometheus.CounterVec

	// ConvergeDuration measures convergence passes in seconds.
	// Labels: module, mode (executed mode)
	ConvergeDuration *prometheus.HistogramVec

	// PlanCache counts plan cache decisions.
	// Labels: module, result (hit, miss, disabled)
	PlanCache *prometheus.CounterVec

	// QueueDepth is the number of queued transactions.
	// Labels: module, lane
	QueueDepth *prometheus.GaugeVec

	// Ticks counts scheduler ticks.
	// Labels: module, via (microtask, macrotask), forced (true, false)
	Ticks *prometheus.CounterVec

	// Diagnostics counts emitted diagnostics.
	// Labels: module, code
	Diagnostics *prometheus.CounterVec

	// SourceLoads counts source refresh loads.
	// Labels: module, resource, status (ok, error, shared, stale)
	SourceLoads *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors on reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statekernel",
			Subsystem: "engine",
			Name:      "transactions_total",
			Help:      "Finished transactions by lane and outcome",
		}, []string{"module", "lane", "outcome"}),
		Steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statekernel",
			Subsystem: "converge",
			Name:      "steps_total",
			Help:      "Plan steps by disposition",
		}, []string{"module", "disposition"}),
		ConvergeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "statekernel",
			Subsystem: "converge",
			Name:      "duration_seconds",
			Help:      "Convergence pass duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.2, 0.5},
		}, []string{"module", "mode"}),
		PlanCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statekernel",
			Subsystem: "converge",
			Name:      "plan_cache_total",
			Help:      "Plan cache decisions",
		}, []string{"module", "result"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "statekernel",
			Subsystem: "engine",
			Name:      "queue_depth",
			Help:      "Queued transactions by lane",
		}, []string{"module", "lane"}),
		Ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statekernel",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduler ticks by host path",
		}, []string{"module", "via", "forced"}),
		Diagnostics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statekernel",
			Subsystem: "engine",
			Name:      "diagnostics_total",
			Help:      "Emitted diagnostics by code",
		}, []string{"module", "code"}),
		SourceLoads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statekernel",
			Subsystem: "source",
			Name:      "loads_total",
			Help:      "Source refresh loads by status",
		}, []string{"module", "resource", "status"}),
	}
}
