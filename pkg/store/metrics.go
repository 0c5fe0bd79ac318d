package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts store operations by operation and outcome.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_store_operations_total",
			Help: "Total number of cache store operations",
		},
		[]string{"operation", "status"}, // status: "success", "not_found", "error", "open"
	)

	// OperationDuration tracks store round-trip latency.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_store_operation_duration_seconds",
			Help:    "Duration of cache store operations in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
		[]string{"operation"},
	)

	// BreakerState exposes the breaker state (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_store_breaker_state",
			Help: "Circuit breaker state for the cache store (0=closed, 1=half-open, 2=open)",
		},
	)
)
