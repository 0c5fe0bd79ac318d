// Package metrics owns the gateway request metrics: the in-process
// Collector behind the snapshot endpoint and the Prometheus series exported
// at /metrics. Store, cache and rate limit metrics are defined in their own
// packages to avoid circular dependencies.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the default Prometheus registry used by the gateway.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

var (
	// RequestsTotal counts completed requests by normalized route and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests that completed the gateway pipeline",
		},
		[]string{"route", "status"},
	)

	// RequestDuration tracks end-to-end pipeline latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Duration of requests through the gateway pipeline in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// Metrics Documentation
//
// Request Metrics (pkg/metrics):
//   - gateway_requests_total{route, status} (Counter): Completed requests, including rejections and cache hits
//   - gateway_request_duration_seconds{route} (Histogram): Pipeline latency
//
// Rate Limit Metrics (pkg/ratelimit):
//   - gateway_rate_limit_decisions_total{class, decision} (Counter): allowed / rejected decisions
//   - gateway_rate_limit_store_errors_total (Counter): Decisions that failed open
//
// Cache Metrics (pkg/cache):
//   - gateway_cache_hits_total (Counter): Responses served from the cache
//   - gateway_cache_misses_total (Counter): Lookups that invoked the handler
//   - gateway_cache_invalidations_total (Counter): Entries removed by mutating requests
//   - gateway_cache_errors_total{operation} (Counter): Store failures while caching
//
// Store Metrics (pkg/store):
//   - gateway_store_operations_total{operation, status} (Counter)
//   - gateway_store_operation_duration_seconds{operation} (Histogram)
//   - gateway_store_breaker_state (Gauge): 0 closed, 1 half-open, 2 open
//   - gateway_store_connect_retries_total (Counter)
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(gateway_cache_hits_total[5m])) /
//   (sum(rate(gateway_cache_hits_total[5m])) + sum(rate(gateway_cache_misses_total[5m])))
//
//   # Rejection Rate
//   sum(rate(gateway_rate_limit_decisions_total{decision="rejected"}[5m]))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, sum by (le) (rate(gateway_request_duration_seconds_bucket[5m])))
//
//   # Fail-open decisions
//   rate(gateway_rate_limit_store_errors_total[5m]) > 0
