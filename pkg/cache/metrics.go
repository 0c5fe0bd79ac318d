package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks responses served from the cache
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Total number of responses served from the cache",
		},
	)

	// CacheMisses tracks lookups that invoked the handler
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	// CacheStores tracks responses written to the cache
	CacheStores = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_cache_stores_total",
			Help: "Total number of responses written to the cache",
		},
	)

	// CacheInvalidations tracks entries removed by mutating requests
	CacheInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_cache_invalidations_total",
			Help: "Total number of cache entries removed by mutating requests",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "invalidate"
	)

	// SharedResponses tracks misses answered by a concurrent caller's handler run
	SharedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_cache_shared_responses_total",
			Help: "Total number of cache misses served from a shared handler invocation",
		},
	)
)
