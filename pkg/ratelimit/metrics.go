package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for rate limit decisions.
var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_rate_limit_decisions_total",
		Help: "Total number of rate limit decisions",
	}, []string{"class", "decision"}) // decision: "allowed", "rejected"

	storeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rate_limit_store_errors_total",
		Help: "Total number of requests admitted without a decision because the store failed",
	})
)
