// Package upstream provides the http.RoundTripper the gateway uses to reach
// its backend. Safe requests without a body are retried with exponential
// backoff on network errors and on 502, 503 and 504 responses.
package upstream

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for upstream requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_upstream_requests_total",
		Help: "Total upstream attempts by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_upstream_request_duration_seconds",
		Help:    "Upstream round trip duration in seconds, retries included",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_upstream_errors_total",
		Help: "Total failed upstream attempts by error class",
	}, []string{"class"})
)

// Transport retries replayable requests against the upstream.
type Transport struct {
	base   http.RoundTripper
	retry  RetryConfig
	logger zerolog.Logger
}

// NewTransport wraps base. A nil base uses http.DefaultTransport.
func NewTransport(base http.RoundTripper, retry RetryConfig, logger zerolog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		base:   base,
		retry:  retry,
		logger: logger,
	}
}

// RoundTrip implements http.RoundTripper. When every attempt answered with
// an unavailable status the last response is returned as is, so the client
// sees the upstream's own status. Network failures that outlast the retries
// return an error wrapping ErrRetryExhausted.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	}()

	if !replayable(req) {
		resp, err := t.base.RoundTrip(req)
		t.observe(req, resp, err)
		return resp, err
	}

	var resp *http.Response
	err := retryWithBackoff(req.Context(), t.retry, t.logger, func(attempt int) (ErrorClass, error) {
		var err error
		resp, err = t.base.RoundTrip(req)
		t.observe(req, resp, err)
		if err != nil {
			resp = nil
			if req.Context().Err() != nil {
				// the client is gone, another attempt cannot help
				return "", err
			}
			return ErrorClassNetwork, err
		}

		class := Classify(resp.StatusCode)
		if !shouldRetry(class) {
			return "", nil
		}
		if attempt < t.retry.MaxAttempts {
			resp.Body.Close()
		}
		return class, &UpstreamError{
			StatusCode: resp.StatusCode,
			ErrorClass: class,
			Message:    resp.Status,
		}
	})
	if err != nil {
		var ue *UpstreamError
		if resp != nil && errors.As(err, &ue) {
			return resp, nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return resp, nil
}

func (t *Transport) observe(req *http.Request, resp *http.Response, err error) {
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(req.Method, "network_error").Inc()
		t.logger.Warn().
			Err(err).
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Msg("Upstream request failed")
		return
	}

	requestsTotal.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode)).Inc()
	if class := Classify(resp.StatusCode); class != "" {
		errorsTotal.WithLabelValues(string(class)).Inc()
		t.logger.Debug().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Upstream error response")
	}
}

// replayable reports whether req can be sent again unchanged.
func replayable(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		return false
	}
	return req.Body == nil || req.Body == http.NoBody
}
