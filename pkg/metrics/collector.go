package metrics

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/ce-gateway/internal/respwriter"
	"github.com/Sternrassler/ce-gateway/pkg/reqctx"
)

// Snapshot is a point-in-time copy of the collector counters.
type Snapshot struct {
	TotalRequests    int64            `json:"total_requests"`
	RequestsByStatus map[int]int64    `json:"requests_by_status"`
	RequestsByRoute  map[string]int64 `json:"requests_by_route"`
	LatencySumMS     float64          `json:"latency_sum_ms"`
	LatencyCount     int64            `json:"latency_count"`
	AverageLatencyMS float64          `json:"average_latency_ms"`
	StartedAt        time.Time        `json:"started_at"`
	UptimeSeconds    float64          `json:"uptime_seconds"`
}

// Collector aggregates request counters for the lifetime of the process.
// It is owned by the pipeline and safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	total     int64
	byStatus  map[int]int64
	byRoute   map[string]int64
	latencyMS float64
	latencyN  int64

	startedAt time.Time
	now       func() time.Time
	flushOnce sync.Once
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return newCollector(time.Now)
}

func newCollector(now func() time.Time) *Collector {
	return &Collector{
		byStatus:  make(map[int]int64),
		byRoute:   make(map[string]int64),
		startedAt: now(),
		now:       now,
	}
}

// Record counts one completed request.
func (c *Collector) Record(route string, status int, latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)

	c.mu.Lock()
	c.total++
	c.byStatus[status]++
	c.byRoute[route]++
	c.latencyMS += ms
	c.latencyN++
	c.mu.Unlock()

	RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	RequestDuration.WithLabelValues(route).Observe(latency.Seconds())
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		TotalRequests:    c.total,
		RequestsByStatus: make(map[int]int64, len(c.byStatus)),
		RequestsByRoute:  make(map[string]int64, len(c.byRoute)),
		LatencySumMS:     c.latencyMS,
		LatencyCount:     c.latencyN,
		StartedAt:        c.startedAt,
		UptimeSeconds:    c.now().Sub(c.startedAt).Seconds(),
	}
	for k, v := range c.byStatus {
		s.RequestsByStatus[k] = v
	}
	for k, v := range c.byRoute {
		s.RequestsByRoute[k] = v
	}
	if c.latencyN > 0 {
		s.AverageLatencyMS = c.latencyMS / float64(c.latencyN)
	}
	return s
}

// Flush logs the final snapshot. Only the first call emits; it reports
// whether this call did.
func (c *Collector) Flush(logger zerolog.Logger) bool {
	flushed := false
	c.flushOnce.Do(func() {
		flushed = true
		s := c.Snapshot()
		logger.Info().
			Int64("total_requests", s.TotalRequests).
			Interface("requests_by_status", s.RequestsByStatus).
			Interface("requests_by_route", s.RequestsByRoute).
			Float64("average_latency_ms", s.AverageLatencyMS).
			Float64("uptime_seconds", s.UptimeSeconds).
			Msg("Final metrics")
	})
	return flushed
}

// Middleware records every request that reaches it, including rate limit
// rejections, cache hits and handler panics (counted as 500 unless a status
// was already sent).
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := NormalizeRoute(reqctx.FromRequest(r).Path)
		rw := respwriter.Wrap(w)
		start := c.now()

		completed := false
		defer func() {
			if !completed {
				c.Record(route, rw.StatusOr(http.StatusInternalServerError), c.now().Sub(start))
			}
		}()

		next.ServeHTTP(rw, r)
		completed = true
		c.Record(route, rw.StatusOr(http.StatusOK), c.now().Sub(start))
	})
}

// SnapshotHandler serves the current snapshot as JSON.
func (c *Collector) SnapshotHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(c.Snapshot())
	})
}

// NormalizeRoute collapses identifier segments so the route label has
// bounded cardinality: numeric and UUID segments become {id}.
func NormalizeRoute(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if isIdentifier(seg) {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

func isIdentifier(seg string) bool {
	if seg == "" {
		return false
	}
	if _, err := strconv.ParseUint(seg, 10, 64); err == nil {
		return true
	}
	if len(seg) == 36 {
		if _, err := uuid.Parse(seg); err == nil {
			return true
		}
	}
	return false
}
