package cache

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/ce-gateway/internal/respwriter"
	"github.com/Sternrassler/ce-gateway/pkg/config"
	"github.com/Sternrassler/ce-gateway/pkg/reqctx"
)

const (
	// HeaderCache marks whether a response came from the cache.
	HeaderCache = "X-Cache"
	// HeaderAge is the standard Age header sent on hits.
	HeaderAge = "Age"

	Hit  = "HIT"
	Miss = "MISS"

	// DefaultTTL is used when NewStage gets a non-positive TTL.
	DefaultTTL = 5 * time.Minute

	// DefaultMaxBodyBytes caps the size of a cacheable response body.
	DefaultMaxBodyBytes = 1 << 20
)

// Stage serves GET requests from the cache and invalidates cached paths on
// successful mutating requests.
type Stage struct {
	manager    *Manager
	defaultTTL time.Duration
	routes     map[string]time.Duration
	prefixes   []string
	maxBody    int
	group      *singleflight.Group
	logger     zerolog.Logger
}

// StageOption configures a Stage.
type StageOption func(*Stage)

// WithRouteTTLs overrides the TTL below path prefixes. The longest matching
// prefix wins; a TTL of zero disables caching below that prefix.
func WithRouteTTLs(routes map[string]time.Duration) StageOption {
	return func(s *Stage) {
		s.routes = routes
	}
}

// WithMaxBodyBytes sets the largest response body that is stored.
func WithMaxBodyBytes(n int) StageOption {
	return func(s *Stage) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithSingleFlight lets concurrent misses for one key share a single
// handler invocation.
func WithSingleFlight() StageOption {
	return func(s *Stage) {
		s.group = &singleflight.Group{}
	}
}

// NewStage creates the cache stage.
func NewStage(m *Manager, defaultTTL time.Duration, logger zerolog.Logger, opts ...StageOption) *Stage {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	s := &Stage{
		manager:    m,
		defaultTTL: defaultTTL,
		maxBody:    DefaultMaxBodyBytes,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	for p := range s.routes {
		s.prefixes = append(s.prefixes, p)
	}
	sort.Slice(s.prefixes, func(i, j int) bool {
		if len(s.prefixes[i]) != len(s.prefixes[j]) {
			return len(s.prefixes[i]) > len(s.prefixes[j])
		}
		return s.prefixes[i] < s.prefixes[j]
	})
	return s
}

// NewStageFromConfig creates the cache stage from the configuration section.
func NewStageFromConfig(m *Manager, cfg config.CacheConfig, logger zerolog.Logger) *Stage {
	routes := make(map[string]time.Duration, len(cfg.Routes))
	for prefix, secs := range cfg.Routes {
		routes[prefix] = time.Duration(secs) * time.Second
	}

	opts := []StageOption{WithRouteTTLs(routes), WithMaxBodyBytes(int(cfg.MaxBodyBytes))}
	if cfg.SingleFlight {
		opts = append(opts, WithSingleFlight())
	}
	return NewStage(m, time.Duration(cfg.DefaultTTLSeconds)*time.Second, logger, opts...)
}

// TTLFor returns the TTL for responses of path. Zero means not cacheable.
func (s *Stage) TTLFor(path string) time.Duration {
	for _, prefix := range s.prefixes {
		if reqctx.HasPathPrefix(path, prefix) {
			return s.routes[prefix]
		}
	}
	return s.defaultTTL
}

// Middleware implements the stage.
func (s *Stage) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			s.serveCacheable(w, r, next)
		case isMutating(r.Method):
			s.serveMutating(w, r, next)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (s *Stage) serveCacheable(w http.ResponseWriter, r *http.Request, next http.Handler) {
	rc := reqctx.FromRequest(r)

	ttl := s.TTLFor(rc.Path)
	if ttl <= 0 {
		next.ServeHTTP(w, r)
		return
	}
	// a truncated body cannot be keyed reliably
	if hasDirective(r.Header, "no-store") || rc.BodyTruncated {
		w.Header().Set(HeaderCache, Miss)
		next.ServeHTTP(w, r)
		return
	}

	key := KeyFor(rc)
	entry, err := s.manager.Get(r.Context(), key)
	if err == nil {
		s.writeHit(w, entry)
		return
	}

	storable := true
	if !errors.Is(err, ErrCacheMiss) {
		storable = false
		s.logger.Warn().
			Err(err).
			Str("path", rc.Path).
			Str("request_id", rc.ID).
			Msg("Cache lookup failed, serving without cache")
	}

	if s.group != nil {
		s.serveShared(w, r, next, key, ttl, storable)
		return
	}

	w.Header().Set(HeaderCache, Miss)
	rw := respwriter.Wrap(w)
	rw.CaptureBody(s.maxBody + 1)

	next.ServeHTTP(rw, r)

	if storable && !rw.Truncated() && len(rw.Body()) <= s.maxBody {
		s.store(r.Context(), key, ttl, rw.StatusOr(http.StatusOK), rw.Header(), rw.Body())
	}
}

// flight is the outcome of one shared handler invocation.
type flight struct {
	rec      *respwriter.Recorder
	panicked any
}

// serveShared runs the handler once per key for all concurrent callers. A
// panic in the shared invocation is raised again in every caller.
func (s *Stage) serveShared(w http.ResponseWriter, r *http.Request, next http.Handler, key CacheKey, ttl time.Duration, storable bool) {
	v, _, shared := s.group.Do(key.String(), func() (any, error) {
		rec := respwriter.NewRecorder()
		rec.Header().Set(HeaderCache, Miss)

		// the invocation serves every waiting caller
		req := r.WithContext(context.WithoutCancel(r.Context()))
		if p := runRecorded(next, rec, req); p != nil {
			return flight{panicked: p}, nil
		}

		if storable && len(rec.Body()) <= s.maxBody {
			s.store(req.Context(), key, ttl, rec.Status(), rec.Header(), rec.Body())
		}
		return flight{rec: rec}, nil
	})

	f := v.(flight)
	if f.panicked != nil {
		panic(f.panicked)
	}
	if shared {
		SharedResponses.Inc()
	}
	f.rec.Replay(w)
}

func runRecorded(next http.Handler, rec *respwriter.Recorder, r *http.Request) (panicked any) {
	defer func() {
		panicked = recover()
	}()
	next.ServeHTTP(rec, r)
	return nil
}

func (s *Stage) store(ctx context.Context, key CacheKey, ttl time.Duration, status int, header http.Header, body []byte) {
	if status < 200 || status >= 300 {
		return
	}
	if hasDirective(header, "no-store") || hasDirective(header, "private") {
		return
	}
	// hits replay only status, content type and body
	if !replayable(header) {
		return
	}

	entry := &CacheEntry{
		Body:        append([]byte(nil), body...),
		StatusCode:  status,
		ContentType: header.Get("Content-Type"),
		StoredAt:    s.manager.Now(),
		TTLSeconds:  int64(ttl / time.Second),
	}
	if err := s.manager.Set(ctx, key, entry); err != nil {
		s.logger.Warn().
			Err(err).
			Str("path", key.Path).
			Msg("Failed to store response in cache")
	}
}

func (s *Stage) writeHit(w http.ResponseWriter, entry *CacheEntry) {
	h := w.Header()
	if entry.ContentType != "" {
		h.Set("Content-Type", entry.ContentType)
	}
	h.Set(HeaderCache, Hit)
	h.Set(HeaderAge, strconv.FormatInt(entry.Age(s.manager.Now()), 10))
	h.Set("Content-Length", strconv.Itoa(len(entry.Body)))

	w.WriteHeader(entry.StatusCode)
	_, _ = w.Write(entry.Body)
}

func (s *Stage) serveMutating(w http.ResponseWriter, r *http.Request, next http.Handler) {
	rc := reqctx.FromRequest(r)
	rw := respwriter.Wrap(w)

	// invalidate before the client sees the response
	invalidated := false
	invalidate := func(status int) {
		if invalidated || status < 200 || status >= 300 {
			return
		}
		invalidated = true
		s.invalidate(r.Context(), rc)
	}
	rw.OnCommit(invalidate)

	next.ServeHTTP(rw, r)

	if !rw.Committed() {
		invalidate(http.StatusOK)
	}
}

func (s *Stage) invalidate(ctx context.Context, rc *reqctx.RequestContext) {
	n, err := s.manager.InvalidatePath(ctx, rc.Path)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("path", rc.Path).
			Str("request_id", rc.ID).
			Msg("Cache invalidation failed")
		return
	}
	s.logger.Debug().
		Str("path", rc.Path).
		Int64("removed", n).
		Msg("Cache invalidated")
}

// replayable reports whether a response can be served again from the
// stored status, content type and body. Encoded bodies and variants keyed on
// request headers other than Accept-Encoding cannot.
func replayable(h http.Header) bool {
	if enc := strings.TrimSpace(h.Get("Content-Encoding")); enc != "" && !strings.EqualFold(enc, "identity") {
		return false
	}
	for _, v := range h.Values("Vary") {
		for _, field := range strings.Split(v, ",") {
			field = strings.TrimSpace(field)
			if field != "" && !strings.EqualFold(field, "Accept-Encoding") {
				return false
			}
		}
	}
	return true
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// hasDirective reports whether the Cache-Control header contains directive.
func hasDirective(h http.Header, directive string) bool {
	for _, v := range h.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(d), directive) {
				return true
			}
		}
	}
	return false
}
