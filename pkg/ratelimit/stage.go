package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/ce-gateway/pkg/apierror"
	"github.com/Sternrassler/ce-gateway/pkg/reqctx"
)

// Response headers.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// Stage admits or rejects requests before the cache and the handler run.
// A rejection is terminal. When the Decider fails the request is admitted
// without quota headers.
type Stage struct {
	decider Decider
	rules   *Rules
	exempt  []string
	logger  zerolog.Logger
}

// NewStage creates the rate limit stage. exemptPaths bypass the limiter
// (matched as path prefixes on segment boundaries).
func NewStage(d Decider, rules *Rules, exemptPaths []string, logger zerolog.Logger) *Stage {
	return &Stage{
		decider: d,
		rules:   rules,
		exempt:  exemptPaths,
		logger:  logger,
	}
}

// Middleware implements the stage.
func (s *Stage) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := reqctx.FromRequest(r)
		if s.isExempt(rc.Path) {
			next.ServeHTTP(w, r)
			return
		}

		rule, scope := s.rules.Resolve(rc.Path, rc.ClientClass)
		d, err := s.decider.Decide(r.Context(), scope, rc.ClientID, rule)
		if err != nil {
			storeErrorsTotal.Inc()
			s.logger.Warn().
				Err(err).
				Str("client_id", rc.ClientID).
				Str("request_id", rc.ID).
				Msg("Rate limit store unavailable, admitting request")
			next.ServeHTTP(w, r)
			return
		}

		setHeaders(w.Header(), d)

		if !d.Allowed {
			decisionsTotal.WithLabelValues(string(rc.ClientClass), "rejected").Inc()
			s.logger.Debug().
				Str("client_id", rc.ClientID).
				Str("scope", scope).
				Dur("retry_after", d.RetryAfter).
				Msg("Rate limit exceeded")
			apierror.Write(w, apierror.RateLimited(d.RetryAfter))
			return
		}

		decisionsTotal.WithLabelValues(string(rc.ClientClass), "allowed").Inc()
		next.ServeHTTP(w, r)
	})
}

func (s *Stage) isExempt(path string) bool {
	for _, p := range s.exempt {
		if reqctx.HasPathPrefix(path, p) {
			return true
		}
	}
	return false
}

func setHeaders(h http.Header, d Decision) {
	h.Set(HeaderLimit, strconv.FormatInt(d.Limit, 10))
	h.Set(HeaderRemaining, strconv.FormatInt(d.Remaining, 10))
	h.Set(HeaderReset, strconv.FormatInt(resetUnix(d), 10))
}

// resetUnix rounds the reset time up to whole seconds.
func resetUnix(d Decision) int64 {
	sec := d.ResetAt.Unix()
	if d.ResetAt.Nanosecond() > 0 {
		sec++
	}
	return sec
}
