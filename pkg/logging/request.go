package logging

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/ce-gateway/internal/respwriter"
	"github.com/Sternrassler/ce-gateway/pkg/reqctx"
)

// DefaultMaxBodyBytes caps each logged body.
const DefaultMaxBodyBytes = 4096

// RequestLoggerConfig controls the request logger stage.
type RequestLoggerConfig struct {
	// BodyLogging adds redacted request and response bodies to the record.
	BodyLogging bool

	// MaxBodyBytes caps each logged body (default: DefaultMaxBodyBytes).
	MaxBodyBytes int

	// SensitiveKeys extends DefaultSensitiveKeys.
	SensitiveKeys []string
}

// RequestLogger emits one structured record per request.
type RequestLogger struct {
	logger   zerolog.Logger
	cfg      RequestLoggerConfig
	redactor *Redactor
}

// NewRequestLogger creates the request logger stage.
func NewRequestLogger(logger zerolog.Logger, cfg RequestLoggerConfig) *RequestLogger {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &RequestLogger{
		logger:   logger,
		cfg:      cfg,
		redactor: NewRedactor(cfg.SensitiveKeys...),
	}
}

// Middleware logs the request after the inner stages returned. A panic from
// the handler is logged at error level and keeps unwinding.
func (l *RequestLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := reqctx.FromRequest(r)
		rw := respwriter.Wrap(w)
		if l.cfg.BodyLogging {
			rw.CaptureBody(l.cfg.MaxBodyBytes)
		}

		start := time.Now()
		completed := false
		defer func() {
			if !completed {
				l.emit(rc, rw, time.Since(start), true)
			}
		}()

		next.ServeHTTP(rw, r)
		completed = true
		l.emit(rc, rw, time.Since(start), false)
	})
}

// emit never lets a failure while building the record escape.
func (l *RequestLogger) emit(rc *reqctx.RequestContext, rw *respwriter.Writer, latency time.Duration, panicked bool) {
	defer func() {
		if p := recover(); p != nil {
			l.logger.Warn().Interface("panic", p).Str("path", rc.Path).Msg("Failed to build request log record")
		}
	}()

	status := rw.StatusOr(http.StatusOK)
	if panicked && !rw.Committed() {
		status = http.StatusInternalServerError
	}

	var event *zerolog.Event
	switch {
	case panicked || status >= 500:
		event = l.logger.Error()
	case status >= 400:
		event = l.logger.Warn()
	default:
		event = l.logger.Info()
	}
	if event == nil {
		return
	}

	event = event.
		Str("method", rc.Method).
		Str("path", rc.Path).
		Int("status", status).
		Float64("latency_ms", float64(latency.Microseconds())/1000).
		Str("client_id", rc.ClientID).
		Str("request_id", rc.ID).
		Int64("bytes", rw.BytesWritten())

	if cache := rw.Header().Get("X-Cache"); cache != "" {
		event = event.Str("cache", cache)
	}

	if l.cfg.BodyLogging {
		reqBody := rc.Body
		reqTruncated := rc.BodyTruncated
		if len(reqBody) > l.cfg.MaxBodyBytes {
			reqBody = reqBody[:l.cfg.MaxBodyBytes]
			reqTruncated = true
		}
		if s := l.redactor.Body(rc.Header.Get("Content-Type"), reqBody, reqTruncated); s != "" {
			event = event.Str("request_body", s)
		}
		if s := l.redactor.Body(rw.Header().Get("Content-Type"), rw.Body(), rw.Truncated()); s != "" {
			event = event.Str("response_body", s)
		}
	}

	if panicked {
		event.Bool("panic", true).Msg("Request failed")
		return
	}
	event.Msg("Request completed")
}
