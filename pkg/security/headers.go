// Package security implements the stage that stamps static security headers
// on every response leaving the gateway.
package security

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Sternrassler/ce-gateway/internal/respwriter"
)

// DefaultHeaders are applied when no headers are configured.
func DefaultHeaders() map[string]string {
	return map[string]string{
		"X-API-Version":          "1.0.0",
		"X-Service":              "ce-demo-api-gateway",
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
	}
}

// Headers applies a fixed header set to every response, overwriting any
// same-named header set by inner stages or the handler.
type Headers struct {
	headers    map[string]string
	hstsMaxAge int
}

// Option configures Headers.
type Option func(*Headers)

// WithHSTS adds Strict-Transport-Security to responses for TLS requests.
func WithHSTS(maxAgeSeconds int) Option {
	return func(h *Headers) {
		h.hstsMaxAge = maxAgeSeconds
	}
}

// NewHeaders creates the stage. A nil map selects DefaultHeaders; an empty
// map applies nothing.
func NewHeaders(headers map[string]string, opts ...Option) *Headers {
	if headers == nil {
		headers = DefaultHeaders()
	}
	h := &Headers{headers: make(map[string]string, len(headers))}
	for name, value := range headers {
		h.headers[http.CanonicalHeaderKey(strings.TrimSpace(name))] = value
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Middleware applies the headers when the response is committed, so inner
// stages cannot override them. If the handler panics before committing, the
// headers are placed on the shared header map so the 500 written by the
// pipeline entry carries them too.
func (h *Headers) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secure := r.TLS != nil
		rw := respwriter.Wrap(w)
		rw.OnCommit(func(int) { h.apply(rw.Header(), secure) })

		completed := false
		defer func() {
			if !completed && !rw.Committed() {
				h.apply(rw.Header(), secure)
			}
		}()

		next.ServeHTTP(rw, r)
		completed = true

		// The handler wrote nothing; net/http sends the header after we return.
		if !rw.Committed() {
			h.apply(rw.Header(), secure)
		}
	})
}

func (h *Headers) apply(header http.Header, secure bool) {
	for name, value := range h.headers {
		header.Set(name, value)
	}
	if secure && h.hstsMaxAge > 0 {
		header.Set("Strict-Transport-Security", fmt.Sprintf("max-age=%d; includeSubDomains", h.hstsMaxAge))
	}
}
