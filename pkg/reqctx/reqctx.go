// Package reqctx captures the immutable per-request snapshot every pipeline
// stage reads: method, path, query, headers, a bounded copy of the body, the
// client identifier and the arrival time.
package reqctx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// HeaderRequestID carries the request ID in both directions.
const HeaderRequestID = "X-Request-ID"

// DefaultMaxBodyBytes bounds the body copy kept in the RequestContext.
const DefaultMaxBodyBytes = 64 << 10

type contextKey struct{}

// RequestContext is created once at pipeline entry and must be treated as
// read-only by every stage.
type RequestContext struct {
	ID            string
	Method        string
	Path          string
	Query         url.Values
	Header        http.Header
	Body          []byte
	BodyTruncated bool
	ClientID      string
	ClientClass   ClientClass
	ArrivedAt     time.Time
}

// Options controls Capture.
type Options struct {
	// MaxBodyBytes bounds the captured body. Zero means DefaultMaxBodyBytes,
	// negative disables body capture.
	MaxBodyBytes int64

	// TrustForwardedFor makes Identify honour X-Forwarded-For.
	TrustForwardedFor bool

	// KeyByAddress makes the source address the client identifier even when
	// a credential is present. The credential still sets the class.
	KeyByAddress bool

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Capture builds the RequestContext for r and returns a request carrying it.
// The body handed to the next handler is unchanged: the captured prefix is
// replayed in front of the unread remainder.
func Capture(r *http.Request, opts Options) (*http.Request, *RequestContext) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	id := r.Header.Get(HeaderRequestID)
	if id == "" || len(id) > 128 {
		id = uuid.NewString()
	}

	clientID, class := Identify(r, opts.TrustForwardedFor)
	if opts.KeyByAddress {
		clientID = "ip:" + clientIP(r, opts.TrustForwardedFor)
	}

	rc := &RequestContext{
		ID:          id,
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       cloneValues(r.URL.Query()),
		Header:      r.Header.Clone(),
		ClientID:    clientID,
		ClientClass: class,
		ArrivedAt:   now(),
	}

	maxBody := opts.MaxBodyBytes
	if maxBody == 0 {
		maxBody = DefaultMaxBodyBytes
	}
	if maxBody > 0 && r.Body != nil && r.Body != http.NoBody {
		rc.Body, rc.BodyTruncated = captureBody(r, maxBody)
	}

	return r.WithContext(context.WithValue(r.Context(), contextKey{}, rc)), rc
}

// captureBody reads up to limit bytes and restores r.Body.
func captureBody(r *http.Request, limit int64) ([]byte, bool) {
	buf, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	truncated := int64(len(buf)) > limit

	r.Body = struct {
		io.Reader
		io.Closer
	}{
		Reader: io.MultiReader(bytes.NewReader(buf), r.Body),
		Closer: r.Body,
	}

	if err != nil {
		// The handler will see the same read error when it reaches it.
		return nil, true
	}
	if truncated {
		buf = buf[:limit]
	}
	return buf, truncated
}

// From returns the RequestContext stored in ctx, or nil.
func From(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rc
}

// NewContext returns a copy of ctx carrying rc.
func NewContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromRequest returns the RequestContext of r, capturing one on the fly
// (without body) if the request did not pass through the pipeline entry.
func FromRequest(r *http.Request) *RequestContext {
	if rc := From(r.Context()); rc != nil {
		return rc
	}
	_, rc := Capture(r, Options{MaxBodyBytes: -1})
	return rc
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
