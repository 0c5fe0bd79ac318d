// Package testutil provides test fixtures for the gateway: a scriptable
// backend standing in for the wrapped handler and a store backed by
// miniredis.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// BackendResponse defines the behavior for a backend path.
type BackendResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Backend is a configurable handler that counts its invocations. Paths
// without a configured response get a JSON body naming the method, the
// path and the per-path call number, so a replayed response is
// distinguishable from a fresh one.
type Backend struct {
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	calls    map[string]int
	total    int

	LastRequestHeader http.Header
}

// NewBackend creates an empty Backend.
func NewBackend() *Backend {
	return &Backend{
		handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string]int),
	}
}

// ServeHTTP implements http.Handler.
func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.total++
	b.calls[r.URL.Path]++
	n := b.calls[r.URL.Path]
	b.LastRequestHeader = r.Header.Clone()
	handler, exists := b.handlers[r.URL.Path]
	b.mu.Unlock()

	if exists {
		handler(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodPost:
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusOK)
	}
	_, _ = fmt.Fprintf(w, `{"method":%q,"path":%q,"call":%d}`, r.Method, r.URL.Path, n)
}

// Server starts an httptest server for b. It is closed by the caller.
func (b *Backend) Server() *httptest.Server {
	return httptest.NewServer(b)
}

// SetHandler sets a custom handler for a specific path.
func (b *Backend) SetHandler(path string, handler http.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (b *Backend) SetResponse(path string, resp BackendResponse) {
	b.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			_, _ = w.Write([]byte(resp.Body))
		}
	})
}

// SetPanic makes path panic with value.
func (b *Backend) SetPanic(path string, value any) {
	b.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		panic(value)
	})
}

// Calls returns how often path was invoked.
func (b *Backend) Calls(path string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.calls[path]
}

// Total returns the number of invocations across all paths.
func (b *Backend) Total() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}

// NewJSONResponse creates a 200 OK JSON response.
func NewJSONResponse(body string) BackendResponse {
	return BackendResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() BackendResponse {
	return BackendResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() BackendResponse {
	return BackendResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error": "Not found"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}
