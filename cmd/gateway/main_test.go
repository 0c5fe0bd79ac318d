package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/ce-gateway/internal/testutil"
	"github.com/Sternrassler/ce-gateway/pkg/config"
	"github.com/Sternrassler/ce-gateway/pkg/pipeline"
	"github.com/Sternrassler/ce-gateway/pkg/reqctx"
)

func setupGateway(t *testing.T, upstream http.Handler) (http.Handler, *miniredis.Miniredis) {
	t.Helper()

	s, mr := testutil.NewStore(t)
	orch, err := pipeline.New(context.Background(), config.Default(),
		pipeline.WithStore(s),
		pipeline.WithLogger(zerolog.Nop()),
	)
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	t.Cleanup(func() { _ = orch.Close() })

	return newRouter(orch, upstream), mr
}

func get(h http.Handler, target string) *http.Response {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w.Result()
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := setupGateway(t, http.HandlerFunc(notFoundHandler))

	resp := get(h, "/health")
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"healthy"`) {
		t.Errorf("Expected healthy status, got %s", string(body))
	}
	if resp.Header.Get("X-Service") != "ce-demo-api-gateway" {
		t.Error("Expected security headers on gateway endpoints")
	}
}

func TestReadyEndpoint(t *testing.T) {
	h, mr := setupGateway(t, http.HandlerFunc(notFoundHandler))

	t.Run("ready", func(t *testing.T) {
		resp := get(h, "/ready")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected status 200, got %d", resp.StatusCode)
		}
	})

	t.Run("not_ready_store_down", func(t *testing.T) {
		// Close the store to simulate failure
		mr.Close()

		resp := get(h, "/ready")
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("Expected status 503, got %d", resp.StatusCode)
		}
	})
}

func TestStatusEndpointsAreNotCached(t *testing.T) {
	h, mr := setupGateway(t, http.HandlerFunc(notFoundHandler))

	for _, path := range []string{"/health", "/ready", "/gateway/metrics", "/metrics"} {
		resp := get(h, path)
		if got := resp.Header.Get("X-Cache"); got == "HIT" {
			t.Errorf("%s served from cache", path)
		}
	}
	if keys := mr.Keys(); len(keys) > 0 {
		for _, k := range keys {
			if strings.HasPrefix(k, "cache:") {
				t.Errorf("unexpected cache entry %s", k)
			}
		}
	}
}

func TestGatewayMetricsEndpoint(t *testing.T) {
	h, _ := setupGateway(t, http.HandlerFunc(notFoundHandler))

	get(h, "/health")
	get(h, "/unknown")

	resp := get(h, "/gateway/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var snap struct {
		TotalRequests    int64            `json:"total_requests"`
		RequestsByStatus map[string]int64 `json:"requests_by_status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	// the snapshot request itself completes after the snapshot is taken
	if snap.TotalRequests != 2 {
		t.Errorf("Expected 2 requests, got %d", snap.TotalRequests)
	}
	if snap.RequestsByStatus["404"] != 1 {
		t.Errorf("Expected one 404, got %v", snap.RequestsByStatus)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := setupGateway(t, http.HandlerFunc(notFoundHandler))

	get(h, "/health")
	resp := get(h, "/metrics")
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	bodyStr := string(body)
	if !strings.Contains(bodyStr, "# HELP") || !strings.Contains(bodyStr, "# TYPE") {
		t.Error("Expected Prometheus format metrics output")
	}
	if !strings.Contains(bodyStr, "gateway_requests_total") {
		t.Error("Expected metrics output to contain gateway_requests_total")
	}
}

func TestNotFound(t *testing.T) {
	upstream, err := newUpstream(serverConfig(""), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	h, _ := setupGateway(t, upstream)

	resp := get(h, "/nowhere")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected status 404, got %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "NotFound" || body["path"] != "/nowhere" {
		t.Errorf("Unexpected body %v", body)
	}
}

func TestUpstreamProxy(t *testing.T) {
	backend := testutil.NewBackend()
	server := backend.Server()
	defer server.Close()

	upstream, err := newUpstream(serverConfig(server.URL), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	h, _ := setupGateway(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/resource/42?x=1", nil)
	req.Header.Set(reqctx.HeaderRequestID, "trace-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"path":"/resource/42"`) {
		t.Errorf("Unexpected body %s", w.Body.String())
	}
	if got := backend.LastRequestHeader.Get(reqctx.HeaderRequestID); got != "trace-1" {
		t.Errorf("Expected request ID to reach upstream, got %q", got)
	}
	if w.Header().Get("X-Cache") != "MISS" {
		t.Errorf("Expected X-Cache MISS, got %q", w.Header().Get("X-Cache"))
	}

	resp := get(h, "/resource/42?x=1")
	if resp.Header.Get("X-Cache") != "HIT" {
		t.Errorf("Expected X-Cache HIT, got %q", resp.Header.Get("X-Cache"))
	}
	if backend.Calls("/resource/42") != 1 {
		t.Errorf("Expected one upstream call, got %d", backend.Calls("/resource/42"))
	}
}

func TestUpstreamUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	upstream, err := newUpstream(serverConfig(url), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	h, _ := setupGateway(t, upstream)

	resp := get(h, "/resource/1")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("Expected status 502, got %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "BadGateway" || body["request_id"] == "" {
		t.Errorf("Unexpected body %v", body)
	}
}

func TestUpstreamRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	upstream, err := newUpstream(serverConfig(server.URL), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	h, _ := setupGateway(t, upstream)

	resp := get(h, "/flaky")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200 after retry, got %d", resp.StatusCode)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 upstream calls, got %d", calls.Load())
	}
}

func serverConfig(upstreamURL string) config.ServerConfig {
	cfg := config.Default().Server
	cfg.UpstreamURL = upstreamURL
	cfg.UpstreamBackoffMS = 1
	return cfg
}
