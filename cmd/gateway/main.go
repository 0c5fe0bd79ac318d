package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/ce-gateway/pkg/apierror"
	"github.com/Sternrassler/ce-gateway/pkg/config"
	"github.com/Sternrassler/ce-gateway/pkg/logging"
	"github.com/Sternrassler/ce-gateway/pkg/pipeline"
	"github.com/Sternrassler/ce-gateway/pkg/reqctx"
	"github.com/Sternrassler/ce-gateway/pkg/upstream"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Gateway failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup(logging.FromSettings(cfg.Logging))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch, err := pipeline.New(ctx, cfg, pipeline.WithLogger(logging.NewLogger("pipeline")))
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}
	defer func() {
		if err := orch.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close pipeline")
		}
	}()

	backend, err := newUpstream(cfg.Server, logging.NewLogger("proxy"))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           newRouter(orch, backend),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("upstream", cfg.Server.UpstreamURL).
			Msg("Starting gateway")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info().Msg("Gateway stopped")
	return nil
}

// newRouter serves the gateway's own endpoints and hands everything else to
// backend. The whole router runs inside the pipeline.
func newRouter(orch *pipeline.Orchestrator, backend http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(noStore)
		r.Get("/health", healthHandler)
		r.Get("/ready", readyHandler(orch))
		r.Method(http.MethodGet, "/gateway/metrics", orch.Collector().SnapshotHandler())
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	})

	r.NotFound(backend.ServeHTTP)
	r.MethodNotAllowed(backend.ServeHTTP)

	return orch.Handler(r)
}

// noStore keeps gateway status responses out of the response cache.
func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func readyHandler(orch *pipeline.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := orch.CheckStore(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"store":  "unavailable",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// newUpstream returns a reverse proxy to the configured upstream, or a JSON
// 404 handler when none is configured.
func newUpstream(cfg config.ServerConfig, logger zerolog.Logger) (http.Handler, error) {
	if cfg.UpstreamURL == "" {
		return http.HandlerFunc(notFoundHandler), nil
	}

	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}

	retry := upstream.DefaultRetryConfig()
	retry.MaxAttempts = cfg.UpstreamMaxAttempts
	retry.InitialBackoff = cfg.UpstreamBackoff()

	return &httputil.ReverseProxy{
		Transport: upstream.NewTransport(nil, retry, logger),
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if rc := reqctx.From(pr.In.Context()); rc != nil {
				pr.Out.Header.Set(reqctx.HeaderRequestID, rc.ID)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn().
				Err(err).
				Str("path", r.URL.Path).
				Msg("Upstream request failed")

			e := apierror.BadGateway(err)
			if rc := reqctx.From(r.Context()); rc != nil {
				e.RequestID = rc.ID
			}
			apierror.Write(w, e)
		},
	}, nil
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	apierror.Write(w, apierror.NotFound(r.URL.Path))
}
