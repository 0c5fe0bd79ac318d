// Package pipeline composes the gateway stages into one fixed chain and owns
// their shared resources: the store connection and the metrics collector.
//
// Every request passes, outermost first:
//
//	entry (request context, panic recovery)
//	  -> metrics -> logging -> security -> ratelimit -> cache -> handler
//
// and unwinds in reverse, so each stage sees the request and the final
// response exactly once. Metrics is outermost so rejections and cache hits
// are counted. Rate limiting runs before the cache so hits consume quota.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/ce-gateway/pkg/cache"
	"github.com/Sternrassler/ce-gateway/pkg/config"
	"github.com/Sternrassler/ce-gateway/pkg/logging"
	"github.com/Sternrassler/ce-gateway/pkg/metrics"
	"github.com/Sternrassler/ce-gateway/pkg/ratelimit"
	"github.com/Sternrassler/ce-gateway/pkg/reqctx"
	"github.com/Sternrassler/ce-gateway/pkg/security"
	"github.com/Sternrassler/ce-gateway/pkg/store"
)

// Stage names.
const (
	StageMetrics   = "metrics"
	StageLogging   = "logging"
	StageSecurity  = "security"
	StageRateLimit = "ratelimit"
	StageCache     = "cache"
)

// StageOrder lists the stages outermost first. It is an array so callers
// only ever get a copy.
var StageOrder = [...]string{
	StageMetrics,
	StageLogging,
	StageSecurity,
	StageRateLimit,
	StageCache,
}

// Middleware is the shape of every stage.
type Middleware func(http.Handler) http.Handler

func identity(next http.Handler) http.Handler { return next }

// Orchestrator builds the pipeline and manages its lifecycle.
type Orchestrator struct {
	cfg    *config.Config
	logger zerolog.Logger

	store          store.Store
	ownsStore      bool
	storeAvailable atomic.Bool
	retry          store.RetryConfig

	collector *metrics.Collector
	local     *ratelimit.LocalLimiter
	stages    map[string]Middleware
	capture   reqctx.Options

	closeOnce sync.Once
	closeErr  error
}

// Option configures New.
type Option func(*Orchestrator)

// WithStore injects a store instead of connecting to store.url. The
// orchestrator does not close an injected store.
func WithStore(s store.Store) Option {
	return func(o *Orchestrator) {
		o.store = s
	}
}

// WithLogger sets the logger (default: logging.NewLogger("pipeline")).
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithCollector shares an existing metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(o *Orchestrator) {
		o.collector = c
	}
}

// WithRetry overrides the startup connection retry policy.
func WithRetry(cfg store.RetryConfig) Option {
	return func(o *Orchestrator) {
		o.retry = cfg
	}
}

// New validates cfg, acquires the store and builds the stages. An
// unreachable store is logged and the stateful stages run fail-open. If
// New fails after acquiring resources, they are released before it returns.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	retry := store.DefaultRetryConfig()
	if cfg.Store.ConnectAttempts > 0 {
		retry.MaxAttempts = cfg.Store.ConnectAttempts
	}

	o := &Orchestrator{
		cfg:    cfg,
		logger: logging.NewLogger("pipeline"),
		retry:  retry,
		capture: reqctx.Options{
			MaxBodyBytes:      cfg.Server.MaxRequestBodyBytes,
			TrustForwardedFor: cfg.Server.TrustForwardedFor,
			KeyByAddress:      cfg.RateLimit.KeyBy == config.KeyByAddress,
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.collector == nil {
		o.collector = metrics.NewCollector()
	}

	ready := false
	defer func() {
		if !ready {
			if err := o.release(); err != nil {
				o.logger.Warn().Err(err).Msg("Failed to release resources after init failure")
			}
		}
	}()

	if cfg.UsesStore() {
		if err := o.acquireStore(ctx); err != nil {
			return nil, err
		}
	}

	o.buildStages()
	ready = true

	o.logger.Info().
		Bool("rate_limiting", cfg.RateLimit.Enabled).
		Str("algorithm", cfg.RateLimit.Algorithm).
		Bool("caching", cfg.Cache.Enabled).
		Bool("store_available", o.StoreAvailable()).
		Msg("Pipeline initialized")

	return o, nil
}

func (o *Orchestrator) acquireStore(ctx context.Context) error {
	if o.store == nil {
		s, err := store.NewRedisStore(store.RedisConfig{
			URL:             o.cfg.Store.URL,
			Prefix:          o.cfg.Store.Prefix,
			PoolSize:        o.cfg.Store.PoolSize,
			OpTimeout:       o.cfg.Store.OpTimeout(),
			BreakerFailures: uint32(o.cfg.Store.BreakerFailures),
			BreakerCooldown: o.cfg.Store.BreakerCooldown(),
			Logger:          o.logger,
		})
		if err != nil {
			return fmt.Errorf("create store: %w", err)
		}
		o.store = s
		o.ownsStore = true
	}

	err := store.Connect(ctx, o.store, o.retry, o.logger)
	switch {
	case err == nil:
		o.storeAvailable.Store(true)
		o.logger.Info().Msg("Cache store connected")
	case ctx.Err() != nil:
		return fmt.Errorf("connect store: %w", err)
	default:
		o.logger.Error().
			Err(err).
			Msg("Cache store unreachable, rate limiting and caching fail open")
	}
	return nil
}

func (o *Orchestrator) buildStages() {
	cfg := o.cfg
	o.stages = make(map[string]Middleware, len(StageOrder))
	for _, name := range StageOrder {
		o.stages[name] = identity
	}

	if cfg.Metrics.Enabled {
		o.stages[StageMetrics] = o.collector.Middleware
	}

	if cfg.Logging.Enabled {
		rl := logging.NewRequestLogger(o.logger.With().Str("stage", "request").Logger(), logging.RequestLoggerConfig{
			BodyLogging:   cfg.Logging.BodyLogging,
			MaxBodyBytes:  cfg.Logging.MaxBodyBytes,
			SensitiveKeys: cfg.Logging.SensitiveKeys,
		})
		o.stages[StageLogging] = rl.Middleware
	}

	if cfg.Security.Enabled {
		o.stages[StageSecurity] = security.NewHeaders(cfg.Security.Headers, security.WithHSTS(cfg.Security.HSTSMaxAgeSeconds)).Middleware
	}

	if cfg.RateLimit.Enabled {
		logger := o.logger.With().Str("stage", "ratelimit").Logger()

		var decider ratelimit.Decider
		if cfg.RateLimit.Algorithm == config.AlgorithmTokenBucket {
			o.local = ratelimit.NewLocalLimiter()
			o.local.StartJanitor(context.Background())
			decider = o.local
		} else {
			decider = ratelimit.NewLimiter(o.store, logger)
		}

		stage := ratelimit.NewStage(decider, ratelimit.RulesFromConfig(cfg.RateLimit), cfg.RateLimit.ExemptPaths, logger)
		o.stages[StageRateLimit] = stage.Middleware
	}

	if cfg.Cache.Enabled {
		logger := o.logger.With().Str("stage", "cache").Logger()
		stage := cache.NewStageFromConfig(cache.NewManager(o.store), cfg.Cache, logger)
		o.stages[StageCache] = stage.Middleware
	}
}

// Handler wraps next in the full pipeline. next is invoked at most once per
// request.
func (o *Orchestrator) Handler(next http.Handler) http.Handler {
	h := next
	for i := len(StageOrder) - 1; i >= 0; i-- {
		h = o.stages[StageOrder[i]](h)
	}
	return o.entry(h)
}

// Collector returns the metrics collector behind the snapshot endpoint.
func (o *Orchestrator) Collector() *metrics.Collector {
	return o.collector
}

// StoreAvailable reports whether the last store check succeeded. It is true
// when no enabled stage uses the store.
func (o *Orchestrator) StoreAvailable() bool {
	if o.store == nil {
		return true
	}
	return o.storeAvailable.Load()
}

// CheckStore pings the store and updates StoreAvailable.
func (o *Orchestrator) CheckStore(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	err := o.store.Ping(ctx)
	o.storeAvailable.Store(err == nil)
	return err
}

// Close flushes the final metrics snapshot and releases the store. Only
// the first call has an effect.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.collector.Flush(o.logger)
		o.closeErr = o.release()
	})
	return o.closeErr
}

func (o *Orchestrator) release() error {
	var errs []error
	if o.local != nil {
		errs = append(errs, o.local.Close())
	}
	if o.store != nil && o.ownsStore {
		if err := o.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
