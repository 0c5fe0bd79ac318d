// Package cache provides the gateway response cache backed by the shared
// store.
//
// The cache stage implements read-through caching with the following features:
//
// - Only GET requests are cached; Cache-Control: no-store bypasses the cache
// - Deterministic cache keys (method, normalized path, sorted query, body hash)
// - StoredAt + TTL decides hit or miss, even if the store still holds the entry
// - Per-route TTL overrides (longest prefix wins, 0 disables caching)
// - Successful mutating requests invalidate the path and its sub-paths
// - Fail-open: store errors turn lookups into misses and skip storing
// - Optional single-flight for concurrent misses on one key
// - Prometheus metrics for observability
//
// # Basic Usage
//
//	s, err := store.NewRedisStore(store.RedisConfig{URL: "redis://localhost:6379/0"})
//	if err != nil {
//		return err
//	}
//
//	manager := cache.NewManager(s)
//	stage := cache.NewStage(manager, 5*time.Minute, logger,
//		cache.WithRouteTTLs(map[string]time.Duration{"/prices": 30 * time.Second}),
//	)
//
//	handler := stage.Middleware(backend)
//
// # Direct Access
//
//	key := cache.NewKey(http.MethodGet, "/resource/42", url.Values{"page": {"1"}}, nil)
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch and Set
//	}
//
//	removed, err := manager.InvalidatePath(ctx, "/resource/42")
//
// # Metrics
//
// The cache exports Prometheus metrics:
//
//   - gateway_cache_hits_total - Responses served from the cache
//   - gateway_cache_misses_total - Lookups that invoked the handler
//   - gateway_cache_stores_total - Responses written to the cache
//   - gateway_cache_invalidations_total - Entries removed by mutating requests
//   - gateway_cache_errors_total{operation} - Store failures while caching
//   - gateway_cache_shared_responses_total - Misses answered by another caller's handler run
package cache
