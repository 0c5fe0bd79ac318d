package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/ce-gateway/pkg/store"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Manager handles caching operations on the shared store.
type Manager struct {
	store store.Store
	now   func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock overrides the time source.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a new cache manager.
func NewManager(s store.Store, opts ...ManagerOption) *Manager {
	if s == nil {
		panic("cache store cannot be nil")
	}
	m := &Manager{
		store: s,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.now()
}

// Get retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist or the entry is expired.
// Store failures are returned wrapped (store.IsUnavailable).
func (m *Manager) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	cacheKey := key.String()

	data, err := m.store.Get(ctx, cacheKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("cache get: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		_ = m.store.Delete(ctx, cacheKey)
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	// the store TTL is only a cleanup hint
	if entry.IsExpired(m.now()) {
		_ = m.store.Delete(ctx, cacheKey)
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.Inc()
	return &entry, nil
}

// Set stores a cache entry. The store TTL is the entry's remaining lifetime.
// Entries that are already expired are not written.
func (m *Manager) Set(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL(m.now())
	if ttl <= 0 {
		return nil
	}

	entry.Key = key.String()
	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.store.Set(ctx, entry.Key, data, ttl); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("cache set: %w", err)
	}

	CacheStores.Inc()
	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key CacheKey) error {
	if err := m.store.Delete(ctx, key.String()); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// InvalidatePath removes every entry cached for path and for the paths
// below it, regardless of query string. It returns the number of removed
// entries.
func (m *Manager) InvalidatePath(ctx context.Context, path string) (int64, error) {
	var total int64
	for _, prefix := range InvalidationPrefixes(path) {
		n, err := m.store.DeletePrefix(ctx, prefix)
		total += n
		if err != nil {
			CacheErrors.WithLabelValues("invalidate").Inc()
			return total, fmt.Errorf("cache invalidate %s: %w", path, err)
		}
	}

	CacheInvalidations.Add(float64(total))
	return total, nil
}
