package cache

import (
	"time"
)

// CacheEntry represents a cached response.
type CacheEntry struct {
	// Key is the store key the entry was written under
	Key string `json:"key"`

	// Body is the response body
	Body []byte `json:"body"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// ContentType is the Content-Type of the cached response
	ContentType string `json:"content_type"`

	// StoredAt is when we cached this response
	StoredAt time.Time `json:"stored_at"`

	// TTLSeconds is how long the entry may be served
	TTLSeconds int64 `json:"ttl_seconds"`
}

// ExpiresAt returns StoredAt + TTL.
func (e *CacheEntry) ExpiresAt() time.Time {
	return e.StoredAt.Add(time.Duration(e.TTLSeconds) * time.Second)
}

// IsExpired reports whether the entry must no longer be served at now.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *CacheEntry) TTL(now time.Time) time.Duration {
	ttl := e.ExpiresAt().Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Age returns how long the entry has been stored, in whole seconds as sent
// in the Age header.
func (e *CacheEntry) Age(now time.Time) int64 {
	age := now.Sub(e.StoredAt)
	if age < 0 {
		return 0
	}
	return int64(age / time.Second)
}
