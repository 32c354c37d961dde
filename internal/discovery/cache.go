package discovery

import (
	"context"
	"sync"
	"time"
)

// Cache stores discovery results keyed by an opaque cache token, separate
// from the Temporal workflow's own query-handler state so a cache write
// failure never fails the workflow (see Activities.WriteCache).
type Cache interface {
	Get(ctx context.Context, key string) (*Result, error)
	Set(ctx context.Context, key string, result *Result, ttl time.Duration) error
}

// MemoryCache is an in-memory, TTL-expiring Cache, grounded on the
// teacher's toolset schema cache: entries are lazily evicted on Get once
// past expiresAt rather than swept on a timer.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*memoryCacheEntry
}

type memoryCacheEntry struct {
	result    *Result
	expiresAt time.Time
}

// NewMemoryCache constructs an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]*memoryCacheEntry{}}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*Result, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, nil
	}
	return entry.result, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, result *Result, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &memoryCacheEntry{result: result, expiresAt: time.Now().Add(ttl)}
	return nil
}

// DefaultCacheTTL bounds how long a discovery result is reusable without
// re-interrogating the server.
const DefaultCacheTTL = 10 * time.Minute
