// Package cache provides a read-through, TTL-bounded cache for reference data
// and derived read views. Entries are disposable copies with no authority;
// every write path that could stale a cached resource invalidates it
// explicitly rather than waiting for expiry.
package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL bounds how long an entry may serve reads without revalidation.
const DefaultTTL = 300 * time.Second

// Loader produces the value for a cache key on a miss.
type Loader func(ctx context.Context) (interface{}, error)

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// Cache is an in-process read-through cache keyed by logical resource name.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	clock   func() time.Time
}

// Config describes the cache construction parameters.
type Config struct {
	TTL   time.Duration
	Clock func() time.Time
}

// New constructs a cache. A zero TTL falls back to DefaultTTL.
func New(cfg Config) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		clock:   clock,
	}
}

// Get returns the cached value when present and unexpired; otherwise it
// invokes the loader, stores the result, and returns it. A loader failure is
// returned uncached so the next read retries the source.
func (c *Cache) Get(ctx context.Context, key string, load Loader) (interface{}, error) {
	now := c.clock()

	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && now.Before(cached.expiresAt) {
		return cached.value, nil
	}

	value, err := load(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	return value, nil
}

// Peek reports the cached value without loading on a miss.
func (c *Cache) Peek(key string) (interface{}, bool) {
	now := c.clock()
	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !now.Before(cached.expiresAt) {
		return nil, false
	}
	return cached.value, true
}

// Invalidate drops one entry.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}
