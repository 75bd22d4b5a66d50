// Package cache provides a mutex-guarded in-memory TTL cache.
//
// Every short-lived artifact in the pipeline (signing keys, enrichment
// results, report metadata, embed tokens) is held in its own Cache instance,
// constructor-injected into the owning service. Expired entries are purged
// lazily when read.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time // zero means no expiry
}

// Cache is a TTL cache keyed by K. A TTL of zero caches entries until
// explicit invalidation or Clear.
type Cache[K comparable, V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[K]entry[V]
	now     func() time.Time
}

// Option configures the Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithClock overrides the time source, for tests.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) { c.now = now }
}

// New creates a cache whose entries expire ttl after Put. ttl <= 0 disables
// expiry.
func New[K comparable, V any](ttl time.Duration, opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		ttl:     ttl,
		entries: make(map[K]entry[V]),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached value for key. Expired entries are purged and
// reported as misses.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(c.now()) {
		c.mu.Lock()
		// re-check under the write lock; a Put may have raced the purge
		if cur, still := c.entries[key]; still && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

// Put stores value under key with the cache's default TTL.
func (c *Cache[K, V]) Put(key K, value V) {
	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}
	c.PutUntil(key, value, expiresAt)
}

// PutUntil stores value under key with an explicit expiry instant.
// A zero expiresAt means the entry never expires.
func (c *Cache[K, V]) PutUntil(key K, value V, expiresAt time.Time) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
}

// Invalidate removes one entry, reporting whether it was present.
func (c *Cache[K, V]) Invalidate(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

// Clear removes every entry and returns the prior count.
func (c *Cache[K, V]) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[K]entry[V])
	return n
}

// Len returns the number of entries, including any not yet purged.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
