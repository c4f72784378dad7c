// Package cache provides a small concurrency-safe TTL cache used for
// provider model catalogues.
package cache

import (
	"sync"
	"time"
)

// Cache maps keys to values with per-entry expiry.
type Cache[K comparable, V any] struct {
	entries    map[K]*entry[V]
	defaultTTL time.Duration
	mu         sync.RWMutex

	// now is swappable for tests.
	now func() time.Time
}

type entry[V any] struct {
	value     V
	fetchedAt time.Time
	expiresAt time.Time
}

// New creates a cache with the given default TTL.
func New[K comparable, V any](defaultTTL time.Duration) *Cache[K, V] {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Minute
	}
	return &Cache[K, V]{
		entries:    make(map[K]*entry[V]),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Get returns the cached value when present and unexpired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		var zero V
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; another goroutine may have
		// refreshed the entry in between.
		if cur, still := c.entries[key]; still && c.now().After(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return e.value, true
}

// FetchedAt returns when the entry was stored, for staleness reporting.
func (c *Cache[K, V]) FetchedAt(key K) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		return time.Time{}, false
	}
	return e.fetchedAt, true
}

// Set stores a value using the default TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL stores a value with an explicit TTL.
func (c *Cache[K, V]) SetTTL(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = &entry[V]{
		value:     value,
		fetchedAt: now,
		expiresAt: now.Add(ttl),
	}
}

// Remove drops a single entry. Returns true when it existed.
func (c *Cache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// Clear drops all entries.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]*entry[V])
}

// Len returns the number of entries, expired ones included.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
