package fetcher

import (
	"sync"
	"time"
)

// ttlCache is a concurrent-safe map with per-entry expiry. Writers use
// compare-and-set semantics on the deadline: a fresher entry is never
// replaced by a staler one.
type ttlCache[V any] struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry[V]
}

type cacheEntry[V any] struct {
	value   V
	expires time.Time
}

func newTTLCache[V any]() *ttlCache[V] {
	return &ttlCache[V]{entries: make(map[string]cacheEntry[V])}
}

// Get returns the cached value when present and unexpired.
func (c *ttlCache[V]) Get(key string, now time.Time) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || now.After(entry.expires) {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Set stores a value expiring at now+ttl unless an entry with a later
// deadline already exists.
func (c *ttlCache[V]) Set(key string, value V, now time.Time, ttl time.Duration) {
	expires := now.Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok && existing.expires.After(expires) {
		return
	}
	c.entries[key] = cacheEntry[V]{value: value, expires: expires}
}

// Purge removes expired entries; called opportunistically by the pool.
func (c *ttlCache[V]) Purge(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
		}
	}
}
