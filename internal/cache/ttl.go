// Package cache provides a small in-process TTL cache.
package cache

import (
	"sync"
	"time"

	"github.com/bcnelson/instance-rental/internal/clock"
)

// DefaultTTL is the lifetime used for region and permission lookups.
const DefaultTTL = 600 * time.Second

// DefaultMaxEntries bounds the number of cached keys.
const DefaultMaxEntries = 1024

type entry[V any] struct {
	value   V
	expires time.Time
}

// TTL is a concurrency-safe cache whose entries expire after a per-entry
// lifetime measured on the injected clock. Concurrent writers for the
// same key are last-write-wins.
type TTL[K comparable, V any] struct {
	mu         sync.RWMutex
	clock      clock.Clock
	maxEntries int
	entries    map[K]entry[V]
}

// New creates a cache. maxEntries <= 0 means DefaultMaxEntries.
func New[K comparable, V any](clk clock.Clock, maxEntries int) *TTL[K, V] {
	if clk == nil {
		clk = clock.Real()
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &TTL[K, V]{
		clock:      clk,
		maxEntries: maxEntries,
		entries:    make(map[K]entry[V]),
	}
}

// Get returns the value for key if present and not expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || !c.clock.Now().Before(e.expires) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores value under key for ttl.
func (c *TTL[K, V]) Put(key K, value V, ttl time.Duration) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = entry[V]{value: value, expires: now.Add(ttl)}
}

// Delete removes key.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired or not.
func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictLocked drops expired entries, or the soonest to expire if none are.
func (c *TTL[K, V]) evictLocked(now time.Time) {
	var (
		oldestKey K
		oldest    time.Time
		found     bool
	)
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			continue
		}
		if !found || e.expires.Before(oldest) {
			oldestKey, oldest, found = k, e.expires, true
		}
	}
	if len(c.entries) >= c.maxEntries && found {
		delete(c.entries, oldestKey)
	}
}
