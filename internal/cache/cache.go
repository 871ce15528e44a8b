// Package cache provides a small thread-safe TTL cache.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// TTL is a thread-safe in-memory cache whose entries expire after a fixed
// duration. Expired entries are invisible to Get and removed by Evict.
type TTL[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]*entry[V]
	ttl     time.Duration
	now     func() time.Time
}

// New creates a cache whose entries live for ttl.
func New[K comparable, V any](ttl time.Duration) *TTL[K, V] {
	return &TTL[K, V]{
		entries: make(map[K]*entry[V]),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get looks up a live entry.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.expired(c.now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, replacing any previous entry.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Invalidate removes a specific entry.
func (c *TTL[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Evict removes all expired entries and returns how many were dropped.
func (c *TTL[K, V]) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of cached entries, including expired ones.
func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// StartEvictor runs Evict every interval until stop is closed.
func (c *TTL[K, V]) StartEvictor(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Evict()
		case <-stop:
			return
		}
	}
}
