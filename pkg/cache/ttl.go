package cache

import (
	"sync"
	"time"
)

type ttlItem[V any] struct {
	value    V
	expireAt time.Time
}

// TTL is a bounded in-memory cache whose entries expire after a fixed
// lifetime. When full, the entry closest to expiry is evicted.
type TTL[V any] struct {
	mu      sync.Mutex
	items   map[string]ttlItem[V]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// TTLOption configures a TTL cache.
type TTLOption func(*ttlOptions)

type ttlOptions struct {
	maxSize int
	now     func() time.Time
}

// WithMaxSize bounds the number of live entries.
func WithMaxSize(n int) TTLOption {
	return func(o *ttlOptions) { o.maxSize = n }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) TTLOption {
	return func(o *ttlOptions) { o.now = now }
}

// NewTTL creates a cache where every entry lives for ttl.
func NewTTL[V any](ttl time.Duration, opts ...TTLOption) *TTL[V] {
	o := ttlOptions{maxSize: 10000, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTL[V]{
		items:   make(map[string]ttlItem[V]),
		ttl:     ttl,
		maxSize: o.maxSize,
		now:     o.now,
	}
}

// Get returns a live entry.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok || !c.now().Before(it.expireAt) {
		if ok {
			delete(c.items, key)
		}
		var zero V
		return zero, false
	}
	return it.value, true
}

// Set stores v, replacing any previous entry and restarting its lifetime.
func (c *TTL[V]) Set(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, v)
}

// SetIfAbsent stores v only when no live entry exists and reports whether
// it did. The existing value is returned otherwise.
func (c *TTL[V]) SetIfAbsent(key string, v V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok && c.now().Before(it.expireAt) {
		return it.value, false
	}
	c.setLocked(key, v)
	return v, true
}

func (c *TTL[V]) setLocked(key string, v V) {
	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxSize {
		c.sweepLocked()
		if len(c.items) >= c.maxSize {
			c.evictOldestLocked()
		}
	}
	c.items[key] = ttlItem[V]{value: v, expireAt: c.now().Add(c.ttl)}
}

// Delete removes key.
func (c *TTL[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Len counts stored entries, including expired ones not yet swept.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Sweep drops expired entries and returns how many were removed.
func (c *TTL[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked()
}

func (c *TTL[V]) sweepLocked() int {
	now := c.now()
	removed := 0
	for k, it := range c.items {
		if !now.Before(it.expireAt) {
			delete(c.items, k)
			removed++
		}
	}
	return removed
}

func (c *TTL[V]) evictOldestLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for k, it := range c.items {
		if oldestKey == "" || it.expireAt.Before(oldestAt) {
			oldestKey, oldestAt = k, it.expireAt
		}
	}
	delete(c.items, oldestKey)
}
