package binding

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Cache is a short-TTL in-memory cache keyed by task id. Reads within the TTL
// may be stale; mutations call Invalidate so the next read refetches.
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]cachedEntry[V]
	ttl     time.Duration
	done    chan struct{}
	once    sync.Once
}

type cachedEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewCache creates a cache with the given TTL.
// Call Close to stop the background eviction goroutine.
func NewCache[V any](ttl time.Duration) *Cache[V] {
	c := &Cache[V]{
		entries: make(map[uuid.UUID]cachedEntry[V]),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the cached value and true if a live entry exists.
func (c *Cache[V]) Get(key uuid.UUID) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Set stores a value with the configured TTL.
func (c *Cache[V]) Set(key uuid.UUID, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cachedEntry[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
}

// Invalidate drops the entry for key.
func (c *Cache[V]) Invalidate(key uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateAll drops every entry.
func (c *Cache[V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Len returns the number of entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the background eviction goroutine. It is safe to call twice.
func (c *Cache[V]) Close() {
	c.once.Do(func() { close(c.done) })
}

// evictLoop removes expired entries every TTL, at most once a minute.
func (c *Cache[V]) evictLoop() {
	interval := time.Minute
	if c.ttl > 0 && c.ttl < interval {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache[V]) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
