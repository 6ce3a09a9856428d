package cache

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// LRU is a fixed-capacity key/value store with least-recently-used eviction.
//
// It carries no expiry logic; TTL is the caller's concern. All methods are
// safe for concurrent use.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	inner    *simplelru.LRU[K, V]
	capacity int

	hits      int64
	misses    int64
	evictions int64
}

// LRUStats is a point-in-time snapshot of an LRU's counters.
type LRUStats struct {
	Size      int
	Capacity  int
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

// NewLRU creates an LRU holding at most capacity entries.
func NewLRU[K comparable, V any](capacity int) (*LRU[K, V], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	inner, err := simplelru.NewLRU[K, V](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &LRU[K, V]{inner: inner, capacity: capacity}, nil
}

// Get returns the value for key and marks it most recently used.
// Hits and misses are counted.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.inner.Get(key)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

// Peek returns the value for key without touching recency or counters.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Peek(key)
}

// Set stores value under key and marks it most recently used. Inserting a
// new key at capacity evicts exactly the least recently used entry; the
// return value reports whether that happened.
func (c *LRU[K, V]) Set(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := c.inner.Add(key, value)
	if evicted {
		c.evictions++
	}
	return evicted
}

// Delete removes key and reports whether it was present.
func (c *LRU[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Remove(key)
}

// Clear removes every entry. Counters are kept.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Purge()
}

// Len returns the number of entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}

// Capacity returns the fixed capacity.
func (c *LRU[K, V]) Capacity() int {
	return c.capacity
}

// Keys returns the keys in access order, least recently used first.
func (c *LRU[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Keys()
}

// HitRate returns hits / (hits + misses), or 0 before any access.
func (c *LRU[K, V]) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ratio(c.hits, c.hits+c.misses)
}

// Stats returns a snapshot of the counters.
func (c *LRU[K, V]) Stats() LRUStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return LRUStats{
		Size:      c.inner.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		HitRate:   ratio(c.hits, c.hits+c.misses),
	}
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
