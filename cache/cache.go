// Package cache provides a fixed-capacity in-memory cache with a pluggable
// eviction policy. It is used for memory-bounded memoization of computed
// artifacts such as risk scores and device fingerprints.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/giantswarm/reqshield/instrumentation"
)

// entry holds a cached value with the metadata eviction policies read
type entry[V any] struct {
	value       V
	lastAccess  time.Time
	insertedAt  time.Time
	accessCount uint64
}

// Cache is a bounded key-value cache. When an insert would exceed the
// configured capacity, the eviction policy selects a victim entry to remove
// first. A Get immediately following a Set for the same key (with no
// intervening eviction of that key) always returns the just-set value.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]

	maxSize int
	policy  Policy

	hits      uint64
	misses    uint64
	evictions uint64

	instrumentation *instrumentation.Instrumentation

	now func() time.Time
}

// Stats holds cache statistics for monitoring
type Stats struct {
	Size      int     // Current number of cached entries
	MaxSize   int     // Configured capacity
	Hits      uint64  // Total lookup hits
	Misses    uint64  // Total lookup misses
	Evictions uint64  // Total policy evictions
	HitRate   float64 // Hits / (Hits + Misses), 0 when no lookups yet
}

// New creates a bounded cache with the default recency-based (LRU) policy.
// maxSize zero disables caching (every Get misses); negative maxSize is
// rejected.
func New[V any](maxSize int) (*Cache[V], error) {
	return NewWithPolicy[V](maxSize, LRU{})
}

// NewWithPolicy creates a bounded cache with a custom eviction policy.
func NewWithPolicy[V any](maxSize int, policy Policy) (*Cache[V], error) {
	if maxSize < 0 {
		return nil, fmt.Errorf("cache maxSize must not be negative, got %d", maxSize)
	}
	if policy == nil {
		policy = LRU{}
	}

	return &Cache[V]{
		entries: make(map[string]*entry[V]),
		maxSize: maxSize,
		policy:  policy,
		now:     time.Now,
	}, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for the cache
func (c *Cache[V]) SetInstrumentation(inst *instrumentation.Instrumentation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instrumentation = inst
}

// Set stores a value. At capacity the policy selects a victim to evict
// before inserting; with capacity one and a different key already present,
// the insert evicts immediately.
func (c *Cache[V]) Set(key string, value V) {
	if c.maxSize == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.lastAccess = now
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictLocked()
	}

	c.entries[key] = &entry[V]{
		value:      value,
		lastAccess: now,
		insertedAt: now,
	}
}

// Get retrieves a value. A hit updates the entry's last access time and
// access count. Absence is signaled by the second return value, never by a
// panic or error.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		if c.instrumentation != nil {
			c.instrumentation.Metrics().CacheMisses.Add(context.Background(), 1)
		}
		var zero V
		return zero, false
	}

	e.lastAccess = c.now()
	e.accessCount++
	c.hits++
	if c.instrumentation != nil {
		c.instrumentation.Metrics().CacheHits.Add(context.Background(), 1)
	}
	return e.value, true
}

// GetOrSet returns the value for key when present, otherwise stores value
// and returns it. The boolean reports whether the key was already present.
// Unlike a Get followed by a Set, concurrent callers racing on an absent key
// all receive the single value that won the insert.
func (c *Cache[V]) GetOrSet(key string, value V) (V, bool) {
	if c.maxSize == 0 {
		return value, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if e, ok := c.entries[key]; ok {
		e.lastAccess = now
		e.accessCount++
		c.hits++
		if c.instrumentation != nil {
			c.instrumentation.Metrics().CacheHits.Add(context.Background(), 1)
		}
		return e.value, true
	}

	c.misses++
	if c.instrumentation != nil {
		c.instrumentation.Metrics().CacheMisses.Add(context.Background(), 1)
	}

	if len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	c.entries[key] = &entry[V]{
		value:      value,
		lastAccess: now,
		insertedAt: now,
	}
	return value, false
}

// Delete removes a key. Deleting a missing key is a no-op.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes all entries. Statistics counters are preserved.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[V])
}

// Stats returns current cache statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Size:      len(c.entries),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// evictLocked removes the policy's victim entry.
// Must be called with the mutex held.
//
// Note: candidate collection is O(n). For the bounded sizes this cache is
// built for that is acceptable and keeps policies trivially swappable. If
// eviction ever becomes a bottleneck, an LRU-specific implementation with
// container/list can replace the scan.
func (c *Cache[V]) evictLocked() {
	if len(c.entries) == 0 {
		return
	}

	candidates := make([]EntryInfo, 0, len(c.entries))
	for key, e := range c.entries {
		candidates = append(candidates, EntryInfo{
			Key:         key,
			LastAccess:  e.lastAccess,
			InsertedAt:  e.insertedAt,
			AccessCount: e.accessCount,
		})
	}

	victim := c.policy.Victim(candidates)
	if _, ok := c.entries[victim]; !ok {
		// Policy returned an unknown key; fall back to any entry so the
		// capacity bound still holds.
		victim = candidates[0].Key
	}

	delete(c.entries, victim)
	c.evictions++
	if c.instrumentation != nil {
		c.instrumentation.Metrics().CacheEvictions.Add(context.Background(), 1)
	}
}
