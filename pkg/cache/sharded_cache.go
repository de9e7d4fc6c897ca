package cache

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const numShards = 16

// ShardedCache is a sharded map of values stamped with the time they were computed.
// Freshness is decided by the reader, so one store can serve several TTLs.
type ShardedCache struct {
	shards [numShards]*shard
	now    func() time.Time
}

type shard struct {
	mu    sync.RWMutex
	items map[string]Entry
}

// Entry is a cached value and the time it was computed.
type Entry struct {
	Value      any
	ComputedAt time.Time
}

// New creates a sharded cache using the wall clock.
func New() *ShardedCache {
	return NewWithClock(time.Now)
}

// NewWithClock creates a sharded cache that reads time from now.
func NewWithClock(now func() time.Time) *ShardedCache {
	c := &ShardedCache{now: now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard{
			items: make(map[string]Entry),
		}
	}
	return c
}

// getShard returns the shard for the given key.
func (c *ShardedCache) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Now returns the cache clock reading.
func (c *ShardedCache) Now() time.Time { return c.now() }

// Set stores a value computed now.
func (c *ShardedCache) Set(key string, value any) Entry {
	e := Entry{Value: value, ComputedAt: c.now()}
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = e
	s.mu.Unlock()
	return e
}

// Get retrieves an entry regardless of age.
func (c *ShardedCache) Get(key string) (Entry, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	return e, ok
}

// GetFresh returns the entry only while now-ComputedAt <= ttl.
func (c *ShardedCache) GetFresh(key string, ttl time.Duration) (Entry, bool) {
	if ttl <= 0 {
		return Entry{}, false
	}
	e, ok := c.Get(key)
	if !ok || c.now().Sub(e.ComputedAt) > ttl {
		return Entry{}, false
	}
	return e, true
}

// GetOrCompute serves a fresh entry or runs compute and stores its result.
// Concurrent callers that miss together may each compute; errors are not cached.
func (c *ShardedCache) GetOrCompute(key string, ttl time.Duration, compute func() (any, error)) (Entry, bool, error) {
	if e, ok := c.GetFresh(key, ttl); ok {
		return e, true, nil
	}
	v, err := compute()
	if err != nil {
		return Entry{}, false, err
	}
	return c.Set(key, v), false, nil
}

// Delete removes a key from the cache.
func (c *ShardedCache) Delete(key string) {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// DeleteContaining removes every key containing fragment and returns the count.
func (c *ShardedCache) DeleteContaining(fragment string) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k := range s.items {
			if strings.Contains(k, fragment) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns total items across all shards.
func (c *ShardedCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge.
func (c *ShardedCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)

	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.ComputedAt.Before(cutoff) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *ShardedCache) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time

	for i, s := range c.shards {
		s.mu.RLock()
		stats.ShardCounts[i] = len(s.items)
		stats.TotalItems += len(s.items)
		for _, e := range s.items {
			if oldest.IsZero() || e.ComputedAt.Before(oldest) {
				oldest = e.ComputedAt
			}
		}
		s.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = c.now().Sub(oldest)
	}
	return stats
}
