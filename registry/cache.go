package registry

import (
	"encoding/binary"
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// shardCount is the number of shards for reduced lock contention.
// Must be a power of 2 for fast modulo via bitwise AND.
const shardCount = 16

const shardMask = shardCount - 1

// Hasher computes a hash for a key, used for shard selection.
type Hasher[K any] func(K) uint64

// StringHasher computes the FNV-1a hash of a string key.
func StringHasher(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s)) // fnv.Write never returns an error
	return h.Sum64()
}

// Uint64Hasher returns the key itself as the hash (identity hash).
func Uint64Hasher(u uint64) uint64 {
	return u
}

// KeyHasher computes the FNV-1a hash of a composite Key.
func KeyHasher(k Key) uint64 {
	h := fnv.New64a()
	var kind [4]byte
	binary.LittleEndian.PutUint32(kind[:], uint32(k.Kind))
	_, _ = h.Write(kind[:])
	_, _ = h.Write([]byte(k.Name))
	return h.Sum64()
}

// Stats reports cache performance counters.
type Stats struct {
	Len     uint64
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// Cache is a thread-safe sharded get-or-create map.
//
// It exists for resources where many goroutines race to lazily create the
// same backend singleton: the shard lock is held across the create call so
// exactly one creation wins per key, and later lookups are cheap shared
// reads. There is no eviction: values stay until Delete or Clear, because
// eviction of a live GPU object would invalidate it behind its users' backs.
type Cache[K comparable, V any] struct {
	shards [shardCount]*cacheShard[K, V]
	hasher Hasher[K]

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheShard[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

// NewCache creates an empty cache using hasher for shard selection.
// Use StringHasher, Uint64Hasher, or KeyHasher for common key types.
func NewCache[K comparable, V any](hasher Hasher[K]) *Cache[K, V] {
	c := &Cache[K, V]{hasher: hasher}
	for i := range c.shards {
		c.shards[i] = &cacheShard[K, V]{entries: make(map[K]V)}
	}
	return c
}

func (c *Cache[K, V]) shard(key K) *cacheShard[K, V] {
	return c.shards[c.hasher(key)&shardMask]
}

// Get retrieves a cached value by key.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	s := c.shard(key)
	s.mu.RLock()
	v, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Set stores a value, replacing any previous value for the key.
func (c *Cache[K, V]) Set(key K, value V) {
	s := c.shard(key)
	s.mu.Lock()
	s.entries[key] = value
	s.mu.Unlock()
}

// GetOrCreate returns the cached value for key, invoking create if absent.
// The shard lock is held across create, so concurrent first access of the
// same key runs exactly one create call; every caller receives the stored
// value. A create error is returned and nothing is stored.
func (c *Cache[K, V]) GetOrCreate(key K, create func() (V, error)) (V, error) {
	s := c.shard(key)

	s.mu.RLock()
	v, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		return v, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.entries[key]; ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)

	v, err := create()
	if err != nil {
		var zero V
		return zero, err
	}
	s.entries[key] = v
	return v, nil
}

// Delete removes a key and reports whether it was present.
func (c *Cache[K, V]) Delete(key K) bool {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	return true
}

// Len returns the total number of entries across all shards.
func (c *Cache[K, V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}

// Clear removes all entries. If release is non-nil it is called once per
// removed value, outside any shard lock.
func (c *Cache[K, V]) Clear(release func(V)) {
	var removed []V
	for _, s := range c.shards {
		s.mu.Lock()
		if release != nil {
			for _, v := range s.entries {
				removed = append(removed, v)
			}
		}
		s.entries = make(map[K]V)
		s.mu.Unlock()
	}
	for _, v := range removed {
		release(v)
	}
}

// Stats returns current hit/miss counters.
func (c *Cache[K, V]) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	st := Stats{
		Len:    uint64(c.Len()),
		Hits:   hits,
		Misses: misses,
	}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}
	return st
}
