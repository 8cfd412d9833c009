package defense

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// shardCount partitions every stateful store so requests for different keys
// never contend on the same lock. Must be a power of two.
const shardCount = 64

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() & (shardCount - 1)
}

// shardedMap is the key-partitioned concurrent store backing every counter in
// the pipeline. Callers lock exactly one shard per operation, so a
// read-modify-write on a key is atomic with respect to other requests for
// that key while different keys proceed independently.
type shardedMap[V any] struct {
	shards [shardCount]mapShard[V]
}

type mapShard[V any] struct {
	mu sync.Mutex
	m  map[string]V
}

func newShardedMap[V any]() *shardedMap[V] {
	s := &shardedMap[V]{}
	for i := range s.shards {
		s.shards[i].m = make(map[string]V)
	}
	return s
}

func (s *shardedMap[V]) shard(key string) *mapShard[V] {
	return &s.shards[shardIndex(key)]
}

// update runs fn with the shard lock held. fn receives the current value (or
// the zero value) and reports whether to store its result back.
func (s *shardedMap[V]) update(key string, fn func(v V, ok bool) (V, bool)) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.m[key]
	if next, store := fn(v, ok); store {
		sh.m[key] = next
	}
}

func (s *shardedMap[V]) get(key string) (V, bool) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.m[key]
	return v, ok
}

func (s *shardedMap[V]) len() int {
	n := 0
	for i := range s.shards {
		s.shards[i].mu.Lock()
		n += len(s.shards[i].m)
		s.shards[i].mu.Unlock()
	}
	return n
}

// sweep visits every entry shard by shard, holding the same lock request
// handlers take, and deletes entries fn reports as expired. Returns the
// number of removed entries.
func (s *shardedMap[V]) sweep(fn func(key string, v V) bool) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, v := range sh.m {
			if fn(k, v) {
				delete(sh.m, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// WindowStore holds the fixed-window request counters. Incr atomically
// bumps the counter for key, resetting it first when the window has elapsed,
// and returns the post-increment count. Sweep reclaims entries whose window
// has logically expired; backends with native TTLs may make it a no-op.
type WindowStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	Sweep() int
}

type rateWindow struct {
	windowStart time.Time
	count       int64
}

// MemoryWindowStore is the in-process WindowStore.
type MemoryWindowStore struct {
	entries *shardedMap[*rateWindow]
	maxIdle time.Duration
}

// NewMemoryWindowStore creates a store whose Sweep removes windows idle for
// longer than maxIdle past their window length.
func NewMemoryWindowStore(maxIdle time.Duration) *MemoryWindowStore {
	return &MemoryWindowStore{
		entries: newShardedMap[*rateWindow](),
		maxIdle: maxIdle,
	}
}

func (s *MemoryWindowStore) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	var count int64
	now := time.Now()
	s.entries.update(key, func(w *rateWindow, ok bool) (*rateWindow, bool) {
		if !ok {
			count = 1
			return &rateWindow{windowStart: now, count: 1}, true
		}
		if now.Sub(w.windowStart) >= window {
			w.windowStart = now
			w.count = 0
		}
		w.count++
		count = w.count
		return w, false
	})
	return count, nil
}

func (s *MemoryWindowStore) Sweep() int {
	cutoff := time.Now().Add(-s.maxIdle)
	return s.entries.sweep(func(_ string, w *rateWindow) bool {
		return w.windowStart.Before(cutoff)
	})
}

// Len returns the number of live windows.
func (s *MemoryWindowStore) Len() int { return s.entries.len() }
