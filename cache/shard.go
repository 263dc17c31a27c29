package cache

import (
	"sync"

	"github.com/IvanBrykalov/assetcache/internal/singleflight"
	"github.com/IvanBrykalov/assetcache/internal/util"
)

// shard is an independent partition of the entry table with its own lock.
// It holds the resident entries and the in-flight loads for its keys, so
// "not resident, not loading" and "register a load" happen atomically.
type shard[K comparable, V any] struct {
	// ---- guarded by mu ----
	mu      sync.Mutex
	entries map[K]*entry[K, V]
	pending map[K]*singleflight.Call[V]

	// ---- hot counters (separate cache lines to avoid false sharing) ----
	_      util.CacheLinePad
	hits   util.PaddedAtomicInt64
	misses util.PaddedAtomicInt64
	evicts util.PaddedAtomicInt64
}

func newShard[K comparable, V any]() *shard[K, V] {
	return &shard[K, V]{
		entries: make(map[K]*entry[K, V]),
		pending: make(map[K]*singleflight.Call[V]),
	}
}

// acquireLocked takes one reference and cancels a pending eviction.
func (s *shard[K, V]) acquireLocked(e *entry[K, V]) {
	e.refs++
	cancelEvictionLocked(e)
}

// acquire takes a reference on a resident entry.
func (s *shard[K, V]) acquire(k K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if !ok {
		var zero V
		return zero, false
	}
	s.acquireLocked(e)
	s.hits.Add(1)
	return e.val, true
}

func (s *shard[K, V]) refCount(k K) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if !ok {
		return 0, false
	}
	return e.refs, true
}

func (s *shard[K, V]) contains(k K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[k]
	return ok
}

func (s *shard[K, V]) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// installMember adds a preload member. When k is already resident it takes
// a reference on the existing entry instead and returns it with
// installed == false; the batch copy of k is then unused.
func (s *shard[K, V]) installMember(k K, v V, g *group[K, V]) (e *entry[K, V], installed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[k]; ok {
		s.acquireLocked(e)
		return e, false
	}
	e = &entry[K, V]{val: v, refs: 1, group: g}
	s.entries[k] = e
	return e, true
}

// dropMember removes k if it is still a member of g, ignoring its
// reference count. The payload belongs to the batch, so nothing is released.
func (s *shard[K, V]) dropMember(k K, g *group[K, V]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if !ok || e.group != g {
		return false
	}
	cancelEvictionLocked(e)
	delete(s.entries, k)
	s.evicts.Add(1)
	return true
}

// drain empties the shard and returns its entries. Used by Close.
func (s *shard[K, V]) drain() map[K]*entry[K, V] {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.entries
	s.entries = make(map[K]*entry[K, V])
	for _, e := range out {
		cancelEvictionLocked(e)
	}
	s.evicts.Add(int64(len(out)))
	return out
}
