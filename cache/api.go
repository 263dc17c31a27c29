package cache

import (
	"context"
	"time"
)

// Cache is a reference-counted cache of externally loaded resources.
// All methods are safe for concurrent use by multiple goroutines.
//
// Every successful Load/Acquire hands the caller one reference; every
// reference must be returned with Release (or ReleaseAfter). Payloads are
// released back to the Provider only by the cache, once the last reference
// is gone and the optional grace period has passed.
type Cache[K comparable, V any] interface {
	// Load returns the payload for k, loading it through the Provider on miss.
	// Concurrent loads for the same key share one provider call. On success
	// the caller owns one reference. Cancelling ctx abandons only this
	// caller's wait: no reference is taken and the shared load keeps running.
	Load(ctx context.Context, k K) (V, error)

	// LoadMany loads every distinct key in keys. Keys already resident are
	// acquired immediately, the rest load concurrently. The result holds only
	// the keys that succeeded, each carrying one reference.
	LoadMany(ctx context.Context, keys []K) map[K]V

	// Acquire takes a reference on an already-loaded key without loading.
	// Returns ErrNotFound if k is absent or still loading.
	Acquire(k K) (V, error)

	// Release returns one reference and removes the entry immediately when it
	// was the last one.
	Release(k K) error

	// ReleaseAfter returns one reference; when it was the last one the entry
	// stays resident for delay and is removed only if nobody re-acquires it.
	// A non-positive delay behaves like Release.
	ReleaseAfter(k K, delay time.Duration) error

	// ReleaseMany releases one reference on each key with the given delay.
	ReleaseMany(keys []K, delay time.Duration) error

	// Preload loads keys as one provider batch under groupKey.
	// A second Preload for the same groupKey waits for the first batch.
	Preload(ctx context.Context, groupKey K, keys []K) error

	// PreloadTag is Preload for a provider-defined tag; the provider decides
	// which keys belong to it. Requires a TagProvider.
	PreloadTag(ctx context.Context, groupKey K, tag K) error

	// ReleaseGroup drops the group's own reference on every member
	// (force=false), or removes all members and the batch unconditionally
	// (force=true).
	ReleaseGroup(groupKey K, force bool) error

	// ReleaseGroups releases every settled group without force.
	ReleaseGroups() error

	// IsLoaded reports whether k is resident. No reference is taken.
	IsLoaded(k K) bool

	// RefCount returns the current reference count of k and its presence.
	RefCount(k K) (int, bool)

	// Len returns the number of resident entries.
	Len() int

	// Groups returns the number of live preload groups.
	Groups() int

	// Stats returns cumulative counters.
	Stats() Stats

	// Close releases every resident entry and group back to the provider
	// and stops pending eviction timers. In-flight loads are cancelled and
	// awaited. Close is idempotent; other operations return ErrClosed afterwards.
	Close() error
}

// Stats is a snapshot of cumulative cache counters.
type Stats struct {
	Hits int64
	// Misses counts provider calls started by Load; an Acquire of an
	// absent key is not a miss.
	Misses        int64
	Evictions     int64
	Entries       int
	Groups        int
	InFlightLoads int
}
