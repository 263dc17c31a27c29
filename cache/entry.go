package cache

import "github.com/jonboulle/clockwork"

// entry is the single record for a resident key, owned by a shard.
// All fields are guarded by the shard lock.
type entry[K comparable, V any] struct {
	val V

	// Outstanding references. Zero only while an eviction timer is armed
	// or while the entry is being removed under the shard lock.
	refs int

	// Non-nil for preload members; the payload then belongs to the group's
	// batch and is never released individually.
	group *group[K, V]

	// Pending delayed eviction. gen identifies the armed timer so a timer
	// that fires after being superseded is ignored.
	timer clockwork.Timer
	gen   uint64
}

func (e *entry[K, V]) evictionPending() bool { return e.timer != nil }
