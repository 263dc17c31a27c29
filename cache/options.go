package cache

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// EvictReason explains why an entry was removed.
type EvictReason int

const (
	// EvictReleased: last reference released with no delay.
	EvictReleased EvictReason = iota
	// EvictDelayed: grace-period timer fired with no intervening acquire.
	EvictDelayed
	// EvictGroupForced: removed by a forced group release.
	EvictGroupForced
	// EvictClosed: removed by Close.
	EvictClosed
)

// String returns a stable label for the reason.
func (r EvictReason) String() string {
	switch r {
	case EvictDelayed:
		return "delayed"
	case EvictGroupForced:
		return "group_forced"
	case EvictClosed:
		return "closed"
	default:
		return "released"
	}
}

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	// Hit is a Load/Acquire served from a resident entry.
	Hit()
	// Miss is a Load that started a provider call.
	Miss()
	// Join is a Load that attached to an in-flight provider call.
	Join()
	// LoadDone observes one provider call (single or batch).
	LoadDone(d time.Duration, err error)
	Evict(reason EvictReason)
	DoubleRelease()
	// GroupMismatch reports keys a batch did not return.
	GroupMismatch(missing int)
	Size(entries, groups int)
}

// Options configures the cache. Zero values are safe; defaults are applied
// in New():
//   - Shards <= 0     => auto (rounded up to power of two)
//   - nil Metrics     => NoopMetrics
//   - nil Logger      => discard
//   - nil Clock       => real clock
//   - nil Hash        => util.Hash64
type Options[K comparable, V any] struct {
	// Provider loads and releases payloads. Required.
	Provider Provider[K, V]

	// Shards defines the number of entry table shards. If 0, an automatic
	// value is chosen (≈ 2*GOMAXPROCS) and rounded to the next power of two.
	Shards int

	// LoadConcurrency bounds the provider calls LoadMany issues at once.
	// 0 means unbounded.
	LoadConcurrency int

	// Hash maps a key to a shard. Needed only for key types util.Hash64
	// does not support.
	Hash func(K) uint64

	// Observability
	Metrics Metrics
	Logger  *slog.Logger

	// Clock drives eviction timers. Tests pass clockwork.NewFakeClock().
	Clock clockwork.Clock
}
