package cache

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// scheduler arms cancellable grace-period timers for entries whose last
// reference was released with a delay.
//
// Per key: Active -> EvictionPending -> Removed, or back to Active when
// the key is re-acquired before the timer fires. Arming and cancelling
// happen under the owning shard lock; the timer callback re-checks the
// entry under the same lock, so a cancel and a fire never both take effect.
type scheduler struct {
	clock clockwork.Clock
	gen   atomic.Uint64
}

// armEvictionLocked starts the eviction timer for e unless one is already
// pending, in which case the existing timer governs.
func armEvictionLocked[K comparable, V any](sc *scheduler, e *entry[K, V], d time.Duration, fire func(gen uint64)) {
	if e.evictionPending() {
		return
	}
	gen := sc.gen.Add(1)
	e.gen = gen
	e.timer = sc.clock.AfterFunc(d, func() { fire(gen) })
}

// cancelEvictionLocked stops a pending timer. A callback that already
// started will see the cleared generation and do nothing.
func cancelEvictionLocked[K comparable, V any](e *entry[K, V]) {
	if e.timer == nil {
		return
	}
	e.timer.Stop()
	e.timer = nil
	e.gen = 0
}
