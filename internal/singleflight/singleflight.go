package singleflight

import (
	"context"
	"sync"
)

// Call is one in-flight operation shared by every caller that asked for the
// same key while it was running.
//
// Concurrency notes:
//   - A Call has no lock of its own. The owner (a cache shard or the group
//     registry) registers the Call in its map and mutates waiters under its
//     own mutex, so the existence check and the registration are atomic.
//   - Settle publishes (val, err) and closes done under the owner lock.
//     Publishing happens-before close(done), so reads after <-done observe
//     the final values.
//   - Cancelling a waiter's ctx unblocks only that waiter. It never cancels
//     the work behind the Call.
type Call[V any] struct {
	done    chan struct{}
	val     V
	err     error
	waiters int
	settled bool
}

// NewCall returns a Call with the creating caller already counted as a waiter.
func NewCall[V any]() *Call[V] {
	return &Call[V]{done: make(chan struct{}), waiters: 1}
}

// Join counts one more waiter. Owner lock must be held.
func (c *Call[V]) Join() { c.waiters++ }

// Waiters returns the number of callers still waiting. Owner lock must be held.
func (c *Call[V]) Waiters() int { return c.waiters }

// Settled reports whether Settle has run. Owner lock must be held.
func (c *Call[V]) Settled() bool { return c.settled }

// Settle publishes the result, wakes every waiter and returns how many
// waiters were still waiting at that moment. Owner lock must be held.
// Only the first Settle has effect; later calls return 0.
func (c *Call[V]) Settle(v V, err error) int {
	if c.settled {
		return 0
	}
	c.val, c.err = v, err
	c.settled = true
	close(c.done)
	return c.waiters
}

// Done is closed once the result is published.
func (c *Call[V]) Done() <-chan struct{} { return c.done }

// Result returns the published value. Valid only after Done is closed.
func (c *Call[V]) Result() (V, error) { return c.val, c.err }

// Wait blocks until c settles or ctx is done. mu is the owner lock guarding c.
//
// If ctx is cancelled before settlement, the caller stops being a waiter and
// gets ctx.Err(). If settlement already happened (the caller was counted),
// the result wins over the cancellation so accounting stays exact.
func Wait[V any](ctx context.Context, c *Call[V], mu sync.Locker) (V, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
	}

	mu.Lock()
	if c.settled {
		mu.Unlock()
		return c.val, c.err
	}
	c.waiters--
	mu.Unlock()

	var zero V
	return zero, ctx.Err()
}
