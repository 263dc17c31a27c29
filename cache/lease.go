package cache

import (
	"context"
	"sync/atomic"
)

// Lease is a single loaded key whose reference is returned by Release.
//
//	l, err := cache.NewLease(ctx, c, "fx/hit")
//	if err != nil { ... }
//	defer l.Release()
//	play(l.Value())
type Lease[K comparable, V any] struct {
	c        Cache[K, V]
	key      K
	val      V
	released atomic.Bool
}

// NewLease loads k and wraps the reference.
func NewLease[K comparable, V any](ctx context.Context, c Cache[K, V], k K) (*Lease[K, V], error) {
	v, err := c.Load(ctx, k)
	if err != nil {
		return nil, err
	}
	return &Lease[K, V]{c: c, key: k, val: v}, nil
}

// Key returns the leased key.
func (l *Lease[K, V]) Key() K { return l.key }

// Value returns the payload. It must not be used after Release.
func (l *Lease[K, V]) Value() V { return l.val }

// Release returns the reference. Only the first call has effect.
func (l *Lease[K, V]) Release() error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	return l.c.Release(l.key)
}
