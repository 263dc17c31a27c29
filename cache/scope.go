package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Scope ties borrowed keys and derived instances to a consumer's lifetime.
// Every key recorded by the scope carries exactly one reference; End returns
// them all and destroys every tracked instance, once.
//
// A Scope never owns payloads, only the right to release one reference per
// recorded borrow. It is safe for concurrent use, and End may be called
// from inside an Instance's Destroy without deadlocking.
type Scope[K comparable, V any] struct {
	c Cache[K, V]

	mu        sync.Mutex
	keys      []K
	instances []Instance
	ended     bool
}

// NewScope returns an empty scope borrowing from c.
func NewScope[K comparable, V any](c Cache[K, V]) *Scope[K, V] {
	return &Scope[K, V]{c: c}
}

// Borrow takes a reference on an already-loaded key and records it.
// Nothing is loaded; an absent key fails with ErrNotLoaded.
func (s *Scope[K, V]) Borrow(k K) (V, error) {
	var zero V
	if s.Ended() {
		return zero, ErrScopeEnded
	}
	v, err := s.c.Acquire(k)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return zero, fmt.Errorf("%w: %v", ErrNotLoaded, k)
		}
		return zero, err
	}
	if !s.record(k) {
		_ = s.c.Release(k)
		return zero, ErrScopeEnded
	}
	return v, nil
}

// LoadAndBorrow loads k through the cache and records it.
func (s *Scope[K, V]) LoadAndBorrow(ctx context.Context, k K) (V, error) {
	var zero V
	if s.Ended() {
		return zero, ErrScopeEnded
	}
	v, err := s.c.Load(ctx, k)
	if err != nil {
		return zero, err
	}
	if !s.record(k) {
		_ = s.c.Release(k)
		return zero, ErrScopeEnded
	}
	return v, nil
}

// ReleaseNow returns one recorded reference on k before the scope ends.
func (s *Scope[K, V]) ReleaseNow(k K) error {
	s.mu.Lock()
	i := slices.Index(s.keys, k)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrNotOwned, k)
	}
	s.keys = slices.Delete(s.keys, i, i+1)
	s.mu.Unlock()

	return s.c.Release(k)
}

// TrackInstance registers inst to be destroyed when the scope ends.
// On an ended scope inst is destroyed immediately.
func (s *Scope[K, V]) TrackInstance(inst Instance) {
	if inst == nil {
		return
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		inst.Destroy()
		return
	}
	s.instances = append(s.instances, inst)
	s.mu.Unlock()
}

// Instantiate loads k, borrows it, builds a derived instance from the
// payload and tracks it. If build fails the key stays borrowed by the scope.
func (s *Scope[K, V]) Instantiate(ctx context.Context, k K, build func(V) (Instance, error)) (Instance, error) {
	v, err := s.LoadAndBorrow(ctx, k)
	if err != nil {
		return nil, err
	}
	inst, err := build(v)
	if err != nil {
		return nil, err
	}
	s.TrackInstance(inst)
	return inst, nil
}

// DestroyInstanceNow destroys one tracked instance and stops tracking it.
// Reports false if the scope does not track inst.
func (s *Scope[K, V]) DestroyInstanceNow(inst Instance) bool {
	s.mu.Lock()
	i := slices.Index(s.instances, inst)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.instances = slices.Delete(s.instances, i, i+1)
	s.mu.Unlock()

	inst.Destroy()
	return true
}

// DestroyInstances destroys every tracked instance but keeps the borrowed keys.
func (s *Scope[K, V]) DestroyInstances() {
	s.mu.Lock()
	insts := s.instances
	s.instances = nil
	s.mu.Unlock()

	for _, inst := range insts {
		inst.Destroy()
	}
}

// Keys returns a copy of the currently recorded keys, one per borrow.
func (s *Scope[K, V]) Keys() []K {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.keys)
}

// Ended reports whether End has been called.
func (s *Scope[K, V]) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// End destroys every tracked instance and releases every recorded key.
// Only the first call has effect. State is cleared before any callback
// runs, so reentrant calls observe an ended scope.
func (s *Scope[K, V]) End() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	keys, insts := s.keys, s.instances
	s.keys, s.instances = nil, nil
	s.mu.Unlock()

	for _, inst := range insts {
		inst.Destroy()
	}
	var errs []error
	for _, k := range keys {
		if err := s.c.Release(k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scope[K, V]) record(k K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.keys = append(s.keys, k)
	return true
}
