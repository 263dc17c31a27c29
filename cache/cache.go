package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/assetcache/internal/singleflight"
	"github.com/IvanBrykalov/assetcache/internal/util"
)

// cache is a sharded, reference-counted entry table in front of a Provider.
// All methods are safe for concurrent use by multiple goroutines.
type cache[K comparable, V any] struct {
	shards []*shard[K, V]
	hash   func(K) uint64
	closed atomic.Bool
	size   atomic.Int64

	opt    Options[K, V]
	log    *slog.Logger
	sched  scheduler
	groups registry[K, V]

	// life is cancelled by Close; provider calls run under it instead of
	// the caller's context so one caller cannot cancel a shared load.
	life     context.Context
	stop     context.CancelFunc
	inflight sync.WaitGroup
}

// New constructs a cache with the provided Options.
// Defaults:
//   - nil Metrics  -> NoopMetrics
//   - nil Logger   -> discard
//   - nil Clock    -> real clock
//   - nil Hash     -> util.Hash64
//   - Shards <= 0  -> auto, rounded up to the next power of two
func New[K comparable, V any](opt Options[K, V]) Cache[K, V] {
	if opt.Provider == nil {
		panic("cache: Provider must be set")
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.DiscardHandler)
	}
	if opt.Clock == nil {
		opt.Clock = clockwork.NewRealClock()
	}
	if opt.Hash == nil {
		opt.Hash = util.Hash64[K]
	}

	n := util.ShardCount(opt.Shards)
	cs := make([]*shard[K, V], n)
	for i := range cs {
		cs[i] = newShard[K, V]()
	}

	life, stop := context.WithCancel(context.Background())
	return &cache[K, V]{
		shards: cs,
		hash:   opt.Hash,
		opt:    opt,
		log:    opt.Logger.With(slog.String("component", "assetcache")),
		sched:  scheduler{clock: opt.Clock},
		groups: registry[K, V]{m: make(map[K]*group[K, V])},
		life:   life,
		stop:   stop,
	}
}

// ---- Cache[K,V] implementation ----

// Load returns the payload for k with one reference, coalescing concurrent
// misses into a single provider call.
func (c *cache[K, V]) Load(ctx context.Context, k K) (V, error) {
	var zero V
	if c.closed.Load() {
		return zero, ErrClosed
	}
	s := c.getShard(k)

	// Existence check and in-flight registration share one critical
	// section, so two callers can never both start a provider call.
	s.mu.Lock()
	if c.closed.Load() {
		s.mu.Unlock()
		return zero, ErrClosed
	}
	if e, ok := s.entries[k]; ok {
		s.acquireLocked(e)
		v := e.val
		s.mu.Unlock()
		s.hits.Add(1)
		c.opt.Metrics.Hit()
		return v, nil
	}
	call, joined := s.pending[k]
	if joined {
		call.Join()
	} else {
		call = singleflight.NewCall[V]()
		s.pending[k] = call
		c.inflight.Add(1)
	}
	s.mu.Unlock()

	if joined {
		c.opt.Metrics.Join()
	} else {
		s.misses.Add(1)
		c.opt.Metrics.Miss()
		go c.runLoad(ctx, s, k, call)
	}
	return singleflight.Wait(ctx, call, &s.mu)
}

// runLoad performs the single provider call for k and settles every waiter.
func (c *cache[K, V]) runLoad(ctx context.Context, s *shard[K, V], k K, call *singleflight.Call[V]) {
	defer c.inflight.Done()

	lctx, done := c.detach(ctx)
	start := time.Now()
	v, err := c.opt.Provider.Load(lctx, k)
	done()
	c.opt.Metrics.LoadDone(time.Since(start), err)

	if err != nil {
		err = fmt.Errorf("%w: %v: %w", ErrLoadFailed, k, err)
		c.log.Warn("load failed", slog.Any("key", k), slog.Any("error", err))

		s.mu.Lock()
		delete(s.pending, k)
		var zero V
		call.Settle(zero, err)
		s.mu.Unlock()
		return
	}

	var discard bool
	s.mu.Lock()
	delete(s.pending, k)
	waiters := call.Waiters()
	switch e, exists := s.entries[k]; {
	case c.closed.Load():
		var zero V
		call.Settle(zero, ErrClosed)
		discard = true
	case waiters == 0:
		// Every caller gave up; nobody would ever release it.
		call.Settle(v, nil)
		discard = true
	case exists:
		// A preload installed k while this load was in flight. Keep the
		// resident payload and hand the duplicate back to the provider.
		e.refs += waiters
		cancelEvictionLocked(e)
		call.Settle(e.val, nil)
		discard = true
	default:
		s.entries[k] = &entry[K, V]{val: v, refs: waiters}
		c.size.Add(1)
		call.Settle(v, nil)
	}
	s.mu.Unlock()

	if discard {
		c.log.Debug("discarding loaded payload", slog.Any("key", k), slog.Int("waiters", waiters))
		c.opt.Provider.Release(v)
	}
	c.reportSize()
}

// LoadMany acquires resident keys synchronously and loads the rest
// concurrently. Failed keys are left out of the result.
func (c *cache[K, V]) LoadMany(ctx context.Context, keys []K) map[K]V {
	out := make(map[K]V, len(keys))
	if c.closed.Load() {
		return out
	}
	seen := make(map[K]struct{}, len(keys))
	var missing []K
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if v, ok := c.getShard(k).acquire(k); ok {
			c.opt.Metrics.Hit()
			out[k] = v
			continue
		}
		missing = append(missing, k)
	}
	if len(missing) == 0 {
		return out
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	if c.opt.LoadConcurrency > 0 {
		g.SetLimit(c.opt.LoadConcurrency)
	}
	for _, k := range missing {
		g.Go(func() error {
			v, err := c.Load(ctx, k)
			if err != nil {
				c.log.Debug("batched load skipped key", slog.Any("key", k), slog.Any("error", err))
				return nil
			}
			mu.Lock()
			out[k] = v
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Acquire takes a reference on a resident key without loading it.
func (c *cache[K, V]) Acquire(k K) (V, error) {
	var zero V
	if c.closed.Load() {
		return zero, ErrClosed
	}
	v, ok := c.getShard(k).acquire(k)
	if !ok {
		return zero, fmt.Errorf("%w: %v", ErrNotFound, k)
	}
	c.opt.Metrics.Hit()
	return v, nil
}

// Release returns one reference; the last one removes the entry immediately.
func (c *cache[K, V]) Release(k K) error { return c.release(k, 0, nil, nil) }

// ReleaseAfter returns one reference; the last one arms a grace-period timer.
func (c *cache[K, V]) ReleaseAfter(k K, delay time.Duration) error {
	return c.release(k, delay, nil, nil)
}

// ReleaseMany releases one reference on every key, joining the errors.
func (c *cache[K, V]) ReleaseMany(keys []K, delay time.Duration) error {
	var errs []error
	for _, k := range keys {
		if err := c.release(k, delay, nil, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// release decrements k. With owner set, only an entry that is a member of
// that group is touched; with pin set, only that exact entry. Anything else
// is skipped silently.
func (c *cache[K, V]) release(k K, delay time.Duration, owner *group[K, V], pin *entry[K, V]) error {
	if c.closed.Load() {
		return ErrClosed
	}
	s := c.getShard(k)

	s.mu.Lock()
	e, ok := s.entries[k]
	if !ok {
		s.mu.Unlock()
		if owner != nil || pin != nil {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrNotFound, k)
	}
	if (owner != nil && e.group != owner) || (pin != nil && e != pin) {
		s.mu.Unlock()
		return nil
	}
	if e.refs == 0 {
		s.mu.Unlock()
		c.opt.Metrics.DoubleRelease()
		c.log.Warn("double release", slog.Any("key", k))
		return fmt.Errorf("%w: %v", ErrDoubleRelease, k)
	}
	e.refs--
	if e.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	if delay > 0 {
		armEvictionLocked(&c.sched, e, delay, func(gen uint64) { c.expire(s, k, e, gen) })
		s.mu.Unlock()
		return nil
	}
	delete(s.entries, k)
	s.evicts.Add(1)
	s.mu.Unlock()

	c.dispose(k, e, EvictReleased)
	return nil
}

// expire is the eviction timer callback. It removes e only if it is still
// the resident entry for k, still unreferenced, and gen is still current.
func (c *cache[K, V]) expire(s *shard[K, V], k K, e *entry[K, V], gen uint64) {
	s.mu.Lock()
	cur, ok := s.entries[k]
	if !ok || cur != e || e.timer == nil || e.gen != gen || e.refs > 0 {
		s.mu.Unlock()
		return
	}
	e.timer = nil
	delete(s.entries, k)
	s.evicts.Add(1)
	s.mu.Unlock()

	c.dispose(k, e, EvictDelayed)
}

// dispose hands a removed entry's payload back: group members go through
// group accounting, everything else straight to the provider.
// Must be called without any lock held.
func (c *cache[K, V]) dispose(k K, e *entry[K, V], reason EvictReason) {
	c.size.Add(-1)
	c.opt.Metrics.Evict(reason)
	c.log.Debug("evicted", slog.Any("key", k), slog.String("reason", reason.String()))
	if e.group != nil {
		c.memberGone(e.group, k)
	} else {
		c.opt.Provider.Release(e.val)
	}
	c.reportSize()
}

// IsLoaded reports whether k is resident.
func (c *cache[K, V]) IsLoaded(k K) bool { return c.getShard(k).contains(k) }

// RefCount returns the reference count of k.
func (c *cache[K, V]) RefCount(k K) (int, bool) { return c.getShard(k).refCount(k) }

// Len returns the total number of resident entries across all shards.
func (c *cache[K, V]) Len() int { return int(c.size.Load()) }

// Stats sums the per-shard counters.
func (c *cache[K, V]) Stats() Stats {
	st := Stats{Entries: c.Len(), Groups: c.Groups()}
	for _, s := range c.shards {
		st.Hits += s.hits.Load()
		st.Misses += s.misses.Load()
		st.Evictions += s.evicts.Load()
		st.InFlightLoads += s.inFlight()
	}
	return st
}

// Close releases everything back to the provider. It is idempotent.
func (c *cache[K, V]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Barrier: any Load/Preload that registered work did so under one of
	// these locks, so inflight.Add has happened before Wait below.
	for _, s := range c.shards {
		s.mu.Lock()
		s.mu.Unlock() //nolint:staticcheck // empty critical section is the barrier
	}
	c.groups.mu.Lock()
	c.groups.mu.Unlock() //nolint:staticcheck

	c.stop()
	c.inflight.Wait()

	for _, gk := range c.readyGroups() {
		c.forceReleaseGroup(gk, EvictClosed)
	}
	for _, s := range c.shards {
		for k, e := range s.drain() {
			c.dispose(k, e, EvictClosed)
		}
	}
	c.log.Debug("closed")
	return nil
}

// ---- helpers ----

// getShard picks a shard by hashing the key.
func (c *cache[K, V]) getShard(k K) *shard[K, V] {
	return c.shards[util.ShardIndex(c.hash(k), len(c.shards))]
}

// detach derives the context for a shared provider call: it keeps the
// caller's values, drops its cancellation and is cancelled by Close.
func (c *cache[K, V]) detach(ctx context.Context) (context.Context, func()) {
	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(c.life, cancel)
	return lctx, func() {
		stop()
		cancel()
	}
}

func (c *cache[K, V]) reportSize() {
	c.opt.Metrics.Size(c.Len(), c.Groups())
}
