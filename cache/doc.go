// Package cache provides a generic, reference-counted, asynchronous cache
// for resources that are expensive to load and safe to share (game assets,
// decoded media, compiled templates...). It sits in front of a Provider that
// only knows how to load and release, and adds sharing and lifetime rules.
//
// Design
//
//   - Entry table: keys are spread over shards, each protected by a Mutex.
//     A shard holds both the resident entries and the in-flight loads for
//     its keys, so checking "resident or loading" and registering a new load
//     is one critical section. No lock is held across a provider call.
//
//   - Reference counting: every Load/Acquire hands out one reference, every
//     Release takes one back. The payload is returned to the provider when
//     the last reference goes away. Releasing a key with no references
//     reports ErrDoubleRelease and leaves the count at zero.
//
//   - Load coordination: concurrent misses for one key share one provider
//     call. The entry is installed with one reference per caller still
//     waiting when the call settles. Cancelling a caller's ctx abandons only
//     that caller's wait; the provider call runs on until it settles or the
//     cache is closed. Failures reach every waiter as ErrLoadFailed and leave
//     nothing behind.
//
//   - Grace-period eviction: ReleaseAfter keeps an unreferenced entry
//     resident for a delay. Re-acquiring it in the meantime cancels the
//     timer; otherwise the entry is removed when the timer fires. Timers come
//     from a clockwork.Clock so tests can drive them with a fake clock.
//
//   - Preload groups: Preload loads a set of keys as one provider batch.
//     Members are released individually; the batch goes back to the provider
//     together with the last member, or at once with a forced ReleaseGroup.
//     Keys that were already resident are not members, but the group holds
//     a reference on them until ReleaseGroup.
//
//   - Scopes and leases: Scope records borrowed keys and derived instances
//     and returns them all on End, exactly once. Lease does the same for a
//     single key.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Join/LoadDone/Evict signals.
//     NoopMetrics is the default; metrics/prom and metrics/otel export them.
//
// Basic usage
//
//	c := cache.New[string, *Texture](cache.Options[string, *Texture]{
//	    Provider: bundles,
//	})
//	defer c.Close()
//
//	tex, err := c.Load(ctx, "ui/atlas")
//	if err != nil {
//	    return err
//	}
//	defer c.ReleaseAfter("ui/atlas", 5*time.Second)
//
// With a scope
//
//	s := cache.NewScope(c)
//	defer s.End()
//	hero, err := s.LoadAndBorrow(ctx, "units/hero")
//	icon, err := s.Borrow("ui/icon") // must already be loaded
//
// Preloading a level
//
//	if err := c.Preload(ctx, "level-3", []string{"tiles", "music", "boss"}); err != nil {
//	    return err
//	}
//	defer c.ReleaseGroup("level-3", false)
//
// # Thread-safety
//
// All methods on Cache, Scope and Lease are safe for concurrent use.
package cache
