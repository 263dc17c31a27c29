package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IvanBrykalov/assetcache/internal/singleflight"
)

type groupState int

const (
	groupLoading groupState = iota
	groupReady
	groupClosed
)

// group is one preload batch. members holds the keys installed from the
// batch that are still resident; when it empties the batch is released.
// extra holds keys that were already resident at install time: the group
// owns one reference on each of those entries but not the entries.
// The group leaves the registry once members and extra are both empty.
// All fields are guarded by registry.mu.
type group[K comparable, V any] struct {
	key     K
	call    *singleflight.Call[struct{}]
	batch   Batch[K, V]
	holding bool // batch not yet returned to the provider
	members map[K]struct{}
	extra   map[K]*entry[K, V]
	state   groupState

	// released is set once the group's own references were returned by a
	// non-forced ReleaseGroup, so repeating it cannot over-release.
	released bool
}

// registry tracks preload groups by key.
type registry[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*group[K, V]
}

// removeLocked unlinks g if it is still the registered group for its key.
func (r *registry[K, V]) removeLocked(g *group[K, V]) {
	if cur, ok := r.m[g.key]; ok && cur == g {
		delete(r.m, g.key)
	}
}

// Preload loads keys as one provider batch tagged with groupKey.
func (c *cache[K, V]) Preload(ctx context.Context, groupKey K, keys []K) error {
	want := dedupe(keys)
	return c.preload(ctx, groupKey, want, func(ctx context.Context) (Batch[K, V], error) {
		return c.opt.Provider.LoadBatch(ctx, want)
	})
}

// PreloadTag preloads whatever the provider resolves tag to.
func (c *cache[K, V]) PreloadTag(ctx context.Context, groupKey K, tag K) error {
	tp, ok := c.opt.Provider.(TagProvider[K, V])
	if !ok {
		return ErrTagUnsupported
	}
	return c.preload(ctx, groupKey, nil, func(ctx context.Context) (Batch[K, V], error) {
		return tp.LoadTag(ctx, tag)
	})
}

// preload joins the batch already registered for groupKey or starts a new
// one. want == nil installs every key the batch returns.
func (c *cache[K, V]) preload(ctx context.Context, groupKey K, want []K, load func(context.Context) (Batch[K, V], error)) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.groups.mu.Lock()
	if c.closed.Load() {
		c.groups.mu.Unlock()
		return ErrClosed
	}
	if g, ok := c.groups.m[groupKey]; ok {
		g.call.Join()
		call := g.call
		c.groups.mu.Unlock()
		_, err := singleflight.Wait(ctx, call, &c.groups.mu)
		return err
	}
	g := &group[K, V]{
		key:     groupKey,
		call:    singleflight.NewCall[struct{}](),
		members: make(map[K]struct{}),
		extra:   make(map[K]*entry[K, V]),
	}
	c.groups.m[groupKey] = g
	c.inflight.Add(1)
	c.groups.mu.Unlock()

	go c.runBatch(ctx, g, want, load)
	_, err := singleflight.Wait(ctx, g.call, &c.groups.mu)
	return err
}

// runBatch performs the group's single provider batch call and installs
// the members.
func (c *cache[K, V]) runBatch(ctx context.Context, g *group[K, V], want []K, load func(context.Context) (Batch[K, V], error)) {
	defer c.inflight.Done()

	lctx, done := c.detach(ctx)
	start := time.Now()
	b, err := load(lctx)
	done()
	c.opt.Metrics.LoadDone(time.Since(start), err)

	if err != nil {
		err = fmt.Errorf("%w: group %v: %w", ErrLoadFailed, g.key, err)
		c.log.Warn("preload failed", slog.Any("group", g.key), slog.Any("error", err))

		c.groups.mu.Lock()
		c.groups.removeLocked(g)
		g.state = groupClosed
		g.call.Settle(struct{}{}, err)
		c.groups.mu.Unlock()
		return
	}

	if want == nil {
		want = make([]K, 0, len(b.Items))
		for k := range b.Items {
			want = append(want, k)
		}
	}

	var missing []K
	c.groups.mu.Lock()
	if c.closed.Load() {
		c.groups.removeLocked(g)
		g.state = groupClosed
		g.call.Settle(struct{}{}, ErrClosed)
		c.groups.mu.Unlock()
		c.opt.Provider.ReleaseBatch(b)
		return
	}
	for _, k := range want {
		v, ok := b.Items[k]
		if !ok {
			missing = append(missing, k)
			continue
		}
		e, installed := c.getShard(k).installMember(k, v, g)
		if installed {
			g.members[k] = struct{}{}
			c.size.Add(1)
		} else {
			g.extra[k] = e
		}
	}
	g.batch = b
	g.state = groupReady
	// With no members every key was resident already and the batch copies
	// are unused.
	g.holding = len(g.members) > 0
	unused := !g.holding
	c.closeIfDoneLocked(g)
	g.call.Settle(struct{}{}, nil)
	resident := len(g.extra)
	c.groups.mu.Unlock()

	if len(missing) > 0 {
		c.opt.Metrics.GroupMismatch(len(missing))
		c.log.Warn("preload batch incomplete",
			slog.Any("group", g.key),
			slog.Int("requested", len(want)),
			slog.Int("missing", len(missing)),
			slog.Any("keys", missing),
			slog.Any("error", ErrGroupMismatch))
	}
	if resident > 0 {
		c.log.Debug("preload referenced resident keys", slog.Any("group", g.key), slog.Int("count", resident))
	}
	if unused {
		c.opt.Provider.ReleaseBatch(b)
	}
	c.reportSize()
}

// memberGone is called after a member entry of g was removed. The batch is
// released together with the last member, exactly once.
func (c *cache[K, V]) memberGone(g *group[K, V], k K) {
	c.groups.mu.Lock()
	if g.state != groupReady {
		c.groups.mu.Unlock()
		return
	}
	delete(g.members, k)
	if len(g.members) > 0 || !g.holding {
		c.groups.mu.Unlock()
		return
	}
	g.holding = false
	c.closeIfDoneLocked(g)
	b := g.batch
	c.groups.mu.Unlock()

	c.opt.Provider.ReleaseBatch(b)
	c.log.Debug("preload batch released", slog.Any("group", g.key))
	c.reportSize()
}

// closeIfDoneLocked unregisters g once it holds nothing. registry.mu must
// be held.
func (c *cache[K, V]) closeIfDoneLocked(g *group[K, V]) {
	if len(g.members) == 0 && len(g.extra) == 0 {
		g.state = groupClosed
		c.groups.removeLocked(g)
	}
}

// ReleaseGroup releases a settled preload group.
func (c *cache[K, V]) ReleaseGroup(groupKey K, force bool) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if force {
		if !c.forceReleaseGroup(groupKey, EvictGroupForced) {
			return fmt.Errorf("%w: group %v", ErrNotFound, groupKey)
		}
		return nil
	}

	c.groups.mu.Lock()
	g, ok := c.groups.m[groupKey]
	if !ok || g.state != groupReady {
		c.groups.mu.Unlock()
		return fmt.Errorf("%w: group %v", ErrNotFound, groupKey)
	}
	if g.released {
		c.groups.mu.Unlock()
		return nil
	}
	g.released = true
	members := memberKeys(g)
	extra := g.takeExtra()
	c.closeIfDoneLocked(g)
	c.groups.mu.Unlock()

	var errs []error
	for _, k := range members {
		if err := c.release(k, 0, g, nil); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.releaseExtra(extra); err != nil {
		errs = append(errs, err)
	}
	c.reportSize()
	return errors.Join(errs...)
}

// releaseExtra returns the group's references on entries it did not
// install. An entry removed meanwhile (forced release of its own group) is
// skipped.
func (c *cache[K, V]) releaseExtra(extra map[K]*entry[K, V]) error {
	var errs []error
	for k, e := range extra {
		if err := c.release(k, 0, nil, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// forceReleaseGroup removes every member of groupKey regardless of its
// references and releases the batch. Entries the group only referenced stay
// resident for their other owners; the group's reference on them is
// returned normally. Reports false if no settled group exists.
func (c *cache[K, V]) forceReleaseGroup(groupKey K, reason EvictReason) bool {
	c.groups.mu.Lock()
	g, ok := c.groups.m[groupKey]
	if !ok || g.state != groupReady {
		c.groups.mu.Unlock()
		return false
	}
	g.state = groupClosed
	delete(c.groups.m, groupKey)
	members := memberKeys(g)
	extra := g.takeExtra()
	b, holding := g.batch, g.holding
	g.holding = false
	c.groups.mu.Unlock()

	for _, k := range members {
		if c.getShard(k).dropMember(k, g) {
			c.size.Add(-1)
			c.opt.Metrics.Evict(reason)
		}
	}
	if holding {
		c.opt.Provider.ReleaseBatch(b)
	}
	if err := c.releaseExtra(extra); err != nil && !errors.Is(err, ErrClosed) {
		c.log.Warn("force release: returning referenced keys", slog.Any("group", groupKey), slog.Any("error", err))
	}
	c.log.Debug("preload group force-released", slog.Any("group", groupKey), slog.Int("members", len(members)))
	c.reportSize()
	return true
}

// ReleaseGroups releases every settled group without force.
func (c *cache[K, V]) ReleaseGroups() error {
	var errs []error
	for _, gk := range c.readyGroups() {
		if err := c.ReleaseGroup(gk, false); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Groups returns the number of registered preload groups, loading or ready.
func (c *cache[K, V]) Groups() int {
	c.groups.mu.Lock()
	defer c.groups.mu.Unlock()
	return len(c.groups.m)
}

func (c *cache[K, V]) readyGroups() []K {
	c.groups.mu.Lock()
	defer c.groups.mu.Unlock()

	out := make([]K, 0, len(c.groups.m))
	for k, g := range c.groups.m {
		if g.state == groupReady {
			out = append(out, k)
		}
	}
	return out
}

// takeExtra detaches g.extra. registry.mu must be held.
func (g *group[K, V]) takeExtra() map[K]*entry[K, V] {
	out := g.extra
	g.extra = make(map[K]*entry[K, V])
	return out
}

// memberKeys snapshots g.members. registry.mu must be held.
func memberKeys[K comparable, V any](g *group[K, V]) []K {
	out := make([]K, 0, len(g.members))
	for k := range g.members {
		out = append(out, k)
	}
	return out
}

func dedupe[K comparable](keys []K) []K {
	seen := make(map[K]struct{}, len(keys))
	out := make([]K, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
