// Package memprovider is an in-memory cache.Provider backed by a catalog of
// byte blobs. It simulates load latency and throughput limits and tracks
// every payload it hands out, which makes it useful for tests, examples and
// the assetbench command.
package memprovider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IvanBrykalov/assetcache/cache"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// ErrUnknownKey is returned for keys absent from the catalog.
var ErrUnknownKey = errors.New("memprovider: unknown key")

// Asset is one loaded payload. Each Load produces a distinct *Asset, so
// identity tells separate loads apart.
type Asset struct {
	Key  string
	Data []byte
	// Seq is the provider-wide load sequence number.
	Seq uint64
}

// Options tune the simulated backend. Zero values mean no latency and no
// throttling.
type Options struct {
	// Latency is added to every Load and LoadBatch call.
	Latency time.Duration
	// BytesPerSec throttles payload bytes handed out. 0 disables it.
	BytesPerSec int
	// Clock drives Latency. Defaults to the real clock.
	Clock clockwork.Clock
}

// Counters is a snapshot of provider activity.
type Counters struct {
	Loads         int64
	Releases      int64
	BatchLoads    int64
	BatchReleases int64
	// Live is the number of payloads handed out and not yet returned,
	// counting batch items.
	Live int
	// BadReleases counts releases of payloads that were not live.
	BadReleases int64
}

type batchHandle struct {
	assets []*Asset
}

// Provider serves a fixed catalog. Safe for concurrent use.
type Provider struct {
	opt     Options
	limiter *rate.Limiter

	mu       sync.Mutex
	catalog  map[string][]byte
	tags     map[string][]string
	failures map[string]error
	live     map[*Asset]struct{}
	seq      uint64
	counters Counters
}

// New returns an empty provider.
func New(opt Options) *Provider {
	if opt.Clock == nil {
		opt.Clock = clockwork.NewRealClock()
	}
	p := &Provider{
		opt:      opt,
		catalog:  make(map[string][]byte),
		tags:     make(map[string][]string),
		failures: make(map[string]error),
		live:     make(map[*Asset]struct{}),
	}
	if opt.BytesPerSec > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opt.BytesPerSec), opt.BytesPerSec)
	}
	return p
}

// Put adds or replaces a catalog blob. Already loaded payloads keep their
// old bytes.
func (p *Provider) Put(key string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.catalog[key] = data
}

// Tag associates keys with a tag for LoadTag.
func (p *Provider) Tag(tag string, keys ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tags[tag] = append(p.tags[tag], keys...)
}

// FailWith makes loads of key return err until cleared with a nil err.
func (p *Provider) FailWith(key string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, key)
		return
	}
	p.failures[key] = err
}

// Counters returns a snapshot of the activity counters.
func (p *Provider) Counters() Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.counters
	c.Live = len(p.live)
	return c
}

// Load implements cache.Provider.
func (p *Provider) Load(ctx context.Context, key string) (*Asset, error) {
	if err := p.delay(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	data, err := p.lookupLocked(key)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := p.throttle(ctx, len(data)); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.counters.Loads++
	return p.newAssetLocked(key, data), nil
}

// LoadBatch implements cache.Provider. Unknown keys are left out of the
// batch rather than failing it.
func (p *Provider) LoadBatch(ctx context.Context, keys []string) (cache.Batch[string, *Asset], error) {
	if err := p.delay(ctx); err != nil {
		return cache.Batch[string, *Asset]{}, err
	}

	p.mu.Lock()
	found := make(map[string][]byte, len(keys))
	total := 0
	for _, k := range keys {
		data, err := p.lookupLocked(k)
		if errors.Is(err, ErrUnknownKey) {
			continue
		}
		if err != nil {
			p.mu.Unlock()
			return cache.Batch[string, *Asset]{}, err
		}
		found[k] = data
		total += len(data)
	}
	p.mu.Unlock()

	if err := p.throttle(ctx, total); err != nil {
		return cache.Batch[string, *Asset]{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	h := &batchHandle{assets: make([]*Asset, 0, len(found))}
	items := make(map[string]*Asset, len(found))
	for k, data := range found {
		a := p.newAssetLocked(k, data)
		items[k] = a
		h.assets = append(h.assets, a)
	}
	p.counters.BatchLoads++
	return cache.Batch[string, *Asset]{Items: items, Handle: h}, nil
}

// LoadTag implements cache.TagProvider.
func (p *Provider) LoadTag(ctx context.Context, tag string) (cache.Batch[string, *Asset], error) {
	p.mu.Lock()
	keys, ok := p.tags[tag]
	keys = append([]string(nil), keys...)
	p.mu.Unlock()
	if !ok {
		return cache.Batch[string, *Asset]{}, fmt.Errorf("%w: tag %q", ErrUnknownKey, tag)
	}
	return p.LoadBatch(ctx, keys)
}

// Release implements cache.Provider.
func (p *Provider) Release(a *Asset) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.live[a]; !ok {
		p.counters.BadReleases++
		return
	}
	delete(p.live, a)
	p.counters.Releases++
}

// ReleaseBatch implements cache.Provider.
func (p *Provider) ReleaseBatch(b cache.Batch[string, *Asset]) {
	h, ok := b.Handle.(*batchHandle)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !ok {
		p.counters.BadReleases++
		return
	}
	for _, a := range h.assets {
		if _, live := p.live[a]; !live {
			p.counters.BadReleases++
			continue
		}
		delete(p.live, a)
	}
	p.counters.BatchReleases++
}

func (p *Provider) lookupLocked(key string) ([]byte, error) {
	if err, ok := p.failures[key]; ok {
		return nil, err
	}
	data, ok := p.catalog[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return data, nil
}

func (p *Provider) newAssetLocked(key string, data []byte) *Asset {
	p.seq++
	a := &Asset{Key: key, Data: data, Seq: p.seq}
	p.live[a] = struct{}{}
	return a
}

func (p *Provider) delay(ctx context.Context) error {
	if p.opt.Latency <= 0 {
		return ctx.Err()
	}
	t := p.opt.Clock.NewTimer(p.opt.Latency)
	defer t.Stop()
	select {
	case <-t.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// throttle waits for n bytes of budget. Requests larger than the burst are
// clamped to it.
func (p *Provider) throttle(ctx context.Context, n int) error {
	if p.limiter == nil || n == 0 {
		return nil
	}
	n = min(n, p.limiter.Burst())
	return p.limiter.WaitN(ctx, n)
}

var (
	_ cache.Provider[string, *Asset]    = (*Provider)(nil)
	_ cache.TagProvider[string, *Asset] = (*Provider)(nil)
)
