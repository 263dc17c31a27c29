package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// asset is the payload used in tests; pointers give each load its own identity.
type asset struct {
	key string
	id  int64
}

// fakeProvider records every call the cache makes.
type fakeProvider struct {
	seq atomic.Int64

	mu            sync.Mutex
	loads         map[string]int
	releases      map[string]int
	batchLoads    int
	batchReleases int
	fail          map[string]error
	batchErr      error
	missing       map[string]bool
	tags          map[string][]string

	// gate, when set, blocks Load until closed or ctx is done.
	gate chan struct{}
	// batchGate does the same for LoadBatch/LoadTag.
	batchGate chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		loads:    make(map[string]int),
		releases: make(map[string]int),
		fail:     make(map[string]error),
		missing:  make(map[string]bool),
		tags:     make(map[string][]string),
	}
}

func (p *fakeProvider) Load(ctx context.Context, k string) (*asset, error) {
	p.mu.Lock()
	p.loads[k]++
	gate := p.gate
	err := p.fail[k]
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &asset{key: k, id: p.seq.Add(1)}, nil
}

func (p *fakeProvider) LoadBatch(ctx context.Context, keys []string) (Batch[string, *asset], error) {
	p.mu.Lock()
	p.batchLoads++
	gate, err := p.batchGate, p.batchErr
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Batch[string, *asset]{}, ctx.Err()
		}
	}
	if err != nil {
		return Batch[string, *asset]{}, err
	}

	items := make(map[string]*asset, len(keys))
	p.mu.Lock()
	for _, k := range keys {
		if p.missing[k] {
			continue
		}
		items[k] = &asset{key: k, id: p.seq.Add(1)}
	}
	p.mu.Unlock()
	return Batch[string, *asset]{Items: items, Handle: p.seq.Add(1)}, nil
}

func (p *fakeProvider) LoadTag(ctx context.Context, tag string) (Batch[string, *asset], error) {
	p.mu.Lock()
	keys, ok := p.tags[tag]
	p.mu.Unlock()
	if !ok {
		return Batch[string, *asset]{}, fmt.Errorf("unknown tag %q", tag)
	}
	return p.LoadBatch(ctx, keys)
}

func (p *fakeProvider) Release(v *asset) {
	p.mu.Lock()
	p.releases[v.key]++
	p.mu.Unlock()
}

func (p *fakeProvider) ReleaseBatch(Batch[string, *asset]) {
	p.mu.Lock()
	p.batchReleases++
	p.mu.Unlock()
}

func (p *fakeProvider) loadCount(k string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loads[k]
}

func (p *fakeProvider) releaseCount(k string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releases[k]
}

func (p *fakeProvider) batchCounts() (loads, releases int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.batchLoads, p.batchReleases
}

func (p *fakeProvider) totals() (loads, releases int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.loads {
		loads += n
	}
	for _, n := range p.releases {
		releases += n
	}
	return loads, releases
}

func (p *fakeProvider) setGate(ch chan struct{}) {
	p.mu.Lock()
	p.gate = ch
	p.mu.Unlock()
}

// plainProvider hides LoadTag.
type plainProvider struct{ p *fakeProvider }

func (pp plainProvider) Load(ctx context.Context, k string) (*asset, error) { return pp.p.Load(ctx, k) }
func (pp plainProvider) LoadBatch(ctx context.Context, keys []string) (Batch[string, *asset], error) {
	return pp.p.LoadBatch(ctx, keys)
}
func (pp plainProvider) Release(v *asset)                     { pp.p.Release(v) }
func (pp plainProvider) ReleaseBatch(b Batch[string, *asset]) { pp.p.ReleaseBatch(b) }

// countingMetrics records hook calls.
type countingMetrics struct {
	hits, misses, joins, loads, loadErrs atomic.Int64
	evicts, doubleReleases, mismatched   atomic.Int64
}

func (m *countingMetrics) Hit()  { m.hits.Add(1) }
func (m *countingMetrics) Miss() { m.misses.Add(1) }
func (m *countingMetrics) Join() { m.joins.Add(1) }
func (m *countingMetrics) LoadDone(_ time.Duration, err error) {
	m.loads.Add(1)
	if err != nil {
		m.loadErrs.Add(1)
	}
}
func (m *countingMetrics) Evict(EvictReason)        { m.evicts.Add(1) }
func (m *countingMetrics) DoubleRelease()           { m.doubleReleases.Add(1) }
func (m *countingMetrics) GroupMismatch(n int)      { m.mismatched.Add(int64(n)) }
func (m *countingMetrics) Size(entries, groups int) {}

// newTestCache builds a cache over p and returns the concrete type so tests
// can inspect shards.
func newTestCache(t testing.TB, p Provider[string, *asset], opts ...func(*Options[string, *asset])) *cache[string, *asset] {
	t.Helper()
	opt := Options[string, *asset]{Provider: p, Shards: 4}
	for _, o := range opts {
		o(&opt)
	}
	c := New[string, *asset](opt).(*cache[string, *asset])
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// waitWaiters blocks until the in-flight load for k has n waiters.
func waitWaiters(t *testing.T, c *cache[string, *asset], k string, n int) {
	t.Helper()
	s := c.getShard(k)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		call, ok := s.pending[k]
		return ok && call.Waiters() == n
	}, 2*time.Second, time.Millisecond, "waiting for %d waiters on %q", n, k)
}
