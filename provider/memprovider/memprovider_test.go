package memprovider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IvanBrykalov/assetcache/cache"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newCatalog(opt Options) *Provider {
	p := New(opt)
	p.Put("a", []byte("alpha"))
	p.Put("b", []byte("bravo"))
	p.Put("c", []byte("charlie"))
	p.Tag("first", "a", "b")
	return p
}

func TestLoadRelease(t *testing.T) {
	p := newCatalog(Options{})
	ctx := context.Background()

	a1, err := p.Load(ctx, "a")
	require.NoError(t, err)
	a2, err := p.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), a1.Data)
	assert.NotSame(t, a1, a2)
	assert.Less(t, a1.Seq, a2.Seq)
	assert.Equal(t, 2, p.Counters().Live)

	p.Release(a1)
	p.Release(a1)
	p.Release(a2)
	c := p.Counters()
	assert.EqualValues(t, 2, c.Loads)
	assert.EqualValues(t, 2, c.Releases)
	assert.EqualValues(t, 1, c.BadReleases)
	assert.Zero(t, c.Live)
}

func TestLoad_Errors(t *testing.T) {
	p := newCatalog(Options{})
	ctx := context.Background()

	_, err := p.Load(ctx, "zzz")
	require.ErrorIs(t, err, ErrUnknownKey)

	boom := errors.New("disk")
	p.FailWith("a", boom)
	_, err = p.Load(ctx, "a")
	require.ErrorIs(t, err, boom)

	p.FailWith("a", nil)
	_, err = p.Load(ctx, "a")
	require.NoError(t, err)
}

func TestLoadBatch_SkipsUnknown(t *testing.T) {
	p := newCatalog(Options{})

	b, err := p.LoadBatch(context.Background(), []string{"a", "c", "missing"})
	require.NoError(t, err)
	assert.Len(t, b.Items, 2)
	assert.Equal(t, 2, p.Counters().Live)

	p.ReleaseBatch(b)
	c := p.Counters()
	assert.EqualValues(t, 1, c.BatchLoads)
	assert.EqualValues(t, 1, c.BatchReleases)
	assert.Zero(t, c.Live)
	assert.Zero(t, c.BadReleases)
}

func TestLoadTag(t *testing.T) {
	p := newCatalog(Options{})

	b, err := p.LoadTag(context.Background(), "first")
	require.NoError(t, err)
	assert.Contains(t, b.Items, "a")
	assert.Contains(t, b.Items, "b")
	p.ReleaseBatch(b)

	_, err = p.LoadTag(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestLatency_FakeClock(t *testing.T) {
	clk := clockwork.NewFakeClock()
	p := newCatalog(Options{Latency: time.Second, Clock: clk})

	done := make(chan error, 1)
	go func() {
		_, err := p.Load(context.Background(), "a")
		done <- err
	}()

	require.NoError(t, clk.BlockUntilContext(context.Background(), 1))
	clk.Advance(time.Second)
	require.NoError(t, <-done)
}

func TestLatency_Cancel(t *testing.T) {
	p := newCatalog(Options{Latency: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Load(ctx, "a")
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, p.Counters().Live)
}

func TestThrottle(t *testing.T) {
	p := newCatalog(Options{BytesPerSec: 5})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Load(ctx, "a") // burst covers the first five bytes
	require.NoError(t, err)
	_, err = p.Load(ctx, "b") // next five need a second of budget
	require.Error(t, err)
}

// The provider drives a real cache: coalesced loads, group batches and Close
// return everything handed out.
func TestWithCache(t *testing.T) {
	p := newCatalog(Options{})
	c := cache.New[string, *Asset](cache.Options[string, *Asset]{Provider: p})
	ctx := context.Background()

	_, err := c.Load(ctx, "c")
	require.NoError(t, err)
	require.NoError(t, c.PreloadTag(ctx, "intro", "first"))
	assert.Equal(t, 3, c.Len())

	require.NoError(t, c.Close())
	cnt := p.Counters()
	assert.Zero(t, cnt.Live)
	assert.Zero(t, cnt.BadReleases)
	assert.EqualValues(t, 1, cnt.BatchReleases)
}
