package prom

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IvanBrykalov/assetcache/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapter_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg, "assets", "test", prometheus.Labels{"app": "unit"})

	a.Hit()
	a.Hit()
	a.Miss()
	a.Join()
	a.DoubleRelease()
	a.GroupMismatch(3)
	a.Evict(cache.EvictDelayed)
	a.Evict(cache.EvictDelayed)
	a.Evict(cache.EvictClosed)
	a.Size(7, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(a.hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.misses))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.joins))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.doubleRel))
	assert.Equal(t, 3.0, testutil.ToFloat64(a.mismatched))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.evicts.WithLabelValues("delayed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.evicts.WithLabelValues("closed")))
	assert.Equal(t, 7.0, testutil.ToFloat64(a.entries))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.groups))
}

func TestAdapter_LoadHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg, "assets", "test", nil)

	a.LoadDone(2*time.Millisecond, nil)
	a.LoadDone(time.Millisecond, errors.New("boom"))
	a.LoadDone(time.Millisecond, nil)

	n, err := testutil.GatherAndCount(reg, "assets_test_load_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n) // one series per result label
	assert.Equal(t, 2, testutil.CollectAndCount(a.loads))
}

// End to end: the cache drives the adapter through its hooks.
func TestAdapter_WithCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg, "assets", "e2e", nil)

	c := cache.New[string, string](cache.Options[string, string]{
		Provider: stringProvider{},
		Metrics:  a,
	})
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	_, err := c.Load(ctx, "a")
	require.NoError(t, err)
	_, err = c.Load(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, c.Release("a"))
	require.NoError(t, c.Release("a"))

	assert.Equal(t, 1.0, testutil.ToFloat64(a.misses))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.evicts.WithLabelValues("released")))
	assert.Equal(t, 0.0, testutil.ToFloat64(a.entries))
}

type stringProvider struct{}

func (stringProvider) Load(_ context.Context, k string) (string, error) { return "v:" + k, nil }
func (stringProvider) LoadBatch(_ context.Context, keys []string) (cache.Batch[string, string], error) {
	b := cache.Batch[string, string]{Items: make(map[string]string, len(keys))}
	for _, k := range keys {
		b.Items[k] = "v:" + k
	}
	return b, nil
}
func (stringProvider) Release(string)                           {}
func (stringProvider) ReleaseBatch(cache.Batch[string, string]) {}
