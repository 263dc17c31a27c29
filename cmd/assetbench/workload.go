package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/assetcache/cache"
	"github.com/IvanBrykalov/assetcache/internal/config"
	"github.com/IvanBrykalov/assetcache/provider/memprovider"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/sync/errgroup"
)

var errInjected = errors.New("injected failure")

// scopeBorrows is the number of keys one scoped iteration loads.
const scopeBorrows = 4

type report struct {
	elapsed    time.Duration
	ops        int64
	loadErrors int64
	scopes     int64
	preloads   int64
	stats      cache.Stats
	provider   memprovider.Counters
}

func (r report) print(w io.Writer) {
	lookups := r.stats.Hits + r.stats.Misses
	hitRate := 0.0
	if lookups > 0 {
		hitRate = float64(r.stats.Hits) / float64(lookups) * 100
	}
	fmt.Fprintf(w, "elapsed=%v ops=%d (%.0f ops/s) load-errors=%d scopes=%d preloads=%d\n",
		r.elapsed.Round(time.Millisecond), r.ops, float64(r.ops)/r.elapsed.Seconds(),
		r.loadErrors, r.scopes, r.preloads)
	fmt.Fprintf(w, "hits=%d misses=%d hit-rate=%.2f%% evictions=%d\n",
		r.stats.Hits, r.stats.Misses, hitRate, r.stats.Evictions)
	fmt.Fprintf(w, "provider: loads=%d releases=%d batch-loads=%d batch-releases=%d live=%d\n",
		r.provider.Loads, r.provider.Releases, r.provider.BatchLoads, r.provider.BatchReleases, r.provider.Live)
}

func assetKey(i int) string { return "asset:" + strconv.Itoa(i) }

// newProvider fills a catalog of cfg.Keys blobs. Keys are tagged in runs of
// GroupSize, and FailPercent of them always fail to load.
func newProvider(cfg config.Config) *memprovider.Provider {
	p := memprovider.New(memprovider.Options{
		Latency:     cfg.Provider.Latency,
		BytesPerSec: cfg.Provider.BytesPerSec,
	})
	blob := make([]byte, cfg.Provider.BlobSize)
	for i := 0; i < cfg.Workload.Keys; i++ {
		k := assetKey(i)
		p.Put(k, blob)
		if i%100 < cfg.Provider.FailPercent {
			p.FailWith(k, errInjected)
		}
		if g := cfg.Workload.GroupSize; g > 0 {
			p.Tag("tag:"+strconv.Itoa(i/g), k)
		}
	}
	return p
}

// runWorkload runs cfg.Workload against a fresh cache, closes it, and fails
// if the provider has payloads outstanding afterwards.
func runWorkload(ctx context.Context, cfg config.Config, m cache.Metrics, log *slog.Logger) (report, error) {
	p := newProvider(cfg)
	c := cache.New[string, *memprovider.Asset](cache.Options[string, *memprovider.Asset]{
		Provider:        p,
		Shards:          cfg.Cache.Shards,
		LoadConcurrency: cfg.Cache.LoadConcurrency,
		Metrics:         m,
		Logger:          log,
	})

	ctx, cancel := context.WithTimeout(ctx, cfg.Workload.Duration)
	defer cancel()

	var rep report
	w := &worker{cfg: cfg.Workload, c: c, rep: &rep}
	if g := cfg.Workload.GroupSize; g > 0 {
		w.groups = (cfg.Workload.Keys + g - 1) / g
	}

	start := time.Now()
	var eg errgroup.Group
	for id := 0; id < cfg.Workload.Workers; id++ {
		r := rand.New(rand.NewSource(start.UnixNano() + int64(id)*9973))
		eg.Go(func() error { return w.loop(ctx, r) })
	}
	err := eg.Wait()
	rep.elapsed = time.Since(start)
	rep.stats = c.Stats()

	if cerr := c.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	rep.provider = p.Counters()
	if rep.provider.Live != 0 || rep.provider.BadReleases != 0 {
		err = errors.Join(err, fmt.Errorf("provider accounting: %d payloads live, %d bad releases after close",
			rep.provider.Live, rep.provider.BadReleases))
	}
	return rep, err
}

type worker struct {
	cfg    config.Workload
	c      cache.Cache[string, *memprovider.Asset]
	groups int
	rep    *report
}

func (w *worker) loop(ctx context.Context, r *rand.Rand) error {
	for ctx.Err() == nil {
		var err error
		switch roll := r.Intn(100); {
		case roll < w.cfg.ScopePercent:
			err = w.scoped(ctx, r)
		case w.groups > 0 && roll < w.cfg.ScopePercent+2:
			err = w.preload(ctx, r)
		default:
			err = w.borrow(ctx, r)
		}
		if err != nil {
			return err
		}
		atomic.AddInt64(&w.rep.ops, 1)
	}
	return nil
}

// borrow loads one key and hands it back with the configured grace period.
func (w *worker) borrow(ctx context.Context, r *rand.Rand) error {
	k := assetKey(r.Intn(w.cfg.Keys))
	a, err := w.c.Load(ctx, k)
	if err != nil {
		return w.loadErr(ctx, err)
	}
	if a.Key != k {
		return fmt.Errorf("load %q returned payload for %q", k, a.Key)
	}
	return w.c.ReleaseAfter(k, w.cfg.ReleaseDelay)
}

// scoped borrows a few keys through a Scope and ends it.
func (w *worker) scoped(ctx context.Context, r *rand.Rand) error {
	s := cache.NewScope[string, *memprovider.Asset](w.c)
	for i := 0; i < scopeBorrows; i++ {
		if _, err := s.LoadAndBorrow(ctx, assetKey(r.Intn(w.cfg.Keys))); err != nil {
			if lerr := w.loadErr(ctx, err); lerr != nil {
				_ = s.End()
				return lerr
			}
		}
	}
	atomic.AddInt64(&w.rep.scopes, 1)
	return s.End()
}

// preload loads a tagged group and releases it again.
func (w *worker) preload(ctx context.Context, r *rand.Rand) error {
	n := strconv.Itoa(r.Intn(w.groups))
	gk := "group:" + n
	if err := w.c.PreloadTag(ctx, gk, "tag:"+n); err != nil {
		return w.loadErr(ctx, err)
	}
	atomic.AddInt64(&w.rep.preloads, 1)
	// Another worker may have released the group already.
	if err := w.c.ReleaseGroup(gk, false); err != nil && !errors.Is(err, cache.ErrNotFound) {
		return err
	}
	return nil
}

// loadErr counts provider failures and swallows them; cancellation at the
// end of the run is not a failure.
func (w *worker) loadErr(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, cache.ErrLoadFailed):
		atomic.AddInt64(&w.rep.loadErrors, 1)
		return nil
	default:
		return err
	}
}

// printOTel summarises the load latency histogram collected by reader.
func printOTel(ctx context.Context, w io.Writer, reader *sdkmetric.ManualReader) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.WithoutCancel(ctx), &rm); err != nil {
		fmt.Fprintln(w, "otel: collect:", err)
		return
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			h, ok := m.Data.(metricdata.Histogram[float64])
			if !ok {
				continue
			}
			for _, dp := range h.DataPoints {
				mean := 0.0
				if dp.Count > 0 {
					mean = dp.Sum / float64(dp.Count)
				}
				fmt.Fprintf(w, "otel: %s %s count=%d mean=%.6fs\n",
					m.Name, dp.Attributes.Encoded(attribute.DefaultEncoder()), dp.Count, mean)
			}
		}
	}
}
