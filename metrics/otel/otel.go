// Package otel adapts cache.Metrics to an OpenTelemetry Meter.
package otel

import (
	"context"
	"time"

	"github.com/IvanBrykalov/assetcache/cache"
	gotel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/IvanBrykalov/assetcache"

const (
	metricNameHits           = "assetcache.hits"
	metricNameMisses         = "assetcache.misses"
	metricNameJoins          = "assetcache.joins"
	metricNameLoadDuration   = "assetcache.load.duration"
	metricNameEvictions      = "assetcache.evictions"
	metricNameDoubleReleases = "assetcache.double_releases"
	metricNameGroupMismatch  = "assetcache.group.mismatch"
	metricNameEntries        = "assetcache.entries"
	metricNameGroups         = "assetcache.groups"
)

// Adapter implements cache.Metrics on top of OpenTelemetry instruments.
// Hooks carry no context, so measurements are recorded against
// context.Background().
type Adapter struct {
	hits       metric.Int64Counter
	misses     metric.Int64Counter
	joins      metric.Int64Counter
	loads      metric.Float64Histogram
	evicts     metric.Int64Counter
	doubleRel  metric.Int64Counter
	mismatched metric.Int64Counter
	entries    metric.Int64Gauge
	groups     metric.Int64Gauge

	// Attribute sets are fixed; build them once.
	ok, failed attribute.Set
	reasons    map[cache.EvictReason]metric.AddOption
}

// New creates the instruments on mp. A nil mp uses the global provider.
func New(mp metric.MeterProvider) (*Adapter, error) {
	if mp == nil {
		mp = gotel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	a := &Adapter{
		ok:      attribute.NewSet(attribute.String("result", "ok")),
		failed:  attribute.NewSet(attribute.String("result", "error")),
		reasons: make(map[cache.EvictReason]metric.AddOption),
	}
	for _, r := range []cache.EvictReason{cache.EvictReleased, cache.EvictDelayed, cache.EvictGroupForced, cache.EvictClosed} {
		a.reasons[r] = metric.WithAttributes(attribute.String("reason", r.String()))
	}

	var err error
	counter := func(name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return c
	}
	gauge := func(name, desc, unit string) metric.Int64Gauge {
		if err != nil {
			return nil
		}
		var g metric.Int64Gauge
		g, err = meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return g
	}

	a.hits = counter(metricNameHits, "Loads and acquires served from a resident entry", "{request}")
	a.misses = counter(metricNameMisses, "Loads that started a provider call", "{request}")
	a.joins = counter(metricNameJoins, "Loads that attached to an in-flight provider call", "{request}")
	a.evicts = counter(metricNameEvictions, "Entries removed", "{entry}")
	a.doubleRel = counter(metricNameDoubleReleases, "Releases of a key that held no references", "{release}")
	a.mismatched = counter(metricNameGroupMismatch, "Preload keys missing from the returned batch", "{key}")
	a.entries = gauge(metricNameEntries, "Resident entries", "{entry}")
	a.groups = gauge(metricNameGroups, "Live preload groups", "{group}")
	if err != nil {
		return nil, err
	}

	a.loads, err = meter.Float64Histogram(
		metricNameLoadDuration,
		metric.WithDescription("Provider call latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Adapter) Hit()  { a.hits.Add(context.Background(), 1) }
func (a *Adapter) Miss() { a.misses.Add(context.Background(), 1) }
func (a *Adapter) Join() { a.joins.Add(context.Background(), 1) }

// LoadDone records the call latency with a result attribute.
func (a *Adapter) LoadDone(d time.Duration, err error) {
	set := a.ok
	if err != nil {
		set = a.failed
	}
	a.loads.Record(context.Background(), d.Seconds(), metric.WithAttributeSet(set))
}

// Evict counts a removal under its reason attribute.
func (a *Adapter) Evict(r cache.EvictReason) {
	opt, ok := a.reasons[r]
	if !ok {
		opt = metric.WithAttributes(attribute.String("reason", r.String()))
	}
	a.evicts.Add(context.Background(), 1, opt)
}

func (a *Adapter) DoubleRelease() { a.doubleRel.Add(context.Background(), 1) }

func (a *Adapter) GroupMismatch(missing int) {
	a.mismatched.Add(context.Background(), int64(missing))
}

func (a *Adapter) Size(entries, groups int) {
	a.entries.Record(context.Background(), int64(entries))
	a.groups.Record(context.Background(), int64(groups))
}

var _ cache.Metrics = (*Adapter)(nil)
