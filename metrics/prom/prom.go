package prom

import (
	"time"

	"github.com/IvanBrykalov/assetcache/cache"
	"github.com/prometheus/client_golang/prometheus"
)

// Adapter implements cache.Metrics and exports Prometheus counters, a load
// latency histogram and residency gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits       prometheus.Counter
	misses     prometheus.Counter
	joins      prometheus.Counter
	loads      *prometheus.HistogramVec
	evicts     *prometheus.CounterVec
	doubleRel  prometheus.Counter
	mismatched prometheus.Counter
	entries    prometheus.Gauge
	groups     prometheus.Gauge
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}

	a := &Adapter{
		hits:   counter("hits_total", "Loads and acquires served from a resident entry"),
		misses: counter("misses_total", "Loads that started a provider call"),
		joins:  counter("joins_total", "Loads that attached to an in-flight provider call"),
		loads: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "load_duration_seconds",
				Help:        "Provider call latency by result",
				ConstLabels: constLabels,
				Buckets:     prometheus.ExponentialBuckets(0.0005, 4, 9),
			},
			[]string{"result"},
		),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "evictions_total",
				Help:        "Entries removed by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		doubleRel:  counter("double_releases_total", "Releases of a key that held no references"),
		mismatched: counter("group_mismatch_keys_total", "Preload keys missing from the returned batch"),
		entries:    gauge("entries", "Number of resident entries"),
		groups:     gauge("groups", "Number of live preload groups"),
	}
	reg.MustRegister(a.hits, a.misses, a.joins, a.loads, a.evicts,
		a.doubleRel, a.mismatched, a.entries, a.groups)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Join increments the coalesced-load counter.
func (a *Adapter) Join() { a.joins.Inc() }

// LoadDone observes one provider call.
func (a *Adapter) LoadDone(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	a.loads.WithLabelValues(result).Observe(d.Seconds())
}

// Evict increments the eviction counter with a reason label.
func (a *Adapter) Evict(r cache.EvictReason) {
	a.evicts.WithLabelValues(r.String()).Inc()
}

func (a *Adapter) DoubleRelease() { a.doubleRel.Inc() }

func (a *Adapter) GroupMismatch(missing int) { a.mismatched.Add(float64(missing)) }

// Size updates the residency gauges.
func (a *Adapter) Size(entries, groups int) {
	a.entries.Set(float64(entries))
	a.groups.Set(float64(groups))
}

// Compile-time check: ensure Adapter implements cache.Metrics.
var _ cache.Metrics = (*Adapter)(nil)
