// Package metrics exposes Prometheus collectors for speech generation, the
// audio cache and the engine lifecycle. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nadzzz/whiterabbit/internal/cache"
	"github.com/nadzzz/whiterabbit/internal/tts/model"
	"github.com/nadzzz/whiterabbit/internal/workpool"
)

const namespace = "whiterabbit"

// Metrics holds every collector and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	cacheLookups       *prometheus.CounterVec
	generations        *prometheus.CounterVec
	generationDuration prometheus.Histogram
	evictions          *prometheus.CounterVec
	cacheEntries       prometheus.Gauge
	cacheBytes         prometheus.Gauge
	modelState         *prometheus.GaugeVec
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tts_cache",
			Name:      "lookups_total",
			Help:      "Audio cache lookups by result.",
		}, []string{"result"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tts",
			Name:      "generations_total",
			Help:      "Speech generation requests by outcome.",
		}, []string{"outcome"}),
		generationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tts",
			Name:      "synthesis_duration_seconds",
			Help:      "Time spent synthesizing and storing audio on a cache miss.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tts_cache",
			Name:      "evictions_total",
			Help:      "Cache entries removed by sweeps, by reason.",
		}, []string{"reason"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tts_cache",
			Name:      "entries",
			Help:      "Cache entries remaining after the last sweep.",
		}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tts_cache",
			Name:      "bytes",
			Help:      "Cache size in bytes after the last sweep.",
		}),
		modelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tts_model",
			Name:      "state",
			Help:      "1 for the current engine lifecycle state, 0 otherwise.",
		}, []string{"state"}),
	}

	m.registry.MustRegister(
		m.cacheLookups,
		m.generations,
		m.generationDuration,
		m.evictions,
		m.cacheEntries,
		m.cacheBytes,
		m.modelState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.SetModelState(model.Unloaded)
	return m
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// CacheLookup records a cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// Generation records the outcome of one generate call.
func (m *Metrics) Generation(outcome string) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(outcome).Inc()
}

// SynthesisDuration records how long a cache miss took to fill.
func (m *Metrics) SynthesisDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.generationDuration.Observe(d.Seconds())
}

// ObserveSweep records the result of an eviction sweep.
func (m *Metrics) ObserveSweep(s cache.SweepStats) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues("age").Add(float64(s.AgeRemoved))
	m.evictions.WithLabelValues("size").Add(float64(s.SizeRemoved))
	m.cacheEntries.Set(float64(s.Remaining))
	m.cacheBytes.Set(float64(s.RemainingBytes))
}

// SetModelState marks s as the current engine lifecycle state.
func (m *Metrics) SetModelState(s model.State) {
	if m == nil {
		return
	}
	for _, st := range []model.State{model.Unloaded, model.Loading, model.Ready, model.Failed} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.modelState.WithLabelValues(st.String()).Set(v)
	}
}

// RegisterPool exposes live worker pool counters.
func (m *Metrics) RegisterPool(p *workpool.Pool) {
	if m == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tts_workers",
			Name:      "in_flight",
			Help:      "Tasks currently running on the synthesis worker pool.",
		}, func() float64 { return float64(p.Stats().InFlight) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tts_workers",
			Name:      "waiting",
			Help:      "Callers waiting for a synthesis worker.",
		}, func() float64 { return float64(p.Stats().Waiting) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tts_workers",
			Name:      "size",
			Help:      "Configured synthesis worker pool size.",
		}, func() float64 { return float64(p.Size()) }),
	)
}
