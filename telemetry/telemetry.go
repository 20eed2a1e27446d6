package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the resolution engine.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with resolution hot paths.
type Collector interface {
	ObserveResolution(outcome string, seconds float64)
	ObserveProvider(provider, status string, seconds float64)
	IncCache(hit bool)
	IncReload(source string)
	SetGeometryPolygons(provider string, count int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ObserveResolution(string, float64)       {}
func (noopCollector) ObserveProvider(string, string, float64) {}
func (noopCollector) IncCache(bool)                           {}
func (noopCollector) IncReload(string)                        {}
func (noopCollector) SetGeometryPolygons(string, int)         {}

// PrometheusCollector exposes resolution telemetry via Prometheus.
type PrometheusCollector struct {
	resolutions      *prometheus.HistogramVec
	providerResults  *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	cacheLookups     *prometheus.CounterVec
	reloads          *prometheus.CounterVec
	geometryPolygons *prometheus.GaugeVec
}

var (
	registerLock sync.Mutex
	registered   *PrometheusCollector
)

// NewPrometheusCollector registers the engine metrics with the provided
// registerer. Repeated calls reuse the collectors already registered, so a
// configuration reload cannot trip on AlreadyRegisteredError.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	registerLock.Lock()
	defer registerLock.Unlock()
	if registered != nil {
		return registered, nil
	}

	collector := &PrometheusCollector{
		resolutions: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coverage_resolutions_duration_seconds",
			Help:    "Coverage resolution latency per outcome.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
		providerResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coverage_provider_results_total",
			Help: "Number of provider dispatches per provider and status.",
		}, []string{"provider", "status"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coverage_provider_latency_seconds",
			Help:    "Provider lookup latency.",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 15},
		}, []string{"provider"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coverage_cache_lookups_total",
			Help: "Number of resolution cache lookups per result.",
		}, []string{"result"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coverage_snapshot_reloads_total",
			Help: "Number of provider or geometry snapshot reloads per source.",
		}, []string{"source"}),
		geometryPolygons: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coverage_geometry_polygons",
			Help: "Number of polygons loaded per static provider.",
		}, []string{"provider"}),
	}

	for _, c := range []prometheus.Collector{
		collector.resolutions,
		collector.providerResults,
		collector.providerLatency,
		collector.cacheLookups,
		collector.reloads,
		collector.geometryPolygons,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}

	registered = collector
	return collector, nil
}

// ObserveResolution records one finished resolution.
func (p *PrometheusCollector) ObserveResolution(outcome string, seconds float64) {
	if p == nil || p.resolutions == nil {
		return
	}
	p.resolutions.WithLabelValues(outcome).Observe(seconds)
}

// ObserveProvider records one provider dispatch outcome with its latency.
func (p *PrometheusCollector) ObserveProvider(provider, status string, seconds float64) {
	if p == nil || p.providerResults == nil {
		return
	}
	p.providerResults.WithLabelValues(provider, status).Inc()
	p.providerLatency.WithLabelValues(provider).Observe(seconds)
}

// IncCache counts one cache lookup.
func (p *PrometheusCollector) IncCache(hit bool) {
	if p == nil || p.cacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	p.cacheLookups.WithLabelValues(result).Inc()
}

// IncReload counts one snapshot reload.
func (p *PrometheusCollector) IncReload(source string) {
	if p == nil || p.reloads == nil {
		return
	}
	p.reloads.WithLabelValues(source).Inc()
}

// SetGeometryPolygons updates the polygon gauge for a static provider.
func (p *PrometheusCollector) SetGeometryPolygons(provider string, count int) {
	if p == nil || p.geometryPolygons == nil {
		return
	}
	p.geometryPolygons.WithLabelValues(provider).Set(float64(count))
}
