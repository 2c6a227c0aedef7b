// Package metrics provides custom Prometheus metrics for the pipeline components.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// FetchMetrics contains all Prometheus metrics related to tile fetching.
type FetchMetrics struct {
	Tiles        *prometheus.CounterVec
	TileDuration *prometheus.HistogramVec
	InFlight     prometheus.Gauge
	Cancelled    prometheus.Counter
	registry     prometheus.Registerer
}

// NewFetchMetrics creates and registers the fetch metrics.
func NewFetchMetrics(registry prometheus.Registerer) (*FetchMetrics, error) {
	m := &FetchMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register fetch metrics: %w", err)
	}
	return m, nil
}

func (m *FetchMetrics) initMetrics() {
	m.Tiles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "fetch",
		Name:      "tiles_total",
		Help:      "Tiles by terminal status.",
	}, []string{LabelStatus})

	m.TileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "fetch",
		Name:      "tile_duration_seconds",
		Help:      "Time spent fetching and writing one tile.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{LabelStatus})

	m.InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "fetch",
		Name:      "in_flight",
		Help:      "Provider requests currently in flight.",
	})

	m.Cancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "fetch",
		Name:      "cancelled_runs_total",
		Help:      "Fetch runs stopped by cancellation.",
	})
}

// ObserveTile records a tile reaching status after seconds. Cached tiles are
// counted but not timed.
func (m *FetchMetrics) ObserveTile(status string, seconds float64) {
	m.Tiles.WithLabelValues(status).Inc()
	if seconds > 0 {
		m.TileDuration.WithLabelValues(status).Observe(seconds)
	}
}

// SetInFlight sets the number of in-flight provider requests.
func (m *FetchMetrics) SetInFlight(n int) {
	m.InFlight.Set(float64(n))
}

// IncCancelled counts a cancelled fetch run.
func (m *FetchMetrics) IncCancelled() {
	m.Cancelled.Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *FetchMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Tiles.Collect(ch)
	m.TileDuration.Collect(ch)
	ch <- m.InFlight
	ch <- m.Cancelled
}

// Describe implements the prometheus.Collector interface.
func (m *FetchMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Tiles.Describe(ch)
	m.TileDuration.Describe(ch)
	ch <- m.InFlight.Desc()
	ch <- m.Cancelled.Desc()
}
