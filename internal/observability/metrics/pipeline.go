package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains run level metrics.
type PipelineMetrics struct {
	Runs          *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	LastSuccess   prometheus.Gauge
	ArtifactBytes prometheus.Gauge
	registry      prometheus.Registerer
}

// NewPipelineMetrics creates and registers the pipeline metrics.
func NewPipelineMetrics(registry prometheus.Registerer) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.Runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Pipeline runs by outcome.",
	}, []string{LabelOutcome})

	m.StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Duration of each pipeline stage.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{LabelStage})

	m.LastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "pipeline",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last run that produced an artifact.",
	})

	m.ArtifactBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "pipeline",
		Name:      "artifact_size_bytes",
		Help:      "Size of the last reprojected artifact.",
	})
}

// RecordRun counts a finished run.
func (m *PipelineMetrics) RecordRun(outcome string) {
	m.Runs.WithLabelValues(outcome).Inc()
}

// ObserveStage records how long stage took.
func (m *PipelineMetrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordArtifact marks a successful run that wrote sizeBytes at t.
func (m *PipelineMetrics) RecordArtifact(t time.Time, sizeBytes int64) {
	m.LastSuccess.Set(float64(t.Unix()))
	m.ArtifactBytes.Set(float64(sizeBytes))
}

// Collect implements the prometheus.Collector interface.
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Runs.Collect(ch)
	m.StageDuration.Collect(ch)
	ch <- m.LastSuccess
	ch <- m.ArtifactBytes
}

// Describe implements the prometheus.Collector interface.
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Runs.Describe(ch)
	m.StageDuration.Describe(ch)
	ch <- m.LastSuccess.Desc()
	ch <- m.ArtifactBytes.Desc()
}
