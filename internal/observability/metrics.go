// Package observability provides Prometheus metrics for pipeline runs.
// Sentry error reporting is handled in the telemetry package.
package observability

import (
	"context"
	"fmt"
	stdlog "log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/logger"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry *prometheus.Registry
	Fetch    *metrics.FetchMetrics
	Pipeline *metrics.PipelineMetrics
}

// NewMetrics creates a registry and registers every collector in it.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	fetchMetrics, err := metrics.NewFetchMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch metrics: %w", err)
	}

	pipelineMetrics, err := metrics.NewPipelineMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline metrics: %w", err)
	}

	return &Metrics{
		registry: registry,
		Fetch:    fetchMetrics,
		Pipeline: pipelineMetrics,
	}, nil
}

// Registry returns the registry the collectors are registered in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterHandlers registers the metrics endpoint with the provided http.ServeMux.
func (m *Metrics) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      stdlog.New(os.Stderr, "metrics handler: ", stdlog.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	}))
}

// Push sends the current values to a Prometheus Pushgateway, replacing the
// previous push of job. Pipeline runs are short lived, so this is how their
// metrics reach Prometheus.
func (m *Metrics) Push(ctx context.Context, gatewayURL, job string) error {
	if err := push.New(gatewayURL, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", gatewayURL, err)
	}
	log.Debug("metrics pushed", logger.String("gateway", gatewayURL), logger.String("job", job))
	return nil
}
