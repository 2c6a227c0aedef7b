package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/conf"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/fetch"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/observability/metrics"
)

var _ fetch.Metrics = (*metrics.FetchMetrics)(nil)

func TestFetchMetrics(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)

	m.Fetch.ObserveTile(fetch.Fetched.String(), 1.5)
	m.Fetch.ObserveTile(fetch.Fetched.String(), 0.5)
	m.Fetch.ObserveTile(fetch.Cached.String(), 0)
	m.Fetch.ObserveTile(fetch.Failed.String(), 2)
	m.Fetch.SetInFlight(3)
	m.Fetch.IncCancelled()

	assert.InDelta(t, 2, testutil.ToFloat64(m.Fetch.Tiles.WithLabelValues("fetched")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Fetch.Tiles.WithLabelValues("cached")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Fetch.Tiles.WithLabelValues("failed")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.Fetch.InFlight), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Fetch.Cancelled), 0)

	// Cached tiles are not timed.
	assert.Equal(t, 2, testutil.CollectAndCount(m.Fetch.TileDuration))
}

func TestPipelineMetrics(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)

	m.Pipeline.RecordRun("success")
	m.Pipeline.RecordRun("success")
	m.Pipeline.RecordRun("cancelled")
	m.Pipeline.ObserveStage("assembly", 250*time.Millisecond)
	at := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	m.Pipeline.RecordArtifact(at, 4096)

	assert.InDelta(t, 2, testutil.ToFloat64(m.Pipeline.Runs.WithLabelValues("success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Pipeline.Runs.WithLabelValues("cancelled")), 0)
	assert.InDelta(t, float64(at.Unix()), testutil.ToFloat64(m.Pipeline.LastSuccess), 0)
	assert.InDelta(t, 4096, testutil.ToFloat64(m.Pipeline.ArtifactBytes), 0)

	count, err := testutil.GatherAndCount(m.Registry(), "frostytrail_pipeline_stage_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetricsHandler(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)
	m.Pipeline.RecordRun("no_imagery")

	mux := http.NewServeMux()
	m.RegisterHandlers(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `frostytrail_pipeline_runs_total{outcome="no_imagery"} 1`)
}

func TestPush(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		method string
		path   string
		body   string
	)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(b)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(gateway.Close)

	m, err := NewMetrics()
	require.NoError(t, err)
	m.Pipeline.RecordRun("success")

	require.NoError(t, m.Push(t.Context(), gateway.URL, "frostytrail_sar"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/frostytrail_sar", path)
	assert.NotEmpty(t, body)
}

func TestPushGatewayError(t *testing.T) {
	t.Parallel()

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(gateway.Close)

	m, err := NewMetrics()
	require.NoError(t, err)
	err = m.Push(t.Context(), gateway.URL, "frostytrail_sar")
	require.Error(t, err)
	assert.Contains(t, err.Error(), gateway.URL)
}

func TestEndpoint(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	_, err := NewEndpoint(settings, nil)
	require.Error(t, err)

	settings.Metrics.Enabled = true
	settings.Metrics.Listen = "127.0.0.1:0"
	m, err := NewMetrics()
	require.NoError(t, err)

	e, err := NewEndpoint(settings, m)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	resp, err := http.Get("http://" + e.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(b), "frostytrail_fetch_in_flight"))
}
