package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/geo"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/logger"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/tilecache"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/tiler"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)
}

func newCache(t *testing.T) *tilecache.Cache {
	t.Helper()
	c, err := tilecache.New(filepath.Join(t.TempDir(), "temp"), tilecache.WithLogger(quietLogger()))
	require.NoError(t, err)
	return c
}

func newRun(t *testing.T, n int) *Run {
	t.Helper()
	layout, err := tiler.Plan(orb.Bound{Max: orb.Point{float64(n) * 10, 10}}, geo.UTM(11, true), 1, 10)
	require.NoError(t, err)
	require.Len(t, layout.Tiles, n)
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	return NewRun("test-area", layout, LastDays(now, 6), []string{"VV", "VH"}, "")
}

// fakeProvider serves "tile-<index>" bodies and fails the listed indices.
type fakeProvider struct {
	fail     map[int]bool
	calls    atomic.Int32
	active   atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	mu       sync.Mutex
	requests []Request
}

func (p *fakeProvider) Fetch(ctx context.Context, req Request) (io.ReadCloser, error) {
	p.calls.Add(1)
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.fail[req.Tile.Index] {
		return nil, fmt.Errorf("provider returned 500 for tile %d", req.Tile.Index)
	}
	return io.NopCloser(strings.NewReader(fmt.Sprintf("tile-%d", req.Tile.Index))), nil
}

func TestRunFetchesAllTiles(t *testing.T) {
	cache := newCache(t)
	provider := &fakeProvider{delay: 5 * time.Millisecond}
	o, err := New(provider, cache, WithWorkers(3), WithLogger(quietLogger()))
	require.NoError(t, err)

	run := newRun(t, 12)
	summary, err := o.Run(t.Context(), run)
	require.NoError(t, err)

	assert.Equal(t, 12, summary.Total)
	assert.Equal(t, 12, summary.Fetched)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, int32(12), provider.calls.Load())
	assert.LessOrEqual(t, provider.peak.Load(), int32(3), "worker bound exceeded")
	assert.False(t, run.Cancelled)
	assert.Equal(t, cache.Dir(), run.WorkDir)

	for _, ts := range run.Tiles {
		assert.Equal(t, Fetched, ts.Status)
		data, err := os.ReadFile(cache.Path(ts.Tile.Index))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("tile-%d", ts.Tile.Index), string(data))
	}

	// Requests carry the run parameters.
	req := provider.requests[0]
	assert.Equal(t, geo.UTM(11, true), req.CRS)
	assert.Equal(t, []string{"VV", "VH"}, req.Bands)
	assert.Equal(t, DefaultSpeckleFilter, req.Speckle)
}

func TestRunSkipsCachedTiles(t *testing.T) {
	cache := newCache(t)
	for _, idx := range []int{0, 2} {
		_, err := cache.Write(idx, strings.NewReader(fmt.Sprintf("tile-%d", idx)))
		require.NoError(t, err)
	}

	provider := &fakeProvider{}
	o, err := New(provider, cache, WithLogger(quietLogger()))
	require.NoError(t, err)

	run := newRun(t, 4)
	summary, err := o.Run(t.Context(), run)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Cached)
	assert.Equal(t, 2, summary.Fetched)
	assert.Equal(t, int32(2), provider.calls.Load())
	assert.Equal(t, Cached, run.Tiles[0].Status)
	assert.Equal(t, Fetched, run.Tiles[1].Status)
	assert.Equal(t, Cached, run.Tiles[2].Status)
	for _, r := range provider.requests {
		assert.NotContains(t, []int{0, 2}, r.Tile.Index)
	}
}

func TestRunIsolatesTileFailures(t *testing.T) {
	cache := newCache(t)
	provider := &fakeProvider{fail: map[int]bool{7: true}}
	o, err := New(provider, cache, WithWorkers(5), WithLogger(quietLogger()))
	require.NoError(t, err)

	run := newRun(t, 12)
	summary, err := o.Run(t.Context(), run)
	require.NoError(t, err)

	assert.Equal(t, 11, summary.Fetched)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []int{7}, summary.FailedIndices)
	assert.Equal(t, Failed, run.Tiles[7].Status)
	require.Error(t, run.Tiles[7].Err)
	assert.Contains(t, run.Tiles[7].Err.Error(), "500")
	assert.False(t, cache.Exists(7))

	entries, err := cache.List()
	require.NoError(t, err)
	assert.Len(t, entries, 11)
}

func TestRunAllFailedIsNoImagery(t *testing.T) {
	cache := newCache(t)
	provider := &fakeProvider{fail: map[int]bool{0: true, 1: true, 2: true}}
	o, err := New(provider, cache, WithLogger(quietLogger()))
	require.NoError(t, err)

	summary, err := o.Run(t.Context(), newRun(t, 3))
	require.ErrorIs(t, err, ErrNoImagery)
	assert.Equal(t, 3, summary.Failed)

	entries, err := cache.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunEmptyTileListIsNoImagery(t *testing.T) {
	o, err := New(&fakeProvider{}, newCache(t), WithLogger(quietLogger()))
	require.NoError(t, err)

	_, err = o.Run(t.Context(), &Run{ID: "empty"})
	require.ErrorIs(t, err, ErrNoImagery)
}

func TestRunTileTimeout(t *testing.T) {
	cache := newCache(t)
	provider := &fakeProvider{delay: time.Second}
	o, err := New(provider, cache, WithTileTimeout(20*time.Millisecond), WithLogger(quietLogger()))
	require.NoError(t, err)

	summary, err := o.Run(t.Context(), newRun(t, 2))
	require.ErrorIs(t, err, ErrNoImagery)
	assert.Equal(t, 2, summary.Failed)
}

// blockingProvider parks every request until released or its context ends.
type blockingProvider struct {
	started chan int
	release chan struct{}
	calls   atomic.Int32
}

func (p *blockingProvider) Fetch(ctx context.Context, req Request) (io.ReadCloser, error) {
	p.calls.Add(1)
	p.started <- req.Tile.Index
	select {
	case <-p.release:
		return io.NopCloser(strings.NewReader("late")), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRunCancellation(t *testing.T) {
	tests := []struct {
		name    string
		release bool // in-flight requests finish inside the grace period
	}{
		{"grace period expires", false},
		{"in-flight finish within grace", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := newCache(t)
			_, err := cache.Write(0, strings.NewReader("from an earlier run"))
			require.NoError(t, err)

			provider := &blockingProvider{started: make(chan int, 12), release: make(chan struct{})}
			o, err := New(provider, cache,
				WithWorkers(2),
				WithGracePeriod(50*time.Millisecond),
				WithLogger(quietLogger()))
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()

			run := newRun(t, 12)
			type result struct {
				summary Summary
				err     error
			}
			out := make(chan result, 1)
			go func() {
				s, err := o.Run(ctx, run)
				out <- result{s, err}
			}()

			// Both workers are busy, nothing else can start.
			<-provider.started
			<-provider.started
			cancel()
			if tt.release {
				close(provider.release)
			}

			var res result
			select {
			case res = <-out:
			case <-time.After(5 * time.Second):
				t.Fatal("run did not return after cancellation")
			}

			require.ErrorIs(t, res.err, ErrCancelled)
			assert.True(t, run.Cancelled)
			assert.Equal(t, int32(2), provider.calls.Load(), "no task may start after cancellation")
			assert.Positive(t, res.summary.Skipped)

			entries, err := os.ReadDir(cache.Dir())
			require.NoError(t, err)
			assert.Empty(t, entries, "work directory must be empty after cancellation")
		})
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	cache := newCache(t)
	provider := &fakeProvider{}
	o, err := New(provider, cache, WithLogger(quietLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	run := newRun(t, 4)
	summary, err := o.Run(ctx, run)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, provider.calls.Load())
	assert.Equal(t, 4, summary.Skipped)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, newCache(t))
	require.Error(t, err)

	_, err = New(&fakeProvider{}, nil)
	require.Error(t, err)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "pending", Pending.String())
	assert.Equal(t, "cached", Cached.String())
	assert.Equal(t, "fetched", Fetched.String())
	assert.Equal(t, "failed", Failed.String())
	assert.True(t, Cached.Materialized())
	assert.False(t, Failed.Materialized())
}

func TestTimeRangeValidate(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	tr := LastDays(now, 6)
	require.NoError(t, tr.Validate())
	assert.Equal(t, time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC), tr.From)

	require.Error(t, TimeRange{From: now, To: now.Add(-time.Hour)}.Validate())
	require.Error(t, TimeRange{To: now}.Validate())
}

func TestSummarize(t *testing.T) {
	run := &Run{Tiles: []TileState{
		{Tile: tiler.Tile{Index: 3}, Status: Failed, Err: errors.New("x")},
		{Tile: tiler.Tile{Index: 1}, Status: Failed},
		{Tile: tiler.Tile{Index: 0}, Status: Cached},
		{Tile: tiler.Tile{Index: 2}, Status: Pending},
	}}
	s := Summarize(run)
	assert.Equal(t, []int{1, 3}, s.FailedIndices)
	assert.Equal(t, 1, s.Materialized())
	assert.Equal(t, 1, s.Skipped)
}

// gaugeRecorder keeps every in-flight value in publication order.
type gaugeRecorder struct {
	mu     sync.Mutex
	values []int
}

func (g *gaugeRecorder) ObserveTile(string, float64) {}
func (g *gaugeRecorder) IncCancelled()               {}

func (g *gaugeRecorder) SetInFlight(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values = append(g.values, n)
}

func TestRunInFlightGaugeIsOrdered(t *testing.T) {
	gauge := &gaugeRecorder{}
	o, err := New(&fakeProvider{delay: time.Millisecond}, newCache(t),
		WithWorkers(4), WithMetrics(gauge), WithLogger(quietLogger()))
	require.NoError(t, err)

	_, err = o.Run(t.Context(), newRun(t, 24))
	require.NoError(t, err)

	gauge.mu.Lock()
	defer gauge.mu.Unlock()
	require.Len(t, gauge.values, 48)
	prev := 0
	for i, v := range gauge.values {
		assert.Equal(t, 1, abs(v-prev), "step %d jumps from %d to %d", i, prev, v)
		assert.GreaterOrEqual(t, v, 0)
		assert.LessOrEqual(t, v, 4)
		prev = v
	}
	assert.Zero(t, gauge.values[len(gauge.values)-1])
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
