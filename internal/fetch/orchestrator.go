package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/logger"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/tilecache"
)

const (
	DefaultWorkers     = 5
	DefaultGracePeriod = 5 * time.Second
)

// Metrics receives orchestrator measurements. A nil Metrics is allowed.
type Metrics interface {
	ObserveTile(status string, seconds float64)
	SetInFlight(n int)
	IncCancelled()
}

type noopMetrics struct{}

func (noopMetrics) ObserveTile(string, float64) {}
func (noopMetrics) SetInFlight(int)             {}
func (noopMetrics) IncCancelled()               {}

// Orchestrator fills the tile cache for a run.
type Orchestrator struct {
	provider    Provider
	cache       *tilecache.Cache
	workers     int
	grace       time.Duration
	tileTimeout time.Duration
	log         logger.Logger
	metrics     Metrics

	inFlight   int
	inFlightMu sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkers bounds the number of concurrent provider requests.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithGracePeriod sets how long in-flight requests may continue after cancellation.
func WithGracePeriod(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.grace = d
		}
	}
}

// WithTileTimeout limits each provider request. Zero means no limit.
func WithTileTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.tileTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// New creates an orchestrator for provider writing into cache.
func New(provider Provider, cache *tilecache.Cache, opts ...Option) (*Orchestrator, error) {
	if provider == nil || cache == nil {
		return nil, errors.Newf("fetch orchestrator needs a provider and a tile cache").
			Component("fetch").
			Category(errors.CategoryConfiguration).
			Build()
	}
	o := &Orchestrator{
		provider: provider,
		cache:    cache,
		workers:  DefaultWorkers,
		grace:    DefaultGracePeriod,
		metrics:  noopMetrics{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logger.Global().Module("fetch")
	}
	return o, nil
}

// Run drives every tile of run to a terminal state.
//
// Tiles already in the cache are marked Cached without a provider call. The
// rest are fetched by at most Workers concurrent tasks; a failing tile is
// marked Failed and the run continues.
//
// Cancelling ctx stops new tasks from starting. In-flight requests get the
// grace period to finish, after which their context is cancelled too. Once
// every task has returned the cache directory is emptied and ErrCancelled is
// returned with run.Cancelled set.
//
// If no tile is Cached or Fetched the result is ErrNoImagery.
func (o *Orchestrator) Run(ctx context.Context, run *Run) (Summary, error) {
	started := time.Now()
	run.StartedAt = started
	run.WorkDir = o.cache.Dir()

	log := o.log.WithContext(logger.WithTraceID(ctx, run.ID)).With(
		logger.String("area", run.AreaName),
		logger.Int("tiles", len(run.Tiles)),
		logger.Int("workers", o.workers))
	log.Info("fetch run started", logger.String("work_dir", run.WorkDir))

	// Provider calls outlive ctx by at most the grace period.
	fetchCtx, cancelFetch := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelFetch()

	sem := semaphore.NewWeighted(int64(o.workers))
	var wg sync.WaitGroup

	for i := range run.Tiles {
		if ctx.Err() != nil {
			break
		}
		ts := &run.Tiles[i]
		if o.cache.Exists(ts.Tile.Index) {
			ts.Status = Cached
			o.metrics.ObserveTile(Cached.String(), 0)
			log.Debug("tile already cached, skipping fetch", logger.Int("index", ts.Tile.Index))
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Go(func() {
			defer sem.Release(1)
			o.fetchTile(ctx, fetchCtx, run, ts, log)
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("cancellation requested, waiting for in-flight requests",
			logger.Duration("grace_period", o.grace))
		grace := time.NewTimer(o.grace)
		select {
		case <-done:
		case <-grace.C:
			log.Warn("grace period expired, aborting in-flight requests")
			cancelFetch()
			<-done
		}
		grace.Stop()
	}

	summary := Summarize(run)
	summary.Duration = time.Since(started)

	if ctx.Err() != nil {
		run.Cancelled = true
		o.metrics.IncCancelled()
		if err := o.cache.Reset(); err != nil {
			log.Error("failed to clear work directory after cancellation", logger.Error(err))
			return summary, errors.Join(o.cancelledError(run, summary), err)
		}
		log.Info("fetch run cancelled, work directory cleared",
			logger.Int("completed", summary.Materialized()),
			logger.Int("skipped", summary.Skipped))
		return summary, o.cancelledError(run, summary)
	}

	log.Info("fetch run finished",
		logger.Int("cached", summary.Cached),
		logger.Int("fetched", summary.Fetched),
		logger.Int("failed", summary.Failed),
		logger.Duration("elapsed", summary.Duration))

	if summary.Materialized() == 0 {
		return summary, errors.New(fmt.Errorf("%w: all %d tiles failed", ErrNoImagery, summary.Total)).
			Component("fetch").
			Category(errors.CategoryImageFetch).
			Stage("fetch").
			Context("area", run.AreaName).
			Context("run_id", run.ID).
			Context("failed", summary.Failed).
			Build()
	}
	return summary, nil
}

func (o *Orchestrator) cancelledError(run *Run, s Summary) error {
	return errors.New(ErrCancelled).
		Component("fetch").
		Category(errors.CategoryCancellation).
		Stage("fetch").
		Context("area", run.AreaName).
		Context("run_id", run.ID).
		Context("completed", s.Materialized()).
		Build()
}

// fetchTile runs one task. ctx is the run context, checked before the provider
// is called; fetchCtx bounds the request itself.
func (o *Orchestrator) fetchTile(ctx, fetchCtx context.Context, run *Run, ts *TileState, log logger.Logger) {
	if ctx.Err() != nil {
		return
	}

	o.trackInFlight(1)
	defer o.trackInFlight(-1)

	index := ts.Tile.Index
	start := time.Now()

	reqCtx := fetchCtx
	if o.tileTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(fetchCtx, o.tileTimeout)
		defer cancel()
	}

	n, err := o.fetchAndStore(reqCtx, run.request(ts.Tile))
	ts.Duration = time.Since(start)
	ts.Bytes = n

	if err != nil {
		ts.Status = Failed
		ts.Err = errors.New(err).
			Component("fetch").
			Category(errors.CategoryImageFetch).
			Context("tile_index", index).
			Context("run_id", run.ID).
			Timing("tile_fetch", ts.Duration).
			Build()
		o.metrics.ObserveTile(Failed.String(), ts.Duration.Seconds())
		log.Warn("tile fetch failed",
			logger.Int("index", index),
			logger.Error(err),
			logger.Duration("elapsed", ts.Duration))
		return
	}

	ts.Status = Fetched
	o.metrics.ObserveTile(Fetched.String(), ts.Duration.Seconds())
	log.Info("tile fetched",
		logger.Int("index", index),
		logger.Int64("bytes", n),
		logger.Duration("elapsed", ts.Duration))
}

func (o *Orchestrator) fetchAndStore(ctx context.Context, req Request) (int64, error) {
	body, err := o.provider.Fetch(ctx, req)
	if err != nil {
		return 0, err
	}
	defer body.Close()
	return o.cache.Write(req.Tile.Index, body)
}

func (o *Orchestrator) trackInFlight(delta int) {
	o.inFlightMu.Lock()
	defer o.inFlightMu.Unlock()
	o.inFlight += delta
	o.metrics.SetInFlight(o.inFlight)
}
