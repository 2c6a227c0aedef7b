// Package pipeline runs one SAR acquisition for an area of interest: tiling,
// concurrent tile fetching, mosaic assembly, reprojection to WGS84 and
// recording of the artifact path.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/datastore"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/fetch"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/geo"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/logger"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/mosaic"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/notification"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/raster"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/reproject"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/tilecache"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/tiler"
)

// ErrRecordFailed is returned when the artifacts were written but the
// metadata store could not be updated.
var ErrRecordFailed = errors.NewStd("failed to record artifact")

// Fetcher drives a fetch run to completion.
type Fetcher interface {
	Run(ctx context.Context, run *fetch.Run) (fetch.Summary, error)
}

// Assembler merges the cached tiles into a mosaic file.
type Assembler interface {
	AssembleTo(ctx context.Context, crs geo.CRS, outputDir, areaName string) (string, *raster.Raster, error)
}

// Reprojector warps a raster into another CRS and writes it to path.
type Reprojector interface {
	ReprojectTo(ctx context.Context, src *raster.Raster, dst geo.CRS, path string) (raster.Metadata, error)
}

// Catalog looks up the newest acquisition covering a WGS84 box.
type Catalog interface {
	LatestAcquisition(ctx context.Context, aoi orb.Bound, tr fetch.TimeRange) (time.Time, error)
}

// WorkDir is the tile cache as seen by the pipeline. Bind resets the
// directory unless its tiles were written for an identical request.
type WorkDir interface {
	Dir() string
	Reset() error
	Bind(m tilecache.Manifest) (bool, error)
	ReadManifest() (tilecache.Manifest, error)
}

// Metrics receives run measurements.
type Metrics interface {
	RecordRun(outcome string)
	ObserveStage(stage string, d time.Duration)
	RecordArtifact(t time.Time, sizeBytes int64)
}

// DiskFreeFunc returns the free bytes on the filesystem holding path.
type DiskFreeFunc func(path string) (uint64, error)

func gopsutilDiskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Config holds run parameters that do not change between runs.
type Config struct {
	Resolution    float64 // metres per pixel
	MaxTilePx     int
	OutputDir     string
	TargetCRS     geo.CRS // canonical CRS of the artifact
	MinDiskFreeMB uint64  // 0 disables the preflight
	KeepTiles     bool    // keep the tile cache after a recorded run
}

// Request is one run.
type Request struct {
	Area      geo.AreaOfInterest
	TimeRange fetch.TimeRange
	Bands     []string
	Speckle   fetch.SpeckleFilter
}

// ResumeRequest assembles whatever is in the work directory without fetching.
// A zero WorkingCRS or nil Args is filled from the work directory manifest.
type ResumeRequest struct {
	AreaName   string
	WorkingCRS geo.CRS
	Args       *datastore.RunArgs
}

// Pipeline wires the stages together.
type Pipeline struct {
	cfg         Config
	work        WorkDir
	fetcher     Fetcher
	assembler   Assembler
	reprojector Reprojector
	recorder    datastore.Recorder
	catalog     Catalog
	notifier    notification.Notifier
	metrics     Metrics
	diskFree    DiskFreeFunc
	now         func() time.Time
	log         logger.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCatalog enables the latest acquisition lookup.
func WithCatalog(c Catalog) Option {
	return func(p *Pipeline) { p.catalog = c }
}

// WithNotifier sends a message for every finished run.
func WithNotifier(n notification.Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithDiskFree replaces the free space check.
func WithDiskFree(f DiskFreeFunc) Option {
	return func(p *Pipeline) { p.diskFree = f }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// New creates a Pipeline.
func New(cfg Config, work WorkDir, fetcher Fetcher, assembler Assembler, reprojector Reprojector, recorder datastore.Recorder, opts ...Option) (*Pipeline, error) {
	if work == nil || fetcher == nil || assembler == nil || reprojector == nil || recorder == nil {
		return nil, errors.Newf("pipeline needs a work directory, fetcher, assembler, reprojector and recorder").
			Component("pipeline").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.TargetCRS == 0 {
		cfg.TargetCRS = geo.WGS84
	}
	if cfg.OutputDir == "" {
		return nil, errors.ValidationError("pipeline output directory is required")
	}

	p := &Pipeline{
		cfg:         cfg,
		work:        work,
		fetcher:     fetcher,
		assembler:   assembler,
		reprojector: reprojector,
		recorder:    recorder,
		notifier:    notification.Nop{},
		diskFree:    gopsutilDiskFree,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.Global().Module("pipeline")
	}
	return p, nil
}

// Plan returns the tile layout for an AOI without fetching anything.
func (p *Pipeline) Plan(area geo.AreaOfInterest) (tiler.Layout, error) {
	bounds, crs, err := area.Project()
	if err != nil {
		return tiler.Layout{}, stageError(err, StageTiling)
	}
	layout, err := tiler.Plan(bounds, crs, p.cfg.Resolution, p.cfg.MaxTilePx)
	if err != nil {
		return tiler.Layout{}, stageError(err, StageTiling)
	}
	return layout, nil
}

// Run executes every stage for req.
//
// The returned error is nil for Success, SuccessWithWarnings and Cancelled;
// the Outcome tells them apart. NoImagery and Failed return the cause.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	start := p.now()
	res := Result{AreaName: req.Area.Name}

	if err := geo.ValidateAreaName(req.Area.Name); err != nil {
		return p.finish(ctx, res, start, Failed, StageTiling, stageError(err, StageTiling))
	}
	if err := req.TimeRange.Validate(); err != nil {
		return p.finish(ctx, res, start, Failed, StageTiling, stageError(err, StageTiling))
	}

	stageStart := time.Now()
	layout, err := p.Plan(req.Area)
	if err != nil {
		return p.finish(ctx, res, start, Failed, StageTiling, err)
	}
	p.observeStage(StageTiling, stageStart)
	res.WorkingCRS = layout.CRS
	res.Tiles = len(layout.Tiles)

	run := fetch.NewRun(req.Area.Name, layout, req.TimeRange, req.Bands, p.work.Dir())
	if req.Speckle.Type != "" {
		run.Speckle = req.Speckle
	}
	res.RunID = run.ID
	ctx = logger.WithTraceID(ctx, run.ID)
	log := p.log.WithContext(ctx).With(logger.String("area", req.Area.Name))

	log.Info("pipeline run started",
		logger.String("working_crs", layout.CRS.String()),
		logger.Int("tiles", len(layout.Tiles)),
		logger.Int("columns", layout.Columns),
		logger.Int("rows", layout.Rows),
		logger.String("from", req.TimeRange.From.Format(time.DateOnly)),
		logger.String("to", req.TimeRange.To.Format(time.DateOnly)))

	if _, err := p.work.Bind(p.manifest(req, layout, run.Speckle)); err != nil {
		return p.finish(ctx, res, start, Failed, StageFetch, stageError(err, StageFetch))
	}

	if p.catalog != nil {
		if at, err := p.catalog.LatestAcquisition(ctx, req.Area.Bounds, req.TimeRange); err != nil {
			log.Warn("latest acquisition lookup failed", logger.Error(err))
		} else {
			res.AcquiredAt = &at
			log.Info("latest acquisition found", logger.Time("acquired_at", at))
		}
	}

	stageStart = time.Now()
	summary, err := p.fetcher.Run(ctx, run)
	res.Fetch = summary
	switch {
	case errors.Is(err, fetch.ErrCancelled):
		return p.finish(ctx, res, start, Cancelled, StageFetch, nil)
	case errors.Is(err, fetch.ErrNoImagery):
		return p.finish(ctx, res, start, NoImagery, StageFetch, err)
	case err != nil:
		return p.finish(ctx, res, start, Failed, StageFetch, stageError(err, StageFetch))
	}
	p.observeStage(StageFetch, stageStart)

	var opts []datastore.UpsertOption
	if res.AcquiredAt != nil {
		opts = append(opts, datastore.WithAcquiredAt(*res.AcquiredAt))
	}
	opts = append(opts, datastore.WithRunArgs(datastore.RunArgs{
		Start: req.TimeRange.From.Format(time.DateOnly),
		End:   req.TimeRange.To.Format(time.DateOnly),
		Band:  bandArg(req.Bands),
	}))

	outcome := Success
	if summary.Failed > 0 {
		outcome = SuccessWithWarnings
		for _, w := range res.Warnings() {
			log.Warn(w)
		}
	}
	return p.assembleAndRecord(ctx, res, start, outcome, opts)
}

// Resume assembles, reprojects and records the tiles already in the work
// directory. It is the recovery path after a crash between fetching and
// assembly.
func (p *Pipeline) Resume(ctx context.Context, req ResumeRequest) (Result, error) {
	start := p.now()
	res := Result{AreaName: req.AreaName, WorkingCRS: req.WorkingCRS}
	if err := geo.ValidateAreaName(req.AreaName); err != nil {
		return p.finish(ctx, res, start, Failed, StageAssembly, stageError(err, StageAssembly))
	}

	m, err := p.work.ReadManifest()
	switch {
	case errors.Is(err, tilecache.ErrNoManifest):
		p.log.WithContext(ctx).Warn("work directory has no run manifest, assembling tiles as found",
			logger.String("area", req.AreaName),
			logger.String("dir", p.work.Dir()))
	case err != nil:
		return p.finish(ctx, res, start, Failed, StageAssembly, stageError(err, StageAssembly))
	default:
		if err := checkResumeManifest(m, req); err != nil {
			return p.finish(ctx, res, start, Failed, StageAssembly, stageError(err, StageAssembly))
		}
		if res.WorkingCRS == 0 {
			res.WorkingCRS = geo.CRS(m.EPSG)
		}
		if req.Args == nil {
			req.Args = manifestArgs(m)
		}
	}
	if !res.WorkingCRS.Valid() {
		return p.finish(ctx, res, start, Failed, StageAssembly,
			stageError(errors.ValidationError("working CRS is required to assemble the work directory"), StageAssembly))
	}

	var opts []datastore.UpsertOption
	if req.Args != nil {
		opts = append(opts, datastore.WithRunArgs(*req.Args))
	}
	return p.assembleAndRecord(ctx, res, start, Success, opts)
}

// manifest identifies the request the cached tiles are fetched for.
func (p *Pipeline) manifest(req Request, layout tiler.Layout, speckle fetch.SpeckleFilter) tilecache.Manifest {
	b := req.Area.Bounds
	return tilecache.Manifest{
		AreaName:   req.Area.Name,
		EPSG:       int(layout.CRS),
		Bounds:     [4]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]},
		Resolution: layout.Resolution,
		MaxTilePx:  p.cfg.MaxTilePx,
		Tiles:      len(layout.Tiles),
		From:       req.TimeRange.From.UTC().Format(time.RFC3339),
		To:         req.TimeRange.To.UTC().Format(time.RFC3339),
		Bands:      strings.Join(req.Bands, ","),
		Speckle:    fmt.Sprintf("%s %dx%d", speckle.Type, speckle.WindowX, speckle.WindowY),
	}
}

func checkResumeManifest(m tilecache.Manifest, req ResumeRequest) error {
	if m.AreaName != req.AreaName {
		return errors.Newf("work directory holds tiles for area %q, not %q", m.AreaName, req.AreaName).
			Component("pipeline").
			Category(errors.CategoryValidation).
			Context("manifest_area", m.AreaName).
			Build()
	}
	if req.WorkingCRS != 0 && int(req.WorkingCRS) != m.EPSG {
		return errors.Newf("work directory tiles are in %s, not %s", geo.CRS(m.EPSG), req.WorkingCRS).
			Component("pipeline").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

func manifestArgs(m tilecache.Manifest) *datastore.RunArgs {
	args := &datastore.RunArgs{}
	if from, err := time.Parse(time.RFC3339, m.From); err == nil {
		args.Start = from.Format(time.DateOnly)
	}
	if to, err := time.Parse(time.RFC3339, m.To); err == nil {
		args.End = to.Format(time.DateOnly)
	}
	if m.Bands != "" {
		args.Band = bandArg(strings.Split(m.Bands, ","))
	}
	return args
}

func (p *Pipeline) assembleAndRecord(ctx context.Context, res Result, start time.Time, outcome Outcome, opts []datastore.UpsertOption) (Result, error) {
	log := p.log.WithContext(ctx).With(logger.String("area", res.AreaName))

	if err := p.checkDiskSpace(); err != nil {
		return p.finish(ctx, res, start, Failed, StageAssembly, err)
	}

	stageStart := time.Now()
	mosaicPath, merged, err := p.assembler.AssembleTo(ctx, res.WorkingCRS, p.cfg.OutputDir, res.AreaName)
	if ctx.Err() != nil {
		return p.cancelAfterFetch(ctx, res, start, StageAssembly)
	}
	if err != nil {
		return p.finish(ctx, res, start, Failed, StageAssembly, stageError(err, StageAssembly))
	}
	res.MosaicPath = mosaicPath
	p.observeStage(StageAssembly, stageStart)

	stageStart = time.Now()
	artifactPath := reproject.ReprojectedPath(p.cfg.OutputDir, res.AreaName, p.cfg.TargetCRS)
	meta, err := p.reprojector.ReprojectTo(ctx, merged, p.cfg.TargetCRS, artifactPath)
	if ctx.Err() != nil {
		return p.cancelAfterFetch(ctx, res, start, StageReprojection)
	}
	if err != nil {
		return p.finish(ctx, res, start, Failed, StageReprojection, stageError(err, StageReprojection))
	}
	res.ArtifactPath = artifactPath
	p.observeStage(StageReprojection, stageStart)
	log.Info("artifact written",
		logger.String("mosaic", mosaicPath),
		logger.String("artifact", artifactPath),
		logger.Int("width", meta.Width),
		logger.Int("height", meta.Height))

	stageStart = time.Now()
	res.CollectedAt = p.now().UTC()
	if err := Record(ctx, p.recorder, res.AreaName, artifactPath, res.CollectedAt, opts...); err != nil {
		if ctx.Err() != nil {
			return p.cancelAfterFetch(ctx, res, start, StageRecording)
		}
		return p.finish(ctx, res, start, Failed, StageRecording, err)
	}
	p.observeStage(StageRecording, stageStart)

	if !p.cfg.KeepTiles {
		if err := p.work.Reset(); err != nil {
			log.Warn("failed to clear work directory", logger.Error(err))
		}
	}
	if p.metrics != nil {
		if fi, err := os.Stat(artifactPath); err == nil {
			p.metrics.RecordArtifact(res.CollectedAt, fi.Size())
		}
	}
	return p.finish(ctx, res, start, outcome, "", nil)
}

// cancelAfterFetch removes everything the run wrote once fetching is done.
func (p *Pipeline) cancelAfterFetch(ctx context.Context, res Result, start time.Time, stage string) (Result, error) {
	log := p.log.WithContext(ctx)
	for _, path := range []string{
		mosaic.MergedPath(p.cfg.OutputDir, res.AreaName),
		reproject.ReprojectedPath(p.cfg.OutputDir, res.AreaName, p.cfg.TargetCRS),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove partial artifact", logger.String("path", path), logger.Error(err))
		}
	}
	res.MosaicPath, res.ArtifactPath = "", ""
	if err := p.work.Reset(); err != nil {
		log.Error("failed to clear work directory after cancellation", logger.Error(err))
	}
	return p.finish(ctx, res, start, Cancelled, stage, nil)
}

// Record upserts the artifact for areaName. A failure wraps ErrRecordFailed
// and says how to retry only this step.
func Record(ctx context.Context, recorder datastore.Recorder, areaName, artifactPath string, collectedAt time.Time, opts ...datastore.UpsertOption) error {
	if err := recorder.Upsert(ctx, areaName, artifactPath, collectedAt, opts...); err != nil {
		return errors.New(fmt.Errorf("%w for %q: %w", ErrRecordFailed, areaName, err)).
			Component("pipeline").
			Category(errors.CategoryDatabase).
			Stage(StageRecording).
			Context("area_name", areaName).
			Context("artifact_path", artifactPath).
			Context("hint", fmt.Sprintf("artifacts are on disk; retry with the `record` command for %s", artifactPath)).
			Build()
	}
	return nil
}

func (p *Pipeline) checkDiskSpace() error {
	if p.cfg.MinDiskFreeMB == 0 {
		return nil
	}
	if err := os.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
		return stageError(errors.FileError(err, p.cfg.OutputDir, 0), StageAssembly)
	}
	dir, err := filepath.Abs(p.cfg.OutputDir)
	if err != nil {
		dir = p.cfg.OutputDir
	}
	free, err := p.diskFree(dir)
	if err != nil {
		p.log.Warn("disk usage check failed", logger.String("path", dir), logger.Error(err))
		return nil
	}
	need := p.cfg.MinDiskFreeMB * 1024 * 1024
	if free < need {
		return errors.Newf("insufficient disk space in %s: %d MB free, %d MB required", dir, free/(1024*1024), p.cfg.MinDiskFreeMB).
			Component("pipeline").
			Category(errors.CategoryDiskUsage).
			Stage(StageAssembly).
			Context("path", dir).
			Build()
	}
	return nil
}

func (p *Pipeline) finish(ctx context.Context, res Result, start time.Time, outcome Outcome, stage string, err error) (Result, error) {
	res.Outcome = outcome
	res.Stage = stage
	res.Duration = p.now().Sub(start)

	log := p.log.WithContext(ctx).With(
		logger.String("area", res.AreaName),
		logger.String("outcome", outcome.String()),
		logger.Duration("elapsed", res.Duration))
	switch outcome {
	case Success, SuccessWithWarnings:
		log.Info("pipeline run finished",
			logger.String("artifact", res.ArtifactPath),
			logger.Int("failed_tiles", res.Fetch.Failed))
	case Cancelled:
		log.Warn("pipeline run cancelled, no artifacts kept", logger.String("stage", stage))
	case NoImagery:
		log.Warn("pipeline run found no imagery", logger.Int("tiles", res.Tiles))
	default:
		log.Error("pipeline run failed", logger.String("stage", stage), logger.Error(err))
	}

	if p.metrics != nil {
		p.metrics.RecordRun(outcome.String())
	}
	p.notify(ctx, res, err)
	return res, err
}

func (p *Pipeline) notify(ctx context.Context, res Result, runErr error) {
	n := notification.Notification{
		Title: fmt.Sprintf("SAR run %s: %s", res.AreaName, res.Outcome),
		Level: notification.LevelInfo,
	}
	switch res.Outcome {
	case Success:
		n.Message = fmt.Sprintf("%s recorded (%d tiles)", res.ArtifactPath, res.Tiles)
	case SuccessWithWarnings:
		n.Level = notification.LevelWarning
		n.Message = fmt.Sprintf("%s recorded, %d of %d tiles failed: %v",
			res.ArtifactPath, res.Fetch.Failed, res.Tiles, res.Fetch.FailedIndices)
	case Cancelled:
		n.Level = notification.LevelWarning
		n.Message = "run cancelled, work directory cleared"
	default:
		n.Level = notification.LevelError
		n.Message = fmt.Sprintf("stage %s: %v", res.Stage, runErr)
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notification.DefaultTimeout)
	defer cancel()
	if err := p.notifier.Notify(nctx, n); err != nil {
		p.log.Warn("run notification failed", logger.Error(err))
	}
}

func (p *Pipeline) observeStage(stage string, start time.Time) {
	if p.metrics != nil {
		p.metrics.ObserveStage(stage, time.Since(start))
	}
}

// stageError attaches stage to err unless it already carries one.
func stageError(err error, stage string) error {
	if errors.StageOf(err) != "" {
		return err
	}
	return errors.New(err).
		Component("pipeline").
		Stage(stage).
		Build()
}

func bandArg(bands []string) string {
	if len(bands) == 1 {
		return bands[0]
	}
	return ""
}
