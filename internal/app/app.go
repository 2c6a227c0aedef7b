// Package app builds the long-lived services a command needs from the
// loaded settings and tears them down when the command is done.
package app

import (
	"context"
	"io"
	"time"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/buildinfo"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/conf"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/datastore"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/fetch"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/geo"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/logger"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/mosaic"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/notification"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/observability"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/pipeline"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/raster"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/reproject"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/sentinelhub"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/telemetry"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/tilecache"
)

const (
	telemetryFlushTimeout = 2 * time.Second
	metricsPushTimeout    = 10 * time.Second
)

// Loader holds the root command flags and turns them into an App.
type Loader struct {
	ConfigFile string
	Debug      bool
	Build      *buildinfo.Context
}

// App is the set of services shared by the commands.
type App struct {
	Settings *conf.Settings
	Build    *buildinfo.Context
	Metrics  *observability.Metrics // nil when metrics are disabled

	central  *logger.CentralLogger
	endpoint *observability.Endpoint
	log      logger.Logger
}

// Load reads the configuration and sets up logging, telemetry and metrics.
// Call Close when the command finishes.
func (l *Loader) Load(ctx context.Context) (*App, error) {
	settings, err := conf.Load(l.ConfigFile)
	if err != nil {
		return nil, errors.New(err).
			Component("app").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if l.Debug {
		settings.Debug = true
	}

	a := &App{Settings: settings, Build: l.Build}

	if err := a.setupLogging(); err != nil {
		return nil, err
	}
	a.log = logger.Global().Module("app")

	if err := telemetry.Init(settings, l.Build.Version(), nil); err != nil {
		// Telemetry is optional, a bad DSN must not stop a run.
		a.log.Warn("sentry initialization failed", logger.Error(err))
	}

	if settings.Metrics.Enabled {
		if a.Metrics, err = observability.NewMetrics(); err != nil {
			return nil, err
		}
		if settings.Metrics.Listen != "" {
			ep, err := observability.NewEndpoint(settings, a.Metrics)
			if err != nil {
				return nil, err
			}
			if err := ep.Start(ctx); err != nil {
				a.log.Warn("metrics endpoint not started", logger.Error(err))
			} else {
				a.endpoint = ep
			}
		}
	}
	return a, nil
}

func (a *App) setupLogging() error {
	level := a.Settings.Main.Log.Level
	if a.Settings.Debug {
		level = "debug"
	}
	cfg := &logger.LoggingConfig{
		DefaultLevel: level,
		Console:      &logger.ConsoleOutput{Enabled: true, Level: level},
		FileOutput: &logger.FileOutput{
			Enabled: a.Settings.Main.Log.Enabled,
			Path:    a.Settings.Main.Log.Path,
			Level:   level,
		},
	}
	central, err := logger.NewCentralLogger(cfg)
	if err != nil {
		return errors.New(err).
			Component("app").
			Category(errors.CategoryConfiguration).
			Context("log_path", a.Settings.Main.Log.Path).
			Build()
	}
	logger.SetGlobal(central)
	a.central = central
	return nil
}

// Logger returns a module logger.
func (a *App) Logger(module string) logger.Logger {
	return logger.Global().Module(module)
}

// Close pushes metrics, stops the endpoint and flushes telemetry and logs.
func (a *App) Close(ctx context.Context) {
	if a.Metrics != nil && a.Settings.Metrics.Pushgateway != "" {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsPushTimeout)
		if err := a.Metrics.Push(pctx, a.Settings.Metrics.Pushgateway, a.Settings.Metrics.Job); err != nil {
			a.log.Warn("metrics push failed", logger.Error(err))
		}
		cancel()
	}
	if a.endpoint != nil {
		a.endpoint.Stop()
	}
	telemetry.Flush(telemetryFlushTimeout)
	if a.central != nil {
		_ = a.central.Close()
	}
}

// Recorder opens the configured metadata store.
func (a *App) Recorder() (datastore.Recorder, error) {
	return datastore.New(a.Settings, a.Logger("datastore"))
}

// Cache opens the tile work directory.
func (a *App) Cache() (*tilecache.Cache, error) {
	dir, err := conf.GetBasePath(a.Settings.Pipeline.WorkDir)
	if err != nil {
		return nil, err
	}
	return tilecache.New(dir, tilecache.WithLogger(a.Logger("tilecache")))
}

// SentinelHub creates the imagery provider client.
func (a *App) SentinelHub() (*sentinelhub.Client, error) {
	s := a.Settings.SentinelHub
	cfg := sentinelhub.DefaultConfig()
	cfg.ClientID = s.ClientID
	cfg.ClientSecret = s.ClientSecret
	if s.BaseURL != "" {
		cfg.BaseURL = s.BaseURL
	}
	if s.TokenURL != "" {
		cfg.TokenURL = s.TokenURL
	}
	cfg.RateLimit = s.RateLimit
	if s.Timeout > 0 {
		cfg.Timeout = s.Timeout
	}
	if s.MaxRetries > 0 {
		cfg.MaxRetries = s.MaxRetries
	}
	if s.CatalogCacheTTL > 0 {
		cfg.CatalogCacheTTL = s.CatalogCacheTTL
	}
	return sentinelhub.NewClient(cfg, sentinelhub.WithLogger(a.Logger("sentinelhub")))
}

// Notifier creates the run notifier.
func (a *App) Notifier() (notification.Notifier, error) {
	return notification.New(a.Settings.Notification, notification.WithLogger(a.Logger("notification")))
}

// Compression parses the configured GeoTIFF compression.
func (a *App) Compression() (raster.Compression, error) {
	c, err := raster.ParseCompression(a.Settings.Pipeline.Compression)
	if err != nil {
		return 0, errors.New(err).
			Component("app").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return c, nil
}

// Pipeline wires a pipeline for the given provider and recorder.
// provider may be nil for commands that never fetch.
func (a *App) Pipeline(provider fetch.Provider, catalog pipeline.Catalog, recorder datastore.Recorder) (*pipeline.Pipeline, error) {
	ps := a.Settings.Pipeline

	cache, err := a.Cache()
	if err != nil {
		return nil, err
	}
	compression, err := a.Compression()
	if err != nil {
		return nil, err
	}
	outputDir, err := conf.GetBasePath(ps.OutputDir)
	if err != nil {
		return nil, err
	}

	if provider == nil {
		provider = fetch.ProviderFunc(func(context.Context, fetch.Request) (io.ReadCloser, error) {
			return nil, errors.Newf("no imagery provider configured").
				Component("app").
				Category(errors.CategoryConfiguration).
				Build()
		})
	}

	fetchOpts := []fetch.Option{
		fetch.WithWorkers(ps.Workers),
		fetch.WithGracePeriod(ps.GracePeriod),
		fetch.WithTileTimeout(ps.TileTimeout),
		fetch.WithLogger(a.Logger("fetch")),
	}
	if a.Metrics != nil {
		fetchOpts = append(fetchOpts, fetch.WithMetrics(a.Metrics.Fetch))
	}
	orch, err := fetch.New(provider, cache, fetchOpts...)
	if err != nil {
		return nil, err
	}

	notifier, err := a.Notifier()
	if err != nil {
		return nil, err
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(a.Logger("pipeline")),
		pipeline.WithNotifier(notifier),
	}
	if catalog != nil {
		opts = append(opts, pipeline.WithCatalog(catalog))
	}
	if a.Metrics != nil {
		opts = append(opts, pipeline.WithMetrics(a.Metrics.Pipeline))
	}

	return pipeline.New(pipeline.Config{
		Resolution:    ps.Resolution,
		MaxTilePx:     ps.MaxTilePx,
		OutputDir:     outputDir,
		TargetCRS:     geo.WGS84,
		MinDiskFreeMB: ps.MinDiskFreeMB,
	}, cache, orch,
		mosaic.New(cache, mosaic.WithCompression(compression), mosaic.WithLogger(a.Logger("mosaic"))),
		reproject.New(reproject.WithCompression(compression), reproject.WithLogger(a.Logger("reproject"))),
		recorder,
		opts...)
}

// RunRequest turns command arguments into a pipeline request, filling the
// time range, bands and speckle filter from the settings.
func (a *App) RunRequest(area geo.AreaOfInterest, from, to time.Time, band string) (pipeline.Request, error) {
	ps := a.Settings.Pipeline
	if band == "" {
		band = ps.Band
	}
	bands, err := Bands(band)
	if err != nil {
		return pipeline.Request{}, err
	}

	tr := fetch.LastDays(time.Now().UTC(), ps.LookbackDays)
	if !from.IsZero() {
		tr.From = from
	}
	if !to.IsZero() {
		tr.To = to
	}
	if err := tr.Validate(); err != nil {
		return pipeline.Request{}, err
	}

	return pipeline.Request{
		Area:      area,
		TimeRange: tr,
		Bands:     bands,
		Speckle: fetch.SpeckleFilter{
			Type:    ps.Speckle.Type,
			WindowX: ps.Speckle.WindowX,
			WindowY: ps.Speckle.WindowY,
		},
	}, nil
}
