// Package datastore records the artifact produced by each pipeline run in the
// search-area table of a relational database.
package datastore

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/conf"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/logger"
)

// DefaultSlowQueryThreshold is the duration after which a query is logged as slow.
const DefaultSlowQueryThreshold = 1 * time.Second

var (
	// ErrNoDatabase is returned by New when no output database is enabled.
	ErrNoDatabase = errors.NewStd("no output database enabled")
	// ErrNotFound is returned by Get for an unknown area name.
	ErrNotFound = errors.NewStd("search area not found")
)

// Recorder stores the artifact of a completed run. Upsert is called once per
// successful run.
type Recorder interface {
	Upsert(ctx context.Context, areaName, artifactPath string, collectedAt time.Time, opts ...UpsertOption) error
	Get(ctx context.Context, areaName string) (*SearchArea, error)
	Close() error
}

// UpsertOption adds optional columns to an upsert.
type UpsertOption func(*SearchArea, *[]string)

// WithAcquiredAt records the acquisition time of the newest scene.
func WithAcquiredAt(t time.Time) UpsertOption {
	return func(row *SearchArea, cols *[]string) {
		at := t.UTC()
		row.SARAcquired = &at
		*cols = append(*cols, "sar_acquired")
	}
}

// WithRunArgs records the arguments the run was started with.
func WithRunArgs(args RunArgs) UpsertOption {
	return func(row *SearchArea, cols *[]string) {
		row.ArgS, row.ArgE, row.ArgB = args.Start, args.End, args.Band
		*cols = append(*cols, "arg_s", "arg_e", "arg_b")
	}
}

// Store is a gorm backed Recorder.
type Store struct {
	db      *gorm.DB
	dialect string
	log     logger.Logger
}

var _ Recorder = (*Store)(nil)

// New opens the output database enabled in settings and migrates the
// search-area table.
func New(settings *conf.Settings, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Global().Module("datastore")
	}

	var dialector gorm.Dialector
	switch {
	case settings.Output.SQLite.Enabled:
		dir, file := filepath.Split(settings.Output.SQLite.Path)
		if dir != "" {
			base, err := conf.GetBasePath(dir)
			if err != nil {
				return nil, err
			}
			dir = base
		}
		dialector = sqlite.Open(filepath.Join(dir, file))
	case settings.Output.MySQL.Enabled:
		dialector = mysql.Open(mysqlDSN(settings))
	case settings.Output.Postgres.Enabled:
		dialector = postgres.Open(postgresDSN(settings))
	default:
		return nil, errors.New(ErrNoDatabase).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}

	return Open(dialector, log)
}

// Open connects through dialector and migrates the search-area table.
func Open(dialector gorm.Dialector, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Global().Module("datastore")
	}
	name := dialector.Name()

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(log, DefaultSlowQueryThreshold),
	})
	if err != nil {
		return nil, dbError(err, "open", name)
	}

	if err := db.AutoMigrate(&SearchArea{}); err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			_ = sqlDB.Close()
		}
		return nil, dbError(err, "migrate", name)
	}

	log.Info("database opened", logger.String("dialect", name))
	return &Store{db: db, dialect: name, log: log}, nil
}

// Upsert writes the artifact path and collection time for areaName,
// creating the row if needed. The processed marker is cleared so downstream
// detection picks up the new artifact.
func (s *Store) Upsert(ctx context.Context, areaName, artifactPath string, collectedAt time.Time, opts ...UpsertOption) error {
	if areaName == "" {
		return errors.ValidationError("area name is required")
	}
	if artifactPath == "" {
		return errors.ValidationError("artifact path is required")
	}

	row := &SearchArea{
		AreaName:     areaName,
		SARPath:      artifactPath,
		SARCollected: collectedAt.UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	cols := []string{"sar_path", "sar_collected", "sar_processed", "updated_at"}
	for _, opt := range opts {
		opt(row, &cols)
	}

	start := time.Now()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "area_name"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(row).Error
	if err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Stage("recording").
			Context("operation", "upsert").
			Context("area_name", areaName).
			Context("artifact_path", artifactPath).
			Timing("upsert", time.Since(start)).
			Build()
	}

	s.log.WithContext(ctx).Info("search area recorded",
		logger.String("area_name", areaName),
		logger.String("sar_path", artifactPath),
		logger.Time("collected_at", row.SARCollected))
	return nil
}

// Get returns the row for areaName or ErrNotFound.
func (s *Store) Get(ctx context.Context, areaName string) (*SearchArea, error) {
	var row SearchArea
	err := s.db.WithContext(ctx).Where("area_name = ?", areaName).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.New(fmt.Errorf("%w: %s", ErrNotFound, areaName)).
			Component("datastore").
			Category(errors.CategoryNotFound).
			Build()
	}
	if err != nil {
		return nil, dbError(err, "get", s.dialect)
	}
	return &row, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return dbError(err, "close", s.dialect)
	}
	if err := sqlDB.Close(); err != nil {
		return dbError(err, "close", s.dialect)
	}
	return nil
}

func mysqlDSN(settings *conf.Settings) string {
	cfg := mysqldriver.NewConfig()
	cfg.User = settings.Output.MySQL.Username
	cfg.Passwd = settings.Output.MySQL.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(settings.Output.MySQL.Host, settings.Output.MySQL.Port)
	cfg.DBName = settings.Output.MySQL.Database
	cfg.ParseTime = true
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

func postgresDSN(settings *conf.Settings) string {
	pg := settings.Output.Postgres
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(pg.Username, pg.Password),
		Host:   net.JoinHostPort(pg.Host, pg.Port),
		Path:   "/" + pg.Database,
	}
	if pg.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {pg.SSLMode}}.Encode()
	}
	return u.String()
}

func dbError(err error, operation, dialect string) error {
	return errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation).
		Context("dialect", dialect).
		Build()
}
