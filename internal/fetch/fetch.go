// Package fetch retrieves tile imagery from a provider into the tile cache
// with a bounded number of concurrent requests.
package fetch

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/geo"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/tiler"
)

var (
	// ErrNoImagery is returned when no tile ended up cached or fetched.
	ErrNoImagery = errors.NewStd("no imagery available")
	// ErrCancelled is returned when the run was cancelled. The work directory
	// has been emptied by the time it is returned.
	ErrCancelled = errors.NewStd("fetch run cancelled")
)

// Status is the lifecycle state of one tile in a run.
type Status int

const (
	Pending Status = iota
	Cached
	Fetched
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Cached:
		return "cached"
	case Fetched:
		return "fetched"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Materialized reports whether the tile has a file in the cache.
func (s Status) Materialized() bool { return s == Cached || s == Fetched }

// TimeRange is the acquisition window, inclusive of both ends.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// LastDays returns the window of the given number of days ending at now.
func LastDays(now time.Time, days int) TimeRange {
	return TimeRange{From: now.AddDate(0, 0, -days), To: now}
}

// Validate checks that the range is non-empty.
func (tr TimeRange) Validate() error {
	if tr.From.IsZero() || tr.To.IsZero() {
		return errors.ValidationError("time range must have both ends set")
	}
	if tr.To.Before(tr.From) {
		return errors.ValidationError(fmt.Sprintf("time range ends (%s) before it starts (%s)",
			tr.To.Format(time.DateOnly), tr.From.Format(time.DateOnly)))
	}
	return nil
}

// SpeckleFilter configures provider-side speckle filtering.
type SpeckleFilter struct {
	Type    string
	WindowX int
	WindowY int
}

// DefaultSpeckleFilter is a 7x7 Lee filter.
var DefaultSpeckleFilter = SpeckleFilter{Type: "LEE", WindowX: 7, WindowY: 7}

// Request is what a provider needs to produce one tile.
type Request struct {
	Tile      tiler.Tile
	CRS       geo.CRS
	TimeRange TimeRange
	Bands     []string
	Speckle   SpeckleFilter
}

// Provider produces the raster bytes for a tile. Implementations own
// authentication; an auth failure is just a failed tile.
type Provider interface {
	Fetch(ctx context.Context, req Request) (io.ReadCloser, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request) (io.ReadCloser, error)

// Fetch calls f.
func (f ProviderFunc) Fetch(ctx context.Context, req Request) (io.ReadCloser, error) {
	return f(ctx, req)
}

// TileState tracks one tile through a run.
type TileState struct {
	Tile     tiler.Tile
	Status   Status
	Err      error
	Bytes    int64
	Duration time.Duration
}

// Run is one acquisition pass over an AOI. It is not persisted.
type Run struct {
	ID        string
	AreaName  string
	CRS       geo.CRS
	Tiles     []TileState
	TimeRange TimeRange
	Bands     []string
	Speckle   SpeckleFilter
	Cancelled bool
	StartedAt time.Time
	WorkDir   string
}

// NewRun creates a run with every tile of layout pending.
func NewRun(areaName string, layout tiler.Layout, tr TimeRange, bands []string, workDir string) *Run {
	tiles := make([]TileState, len(layout.Tiles))
	for i, t := range layout.Tiles {
		tiles[i] = TileState{Tile: t}
	}
	return &Run{
		ID:        uuid.NewString(),
		AreaName:  areaName,
		CRS:       layout.CRS,
		Tiles:     tiles,
		TimeRange: tr,
		Bands:     slices.Clone(bands),
		Speckle:   DefaultSpeckleFilter,
		WorkDir:   workDir,
	}
}

func (r *Run) request(t tiler.Tile) Request {
	return Request{
		Tile:      t,
		CRS:       r.CRS,
		TimeRange: r.TimeRange,
		Bands:     r.Bands,
		Speckle:   r.Speckle,
	}
}

// Summary counts tile outcomes for a run.
type Summary struct {
	Total         int
	Cached        int
	Fetched       int
	Failed        int
	Skipped       int // left pending by cancellation
	FailedIndices []int
	Duration      time.Duration
}

// Materialized is the number of tiles with a file in the cache.
func (s Summary) Materialized() int { return s.Cached + s.Fetched }

// Summarize counts the tile states of run.
func Summarize(run *Run) Summary {
	s := Summary{Total: len(run.Tiles)}
	for _, ts := range run.Tiles {
		switch ts.Status {
		case Cached:
			s.Cached++
		case Fetched:
			s.Fetched++
		case Failed:
			s.Failed++
			s.FailedIndices = append(s.FailedIndices, ts.Tile.Index)
		default:
			s.Skipped++
		}
	}
	slices.Sort(s.FailedIndices)
	return s
}
