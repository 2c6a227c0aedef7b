// Package mosaic merges the cached tile rasters of a run into one raster in
// the working CRS.
package mosaic

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/orb"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/geo"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/logger"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/raster"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/tilecache"
)

// ErrNoTiles is returned when the work directory holds no tile files.
var ErrNoTiles = errors.NewStd("no tile files to assemble")

const (
	// MergedSuffix is appended to the area name for the mosaic file.
	MergedSuffix = "_merged"

	// Offsets further than this from a whole pixel mean the tile is not on
	// the mosaic grid.
	gridTolerance = 1e-3
	resTolerance  = 1e-9
)

// MergedPath returns <outputDir>/<areaName>_merged.tif.
func MergedPath(outputDir, areaName string) string {
	return filepath.Join(outputDir, areaName+MergedSuffix+tilecache.DefaultExt)
}

// Assembler builds a mosaic from the files in a tile cache.
type Assembler struct {
	cache       *tilecache.Cache
	compression raster.Compression
	log         logger.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithCompression sets the compression of the written mosaic.
func WithCompression(c raster.Compression) Option {
	return func(a *Assembler) { a.compression = c }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Assembler) { a.log = l }
}

// New creates an assembler reading from cache.
func New(cache *tilecache.Cache, opts ...Option) *Assembler {
	a := &Assembler{cache: cache, compression: raster.CompressDeflate}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = logger.Global().Module("mosaic")
	}
	return a
}

type tileFile struct {
	tilecache.Entry
	meta raster.Metadata
}

// Assemble merges every tile file in the cache into one raster in crs.
//
// Tiles are discovered by scanning the cache directory and merged by
// ascending index; where tiles overlap the higher index wins. No-data pixels
// never overwrite data. The output grid is the union of the tile extents at
// their common resolution and its no-data value is NaN.
func (a *Assembler) Assemble(ctx context.Context, crs geo.CRS) (*raster.Raster, error) {
	start := time.Now()

	if !crs.Valid() {
		return nil, a.assemblyErr(fmt.Errorf("%w: working CRS %s", geo.ErrInvalidCRS, crs), errors.CategoryProjection)
	}

	entries, err := a.cache.List()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.New(ErrNoTiles).
			Component("mosaic").
			Category(errors.CategoryNotFound).
			Stage("assembly").
			Context("work_dir", a.cache.Dir()).
			Build()
	}

	tiles := make([]tileFile, 0, len(entries))
	for _, e := range entries {
		meta, err := raster.ReadMetadata(e.Path)
		if err != nil {
			return nil, a.tileErr(err, e, "read_metadata")
		}
		tiles = append(tiles, tileFile{Entry: e, meta: meta})
	}

	meta, err := mosaicGrid(tiles, crs)
	if err != nil {
		return nil, a.assemblyErr(err, errors.CategoryRaster)
	}

	log := a.log.With(logger.String("crs", crs.String()), logger.Int("tiles", len(tiles)))
	log.Info("assembling mosaic",
		logger.Int("width", meta.Width),
		logger.Int("height", meta.Height),
		logger.Int("bands", meta.BandCount))

	out := raster.New(meta)
	for _, t := range tiles {
		if err := ctx.Err(); err != nil {
			return nil, errors.New(err).
				Component("mosaic").
				Category(errors.CategoryCancellation).
				Stage("assembly").
				Build()
		}
		src, err := raster.ReadFile(t.Path)
		if err != nil {
			return nil, a.tileErr(err, t.Entry, "decode")
		}
		written := paste(out, src)
		log.Debug("tile merged",
			logger.Int("index", t.Index),
			logger.Int("pixels", written))
	}

	log.Info("mosaic assembled", logger.Duration("elapsed", time.Since(start)))
	return out, nil
}

// AssembleTo assembles the mosaic and writes it to MergedPath(outputDir,
// areaName). A failed write leaves no file behind.
func (a *Assembler) AssembleTo(ctx context.Context, crs geo.CRS, outputDir, areaName string) (string, *raster.Raster, error) {
	r, err := a.Assemble(ctx, crs)
	if err != nil {
		return "", nil, err
	}

	path := MergedPath(outputDir, areaName)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", nil, a.writeErr(err, path)
	}
	if err := raster.WriteFile(path, r, raster.WithCompression(a.compression)); err != nil {
		_ = os.Remove(path)
		return "", nil, a.writeErr(err, path)
	}
	a.log.Info("mosaic written", logger.String("path", path))
	return path, r, nil
}

// mosaicGrid checks that the tiles share one grid and returns the metadata of
// the raster covering all of them.
func mosaicGrid(tiles []tileFile, crs geo.CRS) (raster.Metadata, error) {
	first := tiles[0].meta
	resX, resY := first.GeoTransform.ResX(), first.GeoTransform.ResY()

	var union orb.Bound
	for i, t := range tiles {
		m := t.meta
		if m.CRS != 0 && m.CRS != crs {
			return raster.Metadata{}, fmt.Errorf("tile %d is in %s, mosaic is in %s: %w", t.Index, m.CRS, crs, geo.ErrInvalidCRS)
		}
		if !m.GeoTransform.IsNorthUp() {
			return raster.Metadata{}, fmt.Errorf("tile %d has a rotated geotransform", t.Index)
		}
		if !sameRes(m.GeoTransform.ResX(), resX) || !sameRes(m.GeoTransform.ResY(), resY) {
			return raster.Metadata{}, fmt.Errorf("tile %d resolution %gx%g differs from %gx%g",
				t.Index, m.GeoTransform.ResX(), m.GeoTransform.ResY(), resX, resY)
		}
		if m.BandCount != first.BandCount {
			return raster.Metadata{}, fmt.Errorf("tile %d has %d bands, expected %d", t.Index, m.BandCount, first.BandCount)
		}
		if i == 0 {
			union = m.Bounds()
		} else {
			union = union.Union(m.Bounds())
		}
	}

	for _, t := range tiles {
		col := (t.meta.GeoTransform[0] - union.Min.X()) / resX
		row := (union.Max.Y() - t.meta.GeoTransform[3]) / resY
		if math.Abs(col-math.Round(col)) > gridTolerance || math.Abs(row-math.Round(row)) > gridTolerance {
			return raster.Metadata{}, fmt.Errorf("tile %d is not aligned to the mosaic pixel grid (offset %.4f, %.4f px)",
				t.Index, col, row)
		}
	}

	width := int(math.Round((union.Max.X() - union.Min.X()) / resX))
	height := int(math.Round((union.Max.Y() - union.Min.Y()) / resY))
	return raster.Metadata{
		Width:        width,
		Height:       height,
		BandCount:    first.BandCount,
		GeoTransform: raster.NorthUp(union.Min.X(), union.Max.Y(), resX, resY),
		CRS:          crs,
		NoData:       math.NaN(),
	}, nil
}

func sameRes(a, b float64) bool {
	return math.Abs(a-b) <= resTolerance*math.Max(math.Abs(a), math.Abs(b))
}

// paste copies the data pixels of src into dst and returns how many it wrote.
func paste(dst, src *raster.Raster) int {
	ox, oy := src.GeoTransform.Apply(0, 0)
	col0, row0, _ := dst.GeoTransform.Invert(ox, oy)
	dc, dr := int(math.Round(col0)), int(math.Round(row0))

	written := 0
	for b := range dst.Bands {
		for row := range src.Height {
			y := dr + row
			if y < 0 || y >= dst.Height {
				continue
			}
			for col := range src.Width {
				x := dc + col
				if x < 0 || x >= dst.Width {
					continue
				}
				v := src.At(b, col, row)
				if src.IsNoData(v) {
					continue
				}
				dst.Set(b, x, y, v)
				written++
			}
		}
	}
	return written
}

func (a *Assembler) assemblyErr(err error, category errors.ErrorCategory) error {
	return errors.New(err).
		Component("mosaic").
		Category(category).
		Stage("assembly").
		Context("work_dir", a.cache.Dir()).
		Build()
}

func (a *Assembler) tileErr(err error, e tilecache.Entry, op string) error {
	return errors.New(fmt.Errorf("tile %d: %w", e.Index, err)).
		Component("mosaic").
		Category(errors.CategoryRaster).
		Stage("assembly").
		FileContext(e.Path, e.Size).
		Context("operation", op).
		Build()
}

func (a *Assembler) writeErr(err error, path string) error {
	return errors.New(err).
		Component("mosaic").
		Category(errors.CategoryFileIO).
		Stage("assembly").
		Context("path", path).
		Build()
}
