// Package reproject warps a raster onto a north-up grid in another CRS using
// nearest-neighbour resampling.
package reproject

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/geo"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/logger"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/raster"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/tilecache"
)

// ErrInvalidCRS is returned when the source or target CRS is absent or
// unsupported. It is the same value as geo.ErrInvalidCRS.
var ErrInvalidCRS = geo.ErrInvalidCRS

// EdgeSamples is the number of points sampled along each edge of the source
// extent when computing the output grid.
const EdgeSamples = 21

// ReprojectedPath returns <outputDir>/<areaName>_merged_<crs>.tif.
func ReprojectedPath(outputDir, areaName string, crs geo.CRS) string {
	return filepath.Join(outputDir, areaName+"_merged_"+crs.Slug()+tilecache.DefaultExt)
}

// DefaultTransform suggests the output grid for warping a raster with meta
// into dst. Pixels are square and sized so the output diagonal spans as many
// pixels as the source diagonal.
func DefaultTransform(meta raster.Metadata, dst geo.CRS) (raster.GeoTransform, int, int, error) {
	t, err := geo.NewTransformer(meta.CRS, dst)
	if err != nil {
		return raster.GeoTransform{}, 0, 0, err
	}
	if meta.Width <= 0 || meta.Height <= 0 {
		return raster.GeoTransform{}, 0, 0, fmt.Errorf("source raster is empty (%dx%d)", meta.Width, meta.Height)
	}
	if !meta.GeoTransform.IsNorthUp() {
		return raster.GeoTransform{}, 0, 0, fmt.Errorf("source geotransform %v is not north-up", meta.GeoTransform)
	}

	out, err := geo.TransformBound(t, meta.Bounds(), EdgeSamples)
	if err != nil {
		return raster.GeoTransform{}, 0, 0, err
	}

	dx, dy := out.Max.X()-out.Min.X(), out.Max.Y()-out.Min.Y()
	res := math.Hypot(dx, dy) / math.Hypot(float64(meta.Width), float64(meta.Height))
	if !(res > 0) || math.IsInf(res, 0) {
		return raster.GeoTransform{}, 0, 0, fmt.Errorf("degenerate output extent %v", out)
	}

	w := max(int(dx/res+0.5), 1)
	h := max(int(dy/res+0.5), 1)
	return raster.NorthUp(out.Min.X(), out.Max.Y(), res, res), w, h, nil
}

// Reprojector warps rasters.
type Reprojector struct {
	compression raster.Compression
	log         logger.Logger
}

// Option configures a Reprojector.
type Option func(*Reprojector)

// WithCompression sets the compression of written files.
func WithCompression(c raster.Compression) Option {
	return func(p *Reprojector) { p.compression = c }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Reprojector) { p.log = l }
}

// New creates a Reprojector.
func New(opts ...Option) *Reprojector {
	p := &Reprojector{compression: raster.CompressDeflate}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.Global().Module("reproject")
	}
	return p
}

// plan is the output grid plus, for every output pixel, the source pixel it
// samples or -1.
type plan struct {
	meta   raster.Metadata
	lookup []int32
}

func (p *Reprojector) plan(ctx context.Context, src raster.Metadata, dst geo.CRS) (*plan, error) {
	gt, w, h, err := DefaultTransform(src, dst)
	if err != nil {
		return nil, err
	}
	inverse, err := geo.NewTransformer(dst, src.CRS)
	if err != nil {
		return nil, err
	}

	pl := &plan{
		meta: raster.Metadata{
			Width:        w,
			Height:       h,
			BandCount:    src.BandCount,
			GeoTransform: gt,
			CRS:          dst,
			NoData:       math.NaN(),
		},
		lookup: make([]int32, w*h),
	}

	for row := range h {
		if row%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for col := range w {
			i := row*w + col
			pl.lookup[i] = -1

			x, y := gt.Apply(float64(col)+0.5, float64(row)+0.5)
			sx, sy, err := inverse.Transform(x, y)
			if err != nil {
				continue
			}
			fc, fr, ok := src.GeoTransform.Invert(sx, sy)
			if !ok {
				continue
			}
			sc, sr := int(math.Floor(fc)), int(math.Floor(fr))
			if sc < 0 || sr < 0 || sc >= src.Width || sr >= src.Height {
				continue
			}
			pl.lookup[i] = int32(sr*src.Width + sc)
		}
	}
	return pl, nil
}

// band resamples one source band through the plan.
func (pl *plan) band(src *raster.Raster, b int) []float32 {
	out := make([]float32, len(pl.lookup))
	nan := float32(math.NaN())
	in := src.Bands[b]
	for i, j := range pl.lookup {
		if j < 0 {
			out[i] = nan
			continue
		}
		v := in[j]
		if src.IsNoData(v) {
			v = nan
		}
		out[i] = v
	}
	return out
}

// Reproject returns src warped into dst.
func (p *Reprojector) Reproject(ctx context.Context, src *raster.Raster, dst geo.CRS) (*raster.Raster, error) {
	start := time.Now()
	pl, err := p.plan(ctx, src.Metadata, dst)
	if err != nil {
		return nil, p.reprojectErr(err, src.CRS, dst)
	}

	out := &raster.Raster{Metadata: pl.meta, Bands: make([][]float32, src.BandCount)}
	for b := range src.Bands {
		out.Bands[b] = pl.band(src, b)
	}

	p.log.Info("raster reprojected",
		logger.String("from", src.CRS.String()),
		logger.String("to", dst.String()),
		logger.Int("width", out.Width),
		logger.Int("height", out.Height),
		logger.Duration("elapsed", time.Since(start)))
	return out, nil
}

// ReprojectTo warps src into dst and streams the result to path one band at
// a time. On error no file is left at path.
func (p *Reprojector) ReprojectTo(ctx context.Context, src *raster.Raster, dst geo.CRS, path string) (meta raster.Metadata, err error) {
	start := time.Now()
	pl, err := p.plan(ctx, src.Metadata, dst)
	if err != nil {
		return raster.Metadata{}, p.reprojectErr(err, src.CRS, dst)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return raster.Metadata{}, p.writeErr(err, path)
	}
	f, err := os.Create(path)
	if err != nil {
		return raster.Metadata{}, p.writeErr(err, path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = p.writeErr(cerr, path)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	w, err := raster.NewWriter(f, pl.meta, raster.WithCompression(p.compression))
	if err != nil {
		return raster.Metadata{}, p.writeErr(err, path)
	}
	for b := range src.Bands {
		if err := ctx.Err(); err != nil {
			return raster.Metadata{}, p.reprojectErr(err, src.CRS, dst)
		}
		if err := w.WriteBand(pl.band(src, b)); err != nil {
			return raster.Metadata{}, p.writeErr(err, path)
		}
		p.log.Debug("band written", logger.Int("band", b+1), logger.String("path", path))
	}
	if err := w.Close(); err != nil {
		return raster.Metadata{}, p.writeErr(err, path)
	}

	p.log.Info("reprojected raster written",
		logger.String("path", path),
		logger.String("from", src.CRS.String()),
		logger.String("to", dst.String()),
		logger.Int("width", pl.meta.Width),
		logger.Int("height", pl.meta.Height),
		logger.Duration("elapsed", time.Since(start)))
	return pl.meta, nil
}

func (p *Reprojector) reprojectErr(err error, src, dst geo.CRS) error {
	category := errors.CategoryProjection
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		category = errors.CategoryCancellation
	}
	return errors.New(err).
		Component("reproject").
		Category(category).
		Stage("reprojection").
		Context("source_crs", src.String()).
		Context("target_crs", dst.String()).
		Build()
}

func (p *Reprojector) writeErr(err error, path string) error {
	return errors.New(err).
		Component("reproject").
		Category(errors.CategoryFileIO).
		Stage("reprojection").
		Context("path", path).
		Build()
}
