// Package tiler splits a projected bounding box into a grid of tiles that a
// provider can serve in a single request each.
package tiler

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/geo"
)

var (
	// ErrDegenerateAOI is returned for a box with zero or negative extent.
	ErrDegenerateAOI = errors.NewStd("area of interest has no extent")
	// ErrInvalidParameters is returned for a non-positive resolution or tile size.
	ErrInvalidParameters = errors.NewStd("invalid tiling parameters")
)

// Pixel counts within this distance of an integer are treated as that integer.
const pixelEpsilon = 1e-6

// Tile is one cell of the grid. Bounds are in the layout CRS.
type Tile struct {
	Index       int
	Row         int
	Col         int
	Bounds      orb.Bound
	PixelWidth  int
	PixelHeight int
}

// Layout is the full grid for an AOI. Tiles are ordered row-major starting at
// the north-west corner and Tiles[i].Index == i.
type Layout struct {
	CRS        geo.CRS
	Resolution float64
	Columns    int
	Rows       int
	Width      int // total pixels across all columns
	Height     int // total pixels across all rows
	Tiles      []Tile
}

// Bounds returns the union of all tiles.
func (l Layout) Bounds() orb.Bound {
	if len(l.Tiles) == 0 {
		return orb.Bound{}
	}
	b := l.Tiles[0].Bounds
	for _, t := range l.Tiles[1:] {
		b = b.Union(t.Bounds)
	}
	return b
}

// Plan computes the tile grid for bounds at resolution map units per pixel,
// with no tile exceeding maxTilePx pixels on either side.
//
// The grid is anchored at the north-west corner of bounds. When an extent is
// not a whole number of pixels the last column or row extends to the next
// pixel edge, so the union of tiles covers bounds with less than one pixel of
// overhang on the east and south sides.
func Plan(bounds orb.Bound, crs geo.CRS, resolution float64, maxTilePx int) (Layout, error) {
	if !(resolution > 0) || math.IsInf(resolution, 0) || maxTilePx <= 0 {
		return Layout{}, errors.New(fmt.Errorf("%w: resolution=%g max_tile_px=%d", ErrInvalidParameters, resolution, maxTilePx)).
			Component("tiler").
			Category(errors.CategoryValidation).
			Build()
	}

	w := bounds.Max[0] - bounds.Min[0]
	h := bounds.Max[1] - bounds.Min[1]
	if !(w > 0) || !(h > 0) {
		return Layout{}, errors.New(fmt.Errorf("%w: %gx%g", ErrDegenerateAOI, w, h)).
			Component("tiler").
			Category(errors.CategoryValidation).
			Build()
	}

	widthPx := pixelCount(w / resolution)
	heightPx := pixelCount(h / resolution)

	cols, colSpans := split(widthPx, maxTilePx)
	rows, rowSpans := split(heightPx, maxTilePx)

	originX, originY := bounds.Min[0], bounds.Max[1]

	layout := Layout{
		CRS:        crs,
		Resolution: resolution,
		Columns:    cols,
		Rows:       rows,
		Width:      widthPx,
		Height:     heightPx,
		Tiles:      make([]Tile, 0, cols*rows),
	}

	for r, rs := range rowSpans {
		maxY := originY - float64(rs.start)*resolution
		minY := maxY - float64(rs.size)*resolution
		for c, cs := range colSpans {
			minX := originX + float64(cs.start)*resolution
			maxX := minX + float64(cs.size)*resolution
			layout.Tiles = append(layout.Tiles, Tile{
				Index:       r*cols + c,
				Row:         r,
				Col:         c,
				Bounds:      orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}},
				PixelWidth:  cs.size,
				PixelHeight: rs.size,
			})
		}
	}

	return layout, nil
}

// Split is Plan without the grid metadata.
func Split(bounds orb.Bound, crs geo.CRS, resolution float64, maxTilePx int) ([]Tile, error) {
	l, err := Plan(bounds, crs, resolution, maxTilePx)
	if err != nil {
		return nil, err
	}
	return l.Tiles, nil
}

type span struct {
	start, size int
}

// split divides total pixels into the fewest near-equal spans of at most limit.
func split(total, limit int) (int, []span) {
	n := (total + limit - 1) / limit
	step := (total + n - 1) / n

	spans := make([]span, n)
	for i := range n {
		start := i * step
		spans[i] = span{start: start, size: min(step, total-start)}
	}
	return n, spans
}

func pixelCount(v float64) int {
	return max(int(math.Ceil(v-pixelEpsilon)), 1)
}
