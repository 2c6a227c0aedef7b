// Package raster holds in-memory multiband float32 grids and reads and writes
// them as GeoTIFF.
package raster

import (
	"math"

	"github.com/paulmach/orb"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/geo"
)

// GeoTransform maps pixel to map coordinates in GDAL order:
// x = gt[0] + col*gt[1] + row*gt[2], y = gt[3] + col*gt[4] + row*gt[5].
type GeoTransform [6]float64

// NorthUp builds a transform with no rotation from the top-left corner and pixel size.
func NorthUp(originX, originY, resX, resY float64) GeoTransform {
	return GeoTransform{originX, resX, 0, originY, 0, -resY}
}

// Apply returns the map coordinate of a (fractional) pixel position.
func (g GeoTransform) Apply(col, row float64) (x, y float64) {
	return g[0] + col*g[1] + row*g[2], g[3] + col*g[4] + row*g[5]
}

// Invert returns the pixel position of a map coordinate.
func (g GeoTransform) Invert(x, y float64) (col, row float64, ok bool) {
	det := g[1]*g[5] - g[2]*g[4]
	if det == 0 {
		return 0, 0, false
	}
	dx, dy := x-g[0], y-g[3]
	return (dx*g[5] - dy*g[2]) / det, (dy*g[1] - dx*g[4]) / det, true
}

// ResX is the pixel width in map units.
func (g GeoTransform) ResX() float64 { return g[1] }

// ResY is the pixel height in map units, positive for north-up grids.
func (g GeoTransform) ResY() float64 { return -g[5] }

// IsNorthUp reports whether the transform has no rotation terms.
func (g GeoTransform) IsNorthUp() bool { return g[2] == 0 && g[4] == 0 && g[1] > 0 && g[5] < 0 }

// Metadata describes a raster without its pixel data.
type Metadata struct {
	Width        int
	Height       int
	BandCount    int
	GeoTransform GeoTransform
	CRS          geo.CRS
	// NoData marks empty pixels. NaN pixels are always treated as empty.
	NoData float64
}

// Bounds returns the map extent of a north-up raster.
func (m Metadata) Bounds() orb.Bound {
	x0, y0 := m.GeoTransform.Apply(0, 0)
	x1, y1 := m.GeoTransform.Apply(float64(m.Width), float64(m.Height))
	return orb.Bound{
		Min: orb.Point{math.Min(x0, x1), math.Min(y0, y1)},
		Max: orb.Point{math.Max(x0, x1), math.Max(y0, y1)},
	}
}

// IsNoData reports whether v is an empty pixel.
func (m Metadata) IsNoData(v float32) bool {
	if v != v {
		return true
	}
	return !math.IsNaN(m.NoData) && v == float32(m.NoData)
}

// Raster is a multiband float32 grid. Bands[b][row*Width+col] is a sample.
type Raster struct {
	Metadata
	Bands [][]float32
}

// New allocates a raster filled with the no-data value.
func New(meta Metadata) *Raster {
	fill := float32(meta.NoData)
	r := &Raster{Metadata: meta, Bands: make([][]float32, meta.BandCount)}
	for b := range r.Bands {
		band := make([]float32, meta.Width*meta.Height)
		for i := range band {
			band[i] = fill
		}
		r.Bands[b] = band
	}
	return r
}

// At returns the sample at col,row of band b.
func (r *Raster) At(b, col, row int) float32 {
	return r.Bands[b][row*r.Width+col]
}

// Set writes the sample at col,row of band b.
func (r *Raster) Set(b, col, row int, v float32) {
	r.Bands[b][row*r.Width+col] = v
}

// ValidCount returns the number of pixels in band b that hold data.
func (r *Raster) ValidCount(b int) int {
	n := 0
	for _, v := range r.Bands[b] {
		if !r.IsNoData(v) {
			n++
		}
	}
	return n
}
