package mosaic

import (
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/geo"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/logger"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/raster"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/tilecache"
)

var utm11 = geo.UTM(11, true)

const res = 10.0

func quiet() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)
}

func newCache(t *testing.T) *tilecache.Cache {
	t.Helper()
	c, err := tilecache.New(filepath.Join(t.TempDir(), "temp"), tilecache.WithLogger(quiet()))
	require.NoError(t, err)
	return c
}

// tileSpec places a tile on the 10 m grid with its top-left pixel at col,row
// of a grid anchored at (500000, 4000000).
type tileSpec struct {
	col, row      int
	width, height int
	value         float32
	crs           geo.CRS
	res           float64
	bands         int
	noData        float64
	holes         [][2]int // col,row pixels set to no-data
}

func writeTile(t *testing.T, c *tilecache.Cache, index int, s tileSpec) {
	t.Helper()
	if s.crs == 0 {
		s.crs = utm11
	}
	if s.res == 0 {
		s.res = res
	}
	if s.bands == 0 {
		s.bands = 2
	}
	r := raster.New(raster.Metadata{
		Width:        s.width,
		Height:       s.height,
		BandCount:    s.bands,
		GeoTransform: raster.NorthUp(500000+float64(s.col)*res, 4000000-float64(s.row)*res, s.res, s.res),
		CRS:          s.crs,
		NoData:       s.noData,
	})
	for b := range r.Bands {
		for i := range r.Bands[b] {
			r.Bands[b][i] = s.value + float32(b)*100
		}
	}
	for _, h := range s.holes {
		for b := range r.Bands {
			r.Set(b, h[0], h[1], float32(s.noData))
		}
	}
	require.NoError(t, raster.WriteFile(c.Path(index), r))
}

func TestAssembleAdjacentTiles(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	writeTile(t, c, 0, tileSpec{col: 0, row: 0, width: 4, height: 3, value: 1})
	writeTile(t, c, 1, tileSpec{col: 4, row: 0, width: 2, height: 3, value: 2})
	writeTile(t, c, 2, tileSpec{col: 0, row: 3, width: 6, height: 2, value: 3})

	m, err := New(c, WithLogger(quiet())).Assemble(t.Context(), utm11)
	require.NoError(t, err)

	assert.Equal(t, 6, m.Width)
	assert.Equal(t, 5, m.Height)
	assert.Equal(t, 2, m.BandCount)
	assert.Equal(t, utm11, m.CRS)
	assert.Equal(t, raster.NorthUp(500000, 4000000, 10, 10), m.GeoTransform)

	assert.InDelta(t, 1, m.At(0, 3, 2), 0)
	assert.InDelta(t, 2, m.At(0, 4, 0), 0)
	assert.InDelta(t, 102, m.At(1, 5, 2), 0)
	assert.InDelta(t, 3, m.At(0, 0, 4), 0)
	assert.Equal(t, 30, m.ValidCount(0))
}

func TestAssembleFailedTileLeavesGap(t *testing.T) {
	t.Parallel()

	// Tile 1 of a 1x3 row failed; the mosaic still spans tiles 0 and 2.
	c := newCache(t)
	writeTile(t, c, 0, tileSpec{col: 0, row: 0, width: 3, height: 2, value: 1})
	writeTile(t, c, 2, tileSpec{col: 6, row: 0, width: 3, height: 2, value: 3})

	m, err := New(c, WithLogger(quiet())).Assemble(t.Context(), utm11)
	require.NoError(t, err)

	assert.Equal(t, 9, m.Width)
	assert.Equal(t, 2, m.Height)
	assert.Equal(t, 12, m.ValidCount(0))
	assert.True(t, math.IsNaN(float64(m.At(0, 4, 1))))
	assert.InDelta(t, 3, m.At(0, 8, 1), 0)
}

func TestAssembleIsOrderIndependentWithoutOverlap(t *testing.T) {
	t.Parallel()

	specs := []tileSpec{
		{col: 0, row: 0, width: 3, height: 3, value: 1},
		{col: 3, row: 0, width: 3, height: 3, value: 2},
		{col: 0, row: 3, width: 6, height: 1, value: 3},
	}

	ascending := newCache(t)
	descending := newCache(t)
	for i, s := range specs {
		writeTile(t, ascending, i, s)
		writeTile(t, descending, len(specs)-1-i, s)
	}

	a, err := New(ascending, WithLogger(quiet())).Assemble(t.Context(), utm11)
	require.NoError(t, err)
	b, err := New(descending, WithLogger(quiet())).Assemble(t.Context(), utm11)
	require.NoError(t, err)

	assert.Equal(t, a.Metadata.GeoTransform, b.Metadata.GeoTransform)
	assert.Equal(t, a.Bands, b.Bands)
}

func TestAssembleOverlapHigherIndexWins(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	// Tiles share column 3. Tile 1 has a no-data hole at its first pixel.
	writeTile(t, c, 0, tileSpec{col: 0, row: 0, width: 4, height: 2, value: 10})
	writeTile(t, c, 1, tileSpec{col: 3, row: 0, width: 3, height: 2, value: 20, noData: -9999, holes: [][2]int{{0, 0}}})

	m, err := New(c, WithLogger(quiet())).Assemble(t.Context(), utm11)
	require.NoError(t, err)

	require.Equal(t, 6, m.Width)
	assert.InDelta(t, 20, m.At(0, 3, 1), 0, "higher index wins on shared pixels")
	assert.InDelta(t, 10, m.At(0, 3, 0), 0, "no-data never overwrites data")
	assert.InDelta(t, 10, m.At(0, 2, 0), 0)
	assert.InDelta(t, 20, m.At(0, 5, 0), 0)
}

func TestAssembleErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(t *testing.T, c *tilecache.Cache)
		crs   geo.CRS
		is    error
	}{
		{
			name:  "empty work directory",
			setup: func(*testing.T, *tilecache.Cache) {},
			crs:   utm11,
			is:    ErrNoTiles,
		},
		{
			name: "invalid working crs",
			setup: func(t *testing.T, c *tilecache.Cache) {
				writeTile(t, c, 0, tileSpec{width: 2, height: 2, value: 1})
			},
			crs: 0,
			is:  geo.ErrInvalidCRS,
		},
		{
			name: "tile in another zone",
			setup: func(t *testing.T, c *tilecache.Cache) {
				writeTile(t, c, 0, tileSpec{width: 2, height: 2, value: 1})
				writeTile(t, c, 1, tileSpec{col: 2, width: 2, height: 2, value: 1, crs: geo.UTM(12, true)})
			},
			crs: utm11,
			is:  geo.ErrInvalidCRS,
		},
		{
			name: "resolution mismatch",
			setup: func(t *testing.T, c *tilecache.Cache) {
				writeTile(t, c, 0, tileSpec{width: 2, height: 2, value: 1})
				writeTile(t, c, 1, tileSpec{col: 2, width: 2, height: 2, value: 1, res: 20})
			},
			crs: utm11,
		},
		{
			name: "band count mismatch",
			setup: func(t *testing.T, c *tilecache.Cache) {
				writeTile(t, c, 0, tileSpec{width: 2, height: 2, value: 1})
				writeTile(t, c, 1, tileSpec{col: 2, width: 2, height: 2, value: 1, bands: 1})
			},
			crs: utm11,
		},
		{
			name: "corrupt tile",
			setup: func(t *testing.T, c *tilecache.Cache) {
				writeTile(t, c, 0, tileSpec{width: 2, height: 2, value: 1})
				require.NoError(t, os.WriteFile(c.Path(1), []byte(`{"error":"quota"}`), 0o644))
			},
			crs: utm11,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newCache(t)
			tt.setup(t, c)

			_, err := New(c, WithLogger(quiet())).Assemble(t.Context(), tt.crs)
			require.Error(t, err)
			assert.Equal(t, "assembly", errors.StageOf(err))
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestAssembleHonoursCancellation(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	writeTile(t, c, 0, tileSpec{width: 2, height: 2, value: 1})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := New(c, WithLogger(quiet())).Assemble(ctx, utm11)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAssembleTo(t *testing.T) {
	t.Parallel()

	c := newCache(t)
	writeTile(t, c, 0, tileSpec{width: 3, height: 2, value: 7})
	writeTile(t, c, 1, tileSpec{col: 3, width: 3, height: 2, value: 8})

	outDir := filepath.Join(t.TempDir(), "SAR")
	path, m, err := New(c, WithLogger(quiet())).AssembleTo(t.Context(), utm11, outDir, "Yosemite")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "Yosemite_merged.tif"), path)

	back, err := raster.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, m.Width, back.Width)
	assert.Equal(t, m.Height, back.Height)
	assert.Equal(t, utm11, back.CRS)
	assert.Equal(t, m.GeoTransform, back.GeoTransform)
	assert.Equal(t, m.Bands, back.Bands)
}
