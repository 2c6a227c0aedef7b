package tilecache

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/logger"
)

func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	opts = append([]Option{WithLogger(logger.NewSlogLogger(io.Discard, logger.LogLevelDebug, nil))}, opts...)
	c, err := New(filepath.Join(t.TempDir(), "work"), opts...)
	require.NoError(t, err)
	return c
}

func TestPath(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	assert.Equal(t, filepath.Join(c.Dir(), "tile_7.tif"), c.Path(7))

	png := newTestCache(t, WithExt("png"))
	assert.Equal(t, filepath.Join(png.Dir(), "tile_0.png"), png.Path(0))
}

func TestWriteAndExists(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	assert.False(t, c.Exists(3))

	n, err := c.Write(3, strings.NewReader("tiff-bytes"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.True(t, c.Exists(3))

	data, err := os.ReadFile(c.Path(3))
	require.NoError(t, err)
	assert.Equal(t, "tiff-bytes", string(data))
}

type failingReader struct{ after int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, errors.New("connection reset")
	}
	n := min(len(p), f.after)
	f.after -= n
	return n, nil
}

func TestWriteFailureLeavesNoFile(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	_, err := c.Write(1, &failingReader{after: 128})
	require.Error(t, err)
	assert.False(t, c.Exists(1))

	entries, err := os.ReadDir(c.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary file must be removed")

	_, err = c.Write(2, strings.NewReader(""))
	require.Error(t, err)
	assert.False(t, c.Exists(2))
}

func TestListOrdersByIndexAndSkipsForeignFiles(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	for _, idx := range []int{10, 2, 0, 7} {
		_, err := c.Write(idx, strings.NewReader("x"))
		require.NoError(t, err)
	}

	for _, name := range []string{
		"tile_3.tif.123.part",
		"tile_x.tif",
		"tile_05.tif",
		"tile_4.png",
		"notes.txt",
		"tile_9.tif", // empty
	} {
		require.NoError(t, os.WriteFile(filepath.Join(c.Dir(), name), nil, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(c.Dir(), "tile_3.tif.123.part"), []byte("partial"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(c.Dir(), "tile_11.tif"), 0o755))

	entries, err := c.List()
	require.NoError(t, err)

	var got []int
	for _, e := range entries {
		got = append(got, e.Index)
		assert.Equal(t, c.Path(e.Index), e.Path)
		assert.Equal(t, int64(1), e.Size)
	}
	assert.Equal(t, []int{0, 2, 7, 10}, got)
}

func TestReset(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	_, err := c.Write(0, strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(c.Dir(), "nested", "deeper"), 0o755))

	require.NoError(t, c.Reset())

	entries, err := os.ReadDir(c.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.False(t, c.Exists(0))
}

func TestNewRequiresDir(t *testing.T) {
	t.Parallel()

	_, err := New("", WithLogger(logger.NewSlogLogger(io.Discard, logger.LogLevelInfo, nil)))
	require.Error(t, err)
}

func testManifest(area string) Manifest {
	return Manifest{
		AreaName:   area,
		EPSG:       32611,
		Bounds:     [4]float64{-119.60, 37.70, -119.57, 37.725},
		Resolution: 10,
		MaxTilePx:  2500,
		Tiles:      4,
		From:       "2024-03-04T00:00:00Z",
		To:         "2024-03-10T23:59:59Z",
		Bands:      "VV,VH",
		Speckle:    "LEE 7x7",
	}
}

func TestBind(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	_, err := c.ReadManifest()
	require.ErrorIs(t, err, ErrNoManifest)

	m := testManifest("Yosemite")
	reused, err := c.Bind(m)
	require.NoError(t, err)
	assert.False(t, reused)

	got, err := c.ReadManifest()
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = c.Write(0, strings.NewReader("x"))
	require.NoError(t, err)
	_, err = c.Write(5, strings.NewReader("x"))
	require.NoError(t, err)

	// Same request: tiles stay.
	reused, err = c.Bind(m)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.True(t, c.Exists(0))
	assert.True(t, c.Exists(5))
}

func TestBindResetsOnMismatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Manifest)
	}{
		{"other area", func(m *Manifest) { m.AreaName = "Beta"; m.Bounds = [4]float64{-119.30, 37.90, -119.27, 37.925} }},
		{"other time range", func(m *Manifest) { m.From = "2024-02-01T00:00:00Z" }},
		{"other band", func(m *Manifest) { m.Bands = "VH" }},
		{"other resolution", func(m *Manifest) { m.Resolution = 20 }},
		{"other tile size", func(m *Manifest) { m.MaxTilePx = 1000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newTestCache(t)
			_, err := c.Bind(testManifest("Yosemite"))
			require.NoError(t, err)
			for _, idx := range []int{0, 1, 8} {
				_, err := c.Write(idx, strings.NewReader("x"))
				require.NoError(t, err)
			}

			next := testManifest("Yosemite")
			tt.mutate(&next)
			reused, err := c.Bind(next)
			require.NoError(t, err)
			assert.False(t, reused)

			entries, err := c.List()
			require.NoError(t, err)
			assert.Empty(t, entries)

			got, err := c.ReadManifest()
			require.NoError(t, err)
			assert.Equal(t, next, got)
		})
	}
}

func TestBindResetsTilesWithoutManifest(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	_, err := c.Write(3, strings.NewReader("x"))
	require.NoError(t, err)

	reused, err := c.Bind(testManifest("Yosemite"))
	require.NoError(t, err)
	assert.False(t, reused)
	assert.False(t, c.Exists(3))
}

func TestResetRemovesManifest(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	_, err := c.Bind(testManifest("Yosemite"))
	require.NoError(t, err)
	require.NoError(t, c.Reset())

	_, err = c.ReadManifest()
	assert.ErrorIs(t, err, ErrNoManifest)
}
