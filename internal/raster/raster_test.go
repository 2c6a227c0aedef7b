package raster

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/geo"
)

func testRaster(width, height, bands int, crs geo.CRS) *Raster {
	r := New(Metadata{
		Width:        width,
		Height:       height,
		BandCount:    bands,
		GeoTransform: NorthUp(300000, 4200000, 10, 10),
		CRS:          crs,
		NoData:       math.NaN(),
	})
	for b := range bands {
		for i := range r.Bands[b] {
			r.Bands[b][i] = float32(b*1000+i) * 0.5
		}
	}
	return r
}

func TestGeoTransform(t *testing.T) {
	t.Parallel()

	gt := NorthUp(100, 200, 10, 5)
	x, y := gt.Apply(2, 3)
	assert.InDelta(t, 120.0, x, 1e-9)
	assert.InDelta(t, 185.0, y, 1e-9)

	col, row, ok := gt.Invert(x, y)
	require.True(t, ok)
	assert.InDelta(t, 2.0, col, 1e-9)
	assert.InDelta(t, 3.0, row, 1e-9)

	_, _, ok = GeoTransform{}.Invert(1, 1)
	assert.False(t, ok)

	meta := Metadata{Width: 4, Height: 2, GeoTransform: gt}
	b := meta.Bounds()
	assert.Equal(t, [2]float64{100, 190}, [2]float64(b.Min))
	assert.Equal(t, [2]float64{140, 200}, [2]float64(b.Max))
}

func TestIsNoData(t *testing.T) {
	t.Parallel()

	nan := Metadata{NoData: math.NaN()}
	assert.True(t, nan.IsNoData(float32(math.NaN())))
	assert.False(t, nan.IsNoData(0))

	sentinel := Metadata{NoData: -9999}
	assert.True(t, sentinel.IsNoData(-9999))
	assert.True(t, sentinel.IsNoData(float32(math.NaN())))
	assert.False(t, sentinel.IsNoData(-9998))
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		compression Compression
		rows        int
		crs         geo.CRS
		noData      float64
	}{
		{"uncompressed utm", CompressNone, 64, geo.UTM(11, true), math.NaN()},
		{"deflate utm south", CompressDeflate, 7, geo.UTM(33, false), -9999},
		{"deflate geographic", CompressDeflate, 1, geo.WGS84, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := testRaster(37, 23, 2, tt.crs)
			src.NoData = tt.noData
			if tt.crs.IsGeographic() {
				src.GeoTransform = NorthUp(-119.6, 38.2, 0.0001, 0.0001)
			}

			path := filepath.Join(t.TempDir(), "out.tif")
			require.NoError(t, WriteFile(path, src, WithCompression(tt.compression), WithRowsPerStrip(tt.rows)))

			meta, err := ReadMetadata(path)
			require.NoError(t, err)
			assert.Equal(t, 37, meta.Width)
			assert.Equal(t, 23, meta.Height)
			assert.Equal(t, 2, meta.BandCount)
			assert.Equal(t, tt.crs, meta.CRS)
			assert.Equal(t, src.GeoTransform, meta.GeoTransform)
			if math.IsNaN(tt.noData) {
				assert.True(t, math.IsNaN(meta.NoData))
			} else {
				assert.InDelta(t, tt.noData, meta.NoData, 0)
			}

			got, err := ReadFile(path)
			require.NoError(t, err)
			for b := range src.Bands {
				assert.True(t, slices.Equal(src.Bands[b], got.Bands[b]), "band %d differs", b)
			}
		})
	}
}

func TestWriterValidation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tests := []struct {
		name string
		meta Metadata
	}{
		{"empty", Metadata{CRS: geo.WGS84, GeoTransform: NorthUp(0, 0, 1, 1)}},
		{"no crs", Metadata{Width: 1, Height: 1, BandCount: 1, GeoTransform: NorthUp(0, 0, 1, 1)}},
		{"rotated", Metadata{Width: 1, Height: 1, BandCount: 1, CRS: geo.WGS84, GeoTransform: GeoTransform{0, 1, 0.1, 0, 0, -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, err := os.Create(filepath.Join(dir, tt.name+".tif"))
			require.NoError(t, err)
			defer f.Close()
			_, err = NewWriter(f, tt.meta)
			require.Error(t, err)
		})
	}
}

func TestWriterBandAccounting(t *testing.T) {
	t.Parallel()

	f, err := os.Create(filepath.Join(t.TempDir(), "partial.tif"))
	require.NoError(t, err)
	defer f.Close()

	meta := testRaster(4, 4, 2, geo.WGS84).Metadata
	w, err := NewWriter(f, meta)
	require.NoError(t, err)

	require.Error(t, w.WriteBand(make([]float32, 3)), "wrong sample count")
	require.NoError(t, w.WriteBand(make([]float32, 16)))
	require.Error(t, w.Close(), "closing with a band missing")
}

func TestDecodeRejectsNonTIFF(t *testing.T) {
	t.Parallel()

	_, err := Decode(bytes.NewReader([]byte("PK\x03\x04 definitely a zip")))
	require.ErrorIs(t, err, ErrNotTIFF)

	_, err = Decode(bytes.NewReader([]byte("II")))
	require.ErrorIs(t, err, ErrNotTIFF)
}

// tiffEntry is a raw IFD entry for hand-built test files.
type tiffEntry struct {
	tag, typ uint16
	count    uint32
	data     []byte
}

// buildTIFF lays out header, IFD, out-of-line values and pixel chunks.
// Chunk offsets are patched into the entry tagged offsetsTag.
func buildTIFF(order binary.AppendByteOrder, entries []tiffEntry, offsetsTag uint16, chunks [][]byte) []byte {
	slices.SortFunc(entries, func(a, b tiffEntry) int { return int(a.tag) - int(b.tag) })

	ifdLen := 2 + 12*len(entries) + 4
	extraLen := 0
	for _, e := range entries {
		if e.tag == offsetsTag {
			e.data = make([]byte, 4*len(chunks))
		}
		if len(e.data) > 4 {
			extraLen += len(e.data)
		}
	}
	dataAt := uint32(8 + ifdLen + extraLen)

	offsets := make([]byte, 0, 4*len(chunks))
	pos := dataAt
	for _, c := range chunks {
		offsets = order.AppendUint32(offsets, pos)
		pos += uint32(len(c))
	}

	var out bytes.Buffer
	if order == binary.BigEndian {
		out.WriteString("MM")
	} else {
		out.WriteString("II")
	}
	out.Write(order.AppendUint16(nil, 42))
	out.Write(order.AppendUint32(nil, 8))

	var extra bytes.Buffer
	extraAt := uint32(8 + ifdLen)
	out.Write(order.AppendUint16(nil, uint16(len(entries))))
	for _, e := range entries {
		data := e.data
		if e.tag == offsetsTag {
			data = offsets
		}
		rec := order.AppendUint16(nil, e.tag)
		rec = order.AppendUint16(rec, e.typ)
		rec = order.AppendUint32(rec, e.count)
		if len(data) <= 4 {
			var inline [4]byte
			copy(inline[:], data)
			rec = append(rec, inline[:]...)
		} else {
			rec = order.AppendUint32(rec, extraAt+uint32(extra.Len()))
			extra.Write(data)
		}
		out.Write(rec)
	}
	out.Write([]byte{0, 0, 0, 0})
	out.Write(extra.Bytes())
	for _, c := range chunks {
		out.Write(c)
	}
	return out.Bytes()
}

func shorts(order binary.AppendByteOrder, v ...uint16) []byte {
	var b []byte
	for _, x := range v {
		b = order.AppendUint16(b, x)
	}
	return b
}

func longs(order binary.AppendByteOrder, v ...uint32) []byte {
	var b []byte
	for _, x := range v {
		b = order.AppendUint32(b, x)
	}
	return b
}

func doubles(order binary.AppendByteOrder, v ...float64) []byte {
	var b []byte
	for _, x := range v {
		b = order.AppendUint64(b, math.Float64bits(x))
	}
	return b
}

func TestDecodeBigEndianChunkyPredictor(t *testing.T) {
	t.Parallel()

	be := binary.BigEndian
	const w, h = 3, 2

	// Two uint16 samples per pixel: 100*s + 10*y + x, horizontally differenced.
	var strip []byte
	for y := range h {
		for x := range w {
			for s := range 2 {
				v := uint16(100*s + 10*y + x)
				if x > 0 {
					v = 1
				}
				strip = be.AppendUint16(strip, v)
			}
		}
	}

	keys := shorts(be,
		1, 1, 0, 3,
		keyModelType, 0, 1, modelTypeProjected,
		keyRasterType, 0, 1, rasterPixelIsPoint,
		keyProjectedCSType, 0, 1, 32611,
	)
	file := buildTIFF(be, []tiffEntry{
		{tagImageWidth, dtShort, 1, shorts(be, w)},
		{tagImageLength, dtShort, 1, shorts(be, h)},
		{tagBitsPerSample, dtShort, 2, shorts(be, 16, 16)},
		{tagCompression, dtShort, 1, shorts(be, compressionNone)},
		{tagPhotometric, dtShort, 1, shorts(be, 1)},
		{tagStripOffsets, dtLong, 1, nil},
		{tagSamplesPerPixel, dtShort, 1, shorts(be, 2)},
		{tagRowsPerStrip, dtShort, 1, shorts(be, h)},
		{tagStripByteCounts, dtLong, 1, longs(be, uint32(len(strip)))},
		{tagPlanarConfig, dtShort, 1, shorts(be, planarChunky)},
		{tagPredictor, dtShort, 1, shorts(be, predictorHorizontal)},
		{tagSampleFormat, dtShort, 2, shorts(be, sampleFormatUint, sampleFormatUint)},
		{tagModelPixelScale, dtDouble, 3, doubles(be, 10, 10, 0)},
		{tagModelTiepoint, dtDouble, 6, doubles(be, 0, 0, 0, 500005, 4000005, 0)},
		{tagGeoKeyDirectory, dtShort, uint32(len(keys) / 2), keys},
	}, tagStripOffsets, [][]byte{strip})

	r, err := Decode(bytes.NewReader(file))
	require.NoError(t, err)

	assert.Equal(t, geo.UTM(11, true), r.CRS)
	// PixelIsPoint shifts the origin half a pixel to the corner.
	assert.Equal(t, GeoTransform{500000, 10, 0, 4000010, 0, -10}, r.GeoTransform)
	assert.True(t, math.IsNaN(r.NoData))

	for y := range h {
		for x := range w {
			assert.InDelta(t, float64(10*y+x), float64(r.At(0, x, y)), 0)
			assert.InDelta(t, float64(100+10*y+x), float64(r.At(1, x, y)), 0)
		}
	}
}

func TestDecodeTiledDeflate(t *testing.T) {
	t.Parallel()

	le := binary.LittleEndian
	const w, h, tile = 20, 18, 16

	value := func(x, y int) float32 { return float32(y*w+x) - 7.25 }

	var chunks [][]byte
	var counts []uint32
	for ty := 0; ty < h; ty += tile {
		for tx := 0; tx < w; tx += tile {
			var raw []byte
			for y := ty; y < ty+tile; y++ {
				for x := tx; x < tx+tile; x++ {
					v := float32(-1)
					if x < w && y < h {
						v = value(x, y)
					}
					raw = le.AppendUint32(raw, math.Float32bits(v))
				}
			}
			var packed bytes.Buffer
			zw := zlib.NewWriter(&packed)
			_, err := zw.Write(raw)
			require.NoError(t, err)
			require.NoError(t, zw.Close())
			chunks = append(chunks, packed.Bytes())
			counts = append(counts, uint32(packed.Len()))
		}
	}

	keys := shorts(le,
		1, 1, 0, 2,
		keyModelType, 0, 1, modelTypeGeographic,
		keyGeographicType, 0, 1, 4326,
	)
	file := buildTIFF(le, []tiffEntry{
		{tagImageWidth, dtLong, 1, longs(le, w)},
		{tagImageLength, dtLong, 1, longs(le, h)},
		{tagBitsPerSample, dtShort, 1, shorts(le, 32)},
		{tagCompression, dtShort, 1, shorts(le, compressionDeflate)},
		{tagSamplesPerPixel, dtShort, 1, shorts(le, 1)},
		{tagTileWidth, dtShort, 1, shorts(le, tile)},
		{tagTileLength, dtShort, 1, shorts(le, tile)},
		{tagTileOffsets, dtLong, uint32(len(chunks)), nil},
		{tagTileByteCounts, dtLong, uint32(len(counts)), longs(le, counts...)},
		{tagSampleFormat, dtShort, 1, shorts(le, sampleFormatIEEEFloat)},
		{tagModelTransform, dtDouble, 16, doubles(le,
			0.001, 0, 0, -120,
			0, -0.001, 0, 38,
			0, 0, 0, 0,
			0, 0, 0, 1)},
		{tagGeoKeyDirectory, dtShort, uint32(len(keys) / 2), keys},
		{tagGDALNoData, dtASCII, 6, []byte("-9999\x00")},
	}, tagTileOffsets, chunks)

	r, err := Decode(bytes.NewReader(file))
	require.NoError(t, err)

	assert.Equal(t, geo.WGS84, r.CRS)
	assert.Equal(t, GeoTransform{-120, 0.001, 0, 38, 0, -0.001}, r.GeoTransform)
	assert.InDelta(t, -9999.0, r.NoData, 0)
	require.Len(t, r.Bands, 1)
	for y := range h {
		for x := range w {
			require.InDelta(t, float64(value(x, y)), float64(r.At(0, x, y)), 0, "pixel %d,%d", x, y)
		}
	}
}

func TestDecodeUnsupported(t *testing.T) {
	t.Parallel()

	le := binary.LittleEndian
	file := buildTIFF(le, []tiffEntry{
		{tagImageWidth, dtShort, 1, shorts(le, 1)},
		{tagImageLength, dtShort, 1, shorts(le, 1)},
		{tagBitsPerSample, dtShort, 1, shorts(le, 12)},
		{tagStripOffsets, dtLong, 1, nil},
		{tagStripByteCounts, dtLong, 1, longs(le, 2)},
	}, tagStripOffsets, [][]byte{{0, 0}})

	_, err := Decode(bytes.NewReader(file))
	require.ErrorIs(t, err, ErrUnsupported)
}
