package raster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"

	"github.com/klauspost/compress/zlib"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/geo"
)

// Compression selects how pixel data is stored.
type Compression int

const (
	// CompressNone stores raw little-endian float32 samples.
	CompressNone Compression = iota
	// CompressDeflate stores each strip zlib-compressed.
	CompressDeflate
)

// ParseCompression maps a configuration string to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressNone, nil
	case "deflate":
		return CompressDeflate, nil
	}
	return CompressNone, fmt.Errorf("unknown compression %q", s)
}

const defaultRowsPerStrip = 64

type writerOptions struct {
	compression  Compression
	rowsPerStrip int
}

// WriterOption configures a Writer.
type WriterOption func(*writerOptions)

// WithCompression sets the strip compression.
func WithCompression(c Compression) WriterOption {
	return func(o *writerOptions) { o.compression = c }
}

// WithRowsPerStrip sets the number of rows per strip.
func WithRowsPerStrip(n int) WriterOption {
	return func(o *writerOptions) {
		if n > 0 {
			o.rowsPerStrip = n
		}
	}
}

// Writer streams a planar float32 GeoTIFF one band at a time. The image file
// directory is written after the pixel data and the header is patched on Close.
type Writer struct {
	w    io.WriteSeeker
	meta Metadata
	opts writerOptions

	stripsPerBand int
	offsets       []uint32
	counts        []uint32
	pos           int64
	band          int
	closed        bool
}

// NewWriter validates meta and writes the TIFF header.
func NewWriter(w io.WriteSeeker, meta Metadata, opts ...WriterOption) (*Writer, error) {
	o := writerOptions{rowsPerStrip: defaultRowsPerStrip}
	for _, opt := range opts {
		opt(&o)
	}

	if meta.Width <= 0 || meta.Height <= 0 || meta.BandCount <= 0 {
		return nil, errors.Newf("cannot write %dx%dx%d raster", meta.Width, meta.Height, meta.BandCount).
			Component("raster").
			Category(errors.CategoryValidation).
			Build()
	}
	if !meta.CRS.Valid() {
		return nil, errors.Newf("cannot write raster without a supported CRS (%s)", meta.CRS).
			Component("raster").
			Category(errors.CategoryProjection).
			Build()
	}
	if !meta.GeoTransform.IsNorthUp() {
		return nil, errors.Newf("only north-up geotransforms can be written").
			Component("raster").
			Category(errors.CategoryValidation).
			Build()
	}

	o.rowsPerStrip = min(o.rowsPerStrip, meta.Height)
	stripsPerBand := (meta.Height + o.rowsPerStrip - 1) / o.rowsPerStrip

	// Little-endian classic TIFF, IFD offset patched on Close.
	header := []byte{'I', 'I', 42, 0, 0, 0, 0, 0}
	if _, err := w.Write(header); err != nil {
		return nil, err
	}

	return &Writer{
		w:             w,
		meta:          meta,
		opts:          o,
		stripsPerBand: stripsPerBand,
		pos:           int64(len(header)),
	}, nil
}

// WriteBand appends the next band. data must hold Width*Height samples.
func (wr *Writer) WriteBand(data []float32) error {
	if wr.closed {
		return errors.NewStd("raster writer is closed")
	}
	if wr.band >= wr.meta.BandCount {
		return fmt.Errorf("raster writer: all %d bands already written", wr.meta.BandCount)
	}
	if len(data) != wr.meta.Width*wr.meta.Height {
		return fmt.Errorf("raster writer: band %d has %d samples, want %d",
			wr.band, len(data), wr.meta.Width*wr.meta.Height)
	}

	rowLen := wr.meta.Width
	raw := make([]byte, 0, rowLen*wr.opts.rowsPerStrip*4)
	var packed bytes.Buffer

	for s := range wr.stripsPerBand {
		first := s * wr.opts.rowsPerStrip
		last := min(first+wr.opts.rowsPerStrip, wr.meta.Height)

		raw = raw[:0]
		for _, v := range data[first*rowLen : last*rowLen] {
			raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(v))
		}

		chunk := raw
		if wr.opts.compression == CompressDeflate {
			packed.Reset()
			zw, err := zlib.NewWriterLevel(&packed, zlib.DefaultCompression)
			if err != nil {
				return err
			}
			if _, err := zw.Write(raw); err != nil {
				return err
			}
			if err := zw.Close(); err != nil {
				return err
			}
			chunk = packed.Bytes()
		}

		if err := wr.write(chunk); err != nil {
			return err
		}
	}

	wr.band++
	return nil
}

func (wr *Writer) write(chunk []byte) error {
	if wr.pos+int64(len(chunk)) > math.MaxUint32 {
		return errors.Newf("raster exceeds classic TIFF 4 GiB limit").
			Component("raster").
			Category(errors.CategoryRaster).
			Build()
	}
	if _, err := wr.w.Write(chunk); err != nil {
		return err
	}
	wr.offsets = append(wr.offsets, uint32(wr.pos))
	wr.counts = append(wr.counts, uint32(len(chunk)))
	wr.pos += int64(len(chunk))
	return nil
}

// Close writes the image file directory. All bands must have been written.
func (wr *Writer) Close() error {
	if wr.closed {
		return nil
	}
	wr.closed = true
	if wr.band != wr.meta.BandCount {
		return fmt.Errorf("raster writer: closed after %d of %d bands", wr.band, wr.meta.BandCount)
	}

	// IFD must start on a word boundary.
	if wr.pos%2 == 1 {
		if _, err := wr.w.Write([]byte{0}); err != nil {
			return err
		}
		wr.pos++
	}

	ifd, err := wr.buildIFD(uint32(wr.pos))
	if err != nil {
		return err
	}
	if _, err := wr.w.Write(ifd); err != nil {
		return err
	}

	if _, err := wr.w.Seek(4, io.SeekStart); err != nil {
		return err
	}
	var off [4]byte
	binary.LittleEndian.PutUint32(off[:], uint32(wr.pos))
	if _, err := wr.w.Write(off[:]); err != nil {
		return err
	}
	_, err = wr.w.Seek(0, io.SeekEnd)
	return err
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func shortEntry(tag uint16, vals ...uint16) ifdEntry {
	b := make([]byte, 0, 2*len(vals))
	for _, v := range vals {
		b = binary.LittleEndian.AppendUint16(b, v)
	}
	return ifdEntry{tag: tag, typ: dtShort, count: uint32(len(vals)), data: b}
}

func longEntry(tag uint16, vals ...uint32) ifdEntry {
	b := make([]byte, 0, 4*len(vals))
	for _, v := range vals {
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	return ifdEntry{tag: tag, typ: dtLong, count: uint32(len(vals)), data: b}
}

func doubleEntry(tag uint16, vals ...float64) ifdEntry {
	b := make([]byte, 0, 8*len(vals))
	for _, v := range vals {
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(v))
	}
	return ifdEntry{tag: tag, typ: dtDouble, count: uint32(len(vals)), data: b}
}

func asciiEntry(tag uint16, s string) ifdEntry {
	b := append([]byte(s), 0)
	return ifdEntry{tag: tag, typ: dtASCII, count: uint32(len(b)), data: b}
}

func repeat[T any](v T, n int) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func (wr *Writer) buildIFD(at uint32) ([]byte, error) {
	m := wr.meta
	bands := m.BandCount

	compression := uint16(compressionNone)
	if wr.opts.compression == CompressDeflate {
		compression = compressionDeflate
	}

	gt := m.GeoTransform
	entries := []ifdEntry{
		longEntry(tagImageWidth, uint32(m.Width)),
		longEntry(tagImageLength, uint32(m.Height)),
		shortEntry(tagBitsPerSample, repeat[uint16](32, bands)...),
		shortEntry(tagCompression, compression),
		shortEntry(tagPhotometric, photometricBlackIsZero),
		longEntry(tagStripOffsets, wr.offsets...),
		shortEntry(tagSamplesPerPixel, uint16(bands)),
		longEntry(tagRowsPerStrip, uint32(wr.opts.rowsPerStrip)),
		longEntry(tagStripByteCounts, wr.counts...),
		shortEntry(tagPlanarConfig, planarSeparate),
		shortEntry(tagSampleFormat, repeat[uint16](sampleFormatIEEEFloat, bands)...),
		doubleEntry(tagModelPixelScale, gt.ResX(), gt.ResY(), 0),
		doubleEntry(tagModelTiepoint, 0, 0, 0, gt[0], gt[3], 0),
		shortEntry(tagGeoKeyDirectory, geoKeys(m.CRS)...),
		asciiEntry(tagGDALNoData, formatNoData(m.NoData)),
	}
	if bands > 1 {
		entries = append(entries, shortEntry(tagExtraSamples, repeat[uint16](0, bands-1)...))
	}
	slices.SortFunc(entries, func(a, b ifdEntry) int { return int(a.tag) - int(b.tag) })

	// Directory: count, entries, next-IFD offset; then out-of-line values.
	dirLen := 2 + 12*len(entries) + 4
	extraAt := at + uint32(dirLen)

	var dir, extra bytes.Buffer
	dir.Write(binary.LittleEndian.AppendUint16(nil, uint16(len(entries))))
	for _, e := range entries {
		var rec [12]byte
		binary.LittleEndian.PutUint16(rec[0:], e.tag)
		binary.LittleEndian.PutUint16(rec[2:], e.typ)
		binary.LittleEndian.PutUint32(rec[4:], e.count)
		if len(e.data) <= 4 {
			copy(rec[8:], e.data)
		} else {
			off := extraAt + uint32(extra.Len())
			if uint64(off)+uint64(len(e.data)) > math.MaxUint32 {
				return nil, errors.Newf("raster exceeds classic TIFF 4 GiB limit").
					Component("raster").
					Category(errors.CategoryRaster).
					Build()
			}
			binary.LittleEndian.PutUint32(rec[8:], off)
			extra.Write(e.data)
			if extra.Len()%2 == 1 {
				extra.WriteByte(0)
			}
		}
		dir.Write(rec[:])
	}
	dir.Write([]byte{0, 0, 0, 0})
	dir.Write(extra.Bytes())
	return dir.Bytes(), nil
}

func formatNoData(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// geoKeys encodes the GeoKeyDirectory for a supported CRS.
func geoKeys(crs geo.CRS) []uint16 {
	keys := [][4]uint16{
		{keyRasterType, 0, 1, rasterPixelIsArea},
	}
	if crs.IsGeographic() {
		keys = append(keys,
			[4]uint16{keyModelType, 0, 1, modelTypeGeographic},
			[4]uint16{keyGeographicType, 0, 1, uint16(crs.EPSG())},
			[4]uint16{keyGeogAngularUnits, 0, 1, unitsDegree},
		)
	} else {
		keys = append(keys,
			[4]uint16{keyModelType, 0, 1, modelTypeProjected},
			[4]uint16{keyProjectedCSType, 0, 1, uint16(crs.EPSG())},
			[4]uint16{keyProjLinearUnits, 0, 1, unitsMetre},
		)
	}
	slices.SortFunc(keys, func(a, b [4]uint16) int { return int(a[0]) - int(b[0]) })

	out := []uint16{geoKeyDirectoryVer, geoKeyRevisionMajor, geoKeyRevisionMinor, uint16(len(keys))}
	for _, k := range keys {
		out = append(out, k[:]...)
	}
	return out
}

// Encode writes r as a GeoTIFF.
func Encode(w io.WriteSeeker, r *Raster, opts ...WriterOption) error {
	gw, err := NewWriter(w, r.Metadata, opts...)
	if err != nil {
		return err
	}
	for _, band := range r.Bands {
		if err := gw.WriteBand(band); err != nil {
			return err
		}
	}
	return gw.Close()
}

// WriteFile writes r to path, replacing any existing file.
func WriteFile(path string, r *Raster, opts ...WriterOption) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.FileError(err, path, 0)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := Encode(f, r, opts...); err != nil {
		return errors.New(err).
			Component("raster").
			Category(errors.CategoryRaster).
			Context("path", path).
			Build()
	}
	return nil
}
