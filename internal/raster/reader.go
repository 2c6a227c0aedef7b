package raster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/geo"
)

type field struct {
	typ   uint16
	count uint32
	raw   [4]byte
}

type decoder struct {
	r      io.ReaderAt
	order  binary.ByteOrder
	fields map[uint16]field

	meta          Metadata
	bitsPerSample int
	sampleFormat  int
	samples       int
	planar        int
	compression   int
	predictor     int
}

// ReadFile decodes the GeoTIFF at path.
func ReadFile(path string) (*Raster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.FileError(err, path, 0)
	}
	defer f.Close()

	r, err := Decode(f)
	if err != nil {
		return nil, errors.New(err).
			Component("raster").
			Category(errors.CategoryRaster).
			Context("path", path).
			Build()
	}
	return r, nil
}

// ReadMetadata decodes only the header and georeferencing of the GeoTIFF at path.
func ReadMetadata(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, errors.FileError(err, path, 0)
	}
	defer f.Close()

	d, err := newDecoder(f)
	if err != nil {
		return Metadata{}, errors.New(err).
			Component("raster").
			Category(errors.CategoryRaster).
			Context("path", path).
			Build()
	}
	return d.meta, nil
}

// Decode reads the first image of a GeoTIFF into float32 bands.
func Decode(r io.ReaderAt) (*Raster, error) {
	d, err := newDecoder(r)
	if err != nil {
		return nil, err
	}
	return d.decode()
}

// DecodeMetadata reads only the header and georeferencing.
func DecodeMetadata(r io.ReaderAt) (Metadata, error) {
	d, err := newDecoder(r)
	if err != nil {
		return Metadata{}, err
	}
	return d.meta, nil
}

func newDecoder(r io.ReaderAt) (*decoder, error) {
	var hdr [8]byte
	if n, err := r.ReadAt(hdr[:], 0); n < len(hdr) {
		return nil, fmt.Errorf("%w: %w", ErrNotTIFF, err)
	}

	d := &decoder{r: r, fields: make(map[uint16]field)}
	switch string(hdr[:2]) {
	case "II":
		d.order = binary.LittleEndian
	case "MM":
		d.order = binary.BigEndian
	default:
		return nil, ErrNotTIFF
	}
	switch d.order.Uint16(hdr[2:4]) {
	case 42:
	case 43:
		return nil, fmt.Errorf("%w: BigTIFF", ErrUnsupported)
	default:
		return nil, ErrNotTIFF
	}

	if err := d.readIFD(int64(d.order.Uint32(hdr[4:8]))); err != nil {
		return nil, err
	}
	if err := d.parseLayout(); err != nil {
		return nil, err
	}
	if err := d.parseGeo(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *decoder) readIFD(off int64) error {
	var n [2]byte
	if read, err := d.r.ReadAt(n[:], off); read < len(n) {
		return fmt.Errorf("%w: reading IFD: %w", ErrMalformed, err)
	}
	count := int(d.order.Uint16(n[:]))
	buf := make([]byte, 12*count)
	if read, err := d.r.ReadAt(buf, off+2); read < len(buf) {
		return fmt.Errorf("%w: reading IFD entries: %w", ErrMalformed, err)
	}
	for i := range count {
		e := buf[12*i : 12*i+12]
		f := field{typ: d.order.Uint16(e[2:4]), count: d.order.Uint32(e[4:8])}
		copy(f.raw[:], e[8:12])
		d.fields[d.order.Uint16(e[0:2])] = f
	}
	return nil
}

// tagBytes returns the raw value bytes of a tag, following the offset when needed.
func (d *decoder) tagBytes(tag uint16) ([]byte, uint16, error) {
	f, ok := d.fields[tag]
	if !ok {
		return nil, 0, nil
	}
	size, ok := typeSize[f.typ]
	if !ok {
		return nil, 0, fmt.Errorf("%w: tag %d has unknown type %d", ErrMalformed, tag, f.typ)
	}
	n := int64(size) * int64(f.count)
	if n > 1<<30 {
		return nil, 0, fmt.Errorf("%w: tag %d too large", ErrMalformed, tag)
	}
	if n <= 4 {
		return f.raw[:n], f.typ, nil
	}
	buf := make([]byte, n)
	if read, err := d.r.ReadAt(buf, int64(d.order.Uint32(f.raw[:]))); read < len(buf) {
		return nil, 0, fmt.Errorf("%w: tag %d: %w", ErrMalformed, tag, err)
	}
	return buf, f.typ, nil
}

// uints reads an integer-typed tag.
func (d *decoder) uints(tag uint16) ([]uint64, error) {
	b, typ, err := d.tagBytes(tag)
	if err != nil || b == nil {
		return nil, err
	}
	var out []uint64
	switch typ {
	case dtByte:
		for _, v := range b {
			out = append(out, uint64(v))
		}
	case dtShort:
		for i := 0; i+2 <= len(b); i += 2 {
			out = append(out, uint64(d.order.Uint16(b[i:])))
		}
	case dtLong:
		for i := 0; i+4 <= len(b); i += 4 {
			out = append(out, uint64(d.order.Uint32(b[i:])))
		}
	default:
		return nil, fmt.Errorf("%w: tag %d is not an integer", ErrMalformed, tag)
	}
	return out, nil
}

func (d *decoder) uintOr(tag uint16, def int) (int, error) {
	v, err := d.uints(tag)
	if err != nil {
		return 0, err
	}
	if len(v) == 0 {
		return def, nil
	}
	return int(v[0]), nil
}

func (d *decoder) doubles(tag uint16) ([]float64, error) {
	b, typ, err := d.tagBytes(tag)
	if err != nil || b == nil {
		return nil, err
	}
	if typ != dtDouble {
		return nil, fmt.Errorf("%w: tag %d is not DOUBLE", ErrMalformed, tag)
	}
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(d.order.Uint64(b[8*i:]))
	}
	return out, nil
}

func (d *decoder) parseLayout() error {
	var err error
	get := func(tag uint16, def int) int {
		if err != nil {
			return 0
		}
		var v int
		v, err = d.uintOr(tag, def)
		return v
	}

	d.meta.Width = get(tagImageWidth, 0)
	d.meta.Height = get(tagImageLength, 0)
	d.samples = get(tagSamplesPerPixel, 1)
	d.bitsPerSample = get(tagBitsPerSample, 1)
	d.sampleFormat = get(tagSampleFormat, sampleFormatUint)
	d.planar = get(tagPlanarConfig, planarChunky)
	d.compression = get(tagCompression, compressionNone)
	d.predictor = get(tagPredictor, predictorNone)
	if err != nil {
		return err
	}

	if d.meta.Width <= 0 || d.meta.Height <= 0 || d.samples <= 0 {
		return fmt.Errorf("%w: %dx%d with %d samples", ErrMalformed, d.meta.Width, d.meta.Height, d.samples)
	}
	d.meta.BandCount = d.samples

	switch d.sampleFormat {
	case sampleFormatUint, sampleFormatInt:
		if d.bitsPerSample != 8 && d.bitsPerSample != 16 && d.bitsPerSample != 32 {
			return fmt.Errorf("%w: %d-bit integer samples", ErrUnsupported, d.bitsPerSample)
		}
	case sampleFormatIEEEFloat:
		if d.bitsPerSample != 32 && d.bitsPerSample != 64 {
			return fmt.Errorf("%w: %d-bit float samples", ErrUnsupported, d.bitsPerSample)
		}
	default:
		return fmt.Errorf("%w: sample format %d", ErrUnsupported, d.sampleFormat)
	}

	switch d.compression {
	case compressionNone, compressionLZW, compressionDeflate, compressionDeflateOld:
	default:
		return fmt.Errorf("%w: compression %d", ErrUnsupported, d.compression)
	}
	if d.predictor != predictorNone && d.predictor != predictorHorizontal {
		return fmt.Errorf("%w: predictor %d", ErrUnsupported, d.predictor)
	}
	if d.predictor == predictorHorizontal && d.sampleFormat == sampleFormatIEEEFloat {
		return fmt.Errorf("%w: horizontal predictor on float samples", ErrUnsupported)
	}
	return nil
}

func (d *decoder) parseGeo() error {
	d.meta.NoData = math.NaN()
	if b, _, err := d.tagBytes(tagGDALNoData); err != nil {
		return err
	} else if b != nil {
		s := strings.TrimSpace(strings.TrimRight(string(b), "\x00"))
		if v, perr := strconv.ParseFloat(s, 64); perr == nil {
			d.meta.NoData = v
		}
	}

	keys, err := d.uints(tagGeoKeyDirectory)
	if err != nil {
		return err
	}
	var (
		modelType  int
		rasterType = rasterPixelIsArea
		geographic geo.CRS
		projected  geo.CRS
	)
	if len(keys) >= 4 {
		n := int(keys[3])
		for i := range n {
			if 8+4*i > len(keys) {
				return fmt.Errorf("%w: truncated GeoKeyDirectory", ErrMalformed)
			}
			k := keys[4+4*i : 8+4*i]
			// EPSG codes are stored inline as SHORT values.
			if k[1] != 0 || k[3] == geoKeyUserDefined {
				continue
			}
			switch k[0] {
			case keyModelType:
				modelType = int(k[3])
			case keyRasterType:
				rasterType = int(k[3])
			case keyGeographicType:
				geographic = geo.CRS(k[3])
			case keyProjectedCSType:
				projected = geo.CRS(k[3])
			}
		}
	}
	switch {
	case modelType == modelTypeGeographic:
		d.meta.CRS = geographic
	case projected != 0:
		d.meta.CRS = projected
	default:
		d.meta.CRS = geographic
	}

	gt, err := d.geoTransform()
	if err != nil {
		return err
	}
	if rasterType == rasterPixelIsPoint {
		gt[0] -= 0.5*gt[1] + 0.5*gt[2]
		gt[3] -= 0.5*gt[4] + 0.5*gt[5]
	}
	d.meta.GeoTransform = gt
	return nil
}

func (d *decoder) geoTransform() (GeoTransform, error) {
	if m, err := d.doubles(tagModelTransform); err != nil {
		return GeoTransform{}, err
	} else if len(m) >= 8 {
		return GeoTransform{m[3], m[0], m[1], m[7], m[4], m[5]}, nil
	}

	scale, err := d.doubles(tagModelPixelScale)
	if err != nil {
		return GeoTransform{}, err
	}
	tie, err := d.doubles(tagModelTiepoint)
	if err != nil {
		return GeoTransform{}, err
	}
	if len(scale) < 2 || len(tie) < 6 {
		// Ungeoreferenced: identity pixel grid.
		return GeoTransform{0, 1, 0, 0, 0, 1}, nil
	}
	return GeoTransform{
		tie[3] - tie[0]*scale[0], scale[0], 0,
		tie[4] + tie[1]*scale[1], 0, -scale[1],
	}, nil
}

// chunk geometry covers both strip and tile organised images.
type chunkLayout struct {
	w, h          int // pixels per chunk
	across, down  int
	offsets       []uint64
	counts        []uint64
	tiled         bool
	perPlane      int
	samplesPerPix int
}

func (d *decoder) layout() (chunkLayout, error) {
	var (
		cl  chunkLayout
		err error
	)
	if _, tiled := d.fields[tagTileWidth]; tiled {
		cl.tiled = true
		if cl.w, err = d.uintOr(tagTileWidth, 0); err != nil {
			return cl, err
		}
		if cl.h, err = d.uintOr(tagTileLength, 0); err != nil {
			return cl, err
		}
		if cl.offsets, err = d.uints(tagTileOffsets); err != nil {
			return cl, err
		}
		if cl.counts, err = d.uints(tagTileByteCounts); err != nil {
			return cl, err
		}
	} else {
		cl.w = d.meta.Width
		if cl.h, err = d.uintOr(tagRowsPerStrip, d.meta.Height); err != nil {
			return cl, err
		}
		cl.h = min(cl.h, d.meta.Height)
		if cl.offsets, err = d.uints(tagStripOffsets); err != nil {
			return cl, err
		}
		if cl.counts, err = d.uints(tagStripByteCounts); err != nil {
			return cl, err
		}
	}
	if cl.w <= 0 || cl.h <= 0 {
		return cl, fmt.Errorf("%w: chunk size %dx%d", ErrMalformed, cl.w, cl.h)
	}

	cl.across = (d.meta.Width + cl.w - 1) / cl.w
	cl.down = (d.meta.Height + cl.h - 1) / cl.h
	cl.perPlane = cl.across * cl.down

	planes := 1
	cl.samplesPerPix = d.samples
	if d.planar == planarSeparate {
		planes = d.samples
		cl.samplesPerPix = 1
	}
	if len(cl.offsets) < cl.perPlane*planes || len(cl.counts) < len(cl.offsets) {
		return cl, fmt.Errorf("%w: %d chunks listed, want %d", ErrMalformed, len(cl.offsets), cl.perPlane*planes)
	}
	return cl, nil
}

func (d *decoder) decode() (*Raster, error) {
	cl, err := d.layout()
	if err != nil {
		return nil, err
	}

	r := &Raster{Metadata: d.meta, Bands: make([][]float32, d.samples)}
	for b := range r.Bands {
		r.Bands[b] = make([]float32, d.meta.Width*d.meta.Height)
	}

	bps := d.bitsPerSample / 8
	planes := 1
	if d.planar == planarSeparate {
		planes = d.samples
	}

	for plane := range planes {
		for cy := range cl.down {
			for cx := range cl.across {
				idx := plane*cl.perPlane + cy*cl.across + cx
				rows := cl.h
				if !cl.tiled {
					rows = min(cl.h, d.meta.Height-cy*cl.h)
				}
				rowBytes := cl.w * cl.samplesPerPix * bps

				data, err := d.readChunk(cl.offsets[idx], cl.counts[idx], rows*rowBytes)
				if err != nil {
					return nil, fmt.Errorf("chunk %d: %w", idx, err)
				}
				if d.predictor == predictorHorizontal {
					d.undoPredictor(data, rowBytes, cl.samplesPerPix, bps)
				}

				x0, y0 := cx*cl.w, cy*cl.h
				for row := range rows {
					y := y0 + row
					if y >= d.meta.Height {
						break
					}
					line := data[row*rowBytes : (row+1)*rowBytes]
					for col := range cl.w {
						x := x0 + col
						if x >= d.meta.Width {
							break
						}
						for s := range cl.samplesPerPix {
							band := s
							if d.planar == planarSeparate {
								band = plane
							}
							off := (col*cl.samplesPerPix + s) * bps
							r.Bands[band][y*d.meta.Width+x] = d.sample(line[off : off+bps])
						}
					}
				}
			}
		}
	}
	return r, nil
}

func (d *decoder) readChunk(offset, count uint64, want int) ([]byte, error) {
	if count > 1<<31 {
		return nil, fmt.Errorf("%w: chunk of %d bytes", ErrMalformed, count)
	}
	raw := make([]byte, count)
	if n, err := d.r.ReadAt(raw, int64(offset)); n < len(raw) {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	var out []byte
	switch d.compression {
	case compressionNone:
		out = raw
	case compressionLZW:
		lr := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer lr.Close()
		var err error
		if out, err = readUpTo(lr, want); err != nil {
			return nil, fmt.Errorf("lzw: %w", err)
		}
	case compressionDeflate, compressionDeflateOld:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		defer zr.Close()
		if out, err = readUpTo(zr, want); err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
	}

	if len(out) < want {
		return nil, fmt.Errorf("%w: chunk has %d bytes, want %d", ErrMalformed, len(out), want)
	}
	return out[:want], nil
}

// readUpTo reads until want bytes or EOF. Encoders may pad past the chunk.
func readUpTo(r io.Reader, want int) ([]byte, error) {
	buf := make([]byte, want)
	n, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return buf[:n], nil
	}
	return buf[:n], err
}

func (d *decoder) undoPredictor(data []byte, rowBytes, spp, bps int) {
	stride := spp * bps
	for start := 0; start+rowBytes <= len(data); start += rowBytes {
		row := data[start : start+rowBytes]
		for i := stride; i+bps <= len(row); i += bps {
			prev := row[i-stride : i-stride+bps]
			cur := row[i : i+bps]
			switch bps {
			case 1:
				cur[0] += prev[0]
			case 2:
				d.order.PutUint16(cur, d.order.Uint16(cur)+d.order.Uint16(prev))
			case 4:
				d.order.PutUint32(cur, d.order.Uint32(cur)+d.order.Uint32(prev))
			}
		}
	}
}

func (d *decoder) sample(b []byte) float32 {
	switch d.sampleFormat {
	case sampleFormatIEEEFloat:
		if len(b) == 8 {
			return float32(math.Float64frombits(d.order.Uint64(b)))
		}
		return math.Float32frombits(d.order.Uint32(b))
	case sampleFormatInt:
		switch len(b) {
		case 1:
			return float32(int8(b[0]))
		case 2:
			return float32(int16(d.order.Uint16(b)))
		default:
			return float32(int32(d.order.Uint32(b)))
		}
	default:
		switch len(b) {
		case 1:
			return float32(b[0])
		case 2:
			return float32(d.order.Uint16(b))
		default:
			return float32(d.order.Uint32(b))
		}
	}
}
