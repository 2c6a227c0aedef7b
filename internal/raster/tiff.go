package raster

import "github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"

// TIFF field types.
const (
	dtByte     = 1
	dtASCII    = 2
	dtShort    = 3
	dtLong     = 4
	dtRational = 5
	dtSByte    = 6
	dtSShort   = 8
	dtSLong    = 9
	dtFloat    = 11
	dtDouble   = 12
)

var typeSize = map[uint16]int{
	dtByte: 1, dtASCII: 1, dtShort: 2, dtLong: 4, dtRational: 8,
	dtSByte: 1, dtSShort: 2, dtSLong: 4, dtFloat: 4, dtDouble: 8,
}

// Baseline, extension and GeoTIFF tags.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagExtraSamples    = 338
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagModelTransform  = 34264
	tagGeoKeyDirectory = 34735
	tagGeoDoubleParams = 34736
	tagGeoASCIIParams  = 34737
	tagGDALNoData      = 42113
)

// Compression schemes.
const (
	compressionNone        = 1
	compressionLZW         = 5
	compressionDeflate     = 8
	compressionDeflateOld  = 32946
	predictorNone          = 1
	predictorHorizontal    = 2
	planarChunky           = 1
	planarSeparate         = 2
	sampleFormatUint       = 1
	sampleFormatInt        = 2
	sampleFormatIEEEFloat  = 3
	photometricBlackIsZero = 1
)

// GeoKey IDs and values.
const (
	keyModelType        = 1024
	keyRasterType       = 1025
	keyGeographicType   = 2048
	keyGeogAngularUnits = 2054
	keyProjectedCSType  = 3072
	keyProjLinearUnits  = 3076
	modelTypeProjected  = 1
	modelTypeGeographic = 2
	rasterPixelIsArea   = 1
	rasterPixelIsPoint  = 2
	unitsMetre          = 9001
	unitsDegree         = 9102
	geoKeyDirectoryVer  = 1
	geoKeyRevisionMajor = 1
	geoKeyRevisionMinor = 0
	geoKeyUserDefined   = 32767
)

var (
	// ErrNotTIFF is returned when the input does not start with a TIFF header.
	ErrNotTIFF = errors.NewStd("not a TIFF file")
	// ErrUnsupported is returned for valid TIFF features this package does not decode.
	ErrUnsupported = errors.NewStd("unsupported TIFF feature")
	// ErrMalformed is returned for structurally broken files.
	ErrMalformed = errors.NewStd("malformed TIFF")
)
