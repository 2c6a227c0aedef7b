package sentinelhub

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/fetch"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/geo"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/logger"
)

// Collection is the Sentinel Hub data collection type for Sentinel-1 GRD.
const Collection = "sentinel-1-grd"

var supportedBands = []string{"VV", "VH"}

type processRequest struct {
	Input      processInput  `json:"input"`
	Output     processOutput `json:"output"`
	Evalscript string        `json:"evalscript"`
}

type processInput struct {
	Bounds bounds      `json:"bounds"`
	Data   []inputData `json:"data"`
}

type bounds struct {
	BBox       [4]float64 `json:"bbox"`
	Properties struct {
		CRS string `json:"crs"`
	} `json:"properties"`
}

type inputData struct {
	Type       string     `json:"type"`
	DataFilter dataFilter `json:"dataFilter"`
	Processing processing `json:"processing"`
}

type dataFilter struct {
	TimeRange       timeRange `json:"timeRange"`
	AcquisitionMode string    `json:"acquisitionMode"`
	Polarization    string    `json:"polarization,omitempty"`
	Resolution      string    `json:"resolution"`
}

type timeRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type processing struct {
	SpeckleFilter *speckleFilter `json:"speckleFilter,omitempty"`
}

type speckleFilter struct {
	Type        string `json:"type"`
	WindowSizeX int    `json:"windowSizeX"`
	WindowSizeY int    `json:"windowSizeY"`
}

type processOutput struct {
	Width     int              `json:"width"`
	Height    int              `json:"height"`
	Responses []outputResponse `json:"responses"`
}

type outputResponse struct {
	Identifier string `json:"identifier"`
	Format     struct {
		Type string `json:"type"`
	} `json:"format"`
}

// Fetch requests one tile from the Process API and returns the GeoTIFF body.
// It implements fetch.Provider.
func (c *Client) Fetch(ctx context.Context, req fetch.Request) (io.ReadCloser, error) {
	payload, err := buildProcessRequest(req)
	if err != nil {
		return nil, err
	}

	log := c.log.With(
		logger.Int("tile_index", req.Tile.Index),
		logger.String("crs", req.CRS.String()))
	log.Debug("requesting tile",
		logger.Int("width", req.Tile.PixelWidth),
		logger.Int("height", req.Tile.PixelHeight),
		logger.String("bands", strings.Join(req.Bands, ",")))

	resp, err := c.postJSON(ctx, processPath, "image/tiff", payload, log)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func buildProcessRequest(req fetch.Request) (*processRequest, error) {
	bands, err := normalizeBands(req.Bands)
	if err != nil {
		return nil, err
	}
	if !req.CRS.Valid() {
		return nil, errors.New(fmt.Errorf("%w: %s", geo.ErrInvalidCRS, req.CRS)).
			Component(providerName).
			Category(errors.CategoryValidation).
			Build()
	}
	if req.Tile.PixelWidth <= 0 || req.Tile.PixelHeight <= 0 {
		return nil, errors.Newf("tile %d has no pixels (%dx%d)",
			req.Tile.Index, req.Tile.PixelWidth, req.Tile.PixelHeight).
			Component(providerName).
			Category(errors.CategoryValidation).
			Build()
	}

	p := &processRequest{Evalscript: Evalscript(bands)}

	b := req.Tile.Bounds
	p.Input.Bounds.BBox = [4]float64{b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y()}
	p.Input.Bounds.Properties.CRS = CRSURL(req.CRS)

	data := inputData{
		Type: Collection,
		DataFilter: dataFilter{
			TimeRange: timeRange{
				From: req.TimeRange.From.UTC().Format(time.RFC3339),
				To:   req.TimeRange.To.UTC().Format(time.RFC3339),
			},
			AcquisitionMode: "IW",
			Resolution:      "HIGH",
		},
	}
	if slices.Contains(bands, "VH") {
		data.DataFilter.Polarization = "DV"
	}
	if sf := req.Speckle; sf.Type != "" && !strings.EqualFold(sf.Type, "NONE") {
		data.Processing.SpeckleFilter = &speckleFilter{
			Type:        strings.ToUpper(sf.Type),
			WindowSizeX: sf.WindowX,
			WindowSizeY: sf.WindowY,
		}
	}
	p.Input.Data = []inputData{data}

	p.Output.Width = req.Tile.PixelWidth
	p.Output.Height = req.Tile.PixelHeight
	resp := outputResponse{Identifier: "default"}
	resp.Format.Type = "image/tiff"
	p.Output.Responses = []outputResponse{resp}
	return p, nil
}

// normalizeBands upper-cases and de-duplicates the band list in VV, VH order.
// An empty list means both bands.
func normalizeBands(in []string) ([]string, error) {
	if len(in) == 0 {
		return slices.Clone(supportedBands), nil
	}
	want := make(map[string]bool, len(in))
	for _, b := range in {
		b = strings.ToUpper(strings.TrimSpace(b))
		if !slices.Contains(supportedBands, b) {
			return nil, errors.ValidationError(fmt.Sprintf("unsupported band %q, want one of %s",
				b, strings.Join(supportedBands, ", ")))
		}
		want[b] = true
	}
	var out []string
	for _, b := range supportedBands {
		if want[b] {
			out = append(out, b)
		}
	}
	return out, nil
}

// CRSURL returns the OGC CRS identifier Sentinel Hub expects. Geographic
// coordinates use CRS84 so the bbox stays in lon/lat order.
func CRSURL(crs geo.CRS) string {
	if crs.IsGeographic() {
		return "http://www.opengis.net/def/crs/OGC/1.3/CRS84"
	}
	return fmt.Sprintf("http://www.opengis.net/def/crs/EPSG/0/%d", crs.EPSG())
}

// Evalscript returns the script producing one FLOAT32 band per polarization,
// in decibels.
func Evalscript(bands []string) string {
	quoted := make([]string, len(bands))
	samples := make([]string, len(bands))
	for i, b := range bands {
		quoted[i] = fmt.Sprintf("%q", b)
		samples[i] = fmt.Sprintf("toDb(sample.%s)", b)
	}

	var sb strings.Builder
	sb.WriteString("//VERSION=3\n")
	sb.WriteString("function setup() {\n")
	fmt.Fprintf(&sb, "  return {\n    input: [%s],\n", strings.Join(quoted, ", "))
	fmt.Fprintf(&sb, "    output: { bands: %d, sampleType: \"FLOAT32\" }\n  };\n}\n", len(bands))
	sb.WriteString("function toDb(x) {\n  return 10 * Math.log(x) / Math.LN10;\n}\n")
	sb.WriteString("function evaluatePixel(sample) {\n")
	fmt.Fprintf(&sb, "  return [%s];\n}\n", strings.Join(samples, ", "))
	return sb.String()
}
