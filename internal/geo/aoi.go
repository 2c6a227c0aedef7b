package geo

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
)

// UTM is defined between 80°S and 84°N.
const (
	utmMinLat = -80.0
	utmMaxLat = 84.0
)

// edgeSamples is the number of points sampled per edge when projecting bounds.
const edgeSamples = 21

// AreaOfInterest is a named WGS84 lon/lat bounding box.
type AreaOfInterest struct {
	Name   string
	Bounds orb.Bound
}

// NewAreaOfInterest validates and builds an AOI from xmin, ymin, xmax, ymax in degrees.
// A zero-area box is accepted here; the tiler rejects it.
func NewAreaOfInterest(name string, xmin, ymin, xmax, ymax float64) (AreaOfInterest, error) {
	if err := ValidateAreaName(name); err != nil {
		return AreaOfInterest{}, err
	}
	for _, v := range []float64{xmin, ymin, xmax, ymax} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return AreaOfInterest{}, validationError("coordinates must be finite", xmin, ymin, xmax, ymax)
		}
	}
	if xmin < -180 || xmax > 180 {
		return AreaOfInterest{}, validationError("longitude out of range [-180, 180]", xmin, ymin, xmax, ymax)
	}
	if ymin < utmMinLat || ymax > utmMaxLat {
		return AreaOfInterest{}, validationError("latitude outside UTM coverage [-80, 84]", xmin, ymin, xmax, ymax)
	}
	if xmin > xmax || ymin > ymax {
		return AreaOfInterest{}, validationError("minimum exceeds maximum", xmin, ymin, xmax, ymax)
	}

	return AreaOfInterest{
		Name:   name,
		Bounds: orb.Bound{Min: orb.Point{xmin, ymin}, Max: orb.Point{xmax, ymax}},
	}, nil
}

// ValidateAreaName checks that name can key a stored row and be used as a
// single file name component in the output directory.
func ValidateAreaName(name string) error {
	reason := ""
	switch {
	case strings.TrimSpace(name) == "":
		reason = "name is empty"
	case name == "." || name == "..":
		reason = "name is a relative path element"
	case strings.ContainsAny(name, `/\`) || filepath.Base(name) != name:
		reason = "name contains a path separator"
	case strings.ContainsRune(name, 0):
		reason = "name contains a NUL byte"
	}
	if reason == "" {
		return nil
	}
	return errors.Newf("invalid area name %q: %s", name, reason).
		Component("geo").
		Category(errors.CategoryValidation).
		Build()
}

func validationError(msg string, xmin, ymin, xmax, ymax float64) error {
	return errors.Newf("invalid area of interest: %s", msg).
		Component("geo").
		Category(errors.CategoryValidation).
		Context("bbox", fmt.Sprintf("%g,%g,%g,%g", xmin, ymin, xmax, ymax)).
		Build()
}

// Centroid returns the centre of the AOI.
func (a AreaOfInterest) Centroid() orb.Point {
	return a.Bounds.Center()
}

// WorkingCRS is the UTM zone containing the AOI centroid.
func (a AreaOfInterest) WorkingCRS() CRS {
	c := a.Centroid()
	return UTM(UTMZoneForLon(c.Lon()), c.Lat() >= 0)
}

// Project returns the AOI envelope in its working CRS.
func (a AreaOfInterest) Project() (orb.Bound, CRS, error) {
	crs := a.WorkingCRS()
	t, err := NewTransformer(WGS84, crs)
	if err != nil {
		return orb.Bound{}, 0, err
	}
	b, err := TransformBound(t, a.Bounds, edgeSamples)
	if err != nil {
		return orb.Bound{}, 0, errors.New(err).
			Component("geo").
			Category(errors.CategoryProjection).
			Context("crs", crs.String()).
			Build()
	}
	return b, crs, nil
}
