package geo

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// Transformer maps coordinates from one CRS to another.
type Transformer interface {
	Transform(x, y float64) (float64, float64, error)
	Source() CRS
	Target() CRS
}

// NewTransformer builds a transformer between two supported CRSs. Either CRS
// being absent or unsupported is an error; there is no identity fallback.
func NewTransformer(src, dst CRS) (Transformer, error) {
	if !src.Valid() {
		return nil, fmt.Errorf("%w: source %s", ErrInvalidCRS, src)
	}
	if !dst.Valid() {
		return nil, fmt.Errorf("%w: target %s", ErrInvalidCRS, dst)
	}
	return &transformer{src: src, dst: dst}, nil
}

type transformer struct {
	src, dst CRS
}

func (t *transformer) Source() CRS { return t.src }
func (t *transformer) Target() CRS { return t.dst }

func (t *transformer) Transform(x, y float64) (float64, float64, error) {
	if t.src == t.dst {
		return x, y, nil
	}

	lon, lat := x, y
	if zone, north, ok := t.src.UTMZone(); ok {
		lon, lat = utmToLonLat(x, y, zone, north)
	}

	if lat < -90 || lat > 90 || math.IsNaN(lon) || math.IsNaN(lat) {
		return 0, 0, fmt.Errorf("coordinate (%g, %g) outside %s domain", x, y, t.src)
	}

	if zone, north, ok := t.dst.UTMZone(); ok {
		x, y = lonLatToUTM(lon, lat, zone, north)
	} else {
		x, y = lon, lat
	}

	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return 0, 0, fmt.Errorf("coordinate (%g, %g) has no image in %s", lon, lat, t.dst)
	}
	return x, y, nil
}

// TransformBound transforms a bounding box by sampling densify points along
// each edge and returning the envelope of the transformed samples.
func TransformBound(t Transformer, b orb.Bound, densify int) (orb.Bound, error) {
	densify = max(densify, 2)

	var out orb.Bound
	first := true
	add := func(x, y float64) error {
		tx, ty, err := t.Transform(x, y)
		if err != nil {
			return err
		}
		p := orb.Point{tx, ty}
		if first {
			out = orb.Bound{Min: p, Max: p}
			first = false
			return nil
		}
		out = out.Extend(p)
		return nil
	}

	for i := range densify {
		f := float64(i) / float64(densify-1)
		x := b.Min[0] + f*(b.Max[0]-b.Min[0])
		y := b.Min[1] + f*(b.Max[1]-b.Min[1])
		for _, p := range [][2]float64{
			{x, b.Min[1]}, {x, b.Max[1]},
			{b.Min[0], y}, {b.Max[0], y},
		} {
			if err := add(p[0], p[1]); err != nil {
				return orb.Bound{}, err
			}
		}
	}

	return out, nil
}
