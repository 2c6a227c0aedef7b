// Package geo holds the coordinate reference systems and transforms the
// pipeline works with: WGS84 geographic coordinates and the WGS84 UTM zones.
package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
)

// ErrInvalidCRS is returned for an absent or unsupported coordinate reference system.
var ErrInvalidCRS = errors.NewStd("invalid or unsupported CRS")

// CRS is a coordinate reference system identified by its EPSG code.
// The zero value is the absent CRS.
type CRS int

// WGS84 is the canonical geographic CRS (EPSG:4326).
const WGS84 CRS = 4326

const (
	utmNorthBase = 32600
	utmSouthBase = 32700
)

// UTM returns the WGS84 UTM CRS for a zone and hemisphere.
func UTM(zone int, north bool) CRS {
	if north {
		return CRS(utmNorthBase + zone)
	}
	return CRS(utmSouthBase + zone)
}

// UTMZoneForLon returns the UTM zone number (1-60) covering a longitude.
func UTMZoneForLon(lon float64) int {
	zone := int(math.Floor((lon+180)/6)) + 1
	return min(max(zone, 1), 60)
}

// ParseCRS accepts "EPSG:32611", "epsg:4326" or a bare code.
func ParseCRS(s string) (CRS, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	s = strings.TrimPrefix(s, "EPSG:")
	code, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCRS, s)
	}
	c := CRS(code)
	if !c.Valid() {
		return 0, fmt.Errorf("%w: EPSG:%d", ErrInvalidCRS, code)
	}
	return c, nil
}

// EPSG returns the numeric code.
func (c CRS) EPSG() int { return int(c) }

// IsGeographic reports whether the CRS is WGS84 lon/lat.
func (c CRS) IsGeographic() bool { return c == WGS84 }

// UTMZone returns the zone and hemisphere of a UTM CRS.
func (c CRS) UTMZone() (zone int, north bool, ok bool) {
	switch code := int(c); {
	case code > utmNorthBase && code <= utmNorthBase+60:
		return code - utmNorthBase, true, true
	case code > utmSouthBase && code <= utmSouthBase+60:
		return code - utmSouthBase, false, true
	}
	return 0, false, false
}

// Valid reports whether the CRS is one this package can transform.
func (c CRS) Valid() bool {
	if c.IsGeographic() {
		return true
	}
	_, _, ok := c.UTMZone()
	return ok
}

// String renders "EPSG:<code>".
func (c CRS) String() string {
	return fmt.Sprintf("EPSG:%d", int(c))
}

// Slug renders the CRS for use in file names, e.g. "EPSG4326".
func (c CRS) Slug() string {
	return fmt.Sprintf("EPSG%d", int(c))
}

// Proj4 renders the PROJ definition for logging and metadata.
func (c CRS) Proj4() string {
	if c.IsGeographic() {
		return "+proj=longlat +datum=WGS84 +no_defs"
	}
	if zone, north, ok := c.UTMZone(); ok {
		south := ""
		if !north {
			south = " +south"
		}
		return fmt.Sprintf("+proj=utm +zone=%d%s +ellps=WGS84 +datum=WGS84 +units=m +no_defs", zone, south)
	}
	return ""
}
