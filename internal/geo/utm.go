package geo

import "math"

// Transverse Mercator on the WGS84 ellipsoid using the Krüger series to third
// order in n, which keeps round-trip error well below a millimetre inside a zone.

const (
	wgs84A                = 6378137.0
	wgs84F                = 1 / 298.257223563
	utmScale              = 0.9996
	utmFalseEasting       = 500000.0
	utmFalseNorthingSouth = 10000000.0

	deg = math.Pi / 180
)

type kruger struct {
	a     float64 // rectifying radius
	c     float64 // 2*sqrt(n)/(1+n)
	alpha [3]float64
	beta  [3]float64
	delta [3]float64
}

var wgs84TM = newKruger(wgs84A, wgs84F)

func newKruger(a, f float64) kruger {
	n := f / (2 - f)
	n2 := n * n
	n3 := n2 * n

	return kruger{
		a: a / (1 + n) * (1 + n2/4 + n2*n2/64),
		c: 2 * math.Sqrt(n) / (1 + n),
		alpha: [3]float64{
			n/2 - 2*n2/3 + 5*n3/16,
			13*n2/48 - 3*n3/5,
			61 * n3 / 240,
		},
		beta: [3]float64{
			n/2 - 2*n2/3 + 37*n3/96,
			n2/48 + n3/15,
			17 * n3 / 480,
		},
		delta: [3]float64{
			2*n - 2*n2/3 - 2*n3,
			7*n2/3 - 8*n3/5,
			56 * n3 / 15,
		},
	}
}

// forward maps lon/lat degrees to easting/northing offsets from the central
// meridian and equator, in metres, already scaled by k0.
func (k kruger) forward(lon, lat, lon0 float64) (x, y float64) {
	phi := lat * deg
	dl := (lon - lon0) * deg

	sinPhi := math.Sin(phi)
	t := math.Sinh(math.Atanh(sinPhi) - k.c*math.Atanh(k.c*sinPhi))
	xiP := math.Atan2(t, math.Cos(dl))
	etaP := math.Atanh(math.Sin(dl) / math.Sqrt(1+t*t))

	xi, eta := xiP, etaP
	for j := range 3 {
		m := 2 * float64(j+1)
		xi += k.alpha[j] * math.Sin(m*xiP) * math.Cosh(m*etaP)
		eta += k.alpha[j] * math.Cos(m*xiP) * math.Sinh(m*etaP)
	}

	return utmScale * k.a * eta, utmScale * k.a * xi
}

// inverse is the reverse of forward.
func (k kruger) inverse(x, y, lon0 float64) (lon, lat float64) {
	xi := y / (utmScale * k.a)
	eta := x / (utmScale * k.a)

	xiP, etaP := xi, eta
	for j := range 3 {
		m := 2 * float64(j+1)
		xiP -= k.beta[j] * math.Sin(m*xi) * math.Cosh(m*eta)
		etaP -= k.beta[j] * math.Cos(m*xi) * math.Sinh(m*eta)
	}

	chi := math.Asin(math.Sin(xiP) / math.Cosh(etaP))
	phi := chi
	for j := range 3 {
		phi += k.delta[j] * math.Sin(2*float64(j+1)*chi)
	}

	return lon0 + math.Atan2(math.Sinh(etaP), math.Cos(xiP))/deg, phi / deg
}

func centralMeridian(zone int) float64 {
	return float64(zone-1)*6 - 180 + 3
}

// lonLatToUTM projects WGS84 degrees into the given zone.
func lonLatToUTM(lon, lat float64, zone int, north bool) (easting, northing float64) {
	x, y := wgs84TM.forward(lon, lat, centralMeridian(zone))
	easting = utmFalseEasting + x
	northing = y
	if !north {
		northing += utmFalseNorthingSouth
	}
	return easting, northing
}

// utmToLonLat unprojects a zone easting/northing to WGS84 degrees.
func utmToLonLat(easting, northing float64, zone int, north bool) (lon, lat float64) {
	y := northing
	if !north {
		y -= utmFalseNorthingSouth
	}
	return wgs84TM.inverse(easting-utmFalseEasting, y, centralMeridian(zone))
}
