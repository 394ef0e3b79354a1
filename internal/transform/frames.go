// Package transform converts SGP4 output into geodetic coordinates.
//
// SGP4 reports positions in TEME (True Equator Mean Equinox). Rotating by
// GMST gives a pseudo Earth-fixed frame that is treated as ECEF; polar motion
// and the equation of the equinoxes are ignored, which costs tens of meters
// and is invisible on a 2-D map.
package transform

import (
	"math"
	"time"
)

// j2000 is the Julian Date of the J2000.0 epoch.
const j2000 = 2451545.0

// WGS-84 ellipsoid.
const (
	wgs84A  = 6378137.0
	wgs84F  = 1.0 / 298.257223563
	wgs84E2 = wgs84F * (2 - wgs84F)
)

// Vec3 is a Cartesian position in kilometers.
type Vec3 struct {
	X, Y, Z float64
}

// Norm returns the vector length.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Finite reports whether all components are finite numbers.
func (v Vec3) Finite() bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// JulianDate converts a UTC instant to a Julian Date.
func JulianDate(t time.Time) float64 {
	t = t.UTC()
	y := float64(t.Year())
	m := float64(t.Month())
	if m <= 2 {
		y--
		m += 12
	}
	a := math.Floor(y / 100)
	b := 2 - a + math.Floor(a/4)
	dayFrac := (float64(t.Hour()) +
		float64(t.Minute())/60 +
		(float64(t.Second())+float64(t.Nanosecond())/1e9)/3600) / 24
	return math.Floor(365.25*(y+4716)) + math.Floor(30.6001*(m+1)) + float64(t.Day()) + b - 1524.5 + dayFrac
}

// GMST returns Greenwich Mean Sidereal Time in radians (IAU-82, Vallado 3-47).
func GMST(t time.Time) float64 {
	tu := (JulianDate(t) - j2000) / 36525.0
	sec := 67310.54841 +
		(876600*3600+8640184.812866)*tu +
		0.093104*tu*tu -
		6.2e-6*tu*tu*tu
	sec = math.Mod(sec, 86400)
	if sec < 0 {
		sec += 86400
	}
	return sec / 86400 * 2 * math.Pi
}

// TEMEToECEF rotates a TEME position about Z by the given GMST angle.
func TEMEToECEF(r Vec3, gmst float64) Vec3 {
	c, s := math.Cos(gmst), math.Sin(gmst)
	return Vec3{
		X: r.X*c + r.Y*s,
		Y: -r.X*s + r.Y*c,
		Z: r.Z,
	}
}

// Geodetic is a WGS-84 latitude/longitude in degrees and altitude in km.
type Geodetic struct {
	LatDeg, LonDeg, AltKm float64
}

// ECEFToGeodetic converts an Earth-fixed position in km to WGS-84 geodetic
// coordinates with a fixed-point iteration on latitude.
func ECEFToGeodetic(r Vec3) Geodetic {
	x, y, z := r.X*1000, r.Y*1000, r.Z*1000
	p := math.Hypot(x, y)
	lat := math.Atan2(z, p*(1-wgs84E2))
	for i := 0; i < 5; i++ {
		sinLat := math.Sin(lat)
		n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
		lat = math.Atan2(z+wgs84E2*n*sinLat, p)
	}

	sinLat, cosLat := math.Sin(lat), math.Cos(lat)
	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
	var alt float64
	if math.Abs(cosLat) > 1e-10 {
		alt = p/cosLat - n
	} else {
		alt = math.Abs(z)/math.Abs(sinLat) - n*(1-wgs84E2)
	}

	return Geodetic{
		LatDeg: lat * 180 / math.Pi,
		LonDeg: math.Atan2(y, x) * 180 / math.Pi,
		AltKm:  alt / 1000,
	}
}
