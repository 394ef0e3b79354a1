// Package geo holds the pure geometry of the tracking engine: footprint
// radii, ground track sampling and antimeridian segmentation.
package geo

import (
	"math"
	"time"

	"github.com/star/orbitrack/internal/tle"
)

// EarthRadiusMeters is the mean Earth radius (IUGG R1).
const EarthRadiusMeters = 6371008.8

// Geodetic is a sub-satellite position with altitude above the ellipsoid.
type Geodetic struct {
	LatDeg float64 `json:"lat"`
	LonDeg float64 `json:"lon"`
	AltKm  float64 `json:"alt_km"`
}

// Point is a position on the surface.
type Point struct {
	LatDeg float64 `json:"lat"`
	LonDeg float64 `json:"lon"`
}

// Point drops the altitude.
func (g Geodetic) Point() Point {
	return Point{LatDeg: g.LatDeg, LonDeg: g.LonDeg}
}

// Oracle computes an object's geodetic position at a given time, or fails
// when the element set cannot produce one.
type Oracle interface {
	Propagate(rec tle.Record, t time.Time) (Geodetic, error)
}

// NormalizeLongitude maps any longitude in degrees to (-180, 180].
func NormalizeLongitude(deg float64) float64 {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return deg
	}
	lon := math.Mod(deg, 360)
	if lon <= -180 {
		lon += 360
	} else if lon > 180 {
		lon -= 360
	}
	return lon
}
