package geo

import "math"

// FootprintRadiusMeters returns the great-circle radius of the surface region
// visible from an object at altKm, on a spherical Earth:
//
//	radius = R · arccos(R / (R + h))
//
// The result is 0 for non-positive altitude, non-decreasing in altitude and
// never larger than π·R.
func FootprintRadiusMeters(altKm float64) float64 {
	if !(altKm > 0) {
		return 0
	}
	if math.IsInf(altKm, 1) {
		return EarthRadiusMeters * math.Pi / 2
	}
	h := altKm * 1000
	ratio := EarthRadiusMeters / (EarthRadiusMeters + h)
	ratio = math.Max(-1, math.Min(1, ratio))
	return EarthRadiusMeters * math.Acos(ratio)
}
