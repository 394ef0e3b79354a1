package geo

import (
	"fmt"

	geom "github.com/peterstace/simplefeatures/geom"
)

// LineString converts a segment to a simplefeatures line string in
// longitude/latitude order. A segment without two distinct points is not a
// valid line string and returns an error.
func (s Segment) LineString() (geom.LineString, error) {
	flat := make([]float64, 0, len(s)*2)
	for _, p := range s {
		flat = append(flat, p.LonDeg, p.LatDeg)
	}
	ls, err := geom.NewLineString(geom.NewSequence(flat, geom.DimXY))
	if err != nil {
		return geom.LineString{}, fmt.Errorf("segment of %d points: %w", len(s), err)
	}
	return ls, nil
}

// MultiLineString collects the drawable segments into one geometry.
// Segments that do not form a valid line string (a single sample, or a
// stationary object sampled repeatedly at one spot) are left out.
func MultiLineString(segments []Segment) geom.MultiLineString {
	lines := make([]geom.LineString, 0, len(segments))
	for _, s := range segments {
		if len(s) < 2 {
			continue
		}
		ls, err := s.LineString()
		if err != nil {
			continue
		}
		lines = append(lines, ls)
	}
	return geom.NewMultiLineString(lines)
}

// TrackGeoJSON renders a track as a GeoJSON MultiLineString.
func TrackGeoJSON(segments []Segment) ([]byte, error) {
	return MultiLineString(segments).AsGeometry().MarshalJSON()
}
