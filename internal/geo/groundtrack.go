package geo

import (
	"math"
	"time"

	"github.com/star/orbitrack/internal/tle"
)

// Segment is a polyline that never crosses the antimeridian.
type Segment []Point

// Window selects the span of a ground track around a reference time.
type Window struct {
	Past   time.Duration
	Future time.Duration
	Step   time.Duration
}

// Samples returns how many oracle calls the window costs.
func (w Window) Samples() int {
	if w.Step <= 0 {
		return 0
	}
	n := 0
	if w.Past > 0 {
		n += int(w.Past/w.Step) + 1
	}
	if w.Future > 0 {
		n += int(w.Future/w.Step) + 1
	}
	return n
}

// Track is a ground track split at the reference time.
type Track struct {
	Past   []Segment
	Future []Segment
}

// Segments returns past then future segments.
func (t Track) Segments() []Segment {
	out := make([]Segment, 0, len(t.Past)+len(t.Future))
	out = append(out, t.Past...)
	return append(out, t.Future...)
}

// SampleTrack propagates rec at every step between from and to (inclusive)
// and returns the sub-satellite points in time order. Samples the oracle
// cannot compute are dropped.
func SampleTrack(oracle Oracle, rec tle.Record, from, to time.Time, step time.Duration) []Point {
	if step <= 0 || to.Before(from) {
		return nil
	}
	n := int(to.Sub(from)/step) + 1
	points := make([]Point, 0, n)
	for i := 0; i < n; i++ {
		pos, err := oracle.Propagate(rec, from.Add(time.Duration(i)*step))
		if err != nil {
			continue
		}
		points = append(points, Point{LatDeg: pos.LatDeg, LonDeg: NormalizeLongitude(pos.LonDeg)})
	}
	return points
}

// SplitAtAntimeridian walks points in order and starts a new segment whenever
// consecutive longitudes differ by more than 180°.
func SplitAtAntimeridian(points []Point) []Segment {
	if len(points) == 0 {
		return nil
	}
	var segments []Segment
	current := Segment{points[0]}
	for i := 1; i < len(points); i++ {
		if math.Abs(points[i].LonDeg-points[i-1].LonDeg) > 180 {
			segments = append(segments, current)
			current = Segment{}
		}
		current = append(current, points[i])
	}
	return append(segments, current)
}

// GroundTrack samples the window around ref and segments each half. The
// reference instant is included in both halves so they meet on the map.
func GroundTrack(oracle Oracle, rec tle.Record, ref time.Time, w Window) Track {
	var track Track
	if w.Step <= 0 {
		return track
	}
	if w.Past > 0 {
		track.Past = SplitAtAntimeridian(SampleTrack(oracle, rec, ref.Add(-w.Past), ref, w.Step))
	}
	if w.Future > 0 {
		track.Future = SplitAtAntimeridian(SampleTrack(oracle, rec, ref, ref.Add(w.Future), w.Step))
	}
	return track
}
