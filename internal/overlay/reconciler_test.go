package overlay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/star/orbitrack/internal/geo"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

// recordingSurface counts every intent and tracks live entities.
type recordingSurface struct {
	next    int
	calls   map[string]int
	markers map[Handle]MarkerSpec
	lines   map[Handle]PolylineSpec
	circles map[Handle]CircleSpec
	failOn  string
}

func newRecordingSurface() *recordingSurface {
	return &recordingSurface{
		calls:   make(map[string]int),
		markers: make(map[Handle]MarkerSpec),
		lines:   make(map[Handle]PolylineSpec),
		circles: make(map[Handle]CircleSpec),
	}
}

func (s *recordingSurface) handle() Handle {
	s.next++
	return Handle(fmt.Sprintf("h%d", s.next))
}

func (s *recordingSurface) op(name string) error {
	s.calls[name]++
	if s.failOn == name {
		return errors.New("surface unavailable")
	}
	return nil
}

func (s *recordingSurface) CreateMarker(spec MarkerSpec) (Handle, error) {
	if err := s.op("create_marker"); err != nil {
		return "", err
	}
	h := s.handle()
	s.markers[h] = spec
	return h, nil
}

func (s *recordingSurface) UpdateMarker(h Handle, spec MarkerSpec) error {
	if err := s.op("update_marker"); err != nil {
		return err
	}
	s.markers[h] = spec
	return nil
}

func (s *recordingSurface) RemoveMarker(h Handle) error {
	if err := s.op("remove_marker"); err != nil {
		return err
	}
	delete(s.markers, h)
	return nil
}

func (s *recordingSurface) CreatePolyline(spec PolylineSpec) (Handle, error) {
	if err := s.op("create_polyline"); err != nil {
		return "", err
	}
	h := s.handle()
	s.lines[h] = spec
	return h, nil
}

func (s *recordingSurface) RemovePolyline(h Handle) error {
	if err := s.op("remove_polyline"); err != nil {
		return err
	}
	delete(s.lines, h)
	return nil
}

func (s *recordingSurface) CreateCircle(spec CircleSpec) (Handle, error) {
	if err := s.op("create_circle"); err != nil {
		return "", err
	}
	h := s.handle()
	s.circles[h] = spec
	return h, nil
}

func (s *recordingSurface) UpdateCircle(h Handle, spec CircleSpec) error {
	if err := s.op("update_circle"); err != nil {
		return err
	}
	s.circles[h] = spec
	return nil
}

func (s *recordingSurface) RemoveCircle(h Handle) error {
	if err := s.op("remove_circle"); err != nil {
		return err
	}
	delete(s.circles, h)
	return nil
}

func object(id int, lon float64) Object {
	return Object{
		CatalogID:   id,
		Name:        fmt.Sprintf("OBJ %d", id),
		Glyph:       "🛰️",
		Position:    geo.Geodetic{LatDeg: 10, LonDeg: lon, AltKm: 400},
		HasPosition: true,
	}
}

func TestApplyCreatesThenMoves(t *testing.T) {
	surface := newRecordingSurface()
	r := NewReconciler(surface, testLogger)

	st := r.Apply(Frame{Objects: []Object{object(1, 0), object(2, 10)}})
	assert.Equal(t, 2, st.Created)
	assert.Equal(t, 0, st.Moved)
	assert.Len(t, surface.markers, 2)

	st = r.Apply(Frame{Objects: []Object{object(1, 1), object(2, 11)}})
	assert.Equal(t, 0, st.Created)
	assert.Equal(t, 2, st.Moved)
	assert.Equal(t, 2, surface.calls["create_marker"])
	assert.Equal(t, 2, surface.calls["update_marker"])
	assert.Equal(t, Active, r.State(1))
}

func TestApplyIsIdempotent(t *testing.T) {
	surface := newRecordingSurface()
	r := NewReconciler(surface, testLogger)
	frame := Frame{Objects: []Object{object(1, 0), object(2, 10), object(3, 20)}}

	r.Apply(frame)
	before := fmt.Sprint(surface.calls)

	st := r.Apply(frame)
	assert.Equal(t, 3, st.Unchanged)
	assert.Equal(t, 0, st.Created+st.Moved+st.Removed)
	assert.Equal(t, before, fmt.Sprint(surface.calls))
}

func TestStaleObjectKeepsMarker(t *testing.T) {
	surface := newRecordingSurface()
	r := NewReconciler(surface, testLogger)
	r.Apply(Frame{Objects: []Object{object(1, 0), object(2, 10), object(3, 20)}})
	updates := surface.calls["update_marker"]

	stale := object(2, 99)
	stale.Stale = true
	st := r.Apply(Frame{Objects: []Object{object(1, 5), stale, object(3, 25)}})

	assert.Equal(t, 2, st.Moved)
	assert.Equal(t, 1, st.Frozen)
	assert.Equal(t, updates+2, surface.calls["update_marker"])
	assert.Equal(t, Stale, r.State(2))
	assert.Len(t, surface.markers, 3)

	for _, spec := range surface.markers {
		if spec.Label == "OBJ 2" {
			assert.Equal(t, 10.0, spec.Position.LonDeg)
		}
	}

	r.Apply(Frame{Objects: []Object{object(1, 5), object(2, 12), object(3, 25)}})
	assert.Equal(t, Active, r.State(2))
}

func TestSyncRemovesDroppedObjects(t *testing.T) {
	surface := newRecordingSurface()
	r := NewReconciler(surface, testLogger)
	r.Apply(Frame{Objects: []Object{object(1, 0), object(2, 10)}})

	st := r.Sync([]Object{object(2, 10), {CatalogID: 3, Name: "NEW"}})
	assert.Equal(t, 1, st.Created)
	assert.Equal(t, 1, st.Removed)
	assert.Equal(t, Absent, r.State(1))
	assert.Equal(t, Active, r.State(3))
	assert.Equal(t, 2, r.Len())
	assert.Len(t, surface.markers, 2)

	for _, spec := range surface.markers {
		if spec.Label == "NEW" {
			assert.False(t, spec.Visible)
		}
	}
}

func TestDetailFootprintAndTrack(t *testing.T) {
	surface := newRecordingSurface()
	r := NewReconciler(surface, testLogger)
	objs := []Object{object(1, 0), object(2, 10)}

	track := &geo.Track{
		Past:   []geo.Segment{{{LatDeg: 0, LonDeg: 170}, {LatDeg: 1, LonDeg: 179}}},
		Future: []geo.Segment{{{LatDeg: 1, LonDeg: 179}}, {{LatDeg: 2, LonDeg: -179}, {LatDeg: 3, LonDeg: -170}}},
	}
	r.Apply(Frame{Objects: objs, Detail: &Detail{
		CatalogID: 1, Center: geo.Point{LonDeg: 0, LatDeg: 10}, FootprintMeters: 2.2e6, Track: track,
	}})
	assert.Len(t, surface.circles, 1)
	// The single-point segment is not drawable.
	assert.Len(t, surface.lines, 2)

	// Same detail, no new track: only the circle moves.
	r.Apply(Frame{Objects: objs, Detail: &Detail{
		CatalogID: 1, Center: geo.Point{LonDeg: 1, LatDeg: 10}, FootprintMeters: 2.2e6,
	}})
	assert.Equal(t, 1, surface.calls["update_circle"])
	assert.Equal(t, 2, surface.calls["create_polyline"])

	// Switching selection clears the old detail first.
	r.Apply(Frame{Objects: objs, Detail: &Detail{
		CatalogID: 2, Center: geo.Point{LonDeg: 10, LatDeg: 10}, FootprintMeters: 2.0e6,
	}})
	assert.Equal(t, 1, surface.calls["remove_circle"])
	assert.Equal(t, 2, surface.calls["remove_polyline"])
	assert.Len(t, surface.circles, 1)
	assert.Empty(t, surface.lines)

	// Clearing selection removes the footprint.
	r.Apply(Frame{Objects: objs})
	assert.Empty(t, surface.circles)
}

func TestDetailClearedWhenObjectDropped(t *testing.T) {
	surface := newRecordingSurface()
	r := NewReconciler(surface, testLogger)
	r.Apply(Frame{Objects: []Object{object(1, 0)}, Detail: &Detail{CatalogID: 1, FootprintMeters: 1}})
	require.Len(t, surface.circles, 1)

	r.Sync(nil)
	assert.Empty(t, surface.circles)
	assert.Empty(t, surface.markers)
}

func TestSurfaceErrorsAreTolerated(t *testing.T) {
	surface := newRecordingSurface()
	surface.failOn = "create_marker"
	r := NewReconciler(surface, testLogger)

	st := r.Apply(Frame{Objects: []Object{object(1, 0)}})
	assert.Equal(t, 0, st.Created)
	assert.Equal(t, Absent, r.State(1))

	surface.failOn = ""
	st = r.Apply(Frame{Objects: []Object{object(1, 0)}})
	assert.Equal(t, 1, st.Created)
}

func TestCloseRemovesEverything(t *testing.T) {
	surface := newRecordingSurface()
	r := NewReconciler(surface, testLogger)
	r.Apply(Frame{
		Objects: []Object{object(1, 0), object(2, 10)},
		Detail: &Detail{CatalogID: 1, FootprintMeters: 1, Track: &geo.Track{
			Future: []geo.Segment{{{LonDeg: 0}, {LonDeg: 1}}},
		}},
	})

	r.Close()
	assert.Empty(t, surface.markers)
	assert.Empty(t, surface.lines)
	assert.Empty(t, surface.circles)

	st := r.Apply(Frame{Objects: []Object{object(3, 0)}})
	assert.Equal(t, Stats{}, st)
	assert.Empty(t, surface.markers)
	r.Close()
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "absent", Absent.String())
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "stale", Stale.String())
}
