package overlay

import (
	"log/slog"
	"sync"

	"github.com/star/orbitrack/internal/geo"
	"github.com/star/orbitrack/internal/metrics"
)

// State is an object's lifecycle on the surface.
type State int

const (
	Absent State = iota
	Active
	Stale
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Stale:
		return "stale"
	default:
		return "absent"
	}
}

// Object is the reconciler's view of one tracked object for a frame.
type Object struct {
	CatalogID   int
	Name        string
	Glyph       string
	Position    geo.Geodetic
	HasPosition bool // false until the first successful propagation
	Stale       bool // the latest propagation attempt failed
}

// Detail is the selected object's footprint and ground track. A nil Track
// keeps the polylines from the previous frame.
type Detail struct {
	CatalogID       int
	Center          geo.Point
	FootprintMeters float64
	Track           *geo.Track
}

// Frame is everything the surface should show after one tick.
type Frame struct {
	Objects []Object
	Detail  *Detail
}

// Stats counts what one reconciliation did.
type Stats struct {
	Created   int
	Moved     int
	Unchanged int
	Frozen    int
	Removed   int
}

type entity struct {
	marker Handle
	spec   MarkerSpec
	state  State
}

type detailEntities struct {
	catalogID  int
	circle     Handle
	circleSpec CircleSpec
	lines      []Handle
}

// Reconciler owns the catalog id → entity table for a Surface. Entities are
// reused across frames: markers move instead of being recreated.
type Reconciler struct {
	mu       sync.Mutex
	surface  Surface
	logger   *slog.Logger
	entities map[int]*entity
	detail   *detailEntities
	closed   bool
}

// NewReconciler creates a reconciler with no entities.
func NewReconciler(surface Surface, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		surface:  surface,
		logger:   logger,
		entities: make(map[int]*entity),
	}
}

// Sync creates entities for objects not yet on the surface and removes
// entities whose object is gone. Existing entities are left untouched.
func (r *Reconciler) Sync(objects []Object) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var st Stats
	if r.closed {
		return st
	}
	r.syncLocked(objects, &st)
	return st
}

// Apply reconciles the surface against frame: membership first, then a move
// for every object whose marker changed. Stale objects keep their marker at
// the last known position. Reapplying an identical frame issues no calls.
func (r *Reconciler) Apply(frame Frame) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var st Stats
	if r.closed {
		return st
	}
	r.syncLocked(frame.Objects, &st)

	for _, obj := range frame.Objects {
		e := r.entities[obj.CatalogID]
		if e == nil {
			continue
		}
		if obj.Stale {
			e.state = Stale
			st.Frozen++
			continue
		}
		e.state = Active
		if !obj.HasPosition {
			continue
		}

		want := markerSpec(obj)
		if want == e.spec {
			st.Unchanged++
			continue
		}
		if err := r.surface.UpdateMarker(e.marker, want); err != nil {
			r.logger.Warn("marker update failed", "catalog_id", obj.CatalogID, "error", err)
			continue
		}
		metrics.IncRenderOp("update_marker")
		e.spec = want
		st.Moved++
	}

	r.applyDetailLocked(frame.Detail)
	return st
}

// State returns the lifecycle state of id.
func (r *Reconciler) State(id int) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entities[id]; ok {
		return e.state
	}
	return Absent
}

// Len returns the number of objects with entities on the surface.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entities)
}

// Close removes every entity from the surface. Later calls are no-ops.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.clearDetailLocked()
	for id := range r.entities {
		r.removeLocked(id)
	}
	r.closed = true
}

func (r *Reconciler) syncLocked(objects []Object, st *Stats) {
	present := make(map[int]struct{}, len(objects))
	for _, obj := range objects {
		present[obj.CatalogID] = struct{}{}
		if _, ok := r.entities[obj.CatalogID]; ok {
			continue
		}
		spec := markerSpec(obj)
		h, err := r.surface.CreateMarker(spec)
		if err != nil {
			r.logger.Warn("marker create failed", "catalog_id", obj.CatalogID, "error", err)
			continue
		}
		metrics.IncRenderOp("create_marker")
		state := Active
		if obj.Stale {
			state = Stale
		}
		r.entities[obj.CatalogID] = &entity{marker: h, spec: spec, state: state}
		st.Created++
	}

	for id := range r.entities {
		if _, ok := present[id]; !ok {
			r.removeLocked(id)
			st.Removed++
		}
	}
	if r.detail != nil {
		if _, ok := present[r.detail.catalogID]; !ok {
			r.clearDetailLocked()
		}
	}
}

func (r *Reconciler) removeLocked(id int) {
	e := r.entities[id]
	delete(r.entities, id)
	if err := r.surface.RemoveMarker(e.marker); err != nil {
		r.logger.Warn("marker remove failed", "catalog_id", id, "error", err)
		return
	}
	metrics.IncRenderOp("remove_marker")
}

func (r *Reconciler) applyDetailLocked(d *Detail) {
	if d == nil || r.entities[d.CatalogID] == nil {
		r.clearDetailLocked()
		return
	}
	if r.detail != nil && r.detail.catalogID != d.CatalogID {
		r.clearDetailLocked()
	}
	if r.detail == nil {
		r.detail = &detailEntities{catalogID: d.CatalogID}
	}

	circle := CircleSpec{Center: d.Center, RadiusMeters: d.FootprintMeters}
	switch {
	case r.detail.circle == "":
		h, err := r.surface.CreateCircle(circle)
		if err != nil {
			r.logger.Warn("footprint create failed", "catalog_id", d.CatalogID, "error", err)
			break
		}
		metrics.IncRenderOp("create_circle")
		r.detail.circle, r.detail.circleSpec = h, circle
	case r.detail.circleSpec != circle:
		if err := r.surface.UpdateCircle(r.detail.circle, circle); err != nil {
			r.logger.Warn("footprint update failed", "catalog_id", d.CatalogID, "error", err)
			break
		}
		metrics.IncRenderOp("update_circle")
		r.detail.circleSpec = circle
	}

	if d.Track == nil {
		return
	}
	r.removeLinesLocked()
	r.createLinesLocked(PolylinePast, d.Track.Past)
	r.createLinesLocked(PolylineFuture, d.Track.Future)
}

func (r *Reconciler) createLinesLocked(kind PolylineKind, segments []geo.Segment) {
	for _, seg := range segments {
		if len(seg) < 2 {
			continue
		}
		h, err := r.surface.CreatePolyline(PolylineSpec{Kind: kind, Points: seg})
		if err != nil {
			r.logger.Warn("track create failed", "catalog_id", r.detail.catalogID, "error", err)
			continue
		}
		metrics.IncRenderOp("create_polyline")
		r.detail.lines = append(r.detail.lines, h)
	}
}

func (r *Reconciler) removeLinesLocked() {
	for _, h := range r.detail.lines {
		if err := r.surface.RemovePolyline(h); err != nil {
			r.logger.Warn("track remove failed", "catalog_id", r.detail.catalogID, "error", err)
			continue
		}
		metrics.IncRenderOp("remove_polyline")
	}
	r.detail.lines = nil
}

func (r *Reconciler) clearDetailLocked() {
	if r.detail == nil {
		return
	}
	r.removeLinesLocked()
	if r.detail.circle != "" {
		if err := r.surface.RemoveCircle(r.detail.circle); err != nil {
			r.logger.Warn("footprint remove failed", "catalog_id", r.detail.catalogID, "error", err)
		} else {
			metrics.IncRenderOp("remove_circle")
		}
	}
	r.detail = nil
}

func markerSpec(obj Object) MarkerSpec {
	spec := MarkerSpec{Label: obj.Name, Glyph: obj.Glyph}
	if obj.HasPosition {
		spec.Position = obj.Position.Point()
		spec.Visible = true
	}
	return spec
}
