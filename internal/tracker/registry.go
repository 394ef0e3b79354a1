package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/star/orbitrack/internal/geo"
	"github.com/star/orbitrack/internal/source"
	"github.com/star/orbitrack/internal/tle"
)

// Outcome is the result of propagating one object at one instant.
type Outcome struct {
	CatalogID int
	Position  geo.Geodetic
	Err       error
}

// OK reports whether propagation produced a position.
func (o Outcome) OK() bool { return o.Err == nil }

// Object is a read-only view of a tracked object.
type Object struct {
	CatalogID  int           `json:"catalog_id"`
	Name       string        `json:"name"`
	Glyph      string        `json:"glyph"`
	Epoch      time.Time     `json:"epoch,omitzero"`
	Position   *geo.Geodetic `json:"position,omitempty"`
	Stale      bool          `json:"stale"`
	LastError  string        `json:"last_error,omitempty"`
	PositionAt time.Time     `json:"position_at,omitzero"`
	Record     tle.Record    `json:"-"`
}

// Status summarizes the registry and the last source refresh.
type Status struct {
	Status    string               `json:"status"`
	Ready     bool                 `json:"ready"`
	Tracked   int                  `json:"tracked"`
	Stale     int                  `json:"stale"`
	Truncated int                  `json:"truncated"`
	Selected  int                  `json:"selected,omitempty"`
	FetchedAt time.Time            `json:"fetched_at,omitzero"`
	LastTick  time.Time            `json:"last_tick,omitzero"`
	Groups    []source.GroupResult `json:"groups,omitempty"`
}

type trackedObject struct {
	record     tle.Record
	position   geo.Geodetic
	hasPos     bool
	stale      bool
	lastErr    string
	positionAt time.Time
}

// Registry holds the tracked objects. Only the Scheduler mutates it; the
// lock lets HTTP handlers read consistent snapshots.
type Registry struct {
	mu      sync.RWMutex
	objects map[int]*trackedObject
	ids     []int // ascending
	status  Status
}

func newRegistry() *Registry {
	return &Registry{
		objects: make(map[int]*trackedObject),
		status:  Status{Status: "Loading satellites"},
	}
}

// Objects returns every tracked object in ascending catalog id order.
func (r *Registry) Objects() []Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Object, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.objects[id].view())
	}
	return out
}

// Object returns the tracked object with the given catalog id.
func (r *Registry) Object(id int) (Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.objects[id]
	if !ok {
		return Object{}, false
	}
	return o.view(), true
}

// Len returns the number of tracked objects.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

// Status returns the current status summary.
func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := r.status
	st.Tracked = len(r.ids)
	st.Stale = 0
	for _, o := range r.objects {
		if o.stale {
			st.Stale++
		}
	}
	st.Groups = append([]source.GroupResult(nil), r.status.Groups...)
	return st
}

// records returns the current records in ascending catalog id order.
func (r *Registry) records() []tle.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tle.Record, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.objects[id].record)
	}
	return out
}

// replace installs a new record set. Existing objects keep their position
// and stale flag; only the record is swapped.
func (r *Registry) replace(records []tle.Record) (added, removed []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[int]*trackedObject, len(records))
	ids := make([]int, 0, len(records))
	for _, rec := range records {
		if _, dup := next[rec.CatalogID]; dup {
			continue
		}
		o, ok := r.objects[rec.CatalogID]
		if !ok {
			o = &trackedObject{}
			added = append(added, rec.CatalogID)
		}
		o.record = rec
		next[rec.CatalogID] = o
		ids = append(ids, rec.CatalogID)
	}
	for id := range r.objects {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Ints(ids)
	sort.Ints(removed)
	r.objects = next
	r.ids = ids
	return added, removed
}

// applyOutcomes folds one tick's results into the objects. A failure keeps
// the last position and marks the object stale.
func (r *Registry) applyOutcomes(outcomes []Outcome, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, oc := range outcomes {
		o, ok := r.objects[oc.CatalogID]
		if !ok {
			continue
		}
		if oc.OK() {
			o.position = oc.Position
			o.hasPos = true
			o.stale = false
			o.lastErr = ""
			o.positionAt = at
			continue
		}
		o.stale = true
		o.lastErr = oc.Err.Error()
	}
	r.status.LastTick = at
}

func (r *Registry) setStatus(fn func(*Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.status)
}

func (o *trackedObject) view() Object {
	v := Object{
		CatalogID:  o.record.CatalogID,
		Name:       o.record.Name,
		Glyph:      o.record.Glyph,
		Epoch:      o.record.Epoch,
		Stale:      o.stale,
		LastError:  o.lastErr,
		PositionAt: o.positionAt,
		Record:     o.record,
	}
	if o.hasPos {
		pos := o.position
		v.Position = &pos
	}
	return v
}
