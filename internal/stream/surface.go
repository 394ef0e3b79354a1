package stream

import (
	"fmt"
	"sort"
	"sync"

	"github.com/star/orbitrack/internal/metrics"
	"github.com/star/orbitrack/internal/overlay"
)

// Entity kinds.
const (
	KindMarker   = "marker"
	KindPolyline = "polyline"
	KindCircle   = "circle"
)

// Entity is one live render entity as sent to clients.
type Entity struct {
	Handle   overlay.Handle        `json:"handle"`
	Kind     string                `json:"kind"`
	Marker   *overlay.MarkerSpec   `json:"marker,omitempty"`
	Polyline *overlay.PolylineSpec `json:"polyline,omitempty"`
	Circle   *overlay.CircleSpec   `json:"circle,omitempty"`

	seq uint64
}

// intentMessage is a single render intent.
type intentMessage struct {
	Type string `json:"type"`
	Op   string `json:"op"`
	Entity
}

type subscriber struct {
	ch chan intentMessage
}

// Surface is an overlay.Surface that keeps the current scene in memory and
// broadcasts every intent to subscribed SSE clients. New clients receive the
// whole scene first, so a reconnect never misses state.
type Surface struct {
	mu       sync.Mutex
	next     uint64
	scene    map[overlay.Handle]Entity
	subs     map[*subscriber]struct{}
	bufSize  int
	shutdown bool
}

// NewSurface creates an empty surface. bufSize bounds each client's queue of
// pending intents; a client that falls further behind is disconnected.
func NewSurface(bufSize int) *Surface {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Surface{
		scene:   make(map[overlay.Handle]Entity),
		subs:    make(map[*subscriber]struct{}),
		bufSize: bufSize,
	}
}

var _ overlay.Surface = (*Surface)(nil)

func (s *Surface) CreateMarker(spec overlay.MarkerSpec) (overlay.Handle, error) {
	return s.create(Entity{Kind: KindMarker, Marker: &spec}, "create_marker")
}

func (s *Surface) UpdateMarker(h overlay.Handle, spec overlay.MarkerSpec) error {
	return s.update(Entity{Handle: h, Kind: KindMarker, Marker: &spec}, "update_marker")
}

func (s *Surface) RemoveMarker(h overlay.Handle) error {
	return s.remove(h, KindMarker, "remove_marker")
}

func (s *Surface) CreatePolyline(spec overlay.PolylineSpec) (overlay.Handle, error) {
	return s.create(Entity{Kind: KindPolyline, Polyline: &spec}, "create_polyline")
}

func (s *Surface) RemovePolyline(h overlay.Handle) error {
	return s.remove(h, KindPolyline, "remove_polyline")
}

func (s *Surface) CreateCircle(spec overlay.CircleSpec) (overlay.Handle, error) {
	return s.create(Entity{Kind: KindCircle, Circle: &spec}, "create_circle")
}

func (s *Surface) UpdateCircle(h overlay.Handle, spec overlay.CircleSpec) error {
	return s.update(Entity{Handle: h, Kind: KindCircle, Circle: &spec}, "update_circle")
}

func (s *Surface) RemoveCircle(h overlay.Handle) error {
	return s.remove(h, KindCircle, "remove_circle")
}

// Scene returns the live entities ordered by handle creation.
func (s *Surface) Scene() []Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sceneLocked()
}

// Len returns the number of live entities.
func (s *Surface) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scene)
}

// Subscribers returns the number of connected clients.
func (s *Surface) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Shutdown disconnects every subscriber. Intents issued afterwards still
// update the scene but are not delivered.
func (s *Surface) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	for sub := range s.subs {
		close(sub.ch)
		delete(s.subs, sub)
	}
}

// subscribe atomically snapshots the scene and registers a subscriber, so
// the returned channel carries exactly the intents issued after the snapshot.
func (s *Surface) subscribe() (*subscriber, []Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil, nil, false
	}
	sub := &subscriber{ch: make(chan intentMessage, s.bufSize)}
	s.subs[sub] = struct{}{}
	return sub, s.sceneLocked(), true
}

func (s *Surface) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

func (s *Surface) create(e Entity, op string) (overlay.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	e.seq = s.next
	e.Handle = overlay.Handle(fmt.Sprintf("%s-%d", e.Kind[:1], s.next))
	s.scene[e.Handle] = e
	s.broadcastLocked(op, e)
	return e.Handle, nil
}

func (s *Surface) update(e Entity, op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.scene[e.Handle]
	if !ok || cur.Kind != e.Kind {
		return fmt.Errorf("%s: unknown %s handle %q", op, e.Kind, e.Handle)
	}
	e.seq = cur.seq
	s.scene[e.Handle] = e
	s.broadcastLocked(op, e)
	return nil
}

func (s *Surface) remove(h overlay.Handle, kind, op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.scene[h]
	if !ok || cur.Kind != kind {
		return fmt.Errorf("%s: unknown %s handle %q", op, kind, h)
	}
	delete(s.scene, h)
	s.broadcastLocked(op, Entity{Handle: h, Kind: kind})
	return nil
}

func (s *Surface) broadcastLocked(op string, e Entity) {
	msg := intentMessage{Type: "intent", Op: op, Entity: e}
	for sub := range s.subs {
		select {
		case sub.ch <- msg:
		default:
			metrics.IncStreamErrors("lagged")
			delete(s.subs, sub)
			close(sub.ch)
		}
	}
}

func (s *Surface) sceneLocked() []Entity {
	out := make([]Entity, 0, len(s.scene))
	for _, e := range s.scene {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
