// Package overlay keeps a map rendering surface in step with the tracked
// object registry.
package overlay

import "github.com/star/orbitrack/internal/geo"

// Handle is an opaque reference to an entity on a Surface. Only the
// Reconciler holds handles.
type Handle string

// MarkerSpec describes a point marker and its label.
type MarkerSpec struct {
	Position geo.Point `json:"position"`
	Label    string    `json:"label"`
	Glyph    string    `json:"glyph"`
	Visible  bool      `json:"visible"`
}

// PolylineKind tells the surface which part of a ground track a line is.
type PolylineKind string

const (
	PolylinePast   PolylineKind = "past"
	PolylineFuture PolylineKind = "future"
)

// PolylineSpec describes one continuous polyline.
type PolylineSpec struct {
	Kind   PolylineKind `json:"kind"`
	Points []geo.Point  `json:"points"`
}

// CircleSpec describes a surface circle such as a visibility footprint.
type CircleSpec struct {
	Center       geo.Point `json:"center"`
	RadiusMeters float64   `json:"radius_m"`
}

// Surface is the map rendering capability. Implementations own pixels;
// the engine only issues create, update and remove intents.
type Surface interface {
	CreateMarker(spec MarkerSpec) (Handle, error)
	UpdateMarker(h Handle, spec MarkerSpec) error
	RemoveMarker(h Handle) error

	CreatePolyline(spec PolylineSpec) (Handle, error)
	RemovePolyline(h Handle) error

	CreateCircle(spec CircleSpec) (Handle, error)
	UpdateCircle(h Handle, spec CircleSpec) error
	RemoveCircle(h Handle) error
}
