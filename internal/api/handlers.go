package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/star/orbitrack/internal/geo"
	"github.com/star/orbitrack/internal/tracker"
)

const (
	// maxTrackSamples bounds the oracle calls one track request may cost.
	maxTrackSamples = 2000
	maxTrackSpan    = 24 * time.Hour
)

type handlers struct {
	opts   Options
	logger *slog.Logger
}

type objectResponse struct {
	tracker.Object
	EpochAgeSeconds  *float64 `json:"epoch_age_seconds,omitempty"`
	FootprintRadiusM *float64 `json:"footprint_radius_m,omitempty"`
	Line1            string   `json:"line1,omitempty"`
	Line2            string   `json:"line2,omitempty"`
}

func (h *handlers) describe(o tracker.Object, now time.Time, withLines bool) objectResponse {
	resp := objectResponse{Object: o}
	if !o.Epoch.IsZero() {
		age := now.Sub(o.Epoch).Seconds()
		resp.EpochAgeSeconds = &age
	}
	if o.Position != nil {
		r := geo.FootprintRadiusMeters(o.Position.AltKm)
		resp.FootprintRadiusM = &r
	}
	if withLines {
		resp.Line1, resp.Line2 = o.Record.Line1, o.Record.Line2
	}
	return resp
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Tracker.Status())
}

func (h *handlers) listObjects(w http.ResponseWriter, r *http.Request) {
	now := h.opts.Now()
	objs := h.opts.Tracker.Objects()
	out := make([]objectResponse, len(objs))
	for i, o := range objs {
		out[i] = h.describe(o, now, false)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(out),
		"objects": out,
	})
}

func (h *handlers) getObject(w http.ResponseWriter, r *http.Request) {
	obj, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.describe(obj, h.opts.Now(), true))
}

// track serves the segmented ground track as a GeoJSON MultiLineString.
// GET /api/v1/objects/{catalog_id}/track?past=45m&future=90m&step=30s
func (h *handlers) track(w http.ResponseWriter, r *http.Request) {
	obj, ok := h.lookup(w, r)
	if !ok {
		return
	}

	win := h.opts.Track
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *time.Duration
		min  time.Duration
	}{
		{"past", &win.Past, 0},
		{"future", &win.Future, 0},
		{"step", &win.Step, time.Second},
	} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil || d < p.min || d > maxTrackSpan {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s parameter, must be a duration between %s and %s", p.name, p.min, maxTrackSpan))
			return
		}
		*p.dst = d
	}
	if win.Step < time.Second {
		writeError(w, http.StatusBadRequest, "step must be at least 1s")
		return
	}
	if n := win.Samples(); n > maxTrackSamples {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("track needs %d samples, limit is %d", n, maxTrackSamples))
		return
	}

	track := geo.GroundTrack(h.opts.Oracle, obj.Record, h.opts.Now(), win)
	body, err := geo.TrackGeoJSON(track.Segments())
	if err != nil {
		h.logger.Error("track encoding failed", "catalog_id", obj.CatalogID, "error", err)
		writeError(w, http.StatusInternalServerError, "track encoding failed")
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (h *handlers) selectObject(w http.ResponseWriter, r *http.Request) {
	id, ok := catalogID(w, r)
	if !ok {
		return
	}
	switch err := h.opts.Tracker.Select(r.Context(), id); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, tracker.ErrUnknownObject):
		writeError(w, http.StatusNotFound, "object not tracked")
	case errors.Is(err, tracker.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "tracker stopped")
	default:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func (h *handlers) clearSelection(w http.ResponseWriter, r *http.Request) {
	if err := h.opts.Tracker.ClearSelection(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) lookup(w http.ResponseWriter, r *http.Request) (tracker.Object, bool) {
	id, ok := catalogID(w, r)
	if !ok {
		return tracker.Object{}, false
	}
	obj, found := h.opts.Tracker.Object(id)
	if !found {
		writeError(w, http.StatusNotFound, "object not tracked")
		return tracker.Object{}, false
	}
	return obj, true
}

func catalogID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("catalog_id"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid catalog_id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
