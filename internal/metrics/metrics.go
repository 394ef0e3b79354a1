// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitrack_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orbitrack_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	fastTicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orbitrack_fast_ticks_total",
		Help: "Fast-cycle ticks executed.",
	})

	fastTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orbitrack_fast_tick_duration_seconds",
		Help:    "Wall time spent propagating and reconciling one fast tick.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	propagationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitrack_propagations_total",
			Help: "Per-object propagation attempts by result.",
		},
		[]string{"result"},
	)

	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitrack_refresh_total",
			Help: "Slow-cycle refreshes by result (ok, partial, failed, discarded).",
		},
		[]string{"result"},
	)

	refreshDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orbitrack_refresh_duration_seconds",
		Help:    "Wall time spent fetching and parsing all groups.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	groupFetchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitrack_group_fetch_errors_total",
			Help: "Failed group fetches.",
		},
		[]string{"group"},
	)

	groupRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orbitrack_group_records",
			Help: "Records parsed from each group on the last refresh.",
		},
		[]string{"group"},
	)

	trackedObjects = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orbitrack_tracked_objects",
		Help: "Objects currently in the registry.",
	})

	staleObjects = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orbitrack_stale_objects",
		Help: "Tracked objects whose last propagation failed.",
	})

	truncatedObjects = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orbitrack_truncated_objects",
		Help: "Records dropped by the capacity bound on the last refresh.",
	})

	renderOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitrack_render_ops_total",
			Help: "Render intents issued to the map surface.",
		},
		[]string{"op"},
	)

	streamConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitrack_stream_connections_total",
			Help: "Overlay stream connect/disconnect events.",
		},
		[]string{"event"},
	)

	streamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orbitrack_streams_active",
		Help: "Open overlay streams.",
	})

	streamMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orbitrack_stream_messages_total",
		Help: "SSE messages written.",
	})

	streamBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orbitrack_stream_bytes_total",
		Help: "SSE bytes written.",
	})

	streamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbitrack_stream_errors_total",
			Help: "Overlay stream errors by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpDurationSeconds,
		fastTicksTotal,
		fastTickDuration,
		propagationsTotal,
		refreshTotal,
		refreshDuration,
		groupFetchErrors,
		groupRecords,
		trackedObjects,
		staleObjects,
		truncatedObjects,
		renderOpsTotal,
		streamConnections,
		streamsActive,
		streamMessages,
		streamBytes,
		streamErrors,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFastTick records one fast tick and its per-object outcomes.
func ObserveFastTick(d time.Duration, ok, failed int) {
	fastTicksTotal.Inc()
	fastTickDuration.Observe(d.Seconds())
	propagationsTotal.WithLabelValues("ok").Add(float64(ok))
	propagationsTotal.WithLabelValues("failed").Add(float64(failed))
}

// ObserveRefresh records a slow-cycle refresh.
func ObserveRefresh(d time.Duration, result string) {
	refreshTotal.WithLabelValues(result).Inc()
	refreshDuration.Observe(d.Seconds())
}

// IncGroupFetchErrors counts a failed group fetch.
func IncGroupFetchErrors(group string) {
	groupFetchErrors.WithLabelValues(group).Inc()
}

// SetGroupRecords publishes the record count parsed from a group.
func SetGroupRecords(group string, n int) {
	groupRecords.WithLabelValues(group).Set(float64(n))
}

// SetTrackedObjects publishes the registry size.
func SetTrackedObjects(n int) {
	trackedObjects.Set(float64(n))
}

// SetStaleObjects publishes the stale count.
func SetStaleObjects(n int) {
	staleObjects.Set(float64(n))
}

// SetTruncatedObjects publishes how many records the capacity bound dropped.
func SetTruncatedObjects(n int) {
	truncatedObjects.Set(float64(n))
}

// IncRenderOp counts a render intent such as "create_marker".
func IncRenderOp(op string) {
	renderOpsTotal.WithLabelValues(op).Inc()
}

// IncStreamConnections counts a stream "connect" or "disconnect".
func IncStreamConnections(event string) {
	streamConnections.WithLabelValues(event).Inc()
}

// IncStreamsActive increments the open stream gauge.
func IncStreamsActive() {
	streamsActive.Inc()
}

// DecStreamsActive decrements the open stream gauge.
func DecStreamsActive() {
	streamsActive.Dec()
}

// IncStreamMessages counts one SSE message.
func IncStreamMessages() {
	streamMessages.Inc()
}

// AddStreamBytes counts bytes written to SSE clients.
func AddStreamBytes(n int64) {
	streamBytes.Add(float64(n))
}

// IncStreamErrors counts a stream error by reason.
func IncStreamErrors(reason string) {
	streamErrors.WithLabelValues(reason).Inc()
}

// knownRoutes are labelled verbatim; everything else collapses.
var knownRoutes = map[string]bool{
	"/healthz":               true,
	"/readyz":                true,
	"/metrics":               true,
	"/api/v1/status":         true,
	"/api/v1/objects":        true,
	"/api/v1/selection":      true,
	"/api/v1/stream/overlay": true,
}

// Route bounds the path label cardinality: object routes collapse
// their catalog id and unknown paths become "other".
func Route(path string) string {
	if knownRoutes[path] {
		return path
	}
	if rest, ok := strings.CutPrefix(path, "/api/v1/objects/"); ok {
		id, suffix, _ := strings.Cut(rest, "/")
		if _, err := strconv.Atoi(id); err != nil {
			return "other"
		}
		switch suffix {
		case "":
			return "/api/v1/objects/{catalog_id}"
		case "track", "select":
			return "/api/v1/objects/{catalog_id}/" + suffix
		}
	}
	return "other"
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE handlers flush through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := Route(r.URL.Path)
		httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rw.statusCode)).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
