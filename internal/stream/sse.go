// Package stream delivers overlay render intents to browsers over
// Server-Sent Events. Clients connect via GET /api/v1/stream/overlay.
//
// SSE message format, in order:
//
//	data: {"type":"metadata","status":"Loaded 312 satellites","tracked":312,...}\n\n
//	data: {"type":"scene","entities":[{"handle":"m-1","kind":"marker","marker":{...}},...]}\n\n
//	data: {"type":"intent","op":"update_marker","handle":"m-1","kind":"marker","marker":{...}}\n\n
//
// The scene message replays every live entity, so reconnecting clients
// rebuild the map from scratch. Keep-alive comments (:\n\n) are sent every
// KeepaliveInterval while no intents flow.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/star/orbitrack/internal/httputil"
	"github.com/star/orbitrack/internal/metrics"
)

// Config holds streaming configuration.
type Config struct {
	MaxConcurrentPerIP int           // Max concurrent streams per IP (default: 10).
	KeepaliveInterval  time.Duration // Keep-alive ping interval (default: 30s).
	ClientBuffer       int           // Pending intents per client before it is dropped (default: 256).
	TrustProxy         bool
}

// Metadata is the first message on every connection.
type Metadata struct {
	Status    string    `json:"status"`
	Tracked   int       `json:"tracked"`
	Truncated bool      `json:"truncated"`
	FetchedAt time.Time `json:"fetched_at,omitzero"`
}

// Handler manages SSE streaming connections.
type Handler struct {
	surface  *Surface
	metadata func() Metadata
	config   Config
	limiter  *streamLimiter
	logger   *slog.Logger
}

// NewHandler creates a new streaming handler. metadata may be nil.
func NewHandler(surface *Surface, metadata func() Metadata, config Config, logger *slog.Logger) *Handler {
	if config.MaxConcurrentPerIP <= 0 {
		config.MaxConcurrentPerIP = 10
	}
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = 30 * time.Second
	}
	return &Handler{
		surface:  surface,
		metadata: metadata,
		config:   config,
		limiter:  newStreamLimiter(config.MaxConcurrentPerIP),
		logger:   logger,
	}
}

// HandleOverlay serves the SSE overlay stream.
// GET /api/v1/stream/overlay
func (h *Handler) HandleOverlay(w http.ResponseWriter, r *http.Request) {
	// Rate limiting: enforce concurrent stream limit per IP.
	ip := httputil.ClientIP(r, h.config.TrustProxy)
	if !h.limiter.acquire(ip) {
		metrics.IncStreamErrors("rate_limit")
		h.logger.Warn("stream rate limit exceeded",
			"remote_ip", ip,
			"current_count", h.limiter.count(ip),
		)
		writeError(w, http.StatusTooManyRequests, "too many concurrent streams", "30")
		return
	}
	defer h.limiter.release(ip)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}

	sub, scene, ok := h.surface.subscribe()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "shutting down", "")
		return
	}
	defer h.surface.unsubscribe(sub)

	metrics.IncStreamConnections("connect")
	metrics.IncStreamsActive()
	startTime := time.Now()
	h.logger.Info("stream connected",
		"remote_ip", ip,
		"user_agent", r.Header.Get("User-Agent"),
		"entities", len(scene),
	)
	defer func() {
		metrics.IncStreamConnections("disconnect")
		metrics.DecStreamsActive()
		h.logger.Info("stream disconnected",
			"remote_ip", ip,
			"duration_seconds", int(time.Since(startTime).Seconds()),
		)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Clear the server's default WriteTimeout for this connection.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}

	c := &client{
		w:       w,
		flusher: flusher,
		rc:      rc,
		ip:      ip,
		logger:  h.logger,
	}

	// Jittered retry interval (3-7s) spreads reconnects after a restart.
	retryMs := 3000 + rand.Intn(4000)
	fmt.Fprintf(w, "retry: %d\n\n", retryMs)
	flusher.Flush()

	if h.metadata != nil {
		meta := h.metadata()
		if err := c.sendJSON(metadataMessage{Type: "metadata", Metadata: meta}); err != nil {
			metrics.IncStreamErrors("send_error")
			h.logger.Warn("stream send error (metadata)", "remote_ip", ip, "error", err)
			return
		}
	}
	if err := c.sendJSON(sceneMessage{Type: "scene", Entities: scene}); err != nil {
		metrics.IncStreamErrors("send_error")
		h.logger.Warn("stream send error (scene)", "remote_ip", ip, "error", err)
		return
	}

	keepaliveTicker := time.NewTicker(h.config.KeepaliveInterval)
	defer keepaliveTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case msg, open := <-sub.ch:
			if !open {
				h.logger.Info("stream closed by server", "remote_ip", ip)
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				metrics.IncStreamErrors("marshal_error")
				h.logger.Warn("stream marshal error", "remote_ip", ip, "error", err)
				continue
			}
			if err := c.sendRaw(data); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream send error", "remote_ip", ip, "error", err)
				return
			}
			keepaliveTicker.Reset(h.config.KeepaliveInterval)

		case <-keepaliveTicker.C:
			if err := c.sendKeepalive(); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream keepalive error", "remote_ip", ip, "error", err)
				return
			}
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg, retryAfter string) {
	w.Header().Set("Content-Type", "application/json")
	if retryAfter != "" {
		w.Header().Set("Retry-After", retryAfter)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// SSE message payload types.

type metadataMessage struct {
	Type string `json:"type"`
	Metadata
}

type sceneMessage struct {
	Type     string   `json:"type"`
	Entities []Entity `json:"entities"`
}
