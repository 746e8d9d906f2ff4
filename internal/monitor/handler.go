// Package monitor serves the presenter's live state over HTTP while a
// presentation runs.
package monitor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"dmd-presenter/internal/platform/logger"
	"dmd-presenter/internal/platform/metrics"
	"dmd-presenter/internal/presenter"
	"dmd-presenter/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

// DefaultRateLimit is the number of requests per minute one client may make.
const DefaultRateLimit = 120

// ManifestSource supplies the manifest of the run being written.
type ManifestSource interface {
	Manifest() storage.Manifest
}

// PendingSource reports the persistence backlog.
type PendingSource interface {
	Pending() int
}

// Handler exposes monitor endpoints using go-chi.
type Handler struct {
	status   *presenter.StatusBoard
	manifest ManifestSource
	pending  PendingSource
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewHandler returns a Handler. manifest, pending and m may be nil.
func NewHandler(status *presenter.StatusBoard, manifest ManifestSource, pending PendingSource, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{status: status, manifest: manifest, pending: pending, log: log, metrics: m}
}

// Status handles GET /status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.log, h.status.Snapshot())
}

// Manifest handles GET /manifest.
func (h *Handler) Manifest(w http.ResponseWriter, r *http.Request) {
	if h.manifest == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, h.log, h.manifest.Manifest())
}

// Metrics handles GET /metrics.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.metrics.Handler(func() {
		if h.pending != nil {
			h.metrics.SetSinkPending(h.pending.Pending())
		}
	}).ServeHTTP(w, r)
}

// NewRouter mounts the handler with request logging, metrics and a per-IP
// rate limit of rateLimit requests per minute. rateLimit <= 0 disables the
// limit.
func NewRouter(h *Handler, rateLimit int) *chi.Mux {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(h.log))
	r.Use(metrics.RequestMiddleware(h.metrics))
	if rateLimit > 0 {
		r.Use(httprate.LimitByIP(rateLimit, time.Minute))
	}
	r.Get("/status", h.Status)
	r.Get("/manifest", h.Manifest)
	r.Get("/metrics", h.Metrics)
	return r
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("encode response failed", slog.String("error", err.Error()))
	}
}
