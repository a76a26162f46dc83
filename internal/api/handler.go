package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/linkreach/internal/batcher"
	"github.com/gyaneshwarpardhi/linkreach/internal/collectors"
	"github.com/gyaneshwarpardhi/linkreach/internal/config"
	"github.com/gyaneshwarpardhi/linkreach/internal/event"
	"github.com/gyaneshwarpardhi/linkreach/internal/integrity"
	"github.com/gyaneshwarpardhi/linkreach/internal/privacy"
	"github.com/gyaneshwarpardhi/linkreach/internal/storage"
	"github.com/gyaneshwarpardhi/linkreach/internal/tracker"
)

const maxBodyBytes = 1 << 20

// Deps are the components the HTTP surface drives. Tracker is required;
// the message types backed by a nil component answer with an error.
type Deps struct {
	Tracker     *tracker.Tracker
	Filter      *privacy.Filter
	Batcher     *batcher.Batcher
	Performance *collectors.Performance
	Validator   *integrity.Validator
	Backups     *integrity.BackupStore
	Tx          *integrity.TxManager
	Store       storage.Storage
	Loader      *config.Loader
	Now         func() time.Time
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	Deps
	mux *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(d Deps) http.Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &Handler{Deps: d, mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /v1/events", h.trackEvent)
	h.mux.HandleFunc("POST /v1/messages", h.message)
	h.mux.HandleFunc("POST /v1/config/reload", h.reloadConfig)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(h.mux)
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %s", err)
	}
	return nil
}

// POST /v1/events — track a single event. The body is the caller's field map.
func (h *Handler) trackEvent(w http.ResponseWriter, r *http.Request) {
	var fields map[string]interface{}
	if err := decode(w, r, &fields); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev, err := h.Tracker.Track(fields)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeOK(w, http.StatusAccepted, ev)
}

// POST /v1/config/reload — re-read the config file and apply it.
func (h *Handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if h.Loader == nil {
		writeError(w, http.StatusNotImplemented, "config reload is not available")
		return
	}
	cfg, err := h.Loader.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeOK(w, http.StatusOK, map[string]interface{}{
		"reloaded":    true,
		"version":     cfg.Version,
		"memoryLimit": cfg.Tracker.MemoryLimit,
	})
}

// GET /healthz — always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz — 503 while the last persistence attempt is failing.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	health := h.Tracker.Health()
	status := http.StatusOK
	if health.Status != tracker.StatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func statusFor(err error) int {
	var verr *event.ValidationError
	switch {
	case errors.Is(err, event.ErrMalformed), errors.Is(err, event.ErrUnknownType), errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, integrity.ErrBackupNotFound):
		return http.StatusNotFound
	case errors.Is(err, errUnavailable):
		return http.StatusNotImplemented
	case errors.Is(err, errBadMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
