// Package admin exposes a read-only HTTP surface over broker state for
// operators and local dashboards: liveness, internal counters, and the
// active-instance table. It is additive to the wire protocol in
// internal/broker and never mutates broker state (SPEC_FULL.md §C).
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/ipc-broker/internal/broker"
	custommiddleware "github.com/ashureev/ipc-broker/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Handler builds the admin HTTP router.
type Handler struct {
	b      *broker.Broker
	logger *slog.Logger
}

// NewHandler creates an admin Handler over b.
func NewHandler(b *broker.Broker, logger *slog.Logger) *Handler {
	return &Handler{b: b, logger: logger}
}

// Router returns the chi router serving /healthz, /stats, /instances.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.CORS([]string{"*"}))

	r.Get("/healthz", h.healthz)
	r.Get("/stats", h.stats)
	r.Get("/instances", h.instances)

	return r
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.b.HealthCheck(r.Context()); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.b.Stats())
}

func (h *Handler) instances(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"instances": h.b.Instances()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encode admin response failed", "error", err)
	}
}
