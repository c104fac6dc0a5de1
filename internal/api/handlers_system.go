package api

import (
	"net/http"

	"github.com/nadavbarak14/agentide/internal/store"
)

// SystemHandler serves health, workers, queue and settings.
type SystemHandler struct {
	sched Scheduler
}

func NewSystemHandler(sched Scheduler) *SystemHandler {
	return &SystemHandler{sched: sched}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Active  int    `json:"active"`
	Queued  int    `json:"queued"`
}

// SettingsRequest is the body of PUT /api/settings and GET's response.
type SettingsRequest struct {
	MaxConcurrentSessions *int `json:"maxConcurrentSessions"`
}

func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	st, err := h.sched.QueueStatus(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Active: st.Active, Queued: st.Queued})
}

// Workers handles GET /api/workers
func (h *SystemHandler) Workers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.sched.ListWorkers(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if workers == nil {
		workers = []*store.Worker{}
	}
	writeJSON(w, http.StatusOK, workers)
}

// Queue handles GET /api/queue
func (h *SystemHandler) Queue(w http.ResponseWriter, r *http.Request) {
	st, err := h.sched.QueueStatus(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetSettings handles GET /api/settings
func (h *SystemHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := h.sched.QueueStatus(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, store.Settings{MaxConcurrentSessions: st.MaxConcurrentSessions})
}

// UpdateSettings handles PUT /api/settings. Raising the ceiling admits
// queued sessions immediately; lowering it never kills running ones.
func (h *SystemHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.MaxConcurrentSessions == nil {
		writeError(w, http.StatusBadRequest, "maxConcurrentSessions is required")
		return
	}
	n := *req.MaxConcurrentSessions
	if n < 0 {
		writeError(w, http.StatusBadRequest, "maxConcurrentSessions must be non-negative")
		return
	}

	if err := h.sched.UpdateMaxConcurrent(r.Context(), n); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, store.Settings{MaxConcurrentSessions: n})
}
