package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nadavbarak14/agentide/internal/scheduler"
	"github.com/nadavbarak14/agentide/internal/store"
)

// SessionHandler handles session-related HTTP requests.
type SessionHandler struct {
	sched Scheduler
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(sched Scheduler) *SessionHandler {
	return &SessionHandler{sched: sched}
}

// InputRequest is the body of POST /api/sessions/{id}/input.
type InputRequest struct {
	Text string `json:"text"`
}

// LockRequest is the body of POST /api/sessions/{id}/lock.
type LockRequest struct {
	Locked bool `json:"locked"`
}

// ResizeRequest is the body of POST /api/sessions/{id}/resize.
type ResizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// ResultResponse reports the outcome of kill and delete.
type ResultResponse struct {
	ID      string `json:"id"`
	Killed  bool   `json:"killed,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// List handles GET /api/sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	status := store.Status(r.URL.Query().Get("status"))
	sessions, err := h.sched.ListSessions(r.Context(), status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// Create handles POST /api/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req scheduler.CreateInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	s, err := h.sched.CreateSession(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// Get handles GET /api/sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.sched.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Delete handles DELETE /api/sessions/{id}
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := h.sched.DeleteSession(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{ID: id, Deleted: deleted})
}

// Input handles POST /api/sessions/{id}/input
func (h *SessionHandler) Input(w http.ResponseWriter, r *http.Request) {
	var req InputRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	if err := h.sched.SendInput(r.Context(), chi.URLParam(r, "id"), req.Text); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Kill handles POST /api/sessions/{id}/kill. The kill is a request; the
// session's status changes when the process exits.
func (h *SessionHandler) Kill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	killed, err := h.sched.KillSession(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ResultResponse{ID: id, Killed: killed})
}

// Continue handles POST /api/sessions/{id}/continue
func (h *SessionHandler) Continue(w http.ResponseWriter, r *http.Request) {
	s, err := h.sched.ContinueSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Lock handles POST /api/sessions/{id}/lock
func (h *SessionHandler) Lock(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	s, err := h.sched.SetLocked(r.Context(), chi.URLParam(r, "id"), req.Locked)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Resize handles POST /api/sessions/{id}/resize
func (h *SessionHandler) Resize(w http.ResponseWriter, r *http.Request) {
	var req ResizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.sched.Resize(r.Context(), chi.URLParam(r, "id"), req.Cols, req.Rows); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Scrollback handles GET /api/sessions/{id}/scrollback. The body is the raw
// terminal output retained for the session's latest run.
func (h *SessionHandler) Scrollback(w http.ResponseWriter, r *http.Request) {
	data, err := h.sched.Scrollback(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
