package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/nadavbarak14/agentide/internal/errors"
)

// maxBodyBytes bounds request bodies; input text is the largest payload.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps a scheduler error onto an HTTP status. Configuration is
// checked before not-found because an unknown worker is a configuration
// error that wraps a not-found cause.
func statusFor(err error) int {
	switch {
	case errors.IsConflict(err):
		return http.StatusConflict
	case errors.IsConfiguration(err), errors.Is(err, errors.ErrPathNotAllowed):
		return http.StatusUnprocessableEntity
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with the status statusFor picks. Internal
// errors are not echoed to the client.
func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	if status == http.StatusInternalServerError {
		resp.Error = "internal server error"
	}
	var verr *errors.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	var cerr *errors.ConfigError
	if errors.As(err, &cerr) {
		resp.Field = cerr.Field
	}
	writeJSON(w, status, resp)
}
