package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"SwapGateway/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps an error kind to its HTTP status. Unclassified errors are
// reported without detail.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := apperr.Reason(err)
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, msg)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrConfig):
		return http.StatusPreconditionFailed
	case errors.Is(err, apperr.ErrTransient):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
