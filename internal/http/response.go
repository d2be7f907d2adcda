package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"cadenza/internal/core"
	"cadenza/internal/log"
	"cadenza/internal/services"
	"cadenza/internal/storage"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrFrequencyLocked):
		return http.StatusConflict
	case errors.Is(err, services.ErrNotBill), errors.Is(err, services.ErrNotTemplate), core.IsValidation(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as JSON. Internal errors are logged and replaced by
// a generic message.
func writeError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.LogError(r.Context(), log.FromContext(r.Context()), "Request failed", err, operation, log.NewFields())
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}
