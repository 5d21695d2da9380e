package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gpatchikoru/web-alerting-application/internal/alerts"
)

// handleError maps domain errors onto status codes. Anything unrecognised is an
// infrastructure failure the caller may retry.
func (h *Handler) handleError(w http.ResponseWriter, err error, op, alertID string) {
	switch {
	case errors.Is(err, alerts.ErrNotFound):
		respondError(w, http.StatusNotFound, "alert not found")
	case errors.Is(err, alerts.ErrIllegalTransition):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, alerts.ErrInvalidEvent):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("Alert operation failed", "operation", op, "alert_id", alertID, "error", err)
		respondError(w, http.StatusServiceUnavailable, "temporarily unavailable, retry later")
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
