package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gpatchikoru/web-alerting-application/internal/alerts"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// ActorRequest is the body of the lifecycle endpoints.
type ActorRequest struct {
	Actor string `json:"actor"`
}

// ListResponse wraps a page of alerts.
type ListResponse struct {
	Alerts []alerts.Alert `json:"alerts"`
	Count  int            `json:"count"`
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := alerts.Filter{
		ItemID: q.Get("item_id"),
		Status: alerts.Status(q.Get("status")),
		Kind:   alerts.Kind(q.Get("kind")),
		Limit:  defaultListLimit,
	}
	if f.Status != "" && !f.Status.Valid() {
		respondError(w, http.StatusBadRequest, "status must be one of: active, acknowledged, resolved, dismissed")
		return
	}
	if f.Kind != "" && !f.Kind.Valid() {
		respondError(w, http.StatusBadRequest, "kind must be one of: low_stock, out_of_stock, expiry_warning, expired")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxListLimit {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxListLimit))
			return
		}
		f.Limit = limit
	}

	list, err := h.alerts.List(r.Context(), f)
	if err != nil {
		h.handleError(w, err, "list alerts", "")
		return
	}
	if list == nil {
		list = []alerts.Alert{}
	}
	respondJSON(w, http.StatusOK, ListResponse{Alerts: list, Count: len(list)})
}

func (h *Handler) getAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := h.alerts.Get(r.Context(), id)
	if err != nil {
		h.handleError(w, err, "get alert", id)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "acknowledge", h.alerts.Acknowledge, true)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "resolve", h.alerts.Resolve, true)
}

func (h *Handler) dismiss(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "dismiss", h.alerts.Dismiss, false)
}

type transitionFunc func(ctx context.Context, id, actor string) (alerts.Alert, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op string, fn transitionFunc, actorRequired bool) {
	id := chi.URLParam(r, "id")

	var req ActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if actorRequired && req.Actor == "" {
		respondError(w, http.StatusBadRequest, "actor is required")
		return
	}

	a, err := fn(r.Context(), id, req.Actor)
	if err != nil {
		h.handleError(w, err, op, id)
		return
	}
	slog.Info("Alert transitioned via API",
		"operation", op,
		"alert_id", id,
		"status", a.Status,
		"actor", req.Actor,
	)
	respondJSON(w, http.StatusOK, a)
}

func (h *Handler) serviceMetrics(w http.ResponseWriter, r *http.Request) {
	reports, err := h.metrics.List(r.Context(), h.service)
	if err != nil {
		slog.Warn("Failed to read service metrics", "service", h.service, "error", err)
		respondError(w, http.StatusServiceUnavailable, "metrics temporarily unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"service": h.service, "instances": reports})
}
