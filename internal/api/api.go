// Package api exposes the alert read and lifecycle operations over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gpatchikoru/web-alerting-application/internal/alerts"
	"github.com/gpatchikoru/web-alerting-application/pkg/metrics"
)

// AlertService is the part of the processor the API drives.
type AlertService interface {
	Get(ctx context.Context, id string) (alerts.Alert, error)
	List(ctx context.Context, f alerts.Filter) ([]alerts.Alert, error)
	Acknowledge(ctx context.Context, id, actor string) (alerts.Alert, error)
	Resolve(ctx context.Context, id, actor string) (alerts.Alert, error)
	Dismiss(ctx context.Context, id, actor string) (alerts.Alert, error)
}

// MetricsSource lists the metrics reports of a service. *metrics.Reader implements it.
type MetricsSource interface {
	List(ctx context.Context, service string) ([]*metrics.Snapshot, error)
}

// RequestRecorder records per-request counters. *metrics.Collector implements it.
type RequestRecorder interface {
	RecordReceived()
	RecordProcessed(latency time.Duration)
	RecordError()
	Increment(name string)
}

// Handler bundles the dependencies of the HTTP handlers.
type Handler struct {
	alerts   AlertService
	ws       http.Handler
	metrics  MetricsSource
	service  string
	recorder RequestRecorder
}

// Option configures a Handler.
type Option func(*Handler)

// WithWebsocket mounts h at /ws.
func WithWebsocket(h http.Handler) Option {
	return func(api *Handler) { api.ws = h }
}

// WithMetricsSource serves the reports of service at /api/v1/metrics.
func WithMetricsSource(src MetricsSource, service string) Option {
	return func(h *Handler) {
		h.metrics = src
		h.service = service
	}
}

// WithRequestRecorder counts API requests.
func WithRequestRecorder(r RequestRecorder) Option {
	return func(h *Handler) { h.recorder = r }
}

// New creates a Handler.
func New(svc AlertService, opts ...Option) *Handler {
	h := &Handler{alerts: svc}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router wires up the HTTP API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", h.health)
	if h.ws != nil {
		r.Handle("/ws", h.ws)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requestMetrics(h.recorder))

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", h.listAlerts)
			r.Get("/{id}", h.getAlert)
			r.Post("/{id}/acknowledge", h.acknowledge)
			r.Post("/{id}/resolve", h.resolve)
			r.Post("/{id}/dismiss", h.dismiss)
		})

		if h.metrics != nil {
			r.Get("/metrics", h.serviceMetrics)
		}
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
