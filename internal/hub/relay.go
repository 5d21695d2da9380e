package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/gpatchikoru/web-alerting-application/internal/alerts"
	"github.com/gpatchikoru/web-alerting-application/internal/bus"
	"github.com/gpatchikoru/web-alerting-application/internal/events"
	"github.com/gpatchikoru/web-alerting-application/internal/retry"
)

// Relay forwards alert changes produced by other engine instances into the hub. Changes
// produced by this instance were already pushed directly and are skipped.
type Relay struct {
	hub      *Hub
	instance string
}

// NewRelay creates a relay for the engine instance with the given origin id.
func NewRelay(h *Hub, instance string) *Relay {
	return &Relay{hub: h, instance: instance}
}

// Handle is a bus.Handler for the alerts topic.
func (r *Relay) Handle(_ context.Context, msg kafka.Message) error {
	if origin := bus.Header(msg, bus.HeaderOrigin); origin == r.instance {
		return nil
	}

	var change events.AlertChanged
	if err := json.Unmarshal(msg.Value, &change); err != nil {
		return retry.Permanent(fmt.Errorf("%w: failed to unmarshal alert change: %v", alerts.ErrInvalidEvent, err))
	}
	if change.Payload.ID == "" {
		return retry.Permanent(fmt.Errorf("%w: alert change without alert id", alerts.ErrInvalidEvent))
	}

	n := r.hub.PublishAlert(change)
	slog.Debug("Relayed alert change",
		"alert_id", change.Payload.ID,
		"event_kind", change.EventKind,
		"origin", bus.Header(msg, bus.HeaderOrigin),
		"deliveries", n,
	)
	return nil
}
