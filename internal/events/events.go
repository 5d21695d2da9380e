// Package events defines the envelopes carried on the inventory.changed and alerts topics.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gpatchikoru/web-alerting-application/internal/alerts"
)

// SchemaVersion is stamped on every envelope and message header.
const SchemaVersion = 1

// InventoryKind is the mutation that produced an inventory snapshot.
type InventoryKind string

const (
	InventoryCreated InventoryKind = "created"
	InventoryUpdated InventoryKind = "updated"
	InventoryDeleted InventoryKind = "deleted"
)

// AlertKind is the change recorded by an alert change event.
type AlertKind string

const (
	AlertCreated  AlertKind = "alert-created"
	AlertUpdated  AlertKind = "alert-updated"
	AlertResolved AlertKind = "alert-resolved"
)

// InventorySnapshot is the state of one inventory item after a mutation.
type InventorySnapshot struct {
	alerts.Item
	Metadata map[string]string `json:"metadata,omitempty"`
}

// InventoryChanged is published by the inventory service whenever an item changes.
type InventoryChanged struct {
	EventID       string            `json:"event_id"`
	EventKind     InventoryKind     `json:"event_kind"`
	SchemaVersion int               `json:"schema_version"`
	Timestamp     time.Time         `json:"timestamp"`
	Payload       InventorySnapshot `json:"payload"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// AlertChanged is published to the alerts topic whenever an alert changes visibly.
type AlertChanged struct {
	EventID       string       `json:"event_id"`
	EventKind     AlertKind    `json:"event_kind"`
	SchemaVersion int          `json:"schema_version"`
	Timestamp     time.Time    `json:"timestamp"`
	Payload       alerts.Alert `json:"payload"`
	CorrelationID string       `json:"correlation_id,omitempty"`
}

// NewInventoryChanged builds an envelope with a fresh event id.
func NewInventoryChanged(kind InventoryKind, snapshot InventorySnapshot, correlationID string, now time.Time) InventoryChanged {
	return InventoryChanged{
		EventID:       uuid.New().String(),
		EventKind:     kind,
		SchemaVersion: SchemaVersion,
		Timestamp:     now.UTC(),
		Payload:       snapshot,
		CorrelationID: correlationID,
	}
}

// NewAlertChanged builds an alert change envelope. The event id is derived from the alert
// id and revision, so republishing the same revision carries the same id.
func NewAlertChanged(a alerts.Alert, correlationID string, now time.Time) AlertChanged {
	return AlertChanged{
		EventID:       uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s@%d", a.ID, a.Revision))).String(),
		EventKind:     AlertKindFor(a),
		SchemaVersion: SchemaVersion,
		Timestamp:     now.UTC(),
		Payload:       a,
		CorrelationID: correlationID,
	}
}

// AlertKindFor picks the change kind for an alert revision that has not been published.
func AlertKindFor(a alerts.Alert) AlertKind {
	switch {
	case a.Status == alerts.StatusResolved:
		return AlertResolved
	case a.PublishedRevision == 0:
		return AlertCreated
	default:
		return AlertUpdated
	}
}

// ID and Kind let envelopes travel through the bus producer.
func (e InventoryChanged) ID() string   { return e.EventID }
func (e InventoryChanged) Kind() string { return string(e.EventKind) }
func (e AlertChanged) ID() string       { return e.EventID }
func (e AlertChanged) Kind() string     { return string(e.EventKind) }

// DecodeInventoryChanged parses and validates an inventory change message.
// Any failure wraps alerts.ErrInvalidEvent.
func DecodeInventoryChanged(data []byte) (InventoryChanged, error) {
	var e InventoryChanged
	if err := json.Unmarshal(data, &e); err != nil {
		return InventoryChanged{}, fmt.Errorf("%w: failed to unmarshal inventory event: %v", alerts.ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return InventoryChanged{}, err
	}
	return e, nil
}

// Validate checks the fields the alert pipeline relies on.
func (e InventoryChanged) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("%w: event_id is required", alerts.ErrInvalidEvent)
	}
	switch e.EventKind {
	case InventoryCreated, InventoryUpdated, InventoryDeleted:
	default:
		return fmt.Errorf("%w: unknown event_kind %q", alerts.ErrInvalidEvent, e.EventKind)
	}
	p := e.Payload
	if p.ID == "" {
		return fmt.Errorf("%w: payload.id is required", alerts.ErrInvalidEvent)
	}
	if e.EventKind == InventoryDeleted {
		return nil
	}
	if p.Name == "" {
		return fmt.Errorf("%w: payload.name is required", alerts.ErrInvalidEvent)
	}
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: unknown item kind %q", alerts.ErrInvalidEvent, p.Kind)
	}
	if p.CurrentCount < 0 {
		return fmt.Errorf("%w: current_count must be non-negative, got %d", alerts.ErrInvalidEvent, p.CurrentCount)
	}
	if p.Threshold < 0 {
		return fmt.Errorf("%w: low_stock_threshold must be non-negative, got %d", alerts.ErrInvalidEvent, p.Threshold)
	}
	return nil
}
