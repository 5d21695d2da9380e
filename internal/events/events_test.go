package events

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gpatchikoru/web-alerting-application/internal/alerts"
)

func TestDecodeInventoryChanged(t *testing.T) {
	raw := `{
		"event_id": "evt-1",
		"event_kind": "updated",
		"schema_version": 1,
		"timestamp": "2025-03-10T12:00:00Z",
		"payload": {
			"id": "item-1",
			"name": "Ibuprofen 400mg",
			"kind": "medicine",
			"current_count": 8,
			"low_stock_threshold": 10,
			"unit": "tablets",
			"expiry_date": "2025-06-01",
			"metadata": {"supplier": "acme"}
		},
		"correlation_id": "req-42"
	}`

	e, err := DecodeInventoryChanged([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeInventoryChanged() error = %v", err)
	}
	if e.EventKind != InventoryUpdated || e.Payload.ID != "item-1" || e.Payload.CurrentCount != 8 {
		t.Errorf("DecodeInventoryChanged() = %+v", e)
	}
	if e.Payload.ExpiryDate == nil || e.Payload.ExpiryDate.String() != "2025-06-01" {
		t.Errorf("expiry_date = %v, want 2025-06-01", e.Payload.ExpiryDate)
	}
	if e.Payload.Metadata["supplier"] != "acme" {
		t.Errorf("metadata = %v", e.Payload.Metadata)
	}
}

func TestDecodeInventoryChanged_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{`},
		{"missing event id", `{"event_kind":"updated","payload":{"id":"i","name":"n","kind":"medicine"}}`},
		{"unknown event kind", `{"event_id":"e","event_kind":"moved","payload":{"id":"i","name":"n","kind":"medicine"}}`},
		{"missing item id", `{"event_id":"e","event_kind":"updated","payload":{"name":"n","kind":"medicine"}}`},
		{"missing name", `{"event_id":"e","event_kind":"created","payload":{"id":"i","kind":"medicine"}}`},
		{"unknown item kind", `{"event_id":"e","event_kind":"updated","payload":{"id":"i","name":"n","kind":"tool"}}`},
		{"negative count", `{"event_id":"e","event_kind":"updated","payload":{"id":"i","name":"n","kind":"medicine","current_count":-1}}`},
		{"negative threshold", `{"event_id":"e","event_kind":"updated","payload":{"id":"i","name":"n","kind":"kitchen_good","low_stock_threshold":-3}}`},
		{"bad date", `{"event_id":"e","event_kind":"updated","payload":{"id":"i","name":"n","kind":"medicine","expiry_date":"soon"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeInventoryChanged([]byte(tt.raw))
			if !errors.Is(err, alerts.ErrInvalidEvent) {
				t.Errorf("DecodeInventoryChanged() error = %v, want ErrInvalidEvent", err)
			}
		})
	}
}

func TestDecodeInventoryChanged_DeletedNeedsOnlyID(t *testing.T) {
	raw := `{"event_id":"e","event_kind":"deleted","payload":{"id":"item-1"}}`
	if _, err := DecodeInventoryChanged([]byte(raw)); err != nil {
		t.Errorf("DecodeInventoryChanged() error = %v, want nil", err)
	}
}

func TestNewInventoryChanged(t *testing.T) {
	snap := InventorySnapshot{Item: alerts.Item{ID: "item-1", Name: "Flour", Kind: alerts.ItemKindKitchenGood}}
	a := NewInventoryChanged(InventoryCreated, snap, "", time.Now())
	b := NewInventoryChanged(InventoryCreated, snap, "", time.Now())

	if a.EventID == "" || a.EventID == b.EventID {
		t.Errorf("event ids must be unique, got %q and %q", a.EventID, b.EventID)
	}
	if a.SchemaVersion != SchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", a.SchemaVersion, SchemaVersion)
	}
}

func TestAlertKindFor(t *testing.T) {
	tests := []struct {
		name  string
		alert alerts.Alert
		want  AlertKind
	}{
		{"never published", alerts.Alert{Status: alerts.StatusActive, Revision: 1}, AlertCreated},
		{"created then updated before publish", alerts.Alert{Status: alerts.StatusActive, Revision: 2}, AlertCreated},
		{"updated", alerts.Alert{Status: alerts.StatusActive, Revision: 2, PublishedRevision: 1}, AlertUpdated},
		{"acknowledged", alerts.Alert{Status: alerts.StatusAcknowledged, Revision: 2, PublishedRevision: 1}, AlertUpdated},
		{"dismissed", alerts.Alert{Status: alerts.StatusDismissed, Revision: 2, PublishedRevision: 1}, AlertUpdated},
		{"resolved", alerts.Alert{Status: alerts.StatusResolved, Revision: 3, PublishedRevision: 2}, AlertResolved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AlertKindFor(tt.alert); got != tt.want {
				t.Errorf("AlertKindFor() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNewAlertChanged_StableEventID(t *testing.T) {
	a := alerts.Alert{ID: "alert-1", Revision: 2, PublishedRevision: 1, Status: alerts.StatusActive}
	first := NewAlertChanged(a, "", time.Now())
	second := NewAlertChanged(a, "", time.Now())
	if first.EventID != second.EventID {
		t.Error("same revision must produce the same event id")
	}

	a.Revision = 3
	if NewAlertChanged(a, "", time.Now()).EventID == first.EventID {
		t.Error("different revisions must produce different event ids")
	}
	if !strings.Contains(string(first.EventKind), "alert-") {
		t.Errorf("EventKind = %s", first.EventKind)
	}
}
