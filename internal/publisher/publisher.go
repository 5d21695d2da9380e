// Package publisher emits inventory change events on behalf of the inventory service.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gpatchikoru/web-alerting-application/internal/alerts"
	"github.com/gpatchikoru/web-alerting-application/internal/bus"
	"github.com/gpatchikoru/web-alerting-application/internal/events"
)

// DefaultTopic is the inventory change topic.
const DefaultTopic = "inventory.changed"

// EventPublisher writes events to the bus. *bus.Producer and *MockProducer implement it.
type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, e bus.Event) error
}

// Publisher builds inventory change envelopes and publishes them keyed by item id, so
// every change of one item lands on the same partition.
type Publisher struct {
	producer EventPublisher
	topic    string
	now      func() time.Time
}

// New creates a publisher writing to topic. An empty topic uses DefaultTopic.
func New(producer EventPublisher, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{producer: producer, topic: topic, now: time.Now}
}

// Created publishes a created event for snapshot.
func (p *Publisher) Created(ctx context.Context, snapshot events.InventorySnapshot, correlationID string) (events.InventoryChanged, error) {
	return p.publish(ctx, events.InventoryCreated, snapshot, correlationID)
}

// Updated publishes an updated event for snapshot.
func (p *Publisher) Updated(ctx context.Context, snapshot events.InventorySnapshot, correlationID string) (events.InventoryChanged, error) {
	return p.publish(ctx, events.InventoryUpdated, snapshot, correlationID)
}

// Deleted publishes a deleted event for itemID.
func (p *Publisher) Deleted(ctx context.Context, itemID, correlationID string) (events.InventoryChanged, error) {
	return p.publish(ctx, events.InventoryDeleted, events.InventorySnapshot{Item: alerts.Item{ID: itemID}}, correlationID)
}

func (p *Publisher) publish(ctx context.Context, kind events.InventoryKind, snapshot events.InventorySnapshot, correlationID string) (events.InventoryChanged, error) {
	evt := events.NewInventoryChanged(kind, snapshot, correlationID, p.now())
	if err := evt.Validate(); err != nil {
		return events.InventoryChanged{}, err
	}
	if err := p.producer.Publish(ctx, p.topic, snapshot.ID, evt); err != nil {
		return events.InventoryChanged{}, fmt.Errorf("failed to publish inventory event: %w", err)
	}
	slog.Debug("Inventory event published",
		"event_id", evt.EventID,
		"event_kind", kind,
		"item_id", snapshot.ID,
		"topic", p.topic,
	)
	return evt, nil
}
