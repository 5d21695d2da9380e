package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/gpatchikoru/web-alerting-application/internal/bus"
)

// MockProducer logs events instead of writing them to Kafka.
type MockProducer struct{}

var _ EventPublisher = (*MockProducer)(nil)

// NewMock creates a mock producer.
func NewMock() *MockProducer {
	slog.Info("Using mock producer (no Kafka connection)", "note", "Events will be logged but not published")
	return &MockProducer{}
}

// Publish logs e as JSON.
func (p *MockProducer) Publish(_ context.Context, topic, key string, e bus.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	slog.Info("Mock publish (event logged, not sent to Kafka)",
		"topic", topic,
		"key", key,
		"event_id", e.ID(),
		"event_kind", e.Kind(),
		"event_json", string(payload),
	)
	return nil
}

// Close is a no-op.
func (p *MockProducer) Close() error {
	return nil
}
