// Package processor turns inventory change events into alert mutations and publishes the
// resulting alert changes.
package processor

import (
	"context"
	"time"

	"github.com/gpatchikoru/web-alerting-application/internal/bus"
	"github.com/gpatchikoru/web-alerting-application/internal/events"
)

// Publisher writes events to the bus. *bus.Producer implements it.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, e bus.Event) error
}

// Notifier pushes alert changes to live subscribers. *hub.Hub implements it.
type Notifier interface {
	PublishAlert(change events.AlertChanged) int
}

// Deduper tracks events that completed the pipeline. *dedupe.Marker implements it.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) (bool, error)
}

// MetricsRecorder defines the metrics operations needed by the processor.
// *metrics.Collector implements it.
type MetricsRecorder interface {
	RecordReceived()
	RecordProcessed(latency time.Duration)
	RecordPublished()
	RecordError()
	Increment(name string)
}

// NoOpMetrics is a null-object implementation of MetricsRecorder.
type NoOpMetrics struct{}

var _ MetricsRecorder = (*NoOpMetrics)(nil)

func (n *NoOpMetrics) RecordReceived()               {}
func (n *NoOpMetrics) RecordProcessed(time.Duration) {}
func (n *NoOpMetrics) RecordPublished()              {}
func (n *NoOpMetrics) RecordError()                  {}
func (n *NoOpMetrics) Increment(string)              {}
