// Package dedupe records inventory events that already went through the whole alert
// pipeline, so redeliveries can be skipped before touching the store.
package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL keeps markers well past the Kafka redelivery window.
	DefaultTTL = 24 * time.Hour
	// KeyPrefix is the Redis key prefix for processed-event markers.
	KeyPrefix = "processed:"
)

// Marker stores processed-event markers in Redis.
type Marker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// New creates a marker. A non-positive ttl uses DefaultTTL.
func New(client *redis.Client, ttl time.Duration) *Marker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Marker{client: client, ttl: ttl, prefix: KeyPrefix}
}

// WithPrefix returns a copy of m using prefix instead of KeyPrefix. The engine scopes
// markers by consumer group so deployments sharing a Redis do not skip each other's events.
func (m *Marker) WithPrefix(prefix string) *Marker {
	cp := *m
	cp.prefix = prefix
	return &cp
}

func (m *Marker) key(eventID string) string {
	return m.prefix + eventID
}

// Seen reports whether eventID was marked.
func (m *Marker) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := m.client.Exists(ctx, m.key(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed marker: %w", err)
	}
	return n > 0, nil
}

// Mark records eventID as processed. It returns false when the marker already existed.
// Call it only after every side effect of the event is durable.
func (m *Marker) Mark(ctx context.Context, eventID string) (bool, error) {
	ok, err := m.client.SetNX(ctx, m.key(eventID), time.Now().UTC().Unix(), m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set processed marker: %w", err)
	}
	return ok, nil
}
