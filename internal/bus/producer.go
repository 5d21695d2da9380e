// Package bus wraps Kafka for the alert engine: a synchronous producer with retry, a
// consumer-group subscriber with per-partition workers and a dead-letter topic, and
// best-effort topic creation.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gpatchikoru/web-alerting-application/internal/events"
	"github.com/gpatchikoru/web-alerting-application/internal/retry"
	kafkautil "github.com/gpatchikoru/web-alerting-application/pkg/kafka"
)

// ErrBrokerUnavailable is returned when a write could not be acknowledged within the retry budget.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// Header names stamped on every produced message.
const (
	HeaderEventID       = "event_id"
	HeaderEventKind     = "event_kind"
	HeaderSchemaVersion = "schema_version"
	HeaderOrigin        = "origin"
)

// Event is anything the producer can publish.
type Event interface {
	ID() string
	Kind() string
}

// MessageWriter is the subset of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes JSON events. Writes are synchronous and retried with backoff.
type Producer struct {
	writer       MessageWriter
	origin       string
	retry        retry.Config
	writeTimeout time.Duration
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithProducerRetry overrides the publish retry budget.
func WithProducerRetry(cfg retry.Config) ProducerOption {
	return func(p *Producer) { p.retry = cfg }
}

// WithWriteTimeout bounds each write attempt.
func WithWriteTimeout(d time.Duration) ProducerOption {
	return func(p *Producer) { p.writeTimeout = d }
}

// NewProducer creates a producer over brokers. The topic is chosen per message.
// origin identifies this process in the origin header.
func NewProducer(brokers []string, origin string, opts ...ProducerOption) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("brokers cannot be empty")
	}
	slog.Info("Initializing Kafka producer",
		"brokers", brokers,
		"origin", origin,
		"required_acks", "RequireOne",
		"balancer", "Hash (item id)",
	)
	return NewProducerWithWriter(kafkautil.NewWriter(brokers, ""), origin, opts...), nil
}

// NewProducerWithWriter creates a producer over an existing writer.
func NewProducerWithWriter(w MessageWriter, origin string, opts ...ProducerOption) *Producer {
	p := &Producer{
		writer:       w,
		origin:       origin,
		retry:        retry.DefaultConfig(),
		writeTimeout: kafkautil.WriteTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Origin returns the value written to the origin header.
func (p *Producer) Origin() string {
	return p.origin
}

// Publish JSON-encodes e and writes it to topic keyed by key. It returns once the
// partition leader acknowledged the write, or ErrBrokerUnavailable when the retry budget
// is exhausted.
func (p *Producer) Publish(ctx context.Context, topic, key string, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to marshal %s event: %w", e.Kind(), err))
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte(e.ID())},
			{Key: HeaderEventKind, Value: []byte(e.Kind())},
			{Key: HeaderSchemaVersion, Value: []byte(strconv.Itoa(events.SchemaVersion))},
			{Key: HeaderOrigin, Value: []byte(p.origin)},
		},
		Time: time.Now().UTC(),
	}
	if err := p.write(ctx, msg); err != nil {
		return err
	}
	slog.Debug("Published event",
		"topic", topic,
		"key", key,
		"event_id", e.ID(),
		"event_kind", e.Kind(),
	)
	return nil
}

// PublishRaw writes msg as is. Used to forward messages to the dead-letter topic.
func (p *Producer) PublishRaw(ctx context.Context, msg kafka.Message) error {
	return p.write(ctx, msg)
}

func (p *Producer) write(ctx context.Context, msg kafka.Message) error {
	// Each attempt has its own deadline; only the caller's context ends the retries.
	shouldRetry := func(err error) bool {
		return ctx.Err() == nil && !retry.IsPermanent(err)
	}
	err := retry.WithRetryIf(ctx, p.retry, "kafka write "+msg.Topic, shouldRetry, func() error {
		wctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
		defer cancel()
		return p.writer.WriteMessages(wctx, msg)
	})
	if err != nil {
		slog.Error("Failed to write message to Kafka",
			"topic", msg.Topic,
			"key", string(msg.Key),
			"error", err,
		)
		return fmt.Errorf("%w: failed to write to %s: %w", ErrBrokerUnavailable, msg.Topic, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Producer) Close() error {
	slog.Info("Closing Kafka producer", "origin", p.origin)
	if err := p.writer.Close(); err != nil {
		slog.Error("Error closing Kafka producer", "error", err)
		return err
	}
	return nil
}

// Header returns the value of header key on msg, or "".
func Header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
