package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gpatchikoru/web-alerting-application/internal/retry"
	kafkautil "github.com/gpatchikoru/web-alerting-application/pkg/kafka"
	"github.com/gpatchikoru/web-alerting-application/pkg/metrics"
)

// Dead-letter header names.
const (
	HeaderDLQReason         = "dlq_reason"
	HeaderDLQAttempts       = "dlq_attempts"
	HeaderOriginalTopic     = "original_topic"
	HeaderOriginalPartition = "original_partition"
	HeaderOriginalOffset    = "original_offset"
)

const (
	defaultQueueSize      = 16
	defaultHandlerTimeout = 30 * time.Second
	defaultCommitTimeout  = 10 * time.Second
	fetchErrorBackoff     = time.Second
	maxReasonLength       = 1024
)

// Handler processes one message. Returning nil acknowledges it. Errors marked with
// retry.Permanent go straight to the dead-letter topic; others are retried first.
type Handler func(ctx context.Context, msg kafka.Message) error

// MessageReader is the subset of *kafka.Reader the subscriber uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RawPublisher writes a message verbatim. *Producer implements it.
type RawPublisher interface {
	PublishRaw(ctx context.Context, msg kafka.Message) error
}

// Counter records named counters. *metrics.Collector implements it.
type Counter interface {
	Increment(name string)
}

type noopCounter struct{}

func (noopCounter) Increment(string) {}

// Subscriber consumes a topic as part of a consumer group. Messages of one partition are
// handled in order by a dedicated worker; offsets are committed only after the handler
// succeeded or the message was dead-lettered.
type Subscriber struct {
	reader         MessageReader
	topic          string
	deadLetter     RawPublisher
	deadLetterTo   string
	retry          retry.Config
	handlerTimeout time.Duration
	queueSize      int
	counter        Counter
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithDeadLetter routes poison messages to topic through w.
func WithDeadLetter(w RawPublisher, topic string) Option {
	return func(s *Subscriber) {
		s.deadLetter = w
		s.deadLetterTo = topic
	}
}

// WithRetry sets how often a failing handler is retried before dead-lettering.
func WithRetry(cfg retry.Config) Option {
	return func(s *Subscriber) { s.retry = cfg }
}

// WithHandlerTimeout bounds each handler attempt. Attempts are not cancelled by shutdown,
// only by this timeout.
func WithHandlerTimeout(d time.Duration) Option {
	return func(s *Subscriber) { s.handlerTimeout = d }
}

// WithQueueSize sets the per-partition inbound buffer.
func WithQueueSize(n int) Option {
	return func(s *Subscriber) { s.queueSize = n }
}

// WithCounter records dead-lettered messages.
func WithCounter(c Counter) Option {
	return func(s *Subscriber) { s.counter = c }
}

// GroupConfig selects the topic and consumer group to join.
type GroupConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// StartOffset applies only when the group has no committed offset.
	// Defaults to kafka.FirstOffset.
	StartOffset int64
}

// SubscribeGroup joins the consumer group described by cfg.
func SubscribeGroup(cfg GroupConfig, opts ...Option) (*Subscriber, error) {
	if err := kafkautil.ValidateConsumerParams(strings.Join(cfg.Brokers, ","), cfg.Topic, cfg.GroupID); err != nil {
		return nil, err
	}

	rc := kafkautil.NewReaderConfig(cfg.Brokers, cfg.Topic, cfg.GroupID)
	if cfg.StartOffset != 0 {
		rc.StartOffset = cfg.StartOffset
	}
	reader := kafka.NewReader(rc)
	kafkautil.LogReaderConfig(rc)

	return NewSubscriber(reader, cfg.Topic, opts...), nil
}

// NewSubscriber wraps an existing reader.
func NewSubscriber(reader MessageReader, topic string, opts ...Option) *Subscriber {
	s := &Subscriber{
		reader:         reader,
		topic:          topic,
		retry:          retry.DefaultConfig(),
		handlerTimeout: defaultHandlerTimeout,
		queueSize:      defaultQueueSize,
		counter:        noopCounter{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run fetches messages until ctx is cancelled or the reader is closed. On return every
// partition worker has finished the message it was handling. Messages still queued are
// left uncommitted and will be redelivered.
func (s *Subscriber) Run(ctx context.Context, handle Handler) error {
	slog.Info("Starting subscriber", "topic", s.topic)

	workers := make(map[int]chan kafka.Message)
	var wg sync.WaitGroup
	defer func() {
		for _, ch := range workers {
			close(ch)
		}
		wg.Wait()
		slog.Info("Subscriber stopped", "topic", s.topic)
	}()

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			slog.Error("Failed to fetch message", "topic", s.topic, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(fetchErrorBackoff):
			}
			continue
		}

		ch, ok := workers[msg.Partition]
		if !ok {
			ch = make(chan kafka.Message, s.queueSize)
			workers[msg.Partition] = ch
			wg.Add(1)
			go func(partition int, in <-chan kafka.Message) {
				defer wg.Done()
				s.work(ctx, partition, in, handle)
			}(msg.Partition, ch)
		}

		select {
		case ch <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

// Close closes the reader.
func (s *Subscriber) Close() error {
	slog.Info("Closing Kafka consumer", "topic", s.topic)
	return s.reader.Close()
}

func (s *Subscriber) work(ctx context.Context, partition int, in <-chan kafka.Message, handle Handler) {
	slog.Debug("Partition worker started", "topic", s.topic, "partition", partition)
	for msg := range in {
		if ctx.Err() != nil {
			continue
		}
		s.process(ctx, msg, handle)
	}
}

func (s *Subscriber) process(ctx context.Context, msg kafka.Message, handle Handler) {
	detached := context.WithoutCancel(ctx)
	attempts := 0

	err := retry.WithRetryIf(ctx, s.retry, "handle "+msg.Topic,
		func(err error) bool { return !retry.IsPermanent(err) },
		func() error {
			attempts++
			hctx, cancel := context.WithTimeout(detached, s.handlerTimeout)
			defer cancel()
			return handle(hctx, msg)
		})

	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			slog.Warn("Shutdown interrupted retries, leaving message uncommitted",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			return
		}
		// Later commits on this partition would skip the message, so the partition
		// stays blocked until the dead-letter write succeeds or shutdown begins.
		for {
			dlqErr := s.sendToDeadLetter(detached, msg, err, attempts)
			if dlqErr == nil {
				break
			}
			slog.Error("Failed to dead-letter message, partition blocked",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", dlqErr,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchErrorBackoff):
			}
		}
	}

	cctx, cancel := context.WithTimeout(detached, defaultCommitTimeout)
	defer cancel()
	if err := s.reader.CommitMessages(cctx, msg); err != nil {
		slog.Error("Failed to commit offset",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
	}
}

func (s *Subscriber) sendToDeadLetter(ctx context.Context, msg kafka.Message, cause error, attempts int) error {
	reason := cause.Error()
	if len(reason) > maxReasonLength {
		reason = reason[:maxReasonLength]
	}

	if s.deadLetter == nil {
		slog.Error("Dropping poison message, no dead-letter topic configured",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"reason", reason,
		)
		s.counter.Increment(metrics.EventsDeadLettered)
		return nil
	}

	headers := make([]kafka.Header, 0, len(msg.Headers)+5)
	headers = append(headers, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderDLQReason, Value: []byte(reason)},
		kafka.Header{Key: HeaderDLQAttempts, Value: []byte(strconv.Itoa(attempts))},
		kafka.Header{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
		kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
	)

	err := s.deadLetter.PublishRaw(ctx, kafka.Message{
		Topic:   s.deadLetterTo,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
		Time:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	s.counter.Increment(metrics.EventsDeadLettered)
	slog.Warn("Message dead-lettered",
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"attempts", attempts,
		"reason", reason,
	)
	return nil
}
