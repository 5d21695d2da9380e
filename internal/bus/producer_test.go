package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gpatchikoru/web-alerting-application/internal/retry"
)

func fastRetry(n int) retry.Config {
	return retry.Config{MaxRetries: n, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, BackoffFactor: 2}
}

func TestNewProducer_RequiresBrokers(t *testing.T) {
	if _, err := NewProducer(nil, "engine-1"); err == nil {
		t.Error("NewProducer() expected error for empty brokers")
	}
}

func TestProducer_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducerWithWriter(w, "engine-1")

	err := p.Publish(context.Background(), "alerts", "item-1", testEvent{EventID: "evt-1", Body: "hello"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	written := w.Written()
	if len(written) != 1 {
		t.Fatalf("written = %d messages, want 1", len(written))
	}
	msg := written[0]
	if msg.Topic != "alerts" || string(msg.Key) != "item-1" {
		t.Errorf("message topic/key = %s/%s", msg.Topic, msg.Key)
	}
	var got testEvent
	if err := json.Unmarshal(msg.Value, &got); err != nil || got.Body != "hello" {
		t.Errorf("payload = %s, err = %v", msg.Value, err)
	}
	for key, want := range map[string]string{
		HeaderEventID:       "evt-1",
		HeaderEventKind:     "test",
		HeaderSchemaVersion: "1",
		HeaderOrigin:        "engine-1",
	} {
		if got := Header(msg, key); got != want {
			t.Errorf("header %s = %q, want %q", key, got, want)
		}
	}
}

func TestProducer_RetriesTransientFailures(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := NewProducerWithWriter(w, "engine-1", WithProducerRetry(fastRetry(3)))

	if err := p.Publish(context.Background(), "alerts", "item-1", testEvent{EventID: "evt-1"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if w.calls != 3 {
		t.Errorf("write calls = %d, want 3", w.calls)
	}
}

func TestProducer_BrokerUnavailable(t *testing.T) {
	w := &fakeWriter{failures: 100}
	p := NewProducerWithWriter(w, "engine-1", WithProducerRetry(fastRetry(2)))

	err := p.Publish(context.Background(), "alerts", "item-1", testEvent{EventID: "evt-1"})
	if !errors.Is(err, ErrBrokerUnavailable) {
		t.Fatalf("Publish() error = %v, want ErrBrokerUnavailable", err)
	}
	if w.calls != 3 {
		t.Errorf("write calls = %d, want 3", w.calls)
	}
	if !retry.IsRetryable(err) {
		t.Error("ErrBrokerUnavailable should stay retryable for the caller")
	}
}

func TestProducer_WriteTimeoutsUseRetryBudget(t *testing.T) {
	w := &hangingWriter{}
	p := NewProducerWithWriter(w, "engine-1",
		WithProducerRetry(fastRetry(3)),
		WithWriteTimeout(20*time.Millisecond),
	)

	err := p.Publish(context.Background(), "alerts", "item-1", testEvent{EventID: "evt-1"})
	if !errors.Is(err, ErrBrokerUnavailable) {
		t.Fatalf("Publish() error = %v, want ErrBrokerUnavailable", err)
	}
	if got := w.Calls(); got != 4 {
		t.Errorf("write calls = %d, want 4", got)
	}
}

func TestProducer_CancelledContextStopsRetries(t *testing.T) {
	w := &hangingWriter{}
	p := NewProducerWithWriter(w, "engine-1",
		WithProducerRetry(fastRetry(5)),
		WithWriteTimeout(time.Second),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := p.Publish(ctx, "alerts", "item-1", testEvent{EventID: "evt-1"}); err == nil {
		t.Fatal("Publish() expected error on cancelled context")
	}
	if got := w.Calls(); got != 1 {
		t.Errorf("write calls = %d, want 1", got)
	}
}
