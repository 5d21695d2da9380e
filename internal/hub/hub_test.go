package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/gpatchikoru/web-alerting-application/internal/alerts"
	"github.com/gpatchikoru/web-alerting-application/internal/bus"
	"github.com/gpatchikoru/web-alerting-application/internal/events"
	"github.com/gpatchikoru/web-alerting-application/internal/retry"
	"github.com/gpatchikoru/web-alerting-application/pkg/metrics"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func alertChange(itemKind alerts.ItemKind, kind alerts.Kind) events.AlertChanged {
	a := alerts.NewAlert(
		alerts.Candidate{Kind: kind, Severity: alerts.SeverityHigh, Title: "Low stock: Ibuprofen 400mg"},
		alerts.Item{ID: "item-1", Name: "Ibuprofen 400mg", Kind: itemKind, CurrentCount: 2, Threshold: 10},
		1, testNow)
	return events.NewAlertChanged(a, "", testNow)
}

func TestTopicsFor(t *testing.T) {
	tests := []struct {
		name string
		kind alerts.ItemKind
		want []string
	}{
		{"medicine", alerts.ItemKindMedicine, []string{"alerts", "alerts.medicine", "alerts.low_stock"}},
		{"kitchen good", alerts.ItemKindKitchenGood, []string{"alerts", "alerts.kitchen", "alerts.low_stock"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TopicsFor(alertChange(tt.kind, alerts.KindLowStock).Payload))
		})
	}
}

func TestHub_SubscribeAndPublish(t *testing.T) {
	h := New(Config{})
	subscribed, other := newFakeConn(), newFakeConn()
	c1 := h.Register(subscribed)
	c2 := h.Register(other)
	t.Cleanup(h.Close)

	require.NoError(t, h.Subscribe(c1, []string{"alerts.medicine"}))
	require.NoError(t, h.Subscribe(c2, []string{"alerts.kitchen"}))

	n, err := h.Publish("alerts.medicine", map[string]string{"hello": "world"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg := subscribed.next(t)
	assert.Equal(t, TypeUpdate, msg.Type)
	assert.Equal(t, "alerts.medicine", msg.Topic)
	assert.JSONEq(t, `{"hello":"world"}`, string(msg.Data))
	other.assertNoWrite(t)

	assert.Equal(t, []string{"alerts.medicine"}, h.Topics(c1))
	assert.Equal(t, 1, h.Subscribers("alerts.medicine"))
}

func TestHub_MedicineKitchenFanOut(t *testing.T) {
	h := New(Config{})
	t.Cleanup(h.Close)

	medicine, kitchen, firehose := newFakeConn(), newFakeConn(), newFakeConn()
	require.NoError(t, h.Subscribe(h.Register(medicine), []string{"alerts.medicine"}))
	require.NoError(t, h.Subscribe(h.Register(kitchen), []string{"alerts.kitchen"}))
	require.NoError(t, h.Subscribe(h.Register(firehose), []string{"alerts"}))

	change := alertChange(alerts.ItemKindMedicine, alerts.KindLowStock)
	assert.Equal(t, 2, h.PublishAlert(change))

	got := medicine.next(t)
	assert.Equal(t, "alerts.medicine", got.Topic)
	var payload events.AlertChanged
	require.NoError(t, json.Unmarshal(got.Data, &payload))
	assert.Equal(t, change.Payload.ID, payload.Payload.ID)
	assert.Equal(t, events.AlertCreated, payload.EventKind)

	assert.Equal(t, "alerts", firehose.next(t).Topic)
	kitchen.assertNoWrite(t)
}

func TestHub_SubscribeErrors(t *testing.T) {
	h := New(Config{})
	c := h.Register(newFakeConn())

	assert.Error(t, h.Subscribe(c, []string{""}))

	h.Disconnect(c)
	assert.ErrorIs(t, h.Subscribe(c, []string{"alerts"}), ErrUnknownClient)
	assert.ErrorIs(t, h.Unsubscribe(c, []string{"alerts"}), ErrUnknownClient)
}

func TestHub_UnsubscribeAndDisconnect(t *testing.T) {
	h := New(Config{})
	conn := newFakeConn()
	c := h.Register(conn)

	require.NoError(t, h.Subscribe(c, []string{"alerts", "alerts.medicine"}))
	require.NoError(t, h.Unsubscribe(c, []string{"alerts"}))
	assert.Equal(t, 0, h.Subscribers("alerts"))
	assert.Equal(t, []string{"alerts.medicine"}, h.Topics(c))

	h.Disconnect(c)
	h.Disconnect(c)
	assert.Equal(t, 0, h.Clients())
	assert.Equal(t, 0, h.Subscribers("alerts.medicine"))
	assert.True(t, conn.isClosed())

	n, err := h.Publish("alerts.medicine", "x")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	counter := &fakeCounter{}
	h := New(Config{QueueSize: 1}, WithCounter(counter))
	t.Cleanup(h.Close)

	fast := newFakeConn()
	slow := newFakeConn()
	slow.block = true

	require.NoError(t, h.Subscribe(h.Register(fast), []string{"alerts"}))
	require.NoError(t, h.Subscribe(h.Register(slow), []string{"alerts"}))

	for i := 0; i < 3; i++ {
		_, err := h.Publish("alerts", i)
		require.NoError(t, err)
		assert.Equal(t, "alerts", fast.next(t).Topic)
	}

	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, slow.isClosed())
	assert.Equal(t, 1, counter.Get(metrics.HubClientsDropped))

	n, err := h.Publish("alerts", "still delivered")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHub_FailedWriteDropsClient(t *testing.T) {
	h := New(Config{})
	conn := newFakeConn()
	conn.failWrites(errors.New("broken pipe"))
	require.NoError(t, h.Subscribe(h.Register(conn), []string{"alerts"}))

	_, err := h.Publish("alerts", "x")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, conn.isClosed())
}

func TestHub_HandleMessage(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantType    string
		wantMessage string
		wantTopics  []string
	}{
		{name: "ping", input: `{"type":"ping"}`, wantType: TypePong},
		{name: "subscribe", input: `{"type":"subscribe","topics":["alerts.kitchen"]}`, wantType: TypeSubscribed, wantTopics: []string{"alerts.kitchen"}},
		{name: "subscribe without topics", input: `{"type":"subscribe"}`, wantType: TypeError, wantMessage: "subscribe requires at least one topic"},
		{name: "unsubscribe", input: `{"type":"unsubscribe","topics":["alerts"]}`, wantType: TypeUnsubscribed, wantTopics: []string{"alerts"}},
		{name: "malformed", input: `{"type":`, wantType: TypeError},
		{name: "unknown type", input: `{"type":"shout"}`, wantType: TypeError, wantMessage: "unknown message type: shout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(Config{})
			conn := newFakeConn()
			c := h.Register(conn)
			t.Cleanup(h.Close)

			h.HandleMessage(c, []byte(tt.input))

			got := conn.next(t)
			assert.Equal(t, tt.wantType, got.Type)
			if tt.wantMessage != "" {
				assert.Equal(t, tt.wantMessage, got.Message)
			}
			assert.Equal(t, tt.wantTopics, got.Topics)
			assert.Equal(t, 1, h.Clients(), "connection stays open")
		})
	}
}

func TestHub_Sweep(t *testing.T) {
	clock := &fakeClock{now: testNow}
	h := New(Config{HeartbeatInterval: 30 * time.Second, MissedHeartbeats: 2}, WithClock(clock.Now))
	t.Cleanup(h.Close)

	silentConn := newFakeConn()
	silent := h.Register(silentConn)
	active := h.Register(newFakeConn())

	clock.Advance(45 * time.Second)
	h.HandleMessage(active, []byte(`{"type":"ping"}`))
	assert.Equal(t, 0, h.Sweep(), "nobody is past the deadline yet")

	clock.Advance(20 * time.Second)
	assert.Equal(t, 1, h.Sweep())
	assert.Equal(t, 1, h.Clients())
	assert.True(t, silentConn.isClosed())

	select {
	case <-silent.Done():
	default:
		t.Error("silent client not marked done")
	}
}

func TestHub_RunClosesClientsOnShutdown(t *testing.T) {
	h := New(Config{HeartbeatInterval: time.Hour})
	conn := newFakeConn()
	h.Register(conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 0, h.Clients())
	assert.True(t, conn.isClosed())
}

func TestRelay_Handle(t *testing.T) {
	h := New(Config{})
	t.Cleanup(h.Close)
	conn := newFakeConn()
	require.NoError(t, h.Subscribe(h.Register(conn), []string{"alerts"}))

	relay := NewRelay(h, "engine-a")
	change := alertChange(alerts.ItemKindKitchenGood, alerts.KindOutOfStock)
	value, err := json.Marshal(change)
	require.NoError(t, err)

	own := kafka.Message{Value: value, Headers: []kafka.Header{{Key: bus.HeaderOrigin, Value: []byte("engine-a")}}}
	require.NoError(t, relay.Handle(context.Background(), own))
	conn.assertNoWrite(t)

	foreign := kafka.Message{Value: value, Headers: []kafka.Header{{Key: bus.HeaderOrigin, Value: []byte("engine-b")}}}
	require.NoError(t, relay.Handle(context.Background(), foreign))
	got := conn.next(t)
	assert.Equal(t, "alerts", got.Topic)

	err = relay.Handle(context.Background(), kafka.Message{Value: []byte("not json")})
	assert.ErrorIs(t, err, alerts.ErrInvalidEvent)
	assert.True(t, retry.IsPermanent(err))
}

func TestHandler_Websocket(t *testing.T) {
	h := New(Config{})
	t.Cleanup(h.Close)
	server := httptest.NewServer(h.Handler(TransportConfig{}))
	t.Cleanup(server.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeSubscribe, Topics: []string{"alerts.medicine"}}))
	var reply received
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, TypeSubscribed, reply.Type)
	assert.Equal(t, []string{"alerts.medicine"}, reply.Topics)

	change := alertChange(alerts.ItemKindMedicine, alerts.KindLowStock)
	assert.Equal(t, 1, h.PublishAlert(change))

	var update received
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, TypeUpdate, update.Type)
	assert.Equal(t, "alerts.medicine", update.Topic)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypePing}))
	var pong received
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, TypePong, pong.Type)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_RateLimit(t *testing.T) {
	h := New(Config{})
	t.Cleanup(h.Close)
	server := httptest.NewServer(h.Handler(TransportConfig{MessageRate: rate.Limit(0.001), MessageBurst: 1}))
	t.Cleanup(server.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypePing}))
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypePing}))

	var first, second received
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, TypePong, first.Type)
	assert.Equal(t, TypeError, second.Type)
	assert.Equal(t, "rate limit exceeded", second.Message)
}
