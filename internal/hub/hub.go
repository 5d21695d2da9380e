// Package hub fans alert changes out to live subscribers.
//
// The registry maps topic names to clients under the hub's own RWMutex. Publishing never
// blocks on a subscriber: every client owns a bounded send queue drained by its own writer
// goroutine, and a client whose queue is full or whose write fails is dropped.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gpatchikoru/web-alerting-application/internal/alerts"
	"github.com/gpatchikoru/web-alerting-application/internal/events"
	"github.com/gpatchikoru/web-alerting-application/pkg/metrics"
)

// AlertsTopic receives every alert change.
const AlertsTopic = "alerts"

// ErrUnknownClient is returned for clients that are not (or no longer) registered.
var ErrUnknownClient = errors.New("client not registered")

// Conn is the write side of a subscriber connection.
type Conn interface {
	Write(data []byte) error
	Close() error
}

// Pinger is implemented by connections that send transport-level keepalives.
type Pinger interface {
	Ping() error
}

// Counter records named counters. *metrics.Collector implements it.
type Counter interface {
	Increment(name string)
}

type noopCounter struct{}

func (noopCounter) Increment(string) {}

// Config tunes the hub.
type Config struct {
	QueueSize         int
	HeartbeatInterval time.Duration
	MissedHeartbeats  int
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		QueueSize:         64,
		HeartbeatInterval: 30 * time.Second,
		MissedHeartbeats:  2,
	}
}

// Hub is the subscription registry.
type Hub struct {
	cfg     Config
	counter Counter
	now     func() time.Time

	mu      sync.RWMutex
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithCounter records deliveries and dropped clients.
func WithCounter(c Counter) Option {
	return func(h *Hub) { h.counter = c }
}

// WithClock replaces time.Now, for heartbeat tests.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// New creates an empty hub.
func New(cfg Config, opts ...Option) *Hub {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MissedHeartbeats <= 0 {
		cfg.MissedHeartbeats = def.MissedHeartbeats
	}
	h := &Hub{
		cfg:     cfg,
		counter: noopCounter{},
		now:     time.Now,
		clients: make(map[*Client]struct{}),
		topics:  make(map[string]map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Client is one registered subscriber.
type Client struct {
	id   string
	conn Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	mu       sync.Mutex
	lastSeen time.Time
	topics   map[string]struct{} // guarded by Hub.mu
}

// ID returns the client id.
func (c *Client) ID() string { return c.id }

// Done is closed once the client is disconnected.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

func (c *Client) seen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Register adds a connection and starts its writer.
func (h *Hub) Register(conn Conn) *Client {
	c := &Client{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, h.cfg.QueueSize),
		done:     make(chan struct{}),
		lastSeen: h.now(),
		topics:   make(map[string]struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	go h.writeLoop(c)
	slog.Info("Subscriber connected", "client_id", c.id, "clients", total)
	return c
}

// Touch records activity from c, resetting its heartbeat deadline.
func (h *Hub) Touch(c *Client) {
	c.touch(h.now())
}

// Subscribe adds c to topics. Empty topic names are rejected.
func (h *Hub) Subscribe(c *Client, topics []string) error {
	for _, t := range topics {
		if t == "" {
			return fmt.Errorf("topic name cannot be empty")
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return ErrUnknownClient
	}
	for _, t := range topics {
		subs, ok := h.topics[t]
		if !ok {
			subs = make(map[*Client]struct{})
			h.topics[t] = subs
		}
		subs[c] = struct{}{}
		c.topics[t] = struct{}{}
	}
	return nil
}

// Unsubscribe removes c from topics.
func (h *Hub) Unsubscribe(c *Client, topics []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return ErrUnknownClient
	}
	for _, t := range topics {
		h.removeLocked(c, t)
	}
	return nil
}

func (h *Hub) removeLocked(c *Client, topic string) {
	delete(c.topics, topic)
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

// Topics returns the topics c is subscribed to, sorted.
func (h *Hub) Topics(c *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Subscribers returns how many clients are subscribed to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Clients returns how many clients are registered.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Disconnect removes c from every topic and closes its connection. It is idempotent.
func (h *Hub) Disconnect(c *Client) {
	if h.remove(c) {
		slog.Info("Subscriber disconnected", "client_id", c.id)
	}
}

// remove reports whether c was still registered.
func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	_, registered := h.clients[c]
	if registered {
		for t := range c.topics {
			h.removeLocked(c, t)
		}
		delete(h.clients, c)
	}
	h.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.conn.Close(); err != nil {
			slog.Debug("Failed to close subscriber connection", "client_id", c.id, "error", err)
		}
	})
	return registered
}

func (h *Hub) drop(c *Client, reason string) {
	if h.remove(c) {
		slog.Warn("Dropped subscriber", "client_id", c.id, "reason", reason)
		h.counter.Increment(metrics.HubClientsDropped)
	}
}

// Publish delivers payload to every subscriber of topic and returns how many clients it
// was queued for. Subscribers whose queue is full are dropped.
func (h *Hub) Publish(topic string, payload any) (int, error) {
	data, err := json.Marshal(ServerMessage{
		Type:      TypeUpdate,
		Topic:     topic,
		Data:      payload,
		Timestamp: h.now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal update: %w", err)
	}

	var delivered int
	var slow []*Client

	h.mu.RLock()
	for c := range h.topics[topic] {
		select {
		case c.send <- data:
			delivered++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.drop(c, "send queue full")
	}
	if delivered > 0 {
		h.counter.Increment(metrics.HubDeliveries)
	}
	return delivered, nil
}

// PublishAlert pushes an alert change to every topic the alert belongs to.
func (h *Hub) PublishAlert(change events.AlertChanged) int {
	var total int
	for _, topic := range TopicsFor(change.Payload) {
		n, err := h.Publish(topic, change)
		if err != nil {
			slog.Error("Failed to push alert change", "alert_id", change.Payload.ID, "topic", topic, "error", err)
			continue
		}
		total += n
	}
	return total
}

// TopicsFor returns the topics an alert change is published on: the firehose, the item
// family and the alert kind.
func TopicsFor(a alerts.Alert) []string {
	topics := []string{AlertsTopic}
	if suffix := a.ItemKind.TopicSuffix(); suffix != "" {
		topics = append(topics, AlertsTopic+"."+suffix)
	}
	if a.Kind != "" {
		topics = append(topics, AlertsTopic+"."+string(a.Kind))
	}
	return topics
}

// send queues a reply for c alone. Returns false when c was dropped.
func (h *Hub) send(c *Client, msg ServerMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal reply", "client_id", c.id, "error", err)
		return true
	}
	select {
	case <-c.done:
		return false
	case c.send <- data:
		return true
	default:
		h.drop(c, "send queue full")
		return false
	}
}

func (h *Hub) writeLoop(c *Client) {
	var tick <-chan time.Time
	pinger, canPing := c.conn.(Pinger)
	if canPing {
		ticker := time.NewTicker(h.cfg.HeartbeatInterval / 2)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.Write(data); err != nil {
				select {
				case <-c.done:
					return
				default:
				}
				slog.Debug("Write to subscriber failed", "client_id", c.id, "error", err)
				h.drop(c, "write failed")
				return
			}
		case <-tick:
			if err := pinger.Ping(); err != nil {
				h.drop(c, "ping failed")
				return
			}
		}
	}
}

// Sweep disconnects clients that have been silent for longer than
// HeartbeatInterval × MissedHeartbeats and returns how many were removed.
func (h *Hub) Sweep() int {
	deadline := h.now().Add(-h.cfg.HeartbeatInterval * time.Duration(h.cfg.MissedHeartbeats))

	h.mu.RLock()
	var stale []*Client
	for c := range h.clients {
		if c.seen().Before(deadline) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.drop(c, "heartbeat timeout")
	}
	return len(stale)
}

// Run sweeps stale clients every HeartbeatInterval until ctx is done, then disconnects
// everyone.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case <-ticker.C:
			if n := h.Sweep(); n > 0 {
				slog.Info("Swept silent subscribers", "count", n)
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.Disconnect(c)
	}
}
