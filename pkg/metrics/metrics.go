// Package metrics collects alert engine counters and publishes them to Redis, where the
// API and operators can read them without scraping each instance.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for instance metrics.
	KeyPrefix = "metrics:"
	// TTL is how long a report stays in Redis if the instance stops refreshing it.
	TTL = 2 * time.Minute
	// DefaultReportInterval is how often the collector writes to Redis.
	DefaultReportInterval = 30 * time.Second
)

// Custom counter names used by the engine.
const (
	AlertsCreated      = "alerts_created"
	AlertsUpdated      = "alerts_updated"
	AlertsResolved     = "alerts_resolved"
	EventsDeduplicated = "events_deduplicated"
	EventsDeadLettered = "events_dead_lettered"
	HubClientsDropped  = "hub_clients_dropped"
	HubDeliveries      = "hub_deliveries"
)

// Snapshot is one report of an engine instance.
type Snapshot struct {
	Service     string    `json:"service"`
	Instance    string    `json:"instance"`
	StartedAt   time.Time `json:"started_at"`
	LastUpdated time.Time `json:"last_updated"`
	Status      string    `json:"status"` // "healthy" or "stale"

	EventsReceived  uint64 `json:"events_received"`
	EventsProcessed uint64 `json:"events_processed"`
	AlertsPublished uint64 `json:"alerts_published"`
	Errors          uint64 `json:"errors"`

	EventsPerSecond      float64 `json:"events_per_second"`
	AvgPipelineLatencyNs float64 `json:"avg_pipeline_latency_ns"`

	Counters map[string]uint64 `json:"counters,omitempty"`
}

// Collector counts pipeline activity and periodically reports it to Redis.
// A nil Redis client keeps the counters in memory only.
type Collector struct {
	service  string
	instance string
	redis    *redis.Client
	started  time.Time
	interval time.Duration

	received  atomic.Uint64
	processed atomic.Uint64
	published atomic.Uint64
	errors    atomic.Uint64

	latencyTotal atomic.Uint64
	latencyCount atomic.Uint64

	rateMu        sync.Mutex
	lastReport    time.Time
	lastProcessed uint64

	countersMu sync.RWMutex
	counters   map[string]*atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCollector creates a collector for one instance of service.
func NewCollector(service, instance string, redisClient *redis.Client) *Collector {
	now := time.Now().UTC()
	return &Collector{
		service:    service,
		instance:   instance,
		redis:      redisClient,
		started:    now,
		interval:   DefaultReportInterval,
		lastReport: now,
		counters:   make(map[string]*atomic.Uint64),
		stopCh:     make(chan struct{}),
	}
}

// Key returns the Redis key the collector reports under.
func (c *Collector) Key() string {
	return KeyPrefix + c.service + ":" + c.instance
}

// SetReportInterval changes the report interval. Call before Start.
func (c *Collector) SetReportInterval(interval time.Duration) {
	c.interval = interval
}

// Start begins periodic reporting. A final report is written on stop.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				c.write(context.Background())
				return
			case <-c.stopCh:
				c.write(context.Background())
				return
			case <-ticker.C:
				c.write(ctx)
			}
		}
	}()
}

// Stop stops reporting and waits for the final write.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// RecordReceived counts an inbound event.
func (c *Collector) RecordReceived() {
	c.received.Add(1)
}

// RecordProcessed counts an event that completed the pipeline.
func (c *Collector) RecordProcessed(latency time.Duration) {
	c.processed.Add(1)
	c.latencyTotal.Add(uint64(latency.Nanoseconds()))
	c.latencyCount.Add(1)
}

// RecordPublished counts an alert change written to the alerts topic.
func (c *Collector) RecordPublished() {
	c.published.Add(1)
}

// RecordError counts a failed pipeline attempt.
func (c *Collector) RecordError() {
	c.errors.Add(1)
}

// Increment adds one to a named counter.
func (c *Collector) Increment(name string) {
	c.Add(name, 1)
}

// Add adds value to a named counter.
func (c *Collector) Add(name string, value uint64) {
	c.countersMu.RLock()
	counter, ok := c.counters[name]
	c.countersMu.RUnlock()

	if !ok {
		c.countersMu.Lock()
		if counter, ok = c.counters[name]; !ok {
			counter = &atomic.Uint64{}
			c.counters[name] = counter
		}
		c.countersMu.Unlock()
	}
	counter.Add(value)
}

// Snapshot returns the current counters without touching Redis.
func (c *Collector) Snapshot() *Snapshot {
	now := time.Now().UTC()
	processed := c.processed.Load()

	c.rateMu.Lock()
	elapsed := now.Sub(c.lastReport).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(processed-c.lastProcessed) / elapsed
	}
	c.rateMu.Unlock()

	var avg float64
	if n := c.latencyCount.Load(); n > 0 {
		avg = float64(c.latencyTotal.Load()) / float64(n)
	}

	c.countersMu.RLock()
	counters := make(map[string]uint64, len(c.counters))
	for name, counter := range c.counters {
		counters[name] = counter.Load()
	}
	c.countersMu.RUnlock()

	return &Snapshot{
		Service:              c.service,
		Instance:             c.instance,
		StartedAt:            c.started,
		LastUpdated:          now,
		Status:               "healthy",
		EventsReceived:       c.received.Load(),
		EventsProcessed:      processed,
		AlertsPublished:      c.published.Load(),
		Errors:               c.errors.Load(),
		EventsPerSecond:      rate,
		AvgPipelineLatencyNs: avg,
		Counters:             counters,
	}
}

func (c *Collector) write(ctx context.Context) {
	if c.redis == nil {
		return
	}

	snap := c.Snapshot()
	c.rateMu.Lock()
	c.lastReport = snap.LastUpdated
	c.lastProcessed = snap.EventsProcessed
	c.rateMu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		slog.Error("Failed to marshal metrics", "key", c.Key(), "error", err)
		return
	}
	if err := c.redis.Set(ctx, c.Key(), data, TTL).Err(); err != nil {
		slog.Error("Failed to write metrics to Redis", "key", c.Key(), "error", err)
		return
	}
	slog.Debug("Metrics written to Redis", "key", c.Key())
}

// Reader reads instance reports from Redis.
type Reader struct {
	redis *redis.Client
}

// NewReader creates a metrics reader.
func NewReader(redisClient *redis.Client) *Reader {
	return &Reader{redis: redisClient}
}

// ErrNoMetrics is returned when no report exists for a key.
var ErrNoMetrics = errors.New("no metrics found")

// Get retrieves the report stored under key. Reports older than TTL are marked stale.
func (r *Reader) Get(ctx context.Context, key string) (*Snapshot, error) {
	data, err := r.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNoMetrics, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
	}
	if time.Since(snap.LastUpdated) > TTL {
		snap.Status = "stale"
	}
	return &snap, nil
}

// List retrieves every report of service, ordered by instance.
func (r *Reader) List(ctx context.Context, service string) ([]*Snapshot, error) {
	var keys []string
	iter := r.redis.Scan(ctx, 0, KeyPrefix+service+":*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list metrics keys: %w", err)
	}

	out := make([]*Snapshot, 0, len(keys))
	for _, key := range keys {
		snap, err := r.Get(ctx, key)
		if err != nil {
			slog.Warn("Failed to read metrics", "key", key, "error", err)
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}
