// Package main is a command-line inventory service stand-in. It publishes inventory change
// events to Kafka: a scripted scenario, a seeded random burst or a single hand-built event.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/gpatchikoru/web-alerting-application/internal/alerts"
	"github.com/gpatchikoru/web-alerting-application/internal/bus"
	"github.com/gpatchikoru/web-alerting-application/internal/config"
	"github.com/gpatchikoru/web-alerting-application/internal/events"
	"github.com/gpatchikoru/web-alerting-application/internal/publisher"
	kafkautil "github.com/gpatchikoru/web-alerting-application/pkg/kafka"
	"github.com/gpatchikoru/web-alerting-application/pkg/shared"
)

type producer interface {
	publisher.EventPublisher
	Close() error
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	var (
		brokers, topic, logLevel, correlationID string
		mockMode, scenario                      bool
		burst                                   int
		seed                                    int64
		rps                                     float64
		duration                                time.Duration

		eventKind, itemID, name, kind, expiry string
		count, threshold                      int
	)
	flag.StringVar(&brokers, "kafka-brokers", shared.GetEnvOrDefault("KAFKA_BROKERS", "localhost:9092"), "Kafka broker addresses (comma-separated)")
	flag.StringVar(&topic, "topic", shared.GetEnvOrDefault("INVENTORY_TOPIC", publisher.DefaultTopic), "Kafka topic for inventory change events")
	flag.StringVar(&logLevel, "log-level", shared.GetEnvOrDefault("LOG_LEVEL", "info"), "Log level (debug|info|warn|error)")
	flag.StringVar(&correlationID, "correlation-id", "", "Correlation id stamped on every event (default: random)")
	flag.BoolVar(&mockMode, "mock", false, "Use mock producer (no Kafka required, logs events instead)")
	flag.BoolVar(&scenario, "scenario", false, "Publish the scripted demo scenario and exit")
	flag.IntVar(&burst, "burst", 0, "Burst mode: publish N random updates, then stop")
	flag.Int64Var(&seed, "seed", 0, "Random seed for deterministic generation (0 = random)")
	flag.Float64Var(&rps, "rps", 5, "Events per second (0 = unpaced)")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Duration of continuous random generation")
	flag.StringVar(&eventKind, "event-kind", string(events.InventoryUpdated), "Single event: created|updated|deleted")
	flag.StringVar(&itemID, "item-id", "", "Single event: item id (enables single event mode)")
	flag.StringVar(&name, "name", "", "Single event: item name")
	flag.StringVar(&kind, "kind", string(alerts.ItemKindMedicine), "Single event: medicine|kitchen_good")
	flag.IntVar(&count, "count", 0, "Single event: current count")
	flag.IntVar(&threshold, "threshold", 0, "Single event: low stock threshold")
	flag.StringVar(&expiry, "expiry", "", "Single event: expiry date (YYYY-MM-DD)")
	flag.Parse()

	level, err := config.ParseLogLevel(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("Received shutdown signal, shutting down gracefully...")
		cancel()
	}()

	var prod producer
	if mockMode {
		prod = publisher.NewMock()
	} else {
		slog.Info("Connecting to Kafka", "brokers", brokers, "topic", topic)
		if err := kafkautil.ValidateProducerParams(brokers, topic); err != nil {
			slog.Error("Invalid configuration", "error", err)
			os.Exit(1)
		}
		kafkaProd, err := bus.NewProducer(kafkautil.ParseBrokers(brokers), "inventory-publisher")
		if err != nil {
			slog.Error("Failed to create Kafka producer", "error", err)
			slog.Info("Tip: Start Kafka with 'docker compose up -d' or use --mock flag to test without Kafka")
			os.Exit(1)
		}
		prod = kafkaProd
	}
	defer prod.Close()

	pub := publisher.New(prod, topic)
	now := time.Now()

	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}

	var steps []publisher.Step
	switch {
	case itemID != "":
		step, err := singleStep(eventKind, itemID, name, kind, expiry, count, threshold)
		if err != nil {
			slog.Error("Invalid event", "error", err)
			os.Exit(1)
		}
		steps = []publisher.Step{step}
	case scenario:
		steps = publisher.Scenario(now)
	default:
		n := burst
		if n <= 0 {
			n = int(rps * duration.Seconds())
		}
		gen := publisher.NewGenerator(seed, now)
		for range n {
			steps = append(steps, gen.Next())
		}
	}

	slog.Info("Publishing inventory events",
		"events", len(steps),
		"rps", rps,
		"seed", seed,
		"correlation_id", correlationID,
	)
	published, err := pub.Run(ctx, steps, limiter, correlationID)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Publishing failed", "published", published, "error", err)
		os.Exit(1)
	}
	slog.Info("Inventory publisher completed", "published", published)
}

func singleStep(eventKind, itemID, name, kind, expiry string, count, threshold int) (publisher.Step, error) {
	snap := events.InventorySnapshot{Item: alerts.Item{
		ID:           itemID,
		Name:         name,
		Kind:         alerts.ItemKind(kind),
		CurrentCount: count,
		Threshold:    threshold,
	}}
	if expiry != "" {
		d, err := alerts.ParseDate(expiry)
		if err != nil {
			return publisher.Step{}, err
		}
		snap.ExpiryDate = &d
	}

	k := events.InventoryKind(eventKind)
	switch k {
	case events.InventoryCreated, events.InventoryUpdated, events.InventoryDeleted:
	default:
		return publisher.Step{}, fmt.Errorf("event-kind must be one of: created, updated, deleted")
	}
	return publisher.Step{Kind: k, Snapshot: snap, Note: "single event"}, nil
}
