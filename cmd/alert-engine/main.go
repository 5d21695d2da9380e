// Package main runs the alert engine: it consumes inventory change events, maintains the
// alert table, publishes alert changes and serves the alert API and websocket channel.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"

	"github.com/gpatchikoru/web-alerting-application/internal/alerts"
	"github.com/gpatchikoru/web-alerting-application/internal/api"
	"github.com/gpatchikoru/web-alerting-application/internal/bus"
	"github.com/gpatchikoru/web-alerting-application/internal/config"
	"github.com/gpatchikoru/web-alerting-application/internal/database"
	"github.com/gpatchikoru/web-alerting-application/internal/dedupe"
	"github.com/gpatchikoru/web-alerting-application/internal/hub"
	"github.com/gpatchikoru/web-alerting-application/internal/memstore"
	"github.com/gpatchikoru/web-alerting-application/internal/processor"
	"github.com/gpatchikoru/web-alerting-application/internal/retry"
	kafkautil "github.com/gpatchikoru/web-alerting-application/pkg/kafka"
	"github.com/gpatchikoru/web-alerting-application/pkg/metrics"
	"github.com/gpatchikoru/web-alerting-application/pkg/shared"
)

const serviceName = "alert-engine"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	cfg := &config.Config{}
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))

	slog.Info("Starting alert engine",
		"instance_id", cfg.InstanceID,
		"kafka_brokers", cfg.KafkaBrokers,
		"inventory_topic", cfg.InventoryTopic,
		"alerts_topic", cfg.AlertsTopic,
		"dlq_topic", cfg.DLQTopic,
		"consumer_group_id", cfg.ConsumerGroupID,
		"store", cfg.Store,
		"postgres_dsn", shared.MaskDSN(cfg.PostgresDSN),
		"redis_addr", cfg.RedisAddr,
		"http_addr", cfg.HTTPAddr,
	)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
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

	shutdownTracing, err := setupTracing(ctx, cfg.OTLPEndpoint, cfg.InstanceID)
	if err != nil {
		slog.Error("Failed to set up tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open alert store", "error", err)
		slog.Info("Tip: Start Postgres with 'docker compose up -d postgres' or use -store=memory")
		os.Exit(1)
	}
	defer closeStore()

	redisClient := connectRedis(ctx, cfg.RedisAddr)
	if redisClient != nil {
		defer redisClient.Close()
	}

	collector := metrics.NewCollector(serviceName, cfg.InstanceID, redisClient)
	collector.SetReportInterval(cfg.MetricsInterval)
	collector.Start(ctx)
	defer collector.Stop()

	brokers := kafkautil.ParseBrokers(cfg.KafkaBrokers)
	topics := []bus.TopicSpec{
		{Name: cfg.InventoryTopic, Partitions: cfg.Partitions},
		{Name: cfg.AlertsTopic, Partitions: cfg.Partitions},
	}
	if cfg.DLQTopic != "" {
		topics = append(topics, bus.TopicSpec{Name: cfg.DLQTopic, Partitions: 1})
	}
	bus.EnsureTopics(brokers, topics...)

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.MaxRetries
	retryCfg.InitialBackoff = cfg.InitialBackoff
	retryCfg.MaxBackoff = cfg.MaxBackoff

	producer, err := bus.NewProducer(brokers, cfg.InstanceID,
		bus.WithProducerRetry(retryCfg),
		bus.WithWriteTimeout(cfg.WriteTimeout),
	)
	if err != nil {
		slog.Error("Failed to create Kafka producer", "error", err)
		slog.Info("Tip: Start Kafka with 'docker compose up -d kafka'")
		os.Exit(1)
	}
	defer producer.Close()

	alertHub := hub.New(hub.Config{
		QueueSize:         cfg.HubQueueSize,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MissedHeartbeats:  cfg.MissedHeartbeats,
	}, hub.WithCounter(collector))

	procOpts := []processor.Option{
		processor.WithNotifier(alertHub),
		processor.WithMetrics(collector),
		processor.WithAlertsTopic(cfg.AlertsTopic),
	}
	if redisClient != nil {
		procOpts = append(procOpts, processor.WithDeduper(
			dedupe.New(redisClient, cfg.DedupeTTL).WithPrefix(dedupe.KeyPrefix+cfg.ConsumerGroupID+":"),
		))
	}
	proc := processor.New(store, producer, procOpts...)

	subOpts := []bus.Option{
		bus.WithRetry(retryCfg),
		bus.WithHandlerTimeout(cfg.HandlerTimeout),
		bus.WithCounter(collector),
	}
	if cfg.DLQTopic != "" {
		subOpts = append(subOpts, bus.WithDeadLetter(producer, cfg.DLQTopic))
	}
	inventorySub, err := bus.SubscribeGroup(bus.GroupConfig{
		Brokers: brokers,
		Topic:   cfg.InventoryTopic,
		GroupID: cfg.ConsumerGroupID,
	}, subOpts...)
	if err != nil {
		slog.Error("Failed to create inventory subscriber", "error", err)
		os.Exit(1)
	}
	defer inventorySub.Close()

	// Every instance reads the whole alerts topic under its own group to feed its hub.
	relaySub, err := bus.SubscribeGroup(bus.GroupConfig{
		Brokers:     brokers,
		Topic:       cfg.AlertsTopic,
		GroupID:     cfg.ConsumerGroupID + "-hub-" + cfg.InstanceID,
		StartOffset: kafka.LastOffset,
	}, bus.WithRetry(retry.Config{}))
	if err != nil {
		slog.Error("Failed to create alert relay subscriber", "error", err)
		os.Exit(1)
	}
	defer relaySub.Close()

	transport := hub.DefaultTransportConfig()
	transport.WriteTimeout = cfg.WriteTimeout
	transport.MessageRate = rate.Limit(cfg.ClientMessageRate)
	transport.MessageBurst = cfg.ClientMessageBurst

	apiOpts := []api.Option{
		api.WithWebsocket(alertHub.Handler(transport)),
		api.WithRequestRecorder(collector),
	}
	if redisClient != nil {
		apiOpts = append(apiOpts, api.WithMetricsSource(metrics.NewReader(redisClient), serviceName))
	}
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(proc, apiOpts...).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		alertHub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		proc.RunOutbox(ctx, cfg.OutboxInterval)
	}()
	go func() {
		defer wg.Done()
		if err := inventorySub.Run(ctx, proc.Handle); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Inventory subscriber stopped", "error", err)
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		relay := hub.NewRelay(alertHub, producer.Origin())
		if err := relaySub.Run(ctx, relay.Handle); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Alert relay stopped", "error", err)
		}
	}()

	go func() {
		slog.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	slog.Info("Alert engine started, waiting for inventory events...")
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}
	wg.Wait()

	slog.Info("Alert engine stopped")
}

// openStore returns the configured alert store and a function that releases it.
func openStore(ctx context.Context, cfg *config.Config) (alerts.Store, func(), error) {
	if cfg.Store == config.StoreMemory {
		slog.Warn("Using in-memory alert store, alerts are lost on restart")
		return memstore.New(), func() {}, nil
	}

	slog.Info("Connecting to PostgreSQL", "dsn", shared.MaskDSN(cfg.PostgresDSN))
	db, err := database.NewDB(cfg.PostgresDSN, database.WithConflictRetries(cfg.ConflictRetries))
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, func() { db.Close() }, nil
}

// connectRedis returns nil when addr is empty or Redis is unreachable. Without Redis the
// engine runs without event dedupe markers and metrics reports.
func connectRedis(ctx context.Context, addr string) *redis.Client {
	if addr == "" {
		slog.Info("Redis disabled, running without dedupe markers and metrics reports")
		return nil
	}
	slog.Info("Connecting to Redis", "addr", addr)
	client, err := shared.ConnectRedis(ctx, addr)
	if err != nil {
		slog.Warn("Redis unavailable, running without dedupe markers and metrics reports", "error", err)
		return nil
	}
	slog.Info("Successfully connected to Redis")
	return client
}
