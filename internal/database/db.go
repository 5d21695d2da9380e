// Package database is the Postgres implementation of the alert store.
//
// Every call runs in its own transaction. Writers for one alert key serialize on
// pg_advisory_xact_lock(hashtext(alert_key)) and the open row is read FOR UPDATE; the
// alerts_one_open_per_key partial unique index backs the one-open-alert rule.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gpatchikoru/web-alerting-application/internal/alerts"
	"github.com/gpatchikoru/web-alerting-application/internal/retry"
)

const defaultConflictRetries = 3

// DB wraps a Postgres connection pool.
type DB struct {
	conn            *sqlx.DB
	tracer          trace.Tracer
	conflictRetries int
}

var (
	_ alerts.Store        = (*DB)(nil)
	_ alerts.ItemRecorder = (*DB)(nil)
)

// Option configures a DB.
type Option func(*DB)

// WithConflictRetries sets how many times a write that lost a race is retried.
func WithConflictRetries(n int) Option {
	return func(db *DB) { db.conflictRetries = n }
}

// NewDB opens and pings a Postgres connection using dsn.
func NewDB(dsn string, opts ...Option) (*DB, error) {
	conn, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Successfully connected to PostgreSQL database")
	return New(conn.DB, opts...), nil
}

// New wraps an existing *sql.DB opened with the postgres driver.
func New(conn *sql.DB, opts ...Option) *DB {
	db := &DB{
		conn:            sqlx.NewDb(conn, "postgres"),
		tracer:          otel.Tracer("web-alerting-application/database"),
		conflictRetries: defaultConflictRetries,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Close closes the connection pool.
func (db *DB) Close() error {
	if db.conn != nil {
		slog.Info("Closing database connection")
		return db.conn.Close()
	}
	return nil
}

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// mapError turns lost races into alerts.ErrStorageConflict.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", // unique_violation
			"40001", // serialization_failure
			"40P01": // deadlock_detected
			return fmt.Errorf("%w: %s", alerts.ErrStorageConflict, pqErr.Message)
		}
	}
	return err
}

func (db *DB) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

// withConflictRetry re-runs a whole transaction immediately when it lost a race.
func (db *DB) withConflictRetry(ctx context.Context, op string, fn func() error) error {
	return retry.WithRetryIf(ctx, retry.Immediate(db.conflictRetries), op,
		func(err error) bool { return errors.Is(err, alerts.ErrStorageConflict) },
		fn)
}

func (db *DB) startSpan(ctx context.Context, name string, attrs ...trace.SpanStartOption) (context.Context, trace.Span) {
	return db.tracer.Start(ctx, "database."+name, attrs...)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
