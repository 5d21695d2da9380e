package database

import (
	"context"
	"fmt"
	"log/slog"
)

// Schema creates the inventory read model and the alerts table.
const Schema = `
CREATE TABLE IF NOT EXISTS inventory_items (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	kind                TEXT NOT NULL CHECK (kind IN ('medicine', 'kitchen_good')),
	current_count       INTEGER NOT NULL CHECK (current_count >= 0),
	low_stock_threshold INTEGER NOT NULL CHECK (low_stock_threshold >= 0),
	unit                TEXT NOT NULL DEFAULT '',
	expiry_date         DATE,
	category            TEXT,
	location            TEXT,
	deleted             BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at          TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS alerts (
	id                 UUID PRIMARY KEY,
	alert_key          UUID NOT NULL,
	occurrence         INTEGER NOT NULL,
	kind               TEXT NOT NULL CHECK (kind IN ('low_stock', 'out_of_stock', 'expiry_warning', 'expired')),
	severity           TEXT NOT NULL CHECK (severity IN ('low', 'medium', 'high', 'critical')),
	status             TEXT NOT NULL CHECK (status IN ('active', 'acknowledged', 'resolved', 'dismissed')),
	title              TEXT NOT NULL,
	message            TEXT NOT NULL,
	item_id            TEXT NOT NULL,
	item_name          TEXT NOT NULL,
	item_kind          TEXT NOT NULL,
	current_count      INTEGER,
	threshold          INTEGER,
	expiry_date        DATE,
	days_until_expiry  INTEGER,
	acknowledged_by    TEXT,
	acknowledged_at    TIMESTAMPTZ,
	resolved_by        TEXT,
	resolved_at        TIMESTAMPTZ,
	resolution_reason  TEXT,
	metadata           JSONB NOT NULL DEFAULT '{}',
	revision           INTEGER NOT NULL DEFAULT 1,
	published_revision INTEGER NOT NULL DEFAULT 0,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	UNIQUE (alert_key, occurrence)
);

CREATE UNIQUE INDEX IF NOT EXISTS alerts_one_open_per_key
	ON alerts (item_id, kind) WHERE status IN ('active', 'acknowledged');

CREATE INDEX IF NOT EXISTS alerts_item_created_idx ON alerts (item_id, created_at DESC);

CREATE INDEX IF NOT EXISTS alerts_unpublished_idx
	ON alerts (item_id) WHERE revision > published_revision;
`

// Migrate applies Schema. It is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	slog.Info("Database schema is up to date")
	return nil
}
