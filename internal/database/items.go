package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gpatchikoru/web-alerting-application/internal/alerts"
)

// RecordItem upserts the snapshot of an item into inventory_items as of changedAt.
// Writes older than the stored row are ignored.
func (db *DB) RecordItem(ctx context.Context, item alerts.Item, deleted bool, changedAt time.Time) error {
	if deleted {
		// Delete events carry only the id.
		_, err := db.conn.ExecContext(ctx,
			`UPDATE inventory_items SET deleted = TRUE, updated_at = $2 WHERE id = $1 AND updated_at <= $2`,
			item.ID, changedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to mark inventory item deleted: %w", err)
		}
		return nil
	}

	var expiry sql.NullTime
	if item.ExpiryDate != nil {
		expiry = sql.NullTime{Time: item.ExpiryDate.Time, Valid: true}
	}

	query := `
		INSERT INTO inventory_items
			(id, name, kind, current_count, low_stock_threshold, unit, expiry_date, category, location, deleted, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			current_count = EXCLUDED.current_count,
			low_stock_threshold = EXCLUDED.low_stock_threshold,
			unit = EXCLUDED.unit,
			expiry_date = EXCLUDED.expiry_date,
			category = EXCLUDED.category,
			location = EXCLUDED.location,
			deleted = EXCLUDED.deleted,
			updated_at = EXCLUDED.updated_at
		WHERE inventory_items.updated_at <= EXCLUDED.updated_at
	`
	_, err := db.conn.ExecContext(ctx, query,
		item.ID, item.Name, string(item.Kind), item.CurrentCount, item.Threshold, item.Unit,
		expiry, nullString(item.Category), nullString(item.Location), false, changedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record inventory item: %w", mapError(err))
	}
	return nil
}
