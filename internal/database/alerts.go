package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gpatchikoru/web-alerting-application/internal/alerts"
)

const alertColumns = `id, alert_key, occurrence, kind, severity, status, title, message,
	item_id, item_name, item_kind, current_count, threshold, expiry_date, days_until_expiry,
	acknowledged_by, acknowledged_at, resolved_by, resolved_at, resolution_reason,
	metadata, revision, published_revision, created_at, updated_at`

const openStatuses = `('active', 'acknowledged')`

const insertAlertSQL = `
	INSERT INTO alerts (` + alertColumns + `)
	VALUES (:id, :alert_key, :occurrence, :kind, :severity, :status, :title, :message,
		:item_id, :item_name, :item_kind, :current_count, :threshold, :expiry_date, :days_until_expiry,
		:acknowledged_by, :acknowledged_at, :resolved_by, :resolved_at, :resolution_reason,
		:metadata, :revision, :published_revision, :created_at, :updated_at)
`

const refreshAlertSQL = `
	UPDATE alerts SET
		severity = :severity, title = :title, message = :message,
		item_name = :item_name, item_kind = :item_kind,
		current_count = :current_count, threshold = :threshold,
		expiry_date = :expiry_date, days_until_expiry = :days_until_expiry,
		metadata = :metadata, revision = :revision, updated_at = :updated_at
	WHERE id = :id
`

const transitionAlertSQL = `
	UPDATE alerts SET
		status = :status,
		acknowledged_by = :acknowledged_by, acknowledged_at = :acknowledged_at,
		resolved_by = :resolved_by, resolved_at = :resolved_at, resolution_reason = :resolution_reason,
		revision = :revision, updated_at = :updated_at
	WHERE id = :id
`

// alertRow is the alerts table row.
type alertRow struct {
	ID                string         `db:"id"`
	AlertKey          string         `db:"alert_key"`
	Occurrence        int            `db:"occurrence"`
	Kind              string         `db:"kind"`
	Severity          string         `db:"severity"`
	Status            string         `db:"status"`
	Title             string         `db:"title"`
	Message           string         `db:"message"`
	ItemID            string         `db:"item_id"`
	ItemName          string         `db:"item_name"`
	ItemKind          string         `db:"item_kind"`
	CurrentCount      sql.NullInt64  `db:"current_count"`
	Threshold         sql.NullInt64  `db:"threshold"`
	ExpiryDate        sql.NullTime   `db:"expiry_date"`
	DaysUntilExpiry   sql.NullInt64  `db:"days_until_expiry"`
	AcknowledgedBy    sql.NullString `db:"acknowledged_by"`
	AcknowledgedAt    sql.NullTime   `db:"acknowledged_at"`
	ResolvedBy        sql.NullString `db:"resolved_by"`
	ResolvedAt        sql.NullTime   `db:"resolved_at"`
	ResolutionReason  sql.NullString `db:"resolution_reason"`
	Metadata          sql.NullString `db:"metadata"`
	Revision          int            `db:"revision"`
	PublishedRevision int            `db:"published_revision"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r alertRow) toAlert() alerts.Alert {
	a := alerts.Alert{
		ID:                r.ID,
		AlertKey:          r.AlertKey,
		Occurrence:        r.Occurrence,
		Kind:              alerts.Kind(r.Kind),
		Severity:          alerts.Severity(r.Severity),
		Status:            alerts.Status(r.Status),
		Title:             r.Title,
		Message:           r.Message,
		ItemID:            r.ItemID,
		ItemName:          r.ItemName,
		ItemKind:          alerts.ItemKind(r.ItemKind),
		CurrentCount:      intPtr(r.CurrentCount),
		Threshold:         intPtr(r.Threshold),
		DaysUntilExpiry:   intPtr(r.DaysUntilExpiry),
		AcknowledgedBy:    r.AcknowledgedBy.String,
		AcknowledgedAt:    timePtr(r.AcknowledgedAt),
		ResolvedBy:        r.ResolvedBy.String,
		ResolvedAt:        timePtr(r.ResolvedAt),
		ResolutionReason:  r.ResolutionReason.String,
		Metadata:          unmarshalMetadata(r.Metadata, "alert_id", r.ID),
		Revision:          r.Revision,
		PublishedRevision: r.PublishedRevision,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.ExpiryDate.Valid {
		d := alerts.DateOf(r.ExpiryDate.Time)
		a.ExpiryDate = &d
	}
	return a
}

func fromAlert(a alerts.Alert) alertRow {
	r := alertRow{
		ID:                a.ID,
		AlertKey:          a.AlertKey,
		Occurrence:        a.Occurrence,
		Kind:              string(a.Kind),
		Severity:          string(a.Severity),
		Status:            string(a.Status),
		Title:             a.Title,
		Message:           a.Message,
		ItemID:            a.ItemID,
		ItemName:          a.ItemName,
		ItemKind:          string(a.ItemKind),
		CurrentCount:      nullInt(a.CurrentCount),
		Threshold:         nullInt(a.Threshold),
		DaysUntilExpiry:   nullInt(a.DaysUntilExpiry),
		AcknowledgedBy:    nullString(a.AcknowledgedBy),
		AcknowledgedAt:    nullTime(a.AcknowledgedAt),
		ResolvedBy:        nullString(a.ResolvedBy),
		ResolvedAt:        nullTime(a.ResolvedAt),
		ResolutionReason:  nullString(a.ResolutionReason),
		Metadata:          marshalMetadata(a.Metadata),
		Revision:          a.Revision,
		PublishedRevision: a.PublishedRevision,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
	if a.ExpiryDate != nil {
		r.ExpiryDate = sql.NullTime{Time: a.ExpiryDate.Time, Valid: true}
	}
	return r
}

// Upsert creates or refreshes the open alert for (item, c.Kind).
func (db *DB) Upsert(ctx context.Context, c alerts.Candidate, item alerts.Item, now time.Time) (res alerts.UpsertResult, err error) {
	key := alerts.AlertKey(item.ID, c.Kind)
	ctx, span := db.startSpan(ctx, "upsert", trace.WithAttributes(
		attribute.String("alert.key", key),
		attribute.String("alert.kind", string(c.Kind)),
		attribute.String("item.id", item.ID),
	))
	defer func() { endSpan(span, err) }()

	err = db.withConflictRetry(ctx, "upsert alert", func() error {
		return db.inTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
				return fmt.Errorf("failed to lock alert key: %w", err)
			}

			var row alertRow
			err := tx.GetContext(ctx, &row,
				`SELECT `+alertColumns+` FROM alerts WHERE alert_key = $1 AND status IN `+openStatuses+` FOR UPDATE`, key)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				var last int
				if err := tx.GetContext(ctx, &last, `SELECT COALESCE(MAX(occurrence), 0) FROM alerts WHERE alert_key = $1`, key); err != nil {
					return fmt.Errorf("failed to read alert occurrence: %w", err)
				}
				a := alerts.NewAlert(c, item, last+1, now)
				if _, err := tx.NamedExecContext(ctx, insertAlertSQL, fromAlert(a)); err != nil {
					return fmt.Errorf("failed to insert alert: %w", err)
				}
				res = alerts.UpsertResult{Alert: a, Created: true, Changed: true}
				return nil
			case err != nil:
				return fmt.Errorf("failed to read open alert: %w", err)
			}

			prev := row.toAlert()
			next, changed := alerts.Refresh(prev, c, item, now)
			if changed {
				if _, err := tx.NamedExecContext(ctx, refreshAlertSQL, fromAlert(next)); err != nil {
					return fmt.Errorf("failed to update alert: %w", err)
				}
			}
			res = alerts.UpsertResult{Alert: next, Previous: &prev, Changed: changed}
			return nil
		})
	})
	if err != nil {
		return alerts.UpsertResult{}, err
	}
	span.SetAttributes(attribute.Bool("alert.created", res.Created), attribute.Bool("alert.changed", res.Changed))
	return res, nil
}

// Transition moves alert id to status to.
func (db *DB) Transition(ctx context.Context, id string, to alerts.Status, actor, reason string, now time.Time) (a alerts.Alert, err error) {
	ctx, span := db.startSpan(ctx, "transition", trace.WithAttributes(
		attribute.String("alert.id", id),
		attribute.String("alert.status", string(to)),
	))
	defer func() { endSpan(span, err) }()

	err = db.withConflictRetry(ctx, "transition alert", func() error {
		return db.inTx(ctx, func(tx *sqlx.Tx) error {
			var row alertRow
			err := tx.GetContext(ctx, &row, `SELECT `+alertColumns+` FROM alerts WHERE id = $1 FOR UPDATE`, id)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", alerts.ErrNotFound, id)
			}
			if err != nil {
				return fmt.Errorf("failed to read alert: %w", err)
			}

			next, err := alerts.ApplyTransition(row.toAlert(), to, actor, reason, now)
			if err != nil {
				return err
			}
			if _, err := tx.NamedExecContext(ctx, transitionAlertSQL, fromAlert(next)); err != nil {
				return fmt.Errorf("failed to update alert status: %w", err)
			}
			a = next
			return nil
		})
	})
	if err != nil {
		return alerts.Alert{}, err
	}
	return a, nil
}

// ResolveOpen resolves the open alerts of itemID, restricted to kinds when given.
func (db *DB) ResolveOpen(ctx context.Context, itemID string, kinds []alerts.Kind, actor, reason string, now time.Time) (resolved []alerts.Alert, err error) {
	if len(kinds) == 0 {
		kinds = alerts.Kinds
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}

	ctx, span := db.startSpan(ctx, "resolve_open", trace.WithAttributes(
		attribute.String("item.id", itemID),
		attribute.StringSlice("alert.kinds", names),
	))
	defer func() { endSpan(span, err) }()

	err = db.withConflictRetry(ctx, "resolve open alerts", func() error {
		resolved = nil
		return db.inTx(ctx, func(tx *sqlx.Tx) error {
			var rows []alertRow
			err := tx.SelectContext(ctx, &rows,
				`SELECT `+alertColumns+` FROM alerts
				WHERE item_id = $1 AND kind = ANY($2) AND status IN `+openStatuses+`
				ORDER BY kind FOR UPDATE`, itemID, pq.Array(names))
			if err != nil {
				return fmt.Errorf("failed to read open alerts: %w", err)
			}
			for _, row := range rows {
				next, err := alerts.ApplyTransition(row.toAlert(), alerts.StatusResolved, actor, reason, now)
				if err != nil {
					return err
				}
				if _, err := tx.NamedExecContext(ctx, transitionAlertSQL, fromAlert(next)); err != nil {
					return fmt.Errorf("failed to resolve alert: %w", err)
				}
				resolved = append(resolved, next)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("alerts.resolved", len(resolved)))
	return resolved, nil
}

// Get returns alert id.
func (db *DB) Get(ctx context.Context, id string) (alerts.Alert, error) {
	var row alertRow
	err := db.conn.GetContext(ctx, &row, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return alerts.Alert{}, fmt.Errorf("%w: %s", alerts.ErrNotFound, id)
	}
	if err != nil {
		return alerts.Alert{}, fmt.Errorf("failed to get alert: %w", err)
	}
	return row.toAlert(), nil
}

// List returns matching alerts, newest first.
func (db *DB) List(ctx context.Context, f alerts.Filter) ([]alerts.Alert, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ItemID != "" {
		add("item_id = $%d", f.ItemID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Kind != "" {
		add("kind = $%d", string(f.Kind))
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var rows []alertRow
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	out := make([]alerts.Alert, len(rows))
	for i, row := range rows {
		out[i] = row.toAlert()
	}
	return out, nil
}

// MarkPublished records that revision of alert id is on the change stream.
func (db *DB) MarkPublished(ctx context.Context, id string, revision int) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE alerts SET published_revision = $2 WHERE id = $1 AND published_revision < $2`, id, revision)
	if err != nil {
		return fmt.Errorf("failed to mark alert published: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	var exists bool
	if err := db.conn.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM alerts WHERE id = $1)`, id); err != nil {
		return fmt.Errorf("failed to check alert: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", alerts.ErrNotFound, id)
	}
	return nil
}

// Unpublished returns the alerts of itemID with unpublished revisions, oldest change first.
func (db *DB) Unpublished(ctx context.Context, itemID string) ([]alerts.Alert, error) {
	var rows []alertRow
	err := db.conn.SelectContext(ctx, &rows,
		`SELECT `+alertColumns+` FROM alerts WHERE item_id = $1 AND revision > published_revision ORDER BY updated_at, id`,
		itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unpublished alerts: %w", err)
	}
	out := make([]alerts.Alert, len(rows))
	for i, row := range rows {
		out[i] = row.toAlert()
	}
	return out, nil
}

// PendingItems returns the items with unpublished revisions last changed before changedBefore.
func (db *DB) PendingItems(ctx context.Context, changedBefore time.Time) ([]string, error) {
	var ids []string
	err := db.conn.SelectContext(ctx, &ids,
		`SELECT DISTINCT item_id FROM alerts WHERE revision > published_revision AND updated_at < $1 ORDER BY item_id`,
		changedBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list items pending publish: %w", err)
	}
	return ids, nil
}

func marshalMetadata(md map[string]string) sql.NullString {
	if len(md) == 0 {
		return sql.NullString{String: "{}", Valid: true}
	}
	data, err := json.Marshal(md)
	if err != nil {
		return sql.NullString{String: "{}", Valid: true}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func unmarshalMetadata(raw sql.NullString, warnAttrs ...any) map[string]string {
	if !raw.Valid || raw.String == "" || raw.String == "{}" {
		return nil
	}
	var md map[string]string
	if err := json.Unmarshal([]byte(raw.String), &md); err != nil {
		slog.Warn("Failed to unmarshal alert metadata", append([]any{"error", err}, warnAttrs...)...)
		return nil
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
