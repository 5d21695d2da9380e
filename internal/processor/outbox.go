package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultOutboxInterval is how often RunOutbox looks for unpublished revisions.
const DefaultOutboxInterval = 30 * time.Second

// PublishStale publishes the pending revisions of every item whose last change is older
// than settle. It picks up transitions whose publish failed on an item that receives no
// further inventory events. Recent changes are left to the pipeline handling them.
// It returns how many items were flushed.
func (p *Processor) PublishStale(ctx context.Context, settle time.Duration) (int, error) {
	ctx, span := p.tracer.Start(ctx, "processor.outbox")
	defer span.End()

	items, err := p.store.PendingItems(ctx, p.now().UTC().Add(-settle))
	if err != nil {
		failSpan(span, err)
		return 0, fmt.Errorf("failed to list items pending publish: %w", err)
	}

	var errs []error
	flushed := 0
	for _, itemID := range items {
		log := slog.With("item_id", itemID)
		if err := p.publishPending(ctx, itemID, "", log); err != nil {
			errs = append(errs, err)
			continue
		}
		flushed++
	}
	if err := errors.Join(errs...); err != nil {
		failSpan(span, err)
		return flushed, err
	}
	return flushed, nil
}

// RunOutbox calls PublishStale every interval until ctx is cancelled. Changes younger
// than one interval are skipped.
func (p *Processor) RunOutbox(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultOutboxInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PublishStale(ctx, interval)
			if err != nil && ctx.Err() == nil {
				slog.Warn("Outbox sweep incomplete", "flushed", n, "error", err)
				continue
			}
			if n > 0 {
				slog.Info("Outbox sweep published pending alerts", "items", n)
			}
		}
	}
}
