package processor

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gpatchikoru/web-alerting-application/internal/alerts"
	"github.com/gpatchikoru/web-alerting-application/internal/events"
	"github.com/gpatchikoru/web-alerting-application/internal/retry"
	"github.com/gpatchikoru/web-alerting-application/internal/rules"
	"github.com/gpatchikoru/web-alerting-application/pkg/metrics"
)

// Pipeline stages, used as span names and log fields.
const (
	StageReceived   = "received"
	StageEvaluating = "evaluating"
	StagePersisting = "persisting"
	StagePublishing = "publishing"
	StageAcked      = "acked"
)

// Actor and reasons recorded on system resolutions.
const (
	SystemActor           = "system"
	ReasonConditionClears = "condition cleared"
	ReasonItemDeleted     = "item deleted"
)

// DefaultAlertsTopic is where alert changes are published.
const DefaultAlertsTopic = "alerts"

// Processor runs the alert pipeline for one inventory event at a time. It is safe for
// concurrent use; events of one item must be handled in order by the caller.
type Processor struct {
	store       alerts.Store
	items       alerts.ItemRecorder
	publisher   Publisher
	alertsTopic string
	notifier    Notifier
	dedupe      Deduper
	metrics     MetricsRecorder
	tracer      trace.Tracer
	now         func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithNotifier pushes every published alert change to n.
func WithNotifier(n Notifier) Option {
	return func(p *Processor) { p.notifier = n }
}

// WithDeduper skips events already marked as processed.
func WithDeduper(d Deduper) Option {
	return func(p *Processor) { p.dedupe = d }
}

// WithMetrics records pipeline metrics. A nil recorder keeps the no-op default.
func WithMetrics(m MetricsRecorder) Option {
	return func(p *Processor) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithAlertsTopic overrides DefaultAlertsTopic.
func WithAlertsTopic(topic string) Option {
	return func(p *Processor) { p.alertsTopic = topic }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New creates a processor. When store also implements alerts.ItemRecorder, inventory
// snapshots are recorded as well.
func New(store alerts.Store, publisher Publisher, opts ...Option) *Processor {
	p := &Processor{
		store:       store,
		publisher:   publisher,
		alertsTopic: DefaultAlertsTopic,
		metrics:     &NoOpMetrics{},
		tracer:      otel.Tracer("web-alerting-application/processor"),
		now:         time.Now,
	}
	if rec, ok := store.(alerts.ItemRecorder); ok {
		p.items = rec
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle is a bus.Handler for the inventory topic. Malformed messages return a permanent
// error so the subscriber dead-letters them without retrying.
func (p *Processor) Handle(ctx context.Context, msg kafka.Message) error {
	start := time.Now()
	p.metrics.RecordReceived()

	ctx, span := p.tracer.Start(ctx, "processor.handle", trace.WithAttributes(
		attribute.String("messaging.topic", msg.Topic),
		attribute.Int("messaging.partition", msg.Partition),
		attribute.Int64("messaging.offset", msg.Offset),
	))
	defer span.End()

	evt, err := events.DecodeInventoryChanged(msg.Value)
	if err != nil {
		p.metrics.RecordError()
		failSpan(span, err)
		slog.Warn("Rejected inventory event",
			"stage", StageReceived,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return retry.Permanent(err)
	}

	if err := p.Process(ctx, evt); err != nil {
		p.metrics.RecordError()
		failSpan(span, err)
		return err
	}
	p.metrics.RecordProcessed(time.Since(start))
	return nil
}

// Process runs one inventory event through evaluation, persistence and publishing.
func (p *Processor) Process(ctx context.Context, evt events.InventoryChanged) error {
	if err := evt.Validate(); err != nil {
		return retry.Permanent(err)
	}
	log := slog.With("event_id", evt.EventID, "event_kind", evt.EventKind, "item_id", evt.Payload.ID)
	log.Debug("Processing inventory event", "stage", StageReceived)

	if p.dedupe != nil {
		seen, err := p.dedupe.Seen(ctx, evt.EventID)
		switch {
		case err != nil:
			log.Warn("Processed-event check failed, continuing", "error", err)
		case seen:
			p.metrics.Increment(metrics.EventsDeduplicated)
			log.Debug("Event already processed, skipping", "stage", StageAcked)
			return nil
		}
	}

	now := p.now().UTC()
	var err error
	if evt.EventKind == events.InventoryDeleted {
		err = p.deleteItem(ctx, evt, now, log)
	} else {
		err = p.evaluateItem(ctx, evt, now, log)
	}
	if err != nil {
		return err
	}

	if err := p.publishPending(ctx, evt.Payload.ID, evt.CorrelationID, log); err != nil {
		return err
	}

	if p.dedupe != nil {
		if _, err := p.dedupe.Mark(ctx, evt.EventID); err != nil {
			log.Warn("Failed to mark event processed", "error", err)
		}
	}
	log.Debug("Inventory event processed", "stage", StageAcked)
	return nil
}

func (p *Processor) evaluateItem(ctx context.Context, evt events.InventoryChanged, now time.Time, log *slog.Logger) error {
	item := evt.Payload.Item

	_, span := p.tracer.Start(ctx, "processor."+StageEvaluating)
	candidates := rules.Evaluate(item, now)
	cleared := rules.Cleared(item, now)
	span.SetAttributes(attribute.Int("alert.candidates", len(candidates)), attribute.Int("alert.cleared", len(cleared)))
	span.End()
	log.Debug("Evaluated item", "stage", StageEvaluating, "candidates", len(candidates), "cleared", len(cleared))

	ctx, span = p.tracer.Start(ctx, "processor."+StagePersisting)
	defer span.End()

	for _, c := range candidates {
		c.Metadata = mergeMetadata(evt.Payload.Metadata, c.Metadata)
		res, err := p.store.Upsert(ctx, c, item, now)
		if err != nil {
			failSpan(span, err)
			return fmt.Errorf("failed to upsert %s alert: %w", c.Kind, err)
		}
		if res.Changed {
			log.Info("Alert upserted",
				"stage", StagePersisting,
				"alert_id", res.Alert.ID,
				"kind", res.Alert.Kind,
				"severity", res.Alert.Severity,
				"created", res.Created,
			)
		}
	}

	if len(cleared) > 0 {
		resolved, err := p.store.ResolveOpen(ctx, item.ID, cleared, SystemActor, ReasonConditionClears, now)
		if err != nil {
			failSpan(span, err)
			return fmt.Errorf("failed to resolve cleared alerts: %w", err)
		}
		for _, a := range resolved {
			log.Info("Alert resolved", "stage", StagePersisting, "alert_id", a.ID, "kind", a.Kind, "reason", ReasonConditionClears)
		}
	}

	return p.recordItem(ctx, item, false, evt.Timestamp)
}

func (p *Processor) deleteItem(ctx context.Context, evt events.InventoryChanged, now time.Time, log *slog.Logger) error {
	ctx, span := p.tracer.Start(ctx, "processor."+StagePersisting)
	defer span.End()

	resolved, err := p.store.ResolveOpen(ctx, evt.Payload.ID, nil, SystemActor, ReasonItemDeleted, now)
	if err != nil {
		failSpan(span, err)
		return fmt.Errorf("failed to resolve alerts of deleted item: %w", err)
	}
	for _, a := range resolved {
		log.Info("Alert resolved", "stage", StagePersisting, "alert_id", a.ID, "kind", a.Kind, "reason", ReasonItemDeleted)
	}
	return p.recordItem(ctx, evt.Payload.Item, true, evt.Timestamp)
}

// recordItem stores the snapshot as of changedAt, the event's own timestamp, so a
// redelivered older event cannot overwrite a newer snapshot.
func (p *Processor) recordItem(ctx context.Context, item alerts.Item, deleted bool, changedAt time.Time) error {
	if p.items == nil {
		return nil
	}
	if err := p.items.RecordItem(ctx, item, deleted, changedAt); err != nil {
		return fmt.Errorf("failed to record inventory snapshot: %w", err)
	}
	return nil
}

// publishPending publishes every alert revision of itemID that is not yet on the alerts
// topic, then pushes it to the hub.
func (p *Processor) publishPending(ctx context.Context, itemID, correlationID string, log *slog.Logger) error {
	ctx, span := p.tracer.Start(ctx, "processor."+StagePublishing, trace.WithAttributes(attribute.String("item.id", itemID)))
	defer span.End()

	pending, err := p.store.Unpublished(ctx, itemID)
	if err != nil {
		failSpan(span, err)
		return fmt.Errorf("failed to list unpublished alerts: %w", err)
	}

	for _, a := range pending {
		change := events.NewAlertChanged(a, correlationID, p.now())
		if err := p.publisher.Publish(ctx, p.alertsTopic, a.ItemID, change); err != nil {
			failSpan(span, err)
			return fmt.Errorf("failed to publish %s for alert %s: %w", change.EventKind, a.ID, err)
		}
		if err := p.store.MarkPublished(ctx, a.ID, a.Revision); err != nil {
			failSpan(span, err)
			return fmt.Errorf("failed to mark alert %s published: %w", a.ID, err)
		}

		p.metrics.RecordPublished()
		p.metrics.Increment(counterFor(change.EventKind))
		deliveries := 0
		if p.notifier != nil {
			deliveries = p.notifier.PublishAlert(change)
		}
		log.Info("Alert change published",
			"stage", StagePublishing,
			"alert_id", a.ID,
			"event_kind", change.EventKind,
			"revision", a.Revision,
			"deliveries", deliveries,
		)
	}
	span.SetAttributes(attribute.Int("alerts.published", len(pending)))
	return nil
}

// Acknowledge marks an alert as seen by actor.
func (p *Processor) Acknowledge(ctx context.Context, id, actor string) (alerts.Alert, error) {
	return p.transition(ctx, id, alerts.StatusAcknowledged, actor, "")
}

// Resolve closes an alert on behalf of actor.
func (p *Processor) Resolve(ctx context.Context, id, actor string) (alerts.Alert, error) {
	return p.transition(ctx, id, alerts.StatusResolved, actor, "")
}

// Dismiss closes an alert without resolving the condition. actor may be empty.
func (p *Processor) Dismiss(ctx context.Context, id, actor string) (alerts.Alert, error) {
	return p.transition(ctx, id, alerts.StatusDismissed, actor, "")
}

// transition applies a user transition and publishes it. The transition is durable once
// the store returns; a publish failure is logged and the revision is published with the
// next event for the item or by the outbox sweep, whichever comes first.
func (p *Processor) transition(ctx context.Context, id string, to alerts.Status, actor, reason string) (alerts.Alert, error) {
	ctx, span := p.tracer.Start(ctx, "processor.transition", trace.WithAttributes(
		attribute.String("alert.id", id),
		attribute.String("alert.status", string(to)),
	))
	defer span.End()

	a, err := p.store.Transition(ctx, id, to, actor, reason, p.now().UTC())
	if err != nil {
		failSpan(span, err)
		return alerts.Alert{}, err
	}
	log := slog.With("item_id", a.ItemID)
	log.Info("Alert transitioned", "alert_id", a.ID, "status", a.Status, "actor", actor)

	if err := p.publishPending(ctx, a.ItemID, "", log); err != nil {
		log.Error("Failed to publish alert transition", "alert_id", a.ID, "error", err)
	}
	return a, nil
}

// Get returns alert id.
func (p *Processor) Get(ctx context.Context, id string) (alerts.Alert, error) {
	return p.store.Get(ctx, id)
}

// List returns alerts matching f.
func (p *Processor) List(ctx context.Context, f alerts.Filter) ([]alerts.Alert, error) {
	return p.store.List(ctx, f)
}

func counterFor(kind events.AlertKind) string {
	switch kind {
	case events.AlertCreated:
		return metrics.AlertsCreated
	case events.AlertResolved:
		return metrics.AlertsResolved
	default:
		return metrics.AlertsUpdated
	}
}

// mergeMetadata layers rule metadata over the snapshot's free-form metadata.
func mergeMetadata(snapshot, rule map[string]string) map[string]string {
	if len(snapshot) == 0 {
		return rule
	}
	out := maps.Clone(snapshot)
	maps.Copy(out, rule)
	return out
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
