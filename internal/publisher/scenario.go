package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/gpatchikoru/web-alerting-application/internal/alerts"
	"github.com/gpatchikoru/web-alerting-application/internal/events"
)

// Step is one inventory mutation of a scripted run.
type Step struct {
	Kind     events.InventoryKind
	Snapshot events.InventorySnapshot
	Note     string
}

func medicine(id, name string, count, threshold int, unit string) events.InventorySnapshot {
	return events.InventorySnapshot{Item: alerts.Item{
		ID: id, Name: name, Kind: alerts.ItemKindMedicine,
		CurrentCount: count, Threshold: threshold, Unit: unit,
		Category: "pharmacy", Location: "cabinet-2",
	}}
}

func kitchen(id, name string, count, threshold int, unit string) events.InventorySnapshot {
	return events.InventorySnapshot{Item: alerts.Item{
		ID: id, Name: name, Kind: alerts.ItemKindKitchenGood,
		CurrentCount: count, Threshold: threshold, Unit: unit,
		Category: "pantry", Location: "shelf-1",
	}}
}

func withExpiry(s events.InventorySnapshot, d alerts.Date) events.InventorySnapshot {
	s.ExpiryDate = &d
	return s
}

// Scenario is the scripted demo run: a medicine running low then out, a medicine close to
// expiry, a kitchen good that expired and a kitchen good that is deleted.
func Scenario(now time.Time) []Step {
	today := alerts.DateOf(now)
	in := func(days int) alerts.Date { return alerts.DateOf(today.AddDate(0, 0, days)) }

	ibuprofen := func(count int) events.InventorySnapshot {
		return medicine("med-ibuprofen-400", "Ibuprofen 400mg", count, 10, "tablets")
	}

	return []Step{
		{Kind: events.InventoryCreated, Snapshot: ibuprofen(40), Note: "well stocked, no alert"},
		{Kind: events.InventoryUpdated, Snapshot: ibuprofen(8), Note: "low_stock medium"},
		{Kind: events.InventoryUpdated, Snapshot: ibuprofen(2), Note: "low_stock escalates to high"},
		{Kind: events.InventoryUpdated, Snapshot: ibuprofen(0), Note: "out_of_stock critical, low_stock stays open"},
		{Kind: events.InventoryUpdated, Snapshot: ibuprofen(60), Note: "restocked, both resolved"},
		{Kind: events.InventoryCreated, Snapshot: withExpiry(medicine("med-amoxicillin-500", "Amoxicillin 500mg", 30, 5, "capsules"), in(5)), Note: "expiry_warning high"},
		{Kind: events.InventoryCreated, Snapshot: withExpiry(kitchen("kit-milk", "Whole milk", 4, 1, "litres"), today), Note: "expired critical"},
		{Kind: events.InventoryCreated, Snapshot: kitchen("kit-olive-oil", "Olive oil", 1, 2, "bottles"), Note: "low_stock high"},
		{Kind: events.InventoryDeleted, Snapshot: events.InventorySnapshot{Item: alerts.Item{ID: "kit-olive-oil"}}, Note: "deleted, alerts resolved"},
	}
}

// Generator produces a random walk over a small catalog. A fixed seed gives a
// reproducible sequence.
type Generator struct {
	rng     *rand.Rand
	today   alerts.Date
	catalog []events.InventorySnapshot
}

// NewGenerator creates a generator. seed 0 picks a random seed.
func NewGenerator(seed int64, now time.Time) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		rng:   rand.New(rand.NewSource(seed)),
		today: alerts.DateOf(now),
		catalog: []events.InventorySnapshot{
			medicine("med-ibuprofen-400", "Ibuprofen 400mg", 40, 10, "tablets"),
			medicine("med-paracetamol-500", "Paracetamol 500mg", 60, 15, "tablets"),
			medicine("med-amoxicillin-500", "Amoxicillin 500mg", 30, 5, "capsules"),
			kitchen("kit-flour", "Flour", 5, 2, "kg"),
			kitchen("kit-milk", "Whole milk", 4, 1, "litres"),
			kitchen("kit-olive-oil", "Olive oil", 3, 2, "bottles"),
		},
	}
}

// Next returns an updated event for a random catalog item.
func (g *Generator) Next() Step {
	i := g.rng.Intn(len(g.catalog))
	s := g.catalog[i]
	s.CurrentCount = g.rng.Intn(s.Threshold*3 + 1)
	if g.rng.Float64() < 0.3 {
		d := alerts.DateOf(g.today.AddDate(0, 0, g.rng.Intn(60)-5))
		s.ExpiryDate = &d
	}
	g.catalog[i] = s
	return Step{Kind: events.InventoryUpdated, Snapshot: s}
}

// Run publishes steps in order, paced by limiter when it is non-nil. It returns how many
// steps were published.
func (p *Publisher) Run(ctx context.Context, steps []Step, limiter *rate.Limiter, correlationID string) (int, error) {
	for i, step := range steps {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return i, err
			}
		}

		var (
			evt events.InventoryChanged
			err error
		)
		switch step.Kind {
		case events.InventoryCreated:
			evt, err = p.Created(ctx, step.Snapshot, correlationID)
		case events.InventoryUpdated:
			evt, err = p.Updated(ctx, step.Snapshot, correlationID)
		case events.InventoryDeleted:
			evt, err = p.Deleted(ctx, step.Snapshot.ID, correlationID)
		default:
			err = fmt.Errorf("unknown step kind %q", step.Kind)
		}
		if err != nil {
			return i, fmt.Errorf("step %d (%s %s): %w", i+1, step.Kind, step.Snapshot.ID, err)
		}

		slog.Info("Published inventory event",
			"step", i+1,
			"event_id", evt.EventID,
			"event_kind", step.Kind,
			"item_id", step.Snapshot.ID,
			"count", step.Snapshot.CurrentCount,
			"note", step.Note,
		)
	}
	return len(steps), nil
}
