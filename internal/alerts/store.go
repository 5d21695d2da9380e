package alerts

import (
	"context"
	"time"
)

// UpsertResult describes the outcome of a Store.Upsert call.
type UpsertResult struct {
	Alert    Alert
	Previous *Alert // the open alert before the call, nil when Created
	Created  bool
	Changed  bool // true when Created or when a visible field of the open alert changed
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	ItemID string
	Status Status
	Kind   Kind
	Limit  int
}

// Store is the transactional alert gateway. Each call runs in its own transaction and
// concurrent upserts for the same alert key are serialized.
type Store interface {
	Upsert(ctx context.Context, c Candidate, item Item, now time.Time) (UpsertResult, error)
	Transition(ctx context.Context, id string, to Status, actor, reason string, now time.Time) (Alert, error)
	ResolveOpen(ctx context.Context, itemID string, kinds []Kind, actor, reason string, now time.Time) ([]Alert, error)
	Get(ctx context.Context, id string) (Alert, error)
	List(ctx context.Context, f Filter) ([]Alert, error)
	// MarkPublished records that revision of alert id reached the change stream.
	MarkPublished(ctx context.Context, id string, revision int) error
	// Unpublished returns the alerts of an item with revisions not yet on the change stream.
	Unpublished(ctx context.Context, itemID string) ([]Alert, error)
	// PendingItems returns the ids of items holding revisions not yet on the change
	// stream whose last change happened before the given time.
	PendingItems(ctx context.Context, changedBefore time.Time) ([]string, error)
}

// ItemRecorder is implemented by stores that keep a read model of inventory snapshots.
type ItemRecorder interface {
	// RecordItem stores the snapshot as of changedAt, the time the inventory service
	// made the change. Snapshots older than the stored one are ignored.
	RecordItem(ctx context.Context, item Item, deleted bool, changedAt time.Time) error
}
