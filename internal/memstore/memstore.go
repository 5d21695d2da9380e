// Package memstore is an in-process alerts.Store. It backs the -store=memory mode and the
// tests that exercise the pipeline without Postgres.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gpatchikoru/web-alerting-application/internal/alerts"
)

// Store keeps alerts in maps guarded by mu. Every write holds mu for its whole
// read-modify-write, so writes are serialized across all alert keys.
type Store struct {
	mu          sync.RWMutex
	alerts      map[string]alerts.Alert // by alert id
	open        map[string]string       // alert key -> id of the open alert
	occurrences map[string]int          // alert key -> occurrences so far
	items       map[string]ItemRecord
}

// ItemRecord is the last snapshot seen for an item.
type ItemRecord struct {
	Item      alerts.Item
	Deleted   bool
	UpdatedAt time.Time
}

var (
	_ alerts.Store        = (*Store)(nil)
	_ alerts.ItemRecorder = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		alerts:      make(map[string]alerts.Alert),
		open:        make(map[string]string),
		occurrences: make(map[string]int),
		items:       make(map[string]ItemRecord),
	}
}

// Upsert creates or refreshes the open alert for (item, c.Kind).
func (s *Store) Upsert(ctx context.Context, c alerts.Candidate, item alerts.Item, now time.Time) (alerts.UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return alerts.UpsertResult{}, err
	}
	key := alerts.AlertKey(item.ID, c.Kind)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.open[key]; ok {
		prev := s.alerts[id]
		next, changed := alerts.Refresh(prev, c, item, now)
		if changed {
			s.alerts[id] = next
		}
		return alerts.UpsertResult{Alert: next, Previous: &prev, Changed: changed}, nil
	}

	occurrence := s.occurrences[key] + 1
	a := alerts.NewAlert(c, item, occurrence, now)
	if _, exists := s.alerts[a.ID]; exists {
		return alerts.UpsertResult{}, fmt.Errorf("%w: alert %s already exists", alerts.ErrStorageConflict, a.ID)
	}
	s.occurrences[key] = occurrence
	s.alerts[a.ID] = a
	s.open[key] = a.ID
	return alerts.UpsertResult{Alert: a, Created: true, Changed: true}, nil
}

// Transition moves alert id to status to.
func (s *Store) Transition(ctx context.Context, id string, to alerts.Status, actor, reason string, now time.Time) (alerts.Alert, error) {
	if err := ctx.Err(); err != nil {
		return alerts.Alert{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return alerts.Alert{}, fmt.Errorf("%w: %s", alerts.ErrNotFound, id)
	}
	return s.transitionLocked(a, to, actor, reason, now)
}

func (s *Store) transitionLocked(a alerts.Alert, to alerts.Status, actor, reason string, now time.Time) (alerts.Alert, error) {
	next, err := alerts.ApplyTransition(a, to, actor, reason, now)
	if err != nil {
		return a, err
	}
	s.alerts[next.ID] = next
	if next.Status.IsTerminal() && s.open[next.AlertKey] == next.ID {
		delete(s.open, next.AlertKey)
	}
	return next, nil
}

// ResolveOpen resolves the open alerts of itemID, restricted to kinds when given.
func (s *Store) ResolveOpen(ctx context.Context, itemID string, kinds []alerts.Kind, actor, reason string, now time.Time) ([]alerts.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(kinds) == 0 {
		kinds = alerts.Kinds
	}

	var resolved []alerts.Alert
	for _, kind := range kinds {
		key := alerts.AlertKey(itemID, kind)
		a, err := s.resolveKey(key, actor, reason, now)
		if err != nil {
			return resolved, err
		}
		if a != nil {
			resolved = append(resolved, *a)
		}
	}
	return resolved, nil
}

func (s *Store) resolveKey(key, actor, reason string, now time.Time) (*alerts.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.open[key]
	if !ok {
		return nil, nil
	}
	next, err := s.transitionLocked(s.alerts[id], alerts.StatusResolved, actor, reason, now)
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// Get returns alert id.
func (s *Store) Get(ctx context.Context, id string) (alerts.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return alerts.Alert{}, fmt.Errorf("%w: %s", alerts.ErrNotFound, id)
	}
	return a, nil
}

// List returns matching alerts, newest first.
func (s *Store) List(ctx context.Context, f alerts.Filter) ([]alerts.Alert, error) {
	s.mu.RLock()
	out := make([]alerts.Alert, 0)
	for _, a := range s.alerts {
		if f.ItemID != "" && a.ItemID != f.ItemID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Kind != "" && a.Kind != f.Kind {
			continue
		}
		out = append(out, a)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// MarkPublished records that revision of alert id is on the change stream.
// Older revisions never move the marker backwards.
func (s *Store) MarkPublished(ctx context.Context, id string, revision int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return fmt.Errorf("%w: %s", alerts.ErrNotFound, id)
	}
	if revision > a.PublishedRevision {
		a.PublishedRevision = revision
		s.alerts[id] = a
	}
	return nil
}

// PendingItems returns the items with unpublished revisions last changed before changedBefore.
func (s *Store) PendingItems(ctx context.Context, changedBefore time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	seen := make(map[string]bool)
	for _, a := range s.alerts {
		if a.NeedsPublish() && a.UpdatedAt.Before(changedBefore) {
			seen[a.ItemID] = true
		}
	}
	s.mu.RUnlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Unpublished returns the alerts of itemID with unpublished revisions, oldest change first.
func (s *Store) Unpublished(ctx context.Context, itemID string) ([]alerts.Alert, error) {
	s.mu.RLock()
	var out []alerts.Alert
	for _, a := range s.alerts {
		if a.ItemID == itemID && a.NeedsPublish() {
			out = append(out, a)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

// RecordItem stores the snapshot of an item as of changedAt unless a newer one is stored.
func (s *Store) RecordItem(ctx context.Context, item alerts.Item, deleted bool, changedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.items[item.ID]; ok && prev.UpdatedAt.After(changedAt) {
		return nil
	}
	if deleted {
		// Delete events carry only the id.
		if prev, ok := s.items[item.ID]; ok {
			item = prev.Item
		}
	}
	s.items[item.ID] = ItemRecord{Item: item, Deleted: deleted, UpdatedAt: changedAt}
	return nil
}

// Item returns the last snapshot recorded for id.
func (s *Store) Item(id string) (ItemRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[id]
	return rec, ok
}

// OpenCount returns how many open alerts exist for (itemID, kind). Used to check the
// one-open-alert rule.
func (s *Store) OpenCount(itemID string, kind alerts.Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.alerts {
		if a.ItemID == itemID && a.Kind == kind && a.Status.IsOpen() {
			n++
		}
	}
	return n
}
