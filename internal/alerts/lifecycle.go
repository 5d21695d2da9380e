package alerts

import (
	"fmt"
	"maps"
	"time"
)

var transitions = map[Status][]Status{
	StatusActive:       {StatusAcknowledged, StatusDismissed, StatusResolved},
	StatusAcknowledged: {StatusResolved, StatusDismissed},
}

// CanTransition reports whether an alert in status from may move to status to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NewAlert builds the first revision of an alert for candidate c raised against item.
func NewAlert(c Candidate, item Item, occurrence int, now time.Time) Alert {
	a := Alert{
		ID:         AlertID(item.ID, c.Kind, occurrence),
		AlertKey:   AlertKey(item.ID, c.Kind),
		Occurrence: occurrence,
		Kind:       c.Kind,
		Status:     StatusActive,
		ItemID:     item.ID,
		Revision:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	applyCandidate(&a, c, item)
	return a
}

// Refresh re-applies a fresh evaluation to an open alert. Status, acknowledgement and
// created_at are never touched. The second return value is false when nothing visible
// changed, in which case the alert is returned as is.
func Refresh(open Alert, c Candidate, item Item, now time.Time) (Alert, bool) {
	next := open
	applyCandidate(&next, c, item)
	if sameVisibleState(open, next) {
		return open, false
	}
	next.Revision = open.Revision + 1
	next.UpdatedAt = now
	return next, true
}

// ApplyTransition moves a to status to on behalf of actor.
func ApplyTransition(a Alert, to Status, actor, reason string, now time.Time) (Alert, error) {
	if !CanTransition(a.Status, to) {
		return a, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, a.Status, to)
	}
	at := now
	switch to {
	case StatusAcknowledged:
		a.AcknowledgedBy = actor
		a.AcknowledgedAt = &at
	case StatusResolved, StatusDismissed:
		a.ResolvedBy = actor
		a.ResolvedAt = &at
		a.ResolutionReason = reason
	}
	a.Status = to
	a.Revision++
	a.UpdatedAt = now
	return a, nil
}

func applyCandidate(a *Alert, c Candidate, item Item) {
	a.Severity = c.Severity
	a.Title = c.Title
	a.Message = c.Message
	a.ItemName = item.Name
	a.ItemKind = item.Kind
	a.Metadata = maps.Clone(c.Metadata)

	switch c.Kind {
	case KindLowStock, KindOutOfStock:
		count, threshold := item.CurrentCount, item.Threshold
		a.CurrentCount = &count
		a.Threshold = &threshold
		a.ExpiryDate = nil
		a.DaysUntilExpiry = nil
	case KindExpiryWarning, KindExpired:
		a.CurrentCount = nil
		a.Threshold = nil
		if item.ExpiryDate != nil {
			d := *item.ExpiryDate
			a.ExpiryDate = &d
		}
		if c.DaysUntilExpiry != nil {
			days := *c.DaysUntilExpiry
			a.DaysUntilExpiry = &days
		}
	}
}

func sameVisibleState(a, b Alert) bool {
	return a.Severity == b.Severity &&
		a.Title == b.Title &&
		a.Message == b.Message &&
		a.ItemName == b.ItemName &&
		a.ItemKind == b.ItemKind &&
		equalInt(a.CurrentCount, b.CurrentCount) &&
		equalInt(a.Threshold, b.Threshold) &&
		equalInt(a.DaysUntilExpiry, b.DaysUntilExpiry) &&
		equalDate(a.ExpiryDate, b.ExpiryDate) &&
		maps.Equal(a.Metadata, b.Metadata)
}

func equalInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalDate(a, b *Date) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(b.Time)
}
