// Package alerts defines the alert entity, its lifecycle rules, and the storage contract
// used by the alert consumer and the alert API.
package alerts

import (
	"time"
)

// Kind identifies which inventory condition an alert tracks.
type Kind string

const (
	KindLowStock      Kind = "low_stock"
	KindOutOfStock    Kind = "out_of_stock"
	KindExpiryWarning Kind = "expiry_warning"
	KindExpired       Kind = "expired"
)

// Kinds lists every alert kind in evaluation order.
var Kinds = []Kind{KindOutOfStock, KindLowStock, KindExpired, KindExpiryWarning}

// Valid reports whether k is a known alert kind.
func (k Kind) Valid() bool {
	switch k {
	case KindLowStock, KindOutOfStock, KindExpiryWarning, KindExpired:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

// Severity is derived from the alert kind and the numbers that triggered it.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Status is the lifecycle state of an alert.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusDismissed    Status = "dismissed"
)

// OpenStatuses are the statuses that count toward the one-open-alert-per-key rule.
var OpenStatuses = []Status{StatusActive, StatusAcknowledged}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusAcknowledged, StatusResolved, StatusDismissed:
		return true
	}
	return false
}

// IsOpen returns true for active and acknowledged alerts.
func (s Status) IsOpen() bool {
	return s == StatusActive || s == StatusAcknowledged
}

// IsTerminal returns true for resolved and dismissed alerts.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusDismissed
}

// ItemKind is the category of the inventory item an alert refers to.
type ItemKind string

const (
	ItemKindMedicine    ItemKind = "medicine"
	ItemKindKitchenGood ItemKind = "kitchen_good"
)

// Valid reports whether k is a known item kind.
func (k ItemKind) Valid() bool {
	return k == ItemKindMedicine || k == ItemKindKitchenGood
}

// TopicSuffix is the short name used in subscription topics (alerts.medicine, alerts.kitchen).
func (k ItemKind) TopicSuffix() string {
	switch k {
	case ItemKindMedicine:
		return "medicine"
	case ItemKindKitchenGood:
		return "kitchen"
	default:
		return string(k)
	}
}

// Item is the part of an inventory snapshot an alert keeps a reference to.
type Item struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Kind         ItemKind `json:"kind"`
	CurrentCount int      `json:"current_count"`
	Threshold    int      `json:"low_stock_threshold"`
	Unit         string   `json:"unit,omitempty"`
	ExpiryDate   *Date    `json:"expiry_date,omitempty"`
	Category     string   `json:"category,omitempty"`
	Location     string   `json:"location,omitempty"`
}

// Candidate is one alert mutation proposed by the rule evaluator.
type Candidate struct {
	Kind            Kind              `json:"kind"`
	Severity        Severity          `json:"severity"`
	Title           string            `json:"title"`
	Message         string            `json:"message"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	DaysUntilExpiry *int              `json:"days_until_expiry,omitempty"`
}

// Alert is the persisted alert record.
//
// Revision increases on every visible change; PublishedRevision records the last revision
// that made it onto the alert change stream.
type Alert struct {
	ID                string            `json:"id"`
	AlertKey          string            `json:"alert_key"`
	Occurrence        int               `json:"occurrence"`
	Kind              Kind              `json:"kind"`
	Severity          Severity          `json:"severity"`
	Status            Status            `json:"status"`
	Title             string            `json:"title"`
	Message           string            `json:"message"`
	ItemID            string            `json:"item_id"`
	ItemName          string            `json:"item_name"`
	ItemKind          ItemKind          `json:"item_kind"`
	CurrentCount      *int              `json:"current_count,omitempty"`
	Threshold         *int              `json:"threshold,omitempty"`
	ExpiryDate        *Date             `json:"expiry_date,omitempty"`
	DaysUntilExpiry   *int              `json:"days_until_expiry,omitempty"`
	AcknowledgedBy    string            `json:"acknowledged_by,omitempty"`
	AcknowledgedAt    *time.Time        `json:"acknowledged_at,omitempty"`
	ResolvedBy        string            `json:"resolved_by,omitempty"`
	ResolvedAt        *time.Time        `json:"resolved_at,omitempty"`
	ResolutionReason  string            `json:"resolution_reason,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Revision          int               `json:"revision"`
	PublishedRevision int               `json:"-"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// NeedsPublish reports whether the alert has a revision not yet on the change stream.
func (a Alert) NeedsPublish() bool {
	return a.Revision > a.PublishedRevision
}
