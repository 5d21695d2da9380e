// Package rules turns an inventory snapshot into alert candidates.
//
// The decision table is fixed:
//
//	out_of_stock    count == 0                       critical
//	low_stock       0 < count <= threshold           high if count <= 2, else medium
//	expiry_warning  0 < days until expiry <= 30      high if <= 7, medium if <= 14, else low
//	expired         days until expiry <= 0           critical
//
// Everything here is pure and safe for concurrent use.
package rules

import (
	"fmt"
	"time"

	"github.com/gpatchikoru/web-alerting-application/internal/alerts"
)

const (
	// ExpiryWindowDays is how far ahead an expiry date raises a warning.
	ExpiryWindowDays = 30
	highExpiryDays   = 7
	mediumExpiryDays = 14
	highStockCount   = 2
)

const day = 24 * time.Hour

// DaysUntilExpiry returns the whole days between now and the start of the expiry date,
// rounded up. An item expiring in 23 hours has 1 day left; one that expired earlier today has 0.
func DaysUntilExpiry(expiry alerts.Date, now time.Time) int {
	d := expiry.Time.Sub(now)
	if d > 0 {
		return int((d + day - 1) / day)
	}
	return -int(-d / day)
}

// Evaluate returns the candidates raised by item at time now, in alerts.Kinds order.
func Evaluate(item alerts.Item, now time.Time) []alerts.Candidate {
	var out []alerts.Candidate

	switch {
	case item.CurrentCount == 0:
		out = append(out, outOfStock(item))
	case item.CurrentCount <= item.Threshold:
		out = append(out, lowStock(item))
	}

	if item.ExpiryDate != nil {
		days := DaysUntilExpiry(*item.ExpiryDate, now)
		switch {
		case days <= 0:
			out = append(out, expired(item, days))
		case days <= ExpiryWindowDays:
			out = append(out, expiryWarning(item, days))
		}
	}
	return out
}

// Cleared returns the kinds whose own condition no longer holds for item. Open alerts of
// these kinds can be resolved. A kind is only cleared by its own condition: an empty shelf
// does not clear low_stock and an expired item does not clear expiry_warning.
func Cleared(item alerts.Item, now time.Time) []alerts.Kind {
	var out []alerts.Kind
	if item.CurrentCount > 0 {
		out = append(out, alerts.KindOutOfStock)
	}
	if item.CurrentCount > item.Threshold {
		out = append(out, alerts.KindLowStock)
	}

	if item.ExpiryDate == nil {
		return append(out, alerts.KindExpired, alerts.KindExpiryWarning)
	}
	days := DaysUntilExpiry(*item.ExpiryDate, now)
	if days > 0 {
		out = append(out, alerts.KindExpired)
	}
	if days > ExpiryWindowDays {
		out = append(out, alerts.KindExpiryWarning)
	}
	return out
}

// StockSeverity grades a low-stock count.
func StockSeverity(count int) alerts.Severity {
	switch {
	case count == 0:
		return alerts.SeverityCritical
	case count <= highStockCount:
		return alerts.SeverityHigh
	default:
		return alerts.SeverityMedium
	}
}

// ExpirySeverity grades an expiry date that is days away.
func ExpirySeverity(days int) alerts.Severity {
	switch {
	case days <= 0:
		return alerts.SeverityCritical
	case days <= highExpiryDays:
		return alerts.SeverityHigh
	case days <= mediumExpiryDays:
		return alerts.SeverityMedium
	default:
		return alerts.SeverityLow
	}
}

func outOfStock(item alerts.Item) alerts.Candidate {
	return alerts.Candidate{
		Kind:     alerts.KindOutOfStock,
		Severity: alerts.SeverityCritical,
		Title:    "Out of stock: " + item.Name,
		Message:  fmt.Sprintf("%s is out of stock (threshold %s)", item.Name, quantity(item.Threshold, item.Unit)),
		Metadata: itemMetadata(item),
	}
}

func lowStock(item alerts.Item) alerts.Candidate {
	return alerts.Candidate{
		Kind:     alerts.KindLowStock,
		Severity: StockSeverity(item.CurrentCount),
		Title:    "Low stock: " + item.Name,
		Message: fmt.Sprintf("%s is running low: %s left (threshold %s)",
			item.Name, quantity(item.CurrentCount, item.Unit), quantity(item.Threshold, item.Unit)),
		Metadata: itemMetadata(item),
	}
}

func expiryWarning(item alerts.Item, days int) alerts.Candidate {
	unit := "days"
	if days == 1 {
		unit = "day"
	}
	return alerts.Candidate{
		Kind:            alerts.KindExpiryWarning,
		Severity:        ExpirySeverity(days),
		Title:           "Expiring soon: " + item.Name,
		Message:         fmt.Sprintf("%s expires in %d %s (%s)", item.Name, days, unit, item.ExpiryDate),
		Metadata:        itemMetadata(item),
		DaysUntilExpiry: &days,
	}
}

func expired(item alerts.Item, days int) alerts.Candidate {
	return alerts.Candidate{
		Kind:            alerts.KindExpired,
		Severity:        alerts.SeverityCritical,
		Title:           "Expired: " + item.Name,
		Message:         fmt.Sprintf("%s expired on %s", item.Name, item.ExpiryDate),
		Metadata:        itemMetadata(item),
		DaysUntilExpiry: &days,
	}
}

func quantity(n int, unit string) string {
	if unit == "" {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("%d %s", n, unit)
}

func itemMetadata(item alerts.Item) map[string]string {
	md := map[string]string{}
	if item.Category != "" {
		md["category"] = item.Category
	}
	if item.Location != "" {
		md["location"] = item.Location
	}
	if len(md) == 0 {
		return nil
	}
	return md
}
