package rules

import (
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/gpatchikoru/web-alerting-application/internal/alerts"
)

func drawItem(t *rapid.T) alerts.Item {
	item := alerts.Item{
		ID:           rapid.StringMatching(`item-[a-z0-9]{1,8}`).Draw(t, "id"),
		Name:         "item",
		Kind:         rapid.SampledFrom([]alerts.ItemKind{alerts.ItemKindMedicine, alerts.ItemKindKitchenGood}).Draw(t, "kind"),
		CurrentCount: rapid.IntRange(0, 500).Draw(t, "count"),
		Threshold:    rapid.IntRange(0, 500).Draw(t, "threshold"),
	}
	if rapid.Bool().Draw(t, "has_expiry") {
		d := alerts.Date{Time: today().AddDate(0, 0, rapid.IntRange(-400, 400).Draw(t, "expiry_offset"))}
		item.ExpiryDate = &d
	}
	return item
}

func drawNow(t *rapid.T) time.Time {
	return today().Add(time.Duration(rapid.Int64Range(0, int64(24*time.Hour)-1).Draw(t, "time_of_day")))
}

func count(cs []alerts.Candidate, k alerts.Kind) int {
	n := 0
	for _, c := range cs {
		if c.Kind == k {
			n++
		}
	}
	return n
}

func TestEvaluate_OutOfStockNeverLowStock(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		item := drawItem(t)
		item.CurrentCount = 0

		got := Evaluate(item, drawNow(t))
		if count(got, alerts.KindOutOfStock) != 1 {
			t.Fatalf("want one out_of_stock candidate, got %v", kinds(got))
		}
		if count(got, alerts.KindLowStock) != 0 {
			t.Fatalf("out of stock item produced low_stock: %v", kinds(got))
		}
	})
}

func TestEvaluate_LowStockSeverity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		item := drawItem(t)
		item.Threshold = rapid.IntRange(1, 500).Draw(t, "threshold_pos")
		item.CurrentCount = rapid.IntRange(1, item.Threshold).Draw(t, "count_low")

		got := Evaluate(item, drawNow(t))
		if count(got, alerts.KindLowStock) != 1 {
			t.Fatalf("want exactly one low_stock candidate, got %v", kinds(got))
		}
		c, _ := find(got, alerts.KindLowStock)
		want := alerts.SeverityMedium
		if item.CurrentCount <= 2 {
			want = alerts.SeverityHigh
		}
		if c.Severity != want {
			t.Fatalf("count %d: severity %s, want %s", item.CurrentCount, c.Severity, want)
		}
	})
}

func TestEvaluate_ExpiryKindsExclusive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		item := drawItem(t)
		now := drawNow(t)

		got := Evaluate(item, now)
		warnings, expiredN := count(got, alerts.KindExpiryWarning), count(got, alerts.KindExpired)
		if warnings+expiredN > 1 {
			t.Fatalf("both expiry kinds raised: %v", kinds(got))
		}
		if item.ExpiryDate == nil {
			if warnings+expiredN != 0 {
				t.Fatalf("expiry candidate without expiry date: %v", kinds(got))
			}
			return
		}
		days := DaysUntilExpiry(*item.ExpiryDate, now)
		if days <= 0 && expiredN != 1 {
			t.Fatalf("days=%d: want expired, got %v", days, kinds(got))
		}
		if days > 0 && days <= ExpiryWindowDays && warnings != 1 {
			t.Fatalf("days=%d: want expiry_warning, got %v", days, kinds(got))
		}
	})
}

func TestEvaluate_SeverityIsDerived(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		item := drawItem(t)
		now := drawNow(t)

		first := Evaluate(item, now)
		second := Evaluate(item, now)
		if len(first) != len(second) {
			t.Fatalf("Evaluate is not deterministic")
		}
		for i := range first {
			if first[i].Kind != second[i].Kind || first[i].Severity != second[i].Severity || first[i].Message != second[i].Message {
				t.Fatalf("Evaluate is not deterministic: %+v vs %+v", first[i], second[i])
			}
		}
	})
}

func TestCleared_DisjointFromEvaluate(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		item := drawItem(t)
		now := drawNow(t)

		raised := map[alerts.Kind]bool{}
		for _, c := range Evaluate(item, now) {
			raised[c.Kind] = true
		}
		for _, k := range Cleared(item, now) {
			if raised[k] {
				t.Fatalf("kind %s both raised and cleared", k)
			}
		}
	})
}
