package processor

import (
	"context"
	"sync"
	"time"

	"github.com/gpatchikoru/web-alerting-application/internal/bus"
	"github.com/gpatchikoru/web-alerting-application/internal/events"
)

type published struct {
	Topic  string
	Key    string
	Change events.AlertChanged
}

// FakePublisher records alert changes. The first FailTimes calls return PublishErr.
type FakePublisher struct {
	mu         sync.Mutex
	Published  []published
	PublishErr error
	FailTimes  int
	calls      int
}

func (f *FakePublisher) Publish(_ context.Context, topic, key string, e bus.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.PublishErr != nil && f.calls <= f.FailTimes {
		return f.PublishErr
	}
	f.Published = append(f.Published, published{Topic: topic, Key: key, Change: e.(events.AlertChanged)})
	return nil
}

func (f *FakePublisher) Kinds() []events.AlertKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.AlertKind, len(f.Published))
	for i, p := range f.Published {
		out[i] = p.Change.EventKind
	}
	return out
}

// FakeNotifier records hub pushes.
type FakeNotifier struct {
	mu      sync.Mutex
	Changes []events.AlertChanged
}

func (f *FakeNotifier) PublishAlert(change events.AlertChanged) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Changes = append(f.Changes, change)
	return 1
}

// FakeDeduper keeps markers in a map.
type FakeDeduper struct {
	mu      sync.Mutex
	Marked  map[string]bool
	SeenErr error
}

func (f *FakeDeduper) Seen(_ context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SeenErr != nil {
		return false, f.SeenErr
	}
	return f.Marked[eventID], nil
}

func (f *FakeDeduper) Mark(_ context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Marked == nil {
		f.Marked = make(map[string]bool)
	}
	if f.Marked[eventID] {
		return false, nil
	}
	f.Marked[eventID] = true
	return true, nil
}

// FakeMetrics counts calls.
type FakeMetrics struct {
	mu        sync.Mutex
	Received  int
	Processed int
	Published int
	Errors    int
	Custom    map[string]int
}

func (f *FakeMetrics) RecordReceived() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Received++
}

func (f *FakeMetrics) RecordProcessed(time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Processed++
}

func (f *FakeMetrics) RecordPublished() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Published++
}

func (f *FakeMetrics) RecordError() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors++
}

func (f *FakeMetrics) Increment(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Custom == nil {
		f.Custom = make(map[string]int)
	}
	f.Custom[name]++
}
