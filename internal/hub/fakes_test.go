package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("connection closed")

// fakeConn records writes. With block set, Write waits until the connection is closed.
type fakeConn struct {
	writes chan []byte
	block  bool

	mu       sync.Mutex
	writeErr error
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{writes: make(chan []byte, 100), closed: make(chan struct{})}
}

func (f *fakeConn) Write(data []byte) error {
	if f.block {
		<-f.closed
		return errConnClosed
	}
	f.mu.Lock()
	err := f.writeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.writes <- data
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) failWrites(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

type received struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Topics  []string        `json:"topics"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func (f *fakeConn) next(t *testing.T) received {
	t.Helper()
	select {
	case data := <-f.writes:
		var msg received
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a write")
		return received{}
	}
}

func (f *fakeConn) assertNoWrite(t *testing.T) {
	t.Helper()
	select {
	case data := <-f.writes:
		t.Fatalf("unexpected write: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *fakeCounter) Increment(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[name]++
}

func (c *fakeCounter) Get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
