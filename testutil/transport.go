package testutil

import (
	"sync"
	"testing"
	"time"
)

// Emitted is one recorded server-to-client event
type Emitted struct {
	Event   string
	Payload any
}

// FakeTransport records events emitted to a client connection
type FakeTransport struct {
	mu      sync.Mutex
	emitted []Emitted
	closed  int
	emitErr error
}

// NewFakeTransport returns an empty transport
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

// FailEmit makes every following Emit return err (nil to clear)
func (t *FakeTransport) FailEmit(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitErr = err
}

func (t *FakeTransport) Emit(event string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.emitErr != nil {
		return t.emitErr
	}
	t.emitted = append(t.emitted, Emitted{Event: event, Payload: payload})
	return nil
}

func (t *FakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

// Emitted returns a copy of every recorded event
func (t *FakeTransport) Emitted() []Emitted {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Emitted(nil), t.emitted...)
}

// Events returns the payloads emitted under event
func (t *FakeTransport) Events(event string) []any {
	var out []any
	for _, e := range t.Emitted() {
		if e.Event == event {
			out = append(out, e.Payload)
		}
	}
	return out
}

// Closed reports whether Close was called
func (t *FakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed > 0
}

// Eventually polls cond every 5ms until it holds, failing t after timeout
func Eventually(t testing.TB, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

// Never checks that cond stays false for the whole window
func Never(t testing.TB, cond func() bool, window time.Duration) {
	t.Helper()
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if cond() {
			t.Fatalf("condition became true within %s", window)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
