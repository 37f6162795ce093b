package servicebus

import (
	"context"
	"sync"
	"time"

	"github.com/rbaliyan/servicebus/transport"
	"github.com/rbaliyan/servicebus/transport/message"
)

// RecordedMessage represents a message that was sent during a test
type RecordedMessage struct {
	Topic     string
	Message   message.Message
	Timestamp time.Time
}

// RecordingTransport wraps a transport and records all sent messages.
// Useful for testing that events are published correctly.
type RecordingTransport struct {
	transport.Transport
	mu       sync.Mutex
	messages []RecordedMessage
}

// NewRecordingTransport creates a transport that records all sent messages.
// It wraps the provided transport (which is required).
//
// Example:
//
//	import "github.com/rbaliyan/servicebus/transport/channel"
//	transport := servicebus.NewRecordingTransport(channel.New())
func NewRecordingTransport(t transport.Transport) *RecordingTransport {
	if t == nil {
		panic("servicebus: transport is required for NewRecordingTransport")
	}
	return &RecordingTransport{Transport: t}
}

// Send records the message and delegates to the underlying transport
func (t *RecordingTransport) Send(ctx context.Context, topic string, msg message.Message) error {
	t.mu.Lock()
	t.messages = append(t.messages, RecordedMessage{
		Topic:     topic,
		Message:   msg,
		Timestamp: time.Now(),
	})
	t.mu.Unlock()

	return t.Transport.Send(ctx, topic, msg)
}

// Messages returns a copy of all recorded messages
func (t *RecordingTransport) Messages() []RecordedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]RecordedMessage, len(t.messages))
	copy(result, t.messages)
	return result
}

// Count returns the number of recorded messages
func (t *RecordingTransport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Reset clears all recorded messages
func (t *RecordingTransport) Reset() {
	t.mu.Lock()
	t.messages = nil
	t.mu.Unlock()
}

// FailingTransport is a transport that fails sends with a configured error.
// Useful for testing error handling.
type FailingTransport struct {
	transport.Transport
	mu       sync.Mutex
	err      error
	failNext int
}

// NewFailingTransport creates a transport that can be configured to fail.
// The transport parameter is required.
func NewFailingTransport(t transport.Transport) *FailingTransport {
	if t == nil {
		panic("servicebus: transport is required for NewFailingTransport")
	}
	return &FailingTransport{Transport: t}
}

// Send fails if configured, otherwise delegates to underlying transport
func (t *FailingTransport) Send(ctx context.Context, topic string, msg message.Message) error {
	t.mu.Lock()
	fail := t.failNext > 0
	err := t.err
	if fail {
		t.failNext--
	}
	t.mu.Unlock()

	if fail {
		return err
	}
	return t.Transport.Send(ctx, topic, msg)
}

// FailNext makes the next n sends fail with the given error
func (t *FailingTransport) FailNext(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext = n
	t.err = err
}

// TestHandler is a Handler that collects all events it receives for later
// assertions. Register it with ProvideValue and subscribe *TestHandler[E].
type TestHandler[E any] struct {
	mu       sync.Mutex
	received []E
	fn       func(context.Context, E) error
}

// NewTestHandler creates a new test handler.
// If fn is nil, every event is handled successfully.
func NewTestHandler[E any](fn func(context.Context, E) error) *TestHandler[E] {
	return &TestHandler[E]{fn: fn}
}

// Handle implements Handler.
func (h *TestHandler[E]) Handle(ctx context.Context, event E) error {
	h.mu.Lock()
	h.received = append(h.received, event)
	h.mu.Unlock()

	if h.fn != nil {
		return h.fn(ctx, event)
	}
	return nil
}

// Received returns a copy of all received events
func (h *TestHandler[E]) Received() []E {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make([]E, len(h.received))
	copy(result, h.received)
	return result
}

// Count returns the number of events received
func (h *TestHandler[E]) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

// WaitFor waits until the handler has received at least n events or timeout is reached.
// Returns true if the expected count was reached, false on timeout.
func (h *TestHandler[E]) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if h.Count() >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}
