package servicebus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/servicebus/transport"
	"github.com/rbaliyan/servicebus/transport/message"
)

type UserRegistered struct {
	Name string `json:"name"`
}

type UserDeleted struct {
	ID int `json:"id"`
}

type OrderPlaced struct {
	OrderID string  `json:"order_id"`
	Amount  float64 `json:"amount"`
}

func (OrderPlaced) EventTypeName() string { return "orders.placed" }

// registeredHandler counts its calls and remembers the events.
type registeredHandler struct {
	mu     sync.Mutex
	events []UserRegistered
	err    error
}

func (h *registeredHandler) Handle(ctx context.Context, e UserRegistered) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	return h.err
}

func (h *registeredHandler) received() []UserRegistered {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]UserRegistered(nil), h.events...)
}

// otherRegisteredHandler is a second handler type for the same event.
type otherRegisteredHandler struct{}

func (otherRegisteredHandler) Handle(ctx context.Context, e UserRegistered) error { return nil }

// mapResolver resolves from a fixed map.
type mapResolver map[string]any

func (m mapResolver) Resolve(ctx context.Context, handlerType string) (any, bool) {
	h, ok := m[handlerType]
	return h, ok
}

// fakeMessage records acknowledgements.
type fakeMessage struct {
	transport.Message
	acks   atomic.Int32
	ackErr error
}

func newFakeMessage(eventType, contentType string, body []byte) *fakeMessage {
	md := map[string]string{}
	if contentType != "" {
		md[message.KeyContentType] = contentType
	}
	return &fakeMessage{Message: message.New(transport.NewID(), transport.NewID(), eventType, body, md)}
}

func (m *fakeMessage) Ack(ctx context.Context) error {
	m.acks.Add(1)
	return m.ackErr
}

// fakeReceiver hands out queued messages and errors, then blocks.
type fakeReceiver struct {
	ch     chan any
	closed chan struct{}
	once   sync.Once
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{ch: make(chan any, 16), closed: make(chan struct{})}
}

func (r *fakeReceiver) push(v any) { r.ch <- v }

func (r *fakeReceiver) ID() string { return "fake" }

func (r *fakeReceiver) Receive(ctx context.Context) (transport.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.closed:
		return nil, transport.ErrReceiverClosed
	case v := <-r.ch:
		switch v := v.(type) {
		case error:
			return nil, v
		case transport.Message:
			return v, nil
		}
		return nil, errors.New("unexpected item")
	}
}

func (r *fakeReceiver) Close(ctx context.Context) error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

// fakeTransport serves a single fakeReceiver and records sends.
type fakeTransport struct {
	receiver *fakeReceiver
	mu       sync.Mutex
	sent     []transport.Message
	sendErr  error
	closed   atomic.Bool
}

func (t *fakeTransport) Send(ctx context.Context, topic string, msg transport.Message) error {
	if t.sendErr != nil {
		return t.sendErr
	}
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Receive(ctx context.Context, topic, subscription string) (transport.Receiver, error) {
	return t.receiver, nil
}

func (t *fakeTransport) Close(ctx context.Context) error {
	t.closed.Store(true)
	return nil
}

// errorSink collects errors reported by the processing loop.
type errorSink struct {
	ch chan error
}

func newErrorSink() *errorSink {
	return &errorSink{ch: make(chan error, 16)}
}

func (s *errorSink) handle(ctx context.Context, err error) {
	s.ch <- err
}
