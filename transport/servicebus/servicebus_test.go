package servicebus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/servicebus/transport"
	"github.com/rbaliyan/servicebus/transport/message"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []*azservicebus.Message
	err    error
	closed bool
}

func (s *fakeSender) SendMessage(_ context.Context, msg *azservicebus.Message, _ *azservicebus.SendMessageOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) Close(context.Context) error {
	s.closed = true
	return nil
}

type fakeReceiver struct {
	msgs      chan *azservicebus.ReceivedMessage
	mu        sync.Mutex
	completed []string
	ackErr    error
	closed    bool
}

func (r *fakeReceiver) ReceiveMessages(ctx context.Context, maxMessages int, _ *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m := <-r.msgs:
		out := []*azservicebus.ReceivedMessage{m}
		for len(out) < maxMessages {
			select {
			case m := <-r.msgs:
				out = append(out, m)
			default:
				return out, nil
			}
		}
		return out, nil
	}
}

func (r *fakeReceiver) CompleteMessage(_ context.Context, m *azservicebus.ReceivedMessage, _ *azservicebus.CompleteMessageOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ackErr != nil {
		return r.ackErr
	}
	r.completed = append(r.completed, m.MessageID)
	return nil
}

func (r *fakeReceiver) Close(context.Context) error {
	r.closed = true
	return nil
}

type fakeEntities struct {
	senders   map[string]*fakeSender
	receivers map[string]*fakeReceiver
	closed    bool
}

func newFakeEntities() *fakeEntities {
	return &fakeEntities{
		senders:   make(map[string]*fakeSender),
		receivers: make(map[string]*fakeReceiver),
	}
}

func (e *fakeEntities) newSender(topic string) (sender, error) {
	s := &fakeSender{}
	e.senders[topic] = s
	return s, nil
}

func (e *fakeEntities) newReceiver(topic, subscription string) (peekLockReceiver, error) {
	r := &fakeReceiver{msgs: make(chan *azservicebus.ReceivedMessage, 10)}
	e.receivers[topic+"/"+subscription] = r
	return r, nil
}

func (e *fakeEntities) Close(context.Context) error {
	e.closed = true
	return nil
}

func received(id, subject string, count uint32) *azservicebus.ReceivedMessage {
	return &azservicebus.ReceivedMessage{
		MessageID:             id,
		CorrelationID:         ptr("corr-" + id),
		Subject:               ptr(subject),
		To:                    ptr("billing"),
		ContentType:           ptr("application/json"),
		Body:                  []byte(`{"name":"ann"}`),
		ApplicationProperties: map[string]any{"traceparent": "00-abc-def-01"},
		DeliveryCount:         count,
		LockToken:             [16]byte{1, 2, 3},
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrClientRequired) {
		t.Errorf("expected ErrClientRequired, got %v", err)
	}
}

func TestSendMapsProperties(t *testing.T) {
	e := newFakeEntities()
	tr := newTransport(e, false)
	ctx := context.Background()

	msg := message.New("id-1", "corr-1", "UserRegistered", []byte(`{}`), map[string]string{
		message.KeyTo:          "billing",
		message.KeyContentType: "application/json",
		"traceparent":          "00-abc-def-01",
	})
	if err := tr.Send(ctx, "users", msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := tr.Send(ctx, "users", msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	s := e.senders["users"]
	if len(s.sent) != 2 {
		t.Fatalf("expected cached sender to send 2 messages, got %d", len(s.sent))
	}
	got := s.sent[0]
	want := &azservicebus.Message{
		MessageID:             ptr("id-1"),
		CorrelationID:         ptr("corr-1"),
		Subject:               ptr("UserRegistered"),
		To:                    ptr("billing"),
		ContentType:           ptr("application/json"),
		Body:                  []byte(`{}`),
		ApplicationProperties: map[string]any{"traceparent": "00-abc-def-01"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("message mismatch (-want +got):\n%s", diff)
	}

	s.err = errors.New("entity not found")
	if err := tr.Send(ctx, "users", msg); err == nil {
		t.Error("expected send error")
	}
}

func TestReceiveAndComplete(t *testing.T) {
	e := newFakeEntities()
	tr := newTransport(e, false, WithBatchSize(2))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rcv, err := tr.Receive(ctx, "users", "audit")
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	fr := e.receivers["users/audit"]
	fr.msgs <- received("m-1", "UserRegistered", 1)
	fr.msgs <- received("m-2", "UserDeleted", 4)

	first, err := rcv.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	second, err := rcv.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	if first.EventType() != "UserRegistered" || second.EventType() != "UserDeleted" {
		t.Errorf("unexpected event types %s %s", first.EventType(), second.EventType())
	}
	if first.To() != "billing" || first.ContentType() != "application/json" {
		t.Errorf("unexpected properties to=%s content-type=%s", first.To(), first.ContentType())
	}
	if first.CorrelationID() != "corr-m-1" {
		t.Errorf("expected corr-m-1, got %s", first.CorrelationID())
	}
	if first.Metadata()["traceparent"] != "00-abc-def-01" {
		t.Error("expected application property in metadata")
	}
	if second.DeliveryCount() != 4 {
		t.Errorf("expected delivery count 4, got %d", second.DeliveryCount())
	}
	if first.LockToken() == "" {
		t.Error("expected lock token")
	}

	if err := first.Ack(ctx); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if diff := cmp.Diff([]string{"m-1"}, fr.completed); diff != "" {
		t.Errorf("completed mismatch (-want +got):\n%s", diff)
	}
}

func TestLockLost(t *testing.T) {
	e := newFakeEntities()
	tr := newTransport(e, false)
	ctx := context.Background()

	rcv, _ := tr.Receive(ctx, "users", "audit")
	fr := e.receivers["users/audit"]
	fr.ackErr = &azservicebus.Error{Code: azservicebus.CodeLockLost}
	fr.msgs <- received("m-1", "UserRegistered", 1)

	msg, err := rcv.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if err := msg.Ack(ctx); !errors.Is(err, transport.ErrLockLost) {
		t.Errorf("expected ErrLockLost, got %v", err)
	}
}

func TestMissingSubject(t *testing.T) {
	e := newFakeEntities()
	tr := newTransport(e, false)
	ctx := context.Background()

	rcv, _ := tr.Receive(ctx, "users", "audit")
	m := received("m-1", "", 1)
	m.Subject = nil
	e.receivers["users/audit"].msgs <- m

	_, err := rcv.Receive(ctx)
	var decodeErr *transport.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if !errors.Is(err, ErrMissingSubject) {
		t.Errorf("expected ErrMissingSubject, got %v", err)
	}
}

func TestReceiverClose(t *testing.T) {
	e := newFakeEntities()
	tr := newTransport(e, false)
	ctx := context.Background()

	rcv, _ := tr.Receive(ctx, "users", "audit")
	if err := rcv.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !e.receivers["users/audit"].closed {
		t.Error("expected SDK receiver closed")
	}
	if _, err := rcv.Receive(ctx); !errors.Is(err, transport.ErrReceiverClosed) {
		t.Errorf("expected ErrReceiverClosed, got %v", err)
	}
}

func TestClose(t *testing.T) {
	t.Run("owned client", func(t *testing.T) {
		e := newFakeEntities()
		tr := newTransport(e, true)
		ctx := context.Background()
		_ = tr.Send(ctx, "users", message.New("id", "c", "E", nil, nil))

		if err := tr.Close(ctx); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if !e.senders["users"].closed {
			t.Error("expected sender closed")
		}
		if !e.closed {
			t.Error("expected owned client closed")
		}
		if err := tr.Send(ctx, "users", message.New("id", "c", "E", nil, nil)); !errors.Is(err, transport.ErrTransportClosed) {
			t.Errorf("expected ErrTransportClosed, got %v", err)
		}
		if res := tr.Health(ctx); res.Status != transport.HealthStatusUnhealthy {
			t.Errorf("expected unhealthy, got %s", res.Status)
		}
	})

	t.Run("borrowed client", func(t *testing.T) {
		e := newFakeEntities()
		tr := newTransport(e, false)
		if res := tr.Health(context.Background()); !res.IsHealthy() {
			t.Errorf("expected healthy, got %s", res.Status)
		}
		_ = tr.Close(context.Background())
		if e.closed {
			t.Error("borrowed client must not be closed")
		}
	})
}
