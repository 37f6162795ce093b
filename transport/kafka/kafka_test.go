package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/rbaliyan/servicebus/transport"
	"github.com/rbaliyan/servicebus/transport/codec"
	"github.com/rbaliyan/servicebus/transport/message"
)

type fakeClient struct {
	cfg    *sarama.Config
	closed bool
}

func (c *fakeClient) Config() *sarama.Config     { return c.cfg }
func (c *fakeClient) Closed() bool               { return c.closed }
func (c *fakeClient) Brokers() []*sarama.Broker { return []*sarama.Broker{sarama.NewBroker("localhost:9092")} }

type fakeProducer struct {
	mu   sync.Mutex
	sent []*sarama.ProducerMessage
	err  error
}

func (p *fakeProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, 0, p.err
	}
	p.sent = append(p.sent, msg)
	return 0, int64(len(p.sent) - 1), nil
}

func (p *fakeProducer) Close() error { return nil }

type fakeAdmin struct {
	created map[string]*sarama.TopicDetail
}

func (a *fakeAdmin) CreateTopic(topic string, detail *sarama.TopicDetail, _ bool) error {
	if _, ok := a.created[topic]; ok {
		return &sarama.TopicError{Err: sarama.ErrTopicAlreadyExists}
	}
	a.created[topic] = detail
	return nil
}

func (a *fakeAdmin) Close() error { return nil }

type fakeSession struct {
	ctx     context.Context
	mu      sync.Mutex
	marked  []int64
	commits int
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string           { return "member-1" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string) {
}
func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}
func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) markedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

type fakeClaim struct {
	topic string
	msgs  chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return c.topic }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

// fakeGroup runs a single claim until the consume context ends
type fakeGroup struct {
	claim   *fakeClaim
	session *fakeSession
	closed  chan struct{}
	once    sync.Once
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	g.session.ctx = ctx
	g.claim.topic = topics[0]
	if err := handler.Setup(g.session); err != nil {
		return err
	}
	err := handler.ConsumeClaim(g.session, g.claim)
	_ = handler.Cleanup(g.session)
	select {
	case <-g.closed:
		return sarama.ErrClosedConsumerGroup
	default:
	}
	return err
}

func (g *fakeGroup) Close() error {
	g.once.Do(func() { close(g.closed) })
	return nil
}

type fixture struct {
	t        *Transport
	producer *fakeProducer
	admin    *fakeAdmin
	groups   map[string]*fakeGroup
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		producer: &fakeProducer{},
		admin:    &fakeAdmin{created: make(map[string]*sarama.TopicDetail)},
		groups:   make(map[string]*fakeGroup),
	}
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	newGroup := func(id string) (consumerGroup, error) {
		g := &fakeGroup{
			claim:   &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, 10)},
			session: &fakeSession{},
			closed:  make(chan struct{}),
		}
		f.groups[id] = g
		return g, nil
	}
	f.t = newTransport(&fakeClient{cfg: cfg}, f.producer, f.admin, newGroup, opts...)
	return f
}

func record(t *testing.T, offset int64, msg transport.Message) *sarama.ConsumerMessage {
	t.Helper()
	data, err := codec.Default().Encode(msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "sb.users", Offset: offset, Value: data}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrClientRequired) {
		t.Errorf("expected ErrClientRequired, got %v", err)
	}
}

func TestSend(t *testing.T) {
	f := newFixture(WithRetention(time.Hour), WithPartitions(3))
	ctx := context.Background()

	msg := message.New("id-1", "corr-1", "UserRegistered", []byte(`{}`), nil)
	if err := f.t.Send(ctx, "users", msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := f.t.Send(ctx, "users", msg); err != nil {
		t.Fatalf("second Send failed: %v", err)
	}

	detail, ok := f.admin.created["sb.users"]
	if !ok {
		t.Fatal("expected topic sb.users to be created")
	}
	if detail.NumPartitions != 3 {
		t.Errorf("expected 3 partitions, got %d", detail.NumPartitions)
	}
	if got := *detail.ConfigEntries["retention.ms"]; got != "3600000" {
		t.Errorf("expected retention 3600000, got %s", got)
	}

	if len(f.producer.sent) != 2 {
		t.Fatalf("expected 2 records, got %d", len(f.producer.sent))
	}
	rec := f.producer.sent[0]
	if rec.Topic != "sb.users" {
		t.Errorf("expected topic sb.users, got %s", rec.Topic)
	}
	if string(rec.Headers[0].Value) != "UserRegistered" {
		t.Errorf("expected event type header, got %s", rec.Headers[0].Value)
	}

	f.producer.err = errors.New("leader not available")
	if err := f.t.Send(ctx, "users", msg); err == nil {
		t.Error("expected producer error")
	}
	if err := f.t.Send(ctx, "", msg); !errors.Is(err, transport.ErrTopicRequired) {
		t.Errorf("expected ErrTopicRequired, got %v", err)
	}
}

func TestReceiveAck(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rcv, err := f.t.Receive(ctx, "users", "audit")
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	defer rcv.Close(ctx)

	g := f.groups["audit"]
	g.claim.msgs <- record(t, 5, message.New("id-1", "corr-1", "UserRegistered", []byte(`{}`), nil))

	got, err := rcv.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if got.ID() != "id-1" {
		t.Errorf("expected id-1, got %s", got.ID())
	}
	if got.DeliveryCount() != 1 {
		t.Errorf("expected delivery count 1, got %d", got.DeliveryCount())
	}
	if got.LockToken() != "sb.users-0-5" {
		t.Errorf("expected lock token sb.users-0-5, got %s", got.LockToken())
	}
	if len(g.session.markedOffsets()) != 0 {
		t.Error("offset marked before ack")
	}

	if err := got.Ack(ctx); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if marked := g.session.markedOffsets(); len(marked) != 1 || marked[0] != 5 {
		t.Errorf("expected offset 5 marked, got %v", marked)
	}
}

func TestReceiveFilter(t *testing.T) {
	f := newFixture(WithSubscriptionFilter("billing", "billing"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rcv, _ := f.t.Receive(ctx, "users", "billing")
	defer rcv.Close(ctx)

	g := f.groups["billing"]
	g.claim.msgs <- record(t, 1, message.New("id-1", "c", "E", nil, map[string]string{message.KeyTo: "audit"}))
	g.claim.msgs <- record(t, 2, message.New("id-2", "c", "E", nil, map[string]string{message.KeyTo: "billing"}))

	got, err := rcv.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if got.ID() != "id-2" {
		t.Errorf("expected filtered delivery id-2, got %s", got.ID())
	}
	if marked := g.session.markedOffsets(); len(marked) != 1 || marked[0] != 1 {
		t.Errorf("expected skipped offset 1 marked, got %v", marked)
	}
}

func TestReceiveDecodeError(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rcv, _ := f.t.Receive(ctx, "users", "audit")
	defer rcv.Close(ctx)

	f.groups["audit"].claim.msgs <- &sarama.ConsumerMessage{Topic: "sb.users", Offset: 9, Value: []byte("garbage")}

	_, err := rcv.Receive(ctx)
	var decodeErr *transport.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if len(f.groups["audit"].session.markedOffsets()) != 0 {
		t.Error("decode failure must not be marked")
	}
}

func TestReceiverClose(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	rcv, _ := f.t.Receive(ctx, "users", "audit")
	done := make(chan error, 1)
	go func() {
		_, err := rcv.Receive(ctx)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := rcv.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, transport.ErrReceiverClosed) {
			t.Errorf("expected ErrReceiverClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after Close")
	}
}

func TestClosedTransport(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_ = f.t.Close(ctx)

	if err := f.t.Send(ctx, "users", message.New("id", "c", "E", nil, nil)); !errors.Is(err, transport.ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
	if _, err := f.t.Receive(ctx, "users", "audit"); !errors.Is(err, transport.ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
	if res := f.t.Health(ctx); res.Status != transport.HealthStatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", res.Status)
	}
}

func TestHealthNoConnectedBrokers(t *testing.T) {
	f := newFixture()
	res := f.t.Health(context.Background())
	if res.Status != transport.HealthStatusUnhealthy {
		t.Errorf("expected unhealthy with disconnected broker, got %s", res.Status)
	}
	if res.Details["total_brokers"] != 1 {
		t.Errorf("expected 1 broker, got %v", res.Details["total_brokers"])
	}
}
