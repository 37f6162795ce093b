// Package servicebus provides an Azure Service Bus transport.
//
// Topics and subscriptions map one to one onto Service Bus entities, which
// must already exist. Receivers use PeekLock mode: a message stays locked
// until CompleteMessage is called, and the service redelivers it once the
// lock expires. Subscription rules on the To property act as the routing
// filter.
//
// Unlike the byte-oriented brokers, messages are not wrapped in a codec
// envelope. The event type travels as Subject, and To, ContentType,
// MessageID and CorrelationID use the native properties. Remaining
// metadata becomes ApplicationProperties.
package servicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/rbaliyan/servicebus/transport"
	"github.com/rbaliyan/servicebus/transport/message"
)

// Errors
var (
	ErrClientRequired = errors.New("service bus client is required")
	ErrMissingSubject = errors.New("service bus message has no subject")
)

// DefaultBatchSize is the number of messages requested per receive call
var DefaultBatchSize = 1

// sender is the subset of *azservicebus.Sender used by the transport
type sender interface {
	SendMessage(ctx context.Context, msg *azservicebus.Message, opts *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

// peekLockReceiver is the subset of *azservicebus.Receiver used by receivers
type peekLockReceiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, opts *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, msg *azservicebus.ReceivedMessage, opts *azservicebus.CompleteMessageOptions) error
	Close(ctx context.Context) error
}

// entities opens senders and receivers on Service Bus entities
type entities interface {
	newSender(topic string) (sender, error)
	newReceiver(topic, subscription string) (peekLockReceiver, error)
	Close(ctx context.Context) error
}

// Transport implements transport.Transport on Azure Service Bus
type Transport struct {
	status     int32
	client     entities
	ownsClient bool
	batchSize  int
	logger     *slog.Logger

	mu      sync.Mutex
	senders map[string]sender
}

// New creates a transport on an existing client. The client is not closed
// by Close; the caller owns it.
func New(client *azservicebus.Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	return newTransport(&sbClient{c: client}, false, opts...), nil
}

// NewFromConnectionString creates a client from a connection string and a
// transport that owns it.
func NewFromConnectionString(connStr string, opts ...Option) (*Transport, error) {
	client, err := azservicebus.NewClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, fmt.Errorf("create service bus client: %w", err)
	}
	return newTransport(&sbClient{c: client}, true, opts...), nil
}

func newTransport(client entities, owns bool, opts ...Option) *Transport {
	t := &Transport{
		status:     1,
		client:     client,
		ownsClient: owns,
		batchSize:  DefaultBatchSize,
		logger:     transport.Logger("transport>servicebus"),
		senders:    make(map[string]sender),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

func (t *Transport) sender(topic string) (sender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.senders[topic]; ok {
		return s, nil
	}
	s, err := t.client.newSender(topic)
	if err != nil {
		return nil, err
	}
	t.senders[topic] = s
	return s, nil
}

// Send maps the message onto native properties and sends it to the topic
func (t *Transport) Send(ctx context.Context, topic string, msg transport.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if topic == "" {
		return transport.ErrTopicRequired
	}

	s, err := t.sender(topic)
	if err != nil {
		return err
	}

	if err := s.SendMessage(ctx, toServiceBus(msg), nil); err != nil {
		return err
	}
	t.logger.Debug("sent message", "topic", topic, "msg_id", msg.ID(), "subject", msg.EventType())
	return nil
}

// Receive opens a PeekLock receiver on the topic subscription
func (t *Transport) Receive(ctx context.Context, topic, subscription string) (transport.Receiver, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	if topic == "" {
		return nil, transport.ErrTopicRequired
	}

	rcv, err := t.client.newReceiver(topic, subscription)
	if err != nil {
		return nil, err
	}

	r := &receiver{t: t, id: transport.NewID(), rcv: rcv}
	t.logger.Debug("added receiver", "topic", topic, "subscription", subscription, "receiver", r.id)
	return r, nil
}

// Close closes cached senders, and the client when the transport created it
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}

	var errs []error
	t.mu.Lock()
	for topic, s := range t.senders {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close sender %s: %w", topic, err))
		}
	}
	clear(t.senders)
	t.mu.Unlock()

	if t.ownsClient {
		if err := t.client.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	t.logger.Debug("transport closed")
	return errors.Join(errs...)
}

// Health reports whether the transport is open. The SDK has no ping; a
// broken connection surfaces as send and receive errors.
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   map[string]any{"type": "servicebus"},
	}
	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
	} else {
		result.Status = transport.HealthStatusHealthy
		result.Message = "servicebus transport is healthy"
		t.mu.Lock()
		result.Details["senders"] = len(t.senders)
		t.mu.Unlock()
	}
	result.Latency = time.Since(start)
	return result
}

// receiver implements transport.Receiver on a PeekLock receiver
type receiver struct {
	t      *Transport
	id     string
	rcv    peekLockReceiver
	closed int32

	mu  sync.Mutex
	buf []*azservicebus.ReceivedMessage
}

func (r *receiver) ID() string {
	return r.id
}

func (r *receiver) Receive(ctx context.Context) (transport.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if atomic.LoadInt32(&r.closed) == 1 {
			return nil, transport.ErrReceiverClosed
		}
		if !r.t.isOpen() {
			return nil, transport.ErrTransportClosed
		}

		if len(r.buf) > 0 {
			m := r.buf[0]
			r.buf = r.buf[1:]
			return r.toMessage(m)
		}

		msgs, err := r.rcv.ReceiveMessages(ctx, r.t.batchSize, nil)
		if err != nil {
			if atomic.LoadInt32(&r.closed) == 1 {
				return nil, transport.ErrReceiverClosed
			}
			return nil, err
		}
		r.buf = append(r.buf, msgs...)
	}
}

func (r *receiver) toMessage(m *azservicebus.ReceivedMessage) (transport.Message, error) {
	token := uuid.UUID(m.LockToken).String()
	decoded, err := fromServiceBus(m)
	if err != nil {
		return nil, &transport.DecodeError{RawData: m.Body, MsgID: m.MessageID, Err: err}
	}
	return message.NewDelivery(decoded, token, int(m.DeliveryCount), func(ctx context.Context) error {
		err := r.rcv.CompleteMessage(ctx, m, nil)
		var sbErr *azservicebus.Error
		if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeLockLost {
			return errors.Join(transport.ErrLockLost, err)
		}
		return err
	}), nil
}

func (r *receiver) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}
	return r.rcv.Close(ctx)
}

// toServiceBus maps a message onto native Service Bus properties
func toServiceBus(msg transport.Message) *azservicebus.Message {
	out := &azservicebus.Message{
		MessageID:     ptr(msg.ID()),
		CorrelationID: ptr(msg.CorrelationID()),
		Subject:       ptr(msg.EventType()),
		Body:          msg.Body(),
	}
	if to := msg.To(); to != "" {
		out.To = ptr(to)
	}
	if ct := msg.ContentType(); ct != "" {
		out.ContentType = ptr(ct)
	}
	for k, v := range msg.Metadata() {
		if k == message.KeyTo || k == message.KeyContentType {
			continue
		}
		if out.ApplicationProperties == nil {
			out.ApplicationProperties = make(map[string]any)
		}
		out.ApplicationProperties[k] = v
	}
	return out
}

// fromServiceBus rebuilds a message from a received Service Bus message
func fromServiceBus(m *azservicebus.ReceivedMessage) (transport.Message, error) {
	if m.Subject == nil || *m.Subject == "" {
		return nil, ErrMissingSubject
	}
	md := make(map[string]string, len(m.ApplicationProperties)+2)
	for k, v := range m.ApplicationProperties {
		md[k] = fmt.Sprint(v)
	}
	if m.To != nil {
		md[message.KeyTo] = *m.To
	}
	if m.ContentType != nil {
		md[message.KeyContentType] = *m.ContentType
	}
	return message.New(m.MessageID, deref(m.CorrelationID), *m.Subject, m.Body, md), nil
}

func ptr(s string) *string {
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// sbClient adapts *azservicebus.Client to entities
type sbClient struct {
	c *azservicebus.Client
}

func (c *sbClient) newSender(topic string) (sender, error) {
	return c.c.NewSender(topic, nil)
}

func (c *sbClient) newReceiver(topic, subscription string) (peekLockReceiver, error) {
	return c.c.NewReceiverForSubscription(topic, subscription, &azservicebus.ReceiverOptions{
		ReceiveMode: azservicebus.ReceiveModePeekLock,
	})
}

func (c *sbClient) Close(ctx context.Context) error {
	return c.c.Close(ctx)
}

// Compile-time checks
var (
	_ transport.Transport     = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
	_ sender                  = (*azservicebus.Sender)(nil)
	_ peekLockReceiver        = (*azservicebus.Receiver)(nil)
)
