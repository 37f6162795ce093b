// Package nats provides a NATS JetStream transport.
//
// Each topic is a stream and each subscription is a durable pull consumer
// with explicit acknowledgement, so every subscription receives every
// message and receivers of one subscription compete. A message that is
// not acknowledged within the ack wait is redelivered by the server.
//
//	t, err := nats.New(conn,
//	    nats.WithDeduplication(2*time.Minute), // Native dedup
//	    nats.WithMaxDeliver(5),                // Native poison detection
//	    nats.WithAckWait(30*time.Second),      // Lock duration
//	)
package nats

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rbaliyan/servicebus/transport"
	"github.com/rbaliyan/servicebus/transport/codec"
	"github.com/rbaliyan/servicebus/transport/message"
)

// Errors
var (
	ErrConnRequired    = errors.New("nats connection is required")
	ErrJetStreamFailed = errors.New("failed to create jetstream context")
)

// Default configuration
var (
	DefaultReplicas  = 1
	DefaultMaxAge    = 24 * time.Hour
	DefaultAckWait   = 30 * time.Second
	DefaultFetchWait = time.Second
)

// streamPrefix is the fixed prefix for NATS streams to avoid clashing with user data
const streamPrefix = "sb"

// unaddressed is the subject token used for messages without a To value
const unaddressed = "_"

// conn is the subset of *nats.Conn used for health checks
type conn interface {
	Status() nats.Status
	RTT() (time.Duration, error)
	ConnectedUrl() string
}

// broker is the subset of JetStream used by the transport
type broker interface {
	publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) error
	ensureStream(ctx context.Context, cfg jetstream.StreamConfig) error
	consumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (puller, error)
}

// puller pulls single messages from a durable consumer
type puller interface {
	next(wait time.Duration) (jsMsg, error)
}

// jsMsg is the subset of jetstream.Msg used by receivers
type jsMsg interface {
	Data() []byte
	Metadata() (*jetstream.MsgMetadata, error)
	DoubleAck(ctx context.Context) error
}

// Transport implements transport.Transport using NATS JetStream.
type Transport struct {
	status int32
	conn   conn
	js     broker
	codec  codec.Codec
	logger *slog.Logger

	// Stream configuration
	streamPrefix string
	replicas     int
	maxAge       time.Duration
	fetchWait    time.Duration
	filters      map[string]string // subscription -> To

	// Native JetStream features
	dedupEnabled bool          // Enable native deduplication via Nats-Msg-Id
	dedupWindow  time.Duration // Deduplication window duration
	maxDeliver   int           // Max delivery attempts (0 = unlimited)
	ackWait      time.Duration // Time to wait for ack before redelivery
}

// New creates a new NATS JetStream transport. The connection is not
// closed by Close; the caller owns it.
func New(nc *nats.Conn, opts ...Option) (*Transport, error) {
	if nc == nil {
		return nil, ErrConnRequired
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, errors.Join(ErrJetStreamFailed, err)
	}
	return newTransport(nc, &jsBroker{js: js}, opts...), nil
}

func newTransport(c conn, b broker, opts ...Option) *Transport {
	t := &Transport{
		status:       1,
		conn:         c,
		js:           b,
		codec:        codec.Default(),
		streamPrefix: streamPrefix,
		replicas:     DefaultReplicas,
		maxAge:       DefaultMaxAge,
		fetchWait:    DefaultFetchWait,
		filters:      make(map[string]string),
		logger:       transport.Logger("transport>nats-jetstream"),
		dedupWindow:  2 * time.Minute, // JetStream default
		ackWait:      DefaultAckWait,
	}

	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// streamName maps a topic to a stream name; stream names may not contain dots.
func (t *Transport) streamName(topic string) string {
	return t.streamPrefix + "_" + sanitize(topic)
}

func subject(topic, to string) string {
	if to == "" {
		to = unaddressed
	}
	return topic + "." + sanitize(to)
}

func sanitize(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

func (t *Transport) ensureStream(ctx context.Context, topic string) (string, error) {
	name := t.streamName(topic)
	cfg := jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{topic + ".>"},
		Replicas: t.replicas,
		MaxAge:   t.maxAge,
	}
	if t.dedupEnabled && t.dedupWindow > 0 {
		cfg.Duplicates = t.dedupWindow
	}
	return name, t.js.ensureStream(ctx, cfg)
}

// Send publishes the encoded message on the topic's subject
func (t *Transport) Send(ctx context.Context, topic string, msg transport.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if topic == "" {
		return transport.ErrTopicRequired
	}
	if _, err := t.ensureStream(ctx, topic); err != nil {
		return err
	}

	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}

	var pubOpts []jetstream.PublishOpt
	if t.dedupEnabled {
		pubOpts = append(pubOpts, jetstream.WithMsgID(msg.ID()))
	}

	if err := t.js.publish(ctx, subject(topic, msg.To()), data, pubOpts...); err != nil {
		return err
	}

	t.logger.Debug("sent message", "topic", topic, "msg_id", msg.ID(), "dedup", t.dedupEnabled)
	return nil
}

// Receive creates or binds the subscription's durable consumer
func (t *Transport) Receive(ctx context.Context, topic, subscription string) (transport.Receiver, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	if topic == "" {
		return nil, transport.ErrTopicRequired
	}

	stream, err := t.ensureStream(ctx, topic)
	if err != nil {
		return nil, err
	}

	cfg := jetstream.ConsumerConfig{
		Durable:       sanitize(subscription),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       t.ackWait,
		FilterSubject: topic + ".>",
	}
	if to, ok := t.filters[subscription]; ok {
		cfg.FilterSubject = subject(topic, to)
	}
	if t.maxDeliver > 0 {
		cfg.MaxDeliver = t.maxDeliver
	}

	c, err := t.js.consumer(ctx, stream, cfg)
	if err != nil {
		return nil, err
	}

	r := &receiver{
		t:        t,
		id:       transport.NewID(),
		consumer: c,
		closedCh: make(chan struct{}),
	}
	t.logger.Debug("added receiver", "topic", topic, "subscription", subscription, "receiver", r.id)
	return r, nil
}

// Close shuts down the transport
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}

	// Note: We don't close the connection as it was passed in pre-initialized
	// The caller is responsible for closing it

	t.logger.Debug("transport closed")
	return nil
}

// Health performs a health check on the NATS transport
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   map[string]any{"type": "nats"},
	}

	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}

	connStatus := t.conn.Status()
	result.Details["connection_status"] = connStatus.String()
	if connStatus != nats.CONNECTED {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "nats connection not healthy"
		result.Latency = time.Since(start)
		return result
	}

	rtt, err := t.conn.RTT()
	if err != nil {
		result.Status = transport.HealthStatusDegraded
		result.Message = "nats RTT check failed"
		result.Latency = time.Since(start)
		result.Details["rtt_error"] = err.Error()
		return result
	}

	result.Status = transport.HealthStatusHealthy
	result.Message = "nats transport is healthy"
	result.Latency = time.Since(start)
	result.Details["rtt_ms"] = rtt.Milliseconds()
	result.Details["server_url"] = t.conn.ConnectedUrl()
	return result
}

// receiver implements transport.Receiver on a durable pull consumer
type receiver struct {
	t        *Transport
	id       string
	consumer puller
	closed   int32
	closedCh chan struct{}
}

func (r *receiver) ID() string {
	return r.id
}

// Receive pulls one message, polling in fetchWait slices so closing the
// receiver or cancelling ctx is noticed.
func (r *receiver) Receive(ctx context.Context) (transport.Message, error) {
	for {
		if atomic.LoadInt32(&r.closed) == 1 {
			return nil, transport.ErrReceiverClosed
		}
		if !r.t.isOpen() {
			return nil, transport.ErrTransportClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m, err := r.consumer.next(r.t.fetchWait)
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, jetstream.ErrNoMessages) {
				continue
			}
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) || errors.Is(err, nats.ErrConnectionClosed) {
				return nil, transport.ErrTransportClosed
			}
			return nil, err
		}
		return r.toMessage(m)
	}
}

func (r *receiver) toMessage(m jsMsg) (transport.Message, error) {
	deliveries := 1
	var token string
	if meta, err := m.Metadata(); err == nil {
		deliveries = int(meta.NumDelivered)
		token = strconv.FormatUint(meta.Sequence.Stream, 10)
	}

	decoded, err := r.t.codec.Decode(m.Data())
	if err != nil {
		return nil, &transport.DecodeError{RawData: m.Data(), MsgID: token, Err: err}
	}

	return message.NewDelivery(decoded, token, deliveries, func(ctx context.Context) error {
		if err := m.DoubleAck(ctx); err != nil {
			return errors.Join(transport.ErrLockLost, err)
		}
		return nil
	}), nil
}

func (r *receiver) Close(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		close(r.closedCh)
	}
	return nil
}

// jsBroker adapts jetstream.JetStream to broker
type jsBroker struct {
	js jetstream.JetStream
}

func (b *jsBroker) publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) error {
	_, err := b.js.Publish(ctx, subject, data, opts...)
	return err
}

func (b *jsBroker) ensureStream(ctx context.Context, cfg jetstream.StreamConfig) error {
	_, err := b.js.CreateOrUpdateStream(ctx, cfg)
	return err
}

func (b *jsBroker) consumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (puller, error) {
	c, err := b.js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, err
	}
	return &jsConsumer{c: c}, nil
}

// jsConsumer adapts jetstream.Consumer to puller
type jsConsumer struct {
	c jetstream.Consumer
}

func (c *jsConsumer) next(wait time.Duration) (jsMsg, error) {
	m, err := c.c.Next(jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Compile-time checks
var (
	_ transport.Transport     = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
	_ conn                    = (*nats.Conn)(nil)
)
