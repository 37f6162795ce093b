// Package kafka provides a Kafka-based transport implementation.
//
// Each topic maps to a Kafka topic and each subscription to a consumer
// group, so every subscription sees every message and receivers of one
// subscription share the partitions.
//
// Kafka tracks progress with offsets rather than per-message locks.
// Acknowledging a message marks and commits its offset. A message that is
// never acknowledged is redelivered only after a rebalance or restart, and
// only if no later offset of the same partition was committed first.
// Delivery counts are not tracked by the broker and are always 1.
//
// IMPORTANT: Auto-commit must be disabled in the sarama config to ensure
// at-least-once delivery. See New() for recommended configuration.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rbaliyan/servicebus/transport"
	"github.com/rbaliyan/servicebus/transport/codec"
	"github.com/rbaliyan/servicebus/transport/message"
)

// Errors
var (
	ErrClientRequired    = errors.New("kafka client is required")
	ErrProducerFailed    = errors.New("failed to create kafka producer")
	ErrAutoCommitEnabled = errors.New("kafka: auto-commit must be disabled for at-least-once delivery - set Consumer.Offsets.AutoCommit.Enable = false")
)

// Header keys set on produced records
const (
	HeaderEventType   = "event-type"
	HeaderContentType = "content-type"
)

// Default configuration
var (
	DefaultPartitions  = int32(1)
	DefaultReplication = int16(1)
)

// topicPrefix is the fixed prefix for Kafka topics to avoid clashing with user data
const topicPrefix = "sb."

// client is the subset of sarama.Client used by the transport
type client interface {
	Config() *sarama.Config
	Closed() bool
	Brokers() []*sarama.Broker
}

// producer is the subset of sarama.SyncProducer used by the transport
type producer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// admin is the subset of sarama.ClusterAdmin used by the transport
type admin interface {
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	Close() error
}

// consumerGroup is the subset of sarama.ConsumerGroup used by receivers
type consumerGroup interface {
	Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error
	Close() error
}

// Transport implements transport.Transport using Kafka
type Transport struct {
	status      int32
	client      client
	producer    producer
	admin       admin
	newGroup    func(groupID string) (consumerGroup, error)
	topicPrefix string
	codec       codec.Codec
	topics      sync.Map // map[string]struct{} of created topics
	filters     map[string]string
	logger      *slog.Logger

	// Topic configuration
	partitions  int32
	replication int16
	retention   time.Duration // Message retention time (0 = use broker default)
}

// New creates a new Kafka transport with a pre-initialized client.
//
// IMPORTANT: Auto-commit must be disabled in the sarama config to ensure at-least-once
// delivery. If auto-commit is enabled (the sarama default), messages may be lost when
// handlers fail because offsets are committed automatically regardless of ack status.
//
// Recommended sarama.Config settings for at-least-once delivery:
//
//	config := sarama.NewConfig()
//	config.Consumer.Offsets.AutoCommit.Enable = false  // REQUIRED
//	config.Producer.Return.Successes = true            // required by SyncProducer
//	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{
//	    sarama.NewBalanceStrategyRoundRobin(),
//	}
//
// The client is not closed by Close; the caller owns it.
func New(c sarama.Client, opts ...Option) (*Transport, error) {
	if c == nil {
		return nil, ErrClientRequired
	}

	// If auto-commit is enabled, messages may be lost when handlers fail because
	// offsets are committed automatically regardless of ack status.
	if c.Config().Consumer.Offsets.AutoCommit.Enable {
		return nil, ErrAutoCommitEnabled
	}

	p, err := sarama.NewSyncProducerFromClient(c)
	if err != nil {
		return nil, errors.Join(ErrProducerFailed, err)
	}

	a, err := sarama.NewClusterAdminFromClient(c)
	if err != nil {
		p.Close()
		return nil, err
	}

	newGroup := func(groupID string) (consumerGroup, error) {
		return sarama.NewConsumerGroupFromClient(groupID, c)
	}
	return newTransport(c, p, a, newGroup, opts...), nil
}

func newTransport(c client, p producer, a admin, newGroup func(string) (consumerGroup, error), opts ...Option) *Transport {
	t := &Transport{
		status:      1,
		client:      c,
		producer:    p,
		admin:       a,
		newGroup:    newGroup,
		topicPrefix: topicPrefix,
		codec:       codec.Default(),
		filters:     make(map[string]string),
		partitions:  DefaultPartitions,
		replication: DefaultReplication,
		logger:      transport.Logger("transport>kafka"),
	}

	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

func (t *Transport) topicName(topic string) string {
	return t.topicPrefix + topic
}

// ensureTopic creates the Kafka topic once per transport
func (t *Transport) ensureTopic(topic string) error {
	name := t.topicName(topic)
	if _, ok := t.topics.Load(name); ok {
		return nil
	}

	detail := &sarama.TopicDetail{
		NumPartitions:     t.partitions,
		ReplicationFactor: t.replication,
	}

	// Set retention.ms if configured
	if t.retention > 0 {
		retentionMs := fmt.Sprintf("%d", t.retention.Milliseconds())
		detail.ConfigEntries = map[string]*string{
			"retention.ms": &retentionMs,
		}
	}

	err := t.admin.CreateTopic(name, detail, false)

	// Ignore "topic already exists" error
	if err != nil {
		var topicErr *sarama.TopicError
		if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
			err = nil
		}
	}
	if err != nil {
		return err
	}

	t.topics.Store(name, struct{}{})
	t.logger.Debug("created topic", "topic", name)
	return nil
}

// Send produces the encoded message keyed by message ID
func (t *Transport) Send(ctx context.Context, topic string, msg transport.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if topic == "" {
		return transport.ErrTopicRequired
	}
	if err := t.ensureTopic(topic); err != nil {
		return err
	}

	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}

	_, _, err = t.producer.SendMessage(&sarama.ProducerMessage{
		Topic: t.topicName(topic),
		Key:   sarama.StringEncoder(msg.ID()),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventType), Value: []byte(msg.EventType())},
			{Key: []byte(HeaderContentType), Value: []byte(t.codec.ContentType())},
		},
	})
	if err != nil {
		return err
	}

	t.logger.Debug("sent message", "topic", topic, "msg_id", msg.ID())
	return nil
}

// Receive joins the consumer group named after the subscription
func (t *Transport) Receive(ctx context.Context, topic, subscription string) (transport.Receiver, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	if topic == "" {
		return nil, transport.ErrTopicRequired
	}
	if err := t.ensureTopic(topic); err != nil {
		return nil, err
	}

	group, err := t.newGroup(subscription)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r := &receiver{
		t:        t,
		id:       transport.NewID(),
		topic:    t.topicName(topic),
		filter:   t.filters[subscription],
		group:    group,
		ch:       make(chan delivery),
		closedCh: make(chan struct{}),
		cancel:   cancel,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.consumeLoop(loopCtx)
	}()

	t.logger.Debug("added receiver", "topic", topic, "group", subscription, "receiver", r.id)
	return r, nil
}

// Close shuts down the transport
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}

	var errs []error
	if err := t.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.admin.Close(); err != nil {
		errs = append(errs, err)
	}

	// Note: We don't close the client as it was passed in pre-initialized
	// The caller is responsible for closing it

	t.logger.Debug("transport closed")
	return errors.Join(errs...)
}

// Health performs a health check on the Kafka transport
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   map[string]any{"type": "kafka"},
	}

	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}

	if t.client.Closed() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "kafka client is closed"
		result.Latency = time.Since(start)
		return result
	}

	brokers := t.client.Brokers()
	if len(brokers) == 0 {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "no kafka brokers available"
		result.Latency = time.Since(start)
		return result
	}

	// Check if we have at least one connected broker
	connectedBrokers := 0
	var brokerAddrs []string
	for _, broker := range brokers {
		connected, _ := broker.Connected()
		if connected {
			connectedBrokers++
		}
		brokerAddrs = append(brokerAddrs, broker.Addr())
	}
	result.Details["total_brokers"] = len(brokers)
	result.Details["connected_brokers"] = connectedBrokers
	result.Details["brokers"] = brokerAddrs

	switch {
	case connectedBrokers == 0:
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "no connected kafka brokers"
	case connectedBrokers < len(brokers):
		result.Status = transport.HealthStatusDegraded
		result.Message = fmt.Sprintf("kafka transport degraded: %d/%d brokers connected", connectedBrokers, len(brokers))
	default:
		result.Status = transport.HealthStatusHealthy
		result.Message = "kafka transport is healthy"
	}
	result.Latency = time.Since(start)
	return result
}

// delivery is a decoded message or a decode failure handed to Receive
type delivery struct {
	msg transport.Message
	err error
}

// receiver implements transport.Receiver on a consumer group
type receiver struct {
	t        *Transport
	id       string
	topic    string
	filter   string
	group    consumerGroup
	ch       chan delivery
	closedCh chan struct{}
	closed   int32
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func (r *receiver) ID() string {
	return r.id
}

func (r *receiver) Receive(ctx context.Context) (transport.Message, error) {
	if !r.t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	select {
	case <-r.closedCh:
		return nil, transport.ErrReceiverClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case d := <-r.ch:
		return d.msg, d.err
	}
}

func (r *receiver) Close(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		close(r.closedCh)
		r.cancel()
		err := r.group.Close()
		// Wait for consumer goroutine to exit
		r.wg.Wait()
		return err
	}
	return nil
}

// consumeLoop keeps the group session alive across rebalances and errors
func (r *receiver) consumeLoop(ctx context.Context) {
	handler := &consumerHandler{r: r}
	backoff := transport.NewBackoff(100*time.Millisecond, 30*time.Second)

	for {
		select {
		case <-r.closedCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := r.group.Consume(ctx, []string{r.topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			r.t.logger.Error("consumer error, retrying with backoff", "error", err, "topic", r.topic)
			if !backoff.Sleep(ctx) {
				return
			}
			continue
		}
		// Reset backoff on successful consume
		backoff.Reset()
	}
}

// consumerHandler implements sarama.ConsumerGroupHandler
type consumerHandler struct {
	r *receiver
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	r := h.r
	for {
		select {
		case <-r.closedCh:
			return nil
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			token := fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
			var d delivery

			decoded, err := r.t.codec.Decode(msg.Value)
			if err != nil {
				r.t.logger.Error("failed to decode message", "error", err,
					"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
				d.err = &transport.DecodeError{RawData: msg.Value, Err: err, MsgID: token}
			} else {
				if r.filter != "" && decoded.To() != r.filter {
					session.MarkMessage(msg, "")
					continue
				}
				d.msg = message.NewDelivery(decoded, token, 1, func(context.Context) error {
					session.MarkMessage(msg, "")
					session.Commit()
					return nil
				})
			}

			select {
			case <-r.closedCh:
				return nil
			case <-session.Context().Done():
				return nil
			case r.ch <- d:
			}
		}
	}
}

// Compile-time checks
var (
	_ transport.Transport     = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
	_ client                  = (sarama.Client)(nil)
	_ producer                = (sarama.SyncProducer)(nil)
	_ admin                   = (sarama.ClusterAdmin)(nil)
	_ consumerGroup           = (sarama.ConsumerGroup)(nil)
)
