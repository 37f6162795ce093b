// Package channel provides an in-memory broker transport.
//
// Topics fan out to named subscriptions. Each subscription is a queue with
// peek-lock delivery: a received message is locked for the lock duration,
// removed when acknowledged, and made visible again when the lock expires.
// Receivers on the same subscription compete for messages.
//
// IMPORTANT: messages live in process memory only and are lost on restart.
// The channel transport is ideal for:
//   - Testing and development
//   - Running the bus in remote mode without a broker
package channel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/servicebus/transport"
	"github.com/rbaliyan/servicebus/transport/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Transport implements transport.Transport in memory
type Transport struct {
	status           int32
	mu               sync.Mutex
	topics           map[string]*topic
	closedCh         chan struct{}
	lockDuration     time.Duration
	maxDeliveryCount int
	filters          map[string]string
	logger           *slog.Logger

	droppedCounter metric.Int64Counter
}

// topic fans messages out to its subscriptions
type topic struct {
	name string
	subs map[string]*queue
}

// entry is a message stored in a subscription queue
type entry struct {
	msg        transport.Message
	deliveries int
	timer      *time.Timer
}

// queue is the peek-lock store of one subscription
type queue struct {
	t      *Transport
	topic  string
	name   string
	filter string

	mu      sync.Mutex
	pending []*entry
	locked  map[string]*entry
	notify  chan struct{}
}

// New creates a new in-memory broker transport.
func New(opts ...Option) *Transport {
	o := newOptions(opts...)

	meter := otel.Meter("servicebus.transport.channel")
	droppedCounter, _ := meter.Int64Counter("servicebus.transport.channel.dropped",
		metric.WithDescription("Number of messages dropped by channel transport"),
		metric.WithUnit("{message}"),
	)

	return &Transport{
		status:           1,
		topics:           make(map[string]*topic),
		closedCh:         make(chan struct{}),
		lockDuration:     o.lockDuration,
		maxDeliveryCount: o.maxDeliveryCount,
		filters:          o.filters,
		logger:           o.logger,
		droppedCounter:   droppedCounter,
	}
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

func (t *Transport) dropped(ctx context.Context, topicName, reason string) {
	if t.droppedCounter != nil {
		t.droppedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("topic", topicName),
			attribute.String("reason", reason)))
	}
}

// Send enqueues a copy of msg on every subscription of the topic whose filter
// accepts it. Messages sent to a topic without subscriptions are dropped.
func (t *Transport) Send(ctx context.Context, topicName string, msg transport.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if topicName == "" {
		return transport.ErrTopicRequired
	}

	t.mu.Lock()
	tp := t.topics[topicName]
	var targets []*queue
	if tp != nil {
		for _, q := range tp.subs {
			if q.filter == "" || q.filter == msg.To() {
				targets = append(targets, q)
			}
		}
	}
	t.mu.Unlock()

	if len(targets) == 0 {
		t.logger.Debug("dropping message, no matching subscription", "topic", topicName, "msg_id", msg.ID())
		t.dropped(ctx, topicName, "no_subscribers")
		return nil
	}

	for _, q := range targets {
		q.enqueue(&entry{msg: msg})
	}
	return nil
}

// Receive opens a receiver on a subscription, creating the subscription if needed.
func (t *Transport) Receive(ctx context.Context, topicName, subscription string) (transport.Receiver, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	if topicName == "" {
		return nil, transport.ErrTopicRequired
	}

	t.mu.Lock()
	tp, ok := t.topics[topicName]
	if !ok {
		tp = &topic{name: topicName, subs: make(map[string]*queue)}
		t.topics[topicName] = tp
	}
	q, ok := tp.subs[subscription]
	if !ok {
		q = &queue{
			t:      t,
			topic:  topicName,
			name:   subscription,
			filter: t.filters[subscription],
			locked: make(map[string]*entry),
			notify: make(chan struct{}, 1),
		}
		tp.subs[subscription] = q
		t.logger.Debug("created subscription", "topic", topicName, "subscription", subscription, "filter", q.filter)
	}
	t.mu.Unlock()

	return &receiver{
		id:       transport.NewID(),
		q:        q,
		closedCh: make(chan struct{}),
	}, nil
}

// Close shuts down the transport. Pending and locked messages are discarded.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil // Already closed
	}
	close(t.closedCh)

	t.mu.Lock()
	for _, tp := range t.topics {
		for _, q := range tp.subs {
			q.stopTimers()
		}
	}
	t.mu.Unlock()

	t.logger.Debug("transport closed")
	return nil
}

// Stats returns the number of pending and locked messages of a subscription.
func (t *Transport) Stats(topicName, subscription string) (pending, locked int) {
	t.mu.Lock()
	tp, ok := t.topics[topicName]
	var q *queue
	if ok {
		q = tp.subs[subscription]
	}
	t.mu.Unlock()
	if q == nil {
		return 0, 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.locked)
}

// Health performs a health check on the channel transport
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   make(map[string]any),
	}

	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}

	var subs, pending, locked int
	t.mu.Lock()
	topics := len(t.topics)
	for _, tp := range t.topics {
		for _, q := range tp.subs {
			subs++
			q.mu.Lock()
			pending += len(q.pending)
			locked += len(q.locked)
			q.mu.Unlock()
		}
	}
	t.mu.Unlock()

	result.Status = transport.HealthStatusHealthy
	result.Message = "channel transport is healthy"
	result.Details["topics"] = topics
	result.Details["subscriptions"] = subs
	result.Details["pending"] = pending
	result.Details["locked"] = locked
	result.Latency = time.Since(start)
	return result
}

func (q *queue) enqueue(e *entry) {
	q.mu.Lock()
	q.pending = append(q.pending, e)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// take locks the oldest pending message, or returns nil if there is none.
func (q *queue) take() transport.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	e := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	if len(q.pending) > 0 {
		q.signal()
	}

	e.deliveries++
	token := transport.NewID()
	q.locked[token] = e
	e.timer = time.AfterFunc(q.t.lockDuration, func() { q.expire(token) })

	return message.NewDelivery(e.msg, token, e.deliveries, func(ctx context.Context) error {
		return q.complete(token)
	})
}

func (q *queue) complete(token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.locked[token]
	if !ok {
		return transport.ErrLockLost
	}
	e.timer.Stop()
	delete(q.locked, token)
	return nil
}

// expire makes a message whose lock ran out visible again, or dead-letters
// it once the delivery limit is reached.
func (q *queue) expire(token string) {
	q.mu.Lock()
	e, ok := q.locked[token]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.locked, token)
	if q.t.maxDeliveryCount > 0 && e.deliveries >= q.t.maxDeliveryCount {
		q.mu.Unlock()
		q.t.logger.Warn("message dead-lettered",
			"topic", q.topic, "subscription", q.name, "msg_id", e.msg.ID(), "deliveries", e.deliveries)
		q.t.dropped(context.Background(), q.topic, "max_delivery_count")
		return
	}
	q.pending = append([]*entry{e}, q.pending...)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) stopTimers() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.locked {
		e.timer.Stop()
	}
}

// receiver implements transport.Receiver
type receiver struct {
	id       string
	q        *queue
	closed   int32
	closedCh chan struct{}
}

func (r *receiver) ID() string {
	return r.id
}

func (r *receiver) Receive(ctx context.Context) (transport.Message, error) {
	for {
		if atomic.LoadInt32(&r.closed) == 1 {
			return nil, transport.ErrReceiverClosed
		}
		if !r.q.t.isOpen() {
			return nil, transport.ErrTransportClosed
		}
		if msg := r.q.take(); msg != nil {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.closedCh:
			return nil, transport.ErrReceiverClosed
		case <-r.q.t.closedCh:
			return nil, transport.ErrTransportClosed
		case <-r.q.notify:
		}
	}
}

func (r *receiver) Close(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		close(r.closedCh)
	}
	return nil
}

// Compile-time checks
var (
	_ transport.Transport     = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
)
