// Package redis provides a Redis Streams-based transport implementation.
//
// Each topic is a stream and each subscription is a consumer group on it, so
// every subscription receives every message and receivers in the same
// subscription compete. Delivered entries stay in the group's Pending
// Entries List until acknowledged with XACK; entries left pending longer
// than the lock duration are reclaimed with XCLAIM and delivered again.
//
// Features:
//   - At-least-once delivery via Redis Streams
//   - Peek-lock emulation via the Pending Entries List and XCLAIM
//   - Stream trimming by count (MAXLEN) or age (MINID)
//   - Health checks
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/servicebus/transport"
	"github.com/rbaliyan/servicebus/transport/codec"
	"github.com/rbaliyan/servicebus/transport/message"
	"github.com/redis/go-redis/v9"
)

// Client defines the interface for Redis client operations.
// Supports *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// ErrClientRequired is returned when no Redis client is provided
var ErrClientRequired = errors.New("redis client is required")

// Default configuration
var (
	DefaultMaxLen        = int64(0) // unlimited
	DefaultBlockTime     = 5 * time.Second
	DefaultBatchSize     = int64(10)
	DefaultLockDuration  = 30 * time.Second
	DefaultClaimInterval = 5 * time.Second
)

// Transport implements transport.Transport using Redis Streams
type Transport struct {
	status int32
	client Client
	codec  codec.Codec
	logger *slog.Logger

	streamPrefix  string
	consumerName  string
	maxLen        int64         // Max stream length (0 = unlimited)
	maxAge        time.Duration // Max message age for MINID trimming (0 = unlimited)
	blockTime     time.Duration
	batchSize     int64
	lockDuration  time.Duration
	claimInterval time.Duration
}

// New creates a new Redis transport with a pre-initialized client.
// The client is not closed by Close; the caller owns it.
func New(client Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	t := &Transport{
		status:        1,
		client:        client,
		codec:         codec.Default(),
		streamPrefix:  "sb",
		maxLen:        DefaultMaxLen,
		blockTime:     DefaultBlockTime,
		batchSize:     DefaultBatchSize,
		lockDuration:  DefaultLockDuration,
		claimInterval: DefaultClaimInterval,
		logger:        transport.Logger("transport>redis"),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

func (t *Transport) streamName(topic string) string {
	return t.streamPrefix + ":" + topic
}

// Send appends the encoded message to the topic stream
func (t *Transport) Send(ctx context.Context, topic string, msg transport.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if topic == "" {
		return transport.ErrTopicRequired
	}

	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: t.streamName(topic),
		Values: map[string]any{
			"data": data,
		},
	}

	// Apply count-based trimming (MAXLEN)
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}

	// Apply time-based trimming (MINID)
	if t.maxAge > 0 {
		minTime := time.Now().Add(-t.maxAge).UnixMilli()
		args.MinID = fmt.Sprintf("%d-0", minTime)
		args.Approx = true
	}

	if _, err := t.client.XAdd(ctx, args).Result(); err != nil {
		return err
	}

	t.logger.Debug("sent message", "topic", topic, "msg_id", msg.ID())
	return nil
}

// Receive joins the subscription's consumer group, creating it at the end
// of the stream if it does not exist yet.
func (t *Transport) Receive(ctx context.Context, topic, subscription string) (transport.Receiver, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	if topic == "" {
		return nil, transport.ErrTopicRequired
	}

	stream := t.streamName(topic)
	err := t.client.XGroupCreateMkStream(ctx, stream, subscription, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s: %w", subscription, err)
	}

	id := t.consumerName
	if id == "" {
		id = transport.NewID()
	}
	t.logger.Debug("added receiver", "stream", stream, "group", subscription, "consumer", id)
	return &receiver{
		t:        t,
		id:       id,
		stream:   stream,
		group:    subscription,
		closedCh: make(chan struct{}),
	}, nil
}

// Close shuts down the transport
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	t.logger.Debug("transport closed")
	return nil
}

// Health performs a health check on the Redis transport
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   map[string]any{"type": "redis"},
	}

	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}

	if err := t.client.Ping(ctx).Err(); err != nil {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = fmt.Sprintf("redis ping failed: %v", err)
		result.Details["ping_error"] = err.Error()
		result.Latency = time.Since(start)
		return result
	}

	result.Status = transport.HealthStatusHealthy
	result.Message = "redis transport is healthy"
	result.Latency = time.Since(start)
	result.Details["ping_latency_ms"] = result.Latency.Milliseconds()
	return result
}

// pendingEntry is a fetched stream entry waiting to be handed out
type pendingEntry struct {
	msg        redis.XMessage
	deliveries int
}

// receiver implements transport.Receiver as one consumer of a group
type receiver struct {
	t        *Transport
	id       string
	stream   string
	group    string
	closed   int32
	closedCh chan struct{}

	mu        sync.Mutex
	buf       []pendingEntry
	recovered bool // own PEL read after start
	lastClaim time.Time
}

func (r *receiver) ID() string {
	return r.id
}

// Receive returns the next entry of the group. It first replays the
// consumer's own pending entries, which only exist when the consumer name
// is stable across restarts (see WithConsumerName), then alternates between reclaiming
// expired entries and reading new ones.
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
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if len(r.buf) > 0 {
			e := r.buf[0]
			r.buf = r.buf[1:]
			return r.toMessage(e)
		}

		var err error
		switch {
		case !r.recovered:
			err = r.readPending(ctx)
		case time.Since(r.lastClaim) >= r.t.claimInterval:
			err = r.claimExpired(ctx)
		default:
			err = r.readNew(ctx)
		}
		if err != nil {
			return nil, err
		}
	}
}

// readPending loads entries delivered to this consumer name before a restart.
func (r *receiver) readPending(ctx context.Context) error {
	streams, err := r.t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.id,
		Streams:  []string{r.stream, "0"},
		Count:    r.t.batchSize,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	r.recovered = true
	for _, s := range streams {
		for _, x := range s.Messages {
			r.buf = append(r.buf, pendingEntry{msg: x, deliveries: 2})
		}
	}
	return nil
}

// claimExpired takes over entries whose lock ran out, from any consumer
// of the group including this one.
func (r *receiver) claimExpired(ctx context.Context) error {
	r.lastClaim = time.Now()

	pending, err := r.t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.stream,
		Group:  r.group,
		Start:  "-",
		End:    "+",
		Count:  r.t.batchSize,
		Idle:   r.t.lockDuration,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	counts := make(map[string]int64, len(pending))
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
		ids = append(ids, p.ID)
	}

	claimed, err := r.t.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   r.stream,
		Group:    r.group,
		Consumer: r.id,
		MinIdle:  r.t.lockDuration,
		Messages: ids,
	}).Result()
	if err != nil {
		return err
	}

	if len(claimed) > 0 {
		r.t.logger.Debug("reclaimed expired entries", "stream", r.stream, "group", r.group, "count", len(claimed))
	}
	for _, x := range claimed {
		r.buf = append(r.buf, pendingEntry{msg: x, deliveries: int(counts[x.ID]) + 1})
	}
	return nil
}

// readNew blocks for entries never delivered to the group.
func (r *receiver) readNew(ctx context.Context) error {
	streams, err := r.t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.id,
		Streams:  []string{r.stream, ">"},
		Count:    r.t.batchSize,
		Block:    r.t.blockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	for _, s := range streams {
		for _, x := range s.Messages {
			r.buf = append(r.buf, pendingEntry{msg: x, deliveries: 1})
		}
	}
	return nil
}

func (r *receiver) toMessage(e pendingEntry) (transport.Message, error) {
	entryID := e.msg.ID
	data, ok := e.msg.Values["data"].(string)
	if !ok {
		return nil, &transport.DecodeError{MsgID: entryID, Err: transport.ErrDecodeFailure}
	}
	decoded, err := r.t.codec.Decode([]byte(data))
	if err != nil {
		return nil, &transport.DecodeError{RawData: []byte(data), MsgID: entryID, Err: err}
	}
	stream, group := r.stream, r.group
	client := r.t.client
	return message.NewDelivery(decoded, entryID, e.deliveries, func(ctx context.Context) error {
		n, err := client.XAck(ctx, stream, group, entryID).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return transport.ErrLockLost
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

// Compile-time checks
var (
	_ transport.Transport     = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
)
