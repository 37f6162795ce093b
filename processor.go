package servicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rbaliyan/servicebus/payload"
	"github.com/rbaliyan/servicebus/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Processor is the receive loop of a remote bus. It takes messages from a
// subscription with peek-lock semantics, dispatches each to its subscribed
// handler and acknowledges it only after the handler succeeds.
//
// Messages for unknown event types, messages without a resolvable handler
// and messages whose handler fails are left unacknowledged, so the broker
// redelivers them according to its own policy.
type Processor struct {
	receiver     transport.Receiver
	registry     *Registry
	resolver     Resolver
	codec        payload.Codec
	subscription string
	sem          *semaphore.Weighted
	limiter      *rate.Limiter
	onError      ErrorHandler
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *metrics
	recovery     bool
	drain        bool
	backoff      *transport.Backoff

	cancel   context.CancelFunc
	done     chan struct{}
	inflight sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

func newProcessor(receiver transport.Receiver, registry *Registry, resolver Resolver, subscription string, o *options, tracer trace.Tracer, m *metrics) *Processor {
	p := &Processor{
		receiver:     receiver,
		registry:     registry,
		resolver:     resolver,
		codec:        o.codec,
		subscription: subscription,
		sem:          semaphore.NewWeighted(o.maxConcurrentCalls),
		onError:      o.onError,
		logger:       o.logger.With("subscription", subscription),
		tracer:       tracer,
		metrics:      m,
		recovery:     o.recoveryEnabled,
		drain:        o.drainOnClose,
		backoff:      transport.NewBackoff(o.minBackoff, o.maxBackoff),
		done:         make(chan struct{}),
	}
	if o.receiveLimit != rate.Inf {
		p.limiter = rate.NewLimiter(o.receiveLimit, o.receiveBurst)
	}
	return p
}

// start launches the receive loop. Handlers never observe cancellation of
// the loop itself; they run to completion.
func (p *Processor) start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(ctx)
}

func (p *Processor) run(ctx context.Context) {
	defer close(p.done)
	p.logger.Debug("processing loop started", "receiver", p.receiver.ID())

	for {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.report(ctx, &ProcessError{Stage: StageReceive, Err: fmt.Errorf("rate limit: %w", err)})
				if !p.backoff.Sleep(ctx) {
					return
				}
				continue
			}
		}
		// Take a slot before receiving so no message sits locked while waiting for one.
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}

		msg, err := p.receiver.Receive(ctx)
		if err != nil {
			p.sem.Release(1)
			if ctx.Err() != nil {
				return
			}
			var decodeErr *transport.DecodeError
			switch {
			case errors.Is(err, transport.ErrReceiverClosed), errors.Is(err, transport.ErrTransportClosed):
				p.report(ctx, &ProcessError{Stage: StageReceive, Err: err})
				return
			case errors.As(err, &decodeErr):
				p.report(ctx, &ProcessError{Stage: StageDecode, MessageID: decodeErr.MsgID, Err: err})
				continue
			}
			p.report(ctx, &ProcessError{Stage: StageReceive, Err: err})
			if !p.backoff.Sleep(ctx) {
				return
			}
			continue
		}
		p.backoff.Reset()

		p.inflight.Add(1)
		go func() {
			defer p.inflight.Done()
			defer p.sem.Release(1)
			p.process(context.WithoutCancel(ctx), msg)
		}()
	}
}

// process dispatches one message and acknowledges it on success.
func (p *Processor) process(ctx context.Context, msg transport.Message) {
	eventType := msg.EventType()
	sub, ok := p.registry.Lookup(eventType)
	if !ok {
		p.metrics.recordUnrouted(ctx, eventType)
		p.logger.DebugContext(ctx, "no subscription, leaving message", "event_type", eventType, "msg_id", msg.ID())
		return
	}

	ctx = propagator.Extract(ctx, propagation.MapCarrier(msg.Metadata()))
	ctx, span := p.tracer.Start(ctx, eventType+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String(spanKeyMessageID, msg.ID()),
			attribute.String(spanKeyCorrelationID, msg.CorrelationID()),
			attribute.String(spanKeySubscription, p.subscription),
			attribute.String(spanKeyEventType, eventType),
			attribute.Int(spanKeyDelivery, msg.DeliveryCount())))
	defer span.End()

	p.metrics.addInflight(ctx, 1)
	defer p.metrics.addInflight(ctx, -1)

	codec := p.codec
	if ct := msg.ContentType(); ct != "" {
		if c, ok := payload.Get(ct); ok {
			codec = c
		}
	}
	event, err := sub.decode(codec, msg.Body())
	if err != nil {
		p.fail(ctx, span, msg, StageDecode, fmt.Errorf("decode %s: %w", sub.EventType, err))
		return
	}

	ctx = contextWithDelivery(ctx, msg, p.subscription)
	r, end := beginScope(ctx, p.resolver)
	defer end()

	handled, err := invoke(ctx, sub, r, event, p.recovery)
	switch {
	case err != nil && !handled:
		p.fail(ctx, span, msg, StageResolve, err)
		return
	case err != nil:
		p.fail(ctx, span, msg, StageHandle, err)
		return
	case !handled:
		p.logger.DebugContext(ctx, "no handler resolved, leaving message",
			"event_type", eventType, "handler", sub.HandlerType, "msg_id", msg.ID())
		return
	}

	if err := msg.Ack(ctx); err != nil {
		p.fail(ctx, span, msg, StageAck, err)
		return
	}
	p.metrics.recordProcessed(ctx, eventType)
}

func (p *Processor) fail(ctx context.Context, span trace.Span, msg transport.Message, stage Stage, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.metrics.recordFailed(ctx, msg.EventType(), stage)
	p.report(ctx, &ProcessError{
		Stage:     stage,
		MessageID: msg.ID(),
		EventType: msg.EventType(),
		Err:       err,
	})
}

func (p *Processor) report(ctx context.Context, err error) {
	p.onError(ctx, err)
}

// Stop ends the receive loop and closes the receiver. With drain enabled it
// then waits for running handlers until they finish or ctx is done.
func (p *Processor) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.cancel()
		if err := p.receiver.Close(ctx); err != nil {
			p.stopErr = fmt.Errorf("close receiver: %w", err)
		}
		select {
		case <-p.done:
		case <-ctx.Done():
			p.stopErr = errors.Join(p.stopErr, ctx.Err())
			return
		}
		if !p.drain {
			return
		}

		drained := make(chan struct{})
		go func() {
			p.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
			p.logger.Debug("processing loop drained")
		case <-ctx.Done():
			p.stopErr = errors.Join(p.stopErr, fmt.Errorf("drain in-flight handlers: %w", ctx.Err()))
		}
	})
	return p.stopErr
}

// Done is closed when the receive loop has exited.
func (p *Processor) Done() <-chan struct{} {
	return p.done
}
