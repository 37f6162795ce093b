package servicebus

import (
	"context"
	"fmt"
	"log/slog"
)

// dispatcher delivers a published event. The local and remote modes each
// provide one.
type dispatcher interface {
	publish(ctx context.Context, eventTypeID string, event any) error
	close(ctx context.Context) error
}

// localDispatcher invokes the subscribed handler in the caller's goroutine.
type localDispatcher struct {
	registry *Registry
	resolver Resolver
	logger   *slog.Logger
	recovery bool
}

func (d *localDispatcher) publish(ctx context.Context, eventTypeID string, event any) error {
	sub, ok := d.registry.Lookup(eventTypeID)
	if !ok {
		d.logger.DebugContext(ctx, "no subscription, dropping event", "event_type", eventTypeID)
		return nil
	}

	ctx = contextWithEventType(ctx, eventTypeID)
	r, end := beginScope(ctx, d.resolver)
	defer end()

	handled, err := invoke(ctx, sub, r, event, d.recovery)
	if !handled && err == nil {
		d.logger.DebugContext(ctx, "no handler resolved, dropping event",
			"event_type", eventTypeID, "handler", sub.HandlerType)
	}
	return err
}

func (d *localDispatcher) close(ctx context.Context) error {
	return nil
}

// invoke runs the subscription's handler, turning a panic into ErrHandlerPanic
// when recovery is enabled.
func invoke(ctx context.Context, sub *Subscription, r Resolver, event any, recovery bool) (handled bool, err error) {
	if recovery {
		defer func() {
			if rec := recover(); rec != nil {
				handled = true
				err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, sub.HandlerType, rec)
			}
		}()
	}
	return sub.invoke(ctx, r, event)
}
