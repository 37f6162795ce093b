package servicebus

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rbaliyan/servicebus/payload"
)

// Handler handles events of type E.
type Handler[E any] interface {
	Handle(ctx context.Context, event E) error
}

// HandlerFunc adapts a function to Handler. Register it with a Container
// through ProvideValue to subscribe a plain function.
type HandlerFunc[E any] func(ctx context.Context, event E) error

// Handle calls f(ctx, event).
func (f HandlerFunc[E]) Handle(ctx context.Context, event E) error {
	return f(ctx, event)
}

// Subscription pairs an event type with the single handler type subscribed
// to it. It is immutable once created.
type Subscription struct {
	// EventTypeID is the routing key, see EventTypeID.
	EventTypeID string
	// EventType is the qualified Go type of the event.
	EventType string
	// HandlerType is the key the handler is resolved by, see TypeName.
	HandlerType string

	decode func(codec payload.Codec, body []byte) (any, error)
	invoke func(ctx context.Context, r Resolver, event any) (handled bool, err error)
}

// NewSubscription builds the subscription of handler type H for event type E.
func NewSubscription[E any, H Handler[E]]() *Subscription {
	handlerType := TypeName[H]()
	return &Subscription{
		EventTypeID: EventTypeID[E](),
		EventType:   TypeName[E](),
		HandlerType: handlerType,
		decode: func(codec payload.Codec, body []byte) (any, error) {
			return decodeEvent[E](codec, body)
		},
		invoke: func(ctx context.Context, r Resolver, event any) (bool, error) {
			e, ok := event.(E)
			if !ok {
				return false, fmt.Errorf("%w: %T is not %s", ErrEventMismatch, event, TypeName[E]())
			}
			inst, ok := r.Resolve(ctx, handlerType)
			if !ok || inst == nil {
				return false, nil
			}
			h, ok := inst.(Handler[E])
			if !ok {
				return false, fmt.Errorf("%w: %T resolved for %s", ErrHandlerMismatch, inst, handlerType)
			}
			return true, h.Handle(ctx, e)
		},
	}
}

func (s *Subscription) String() string {
	return s.EventTypeID + " -> " + s.HandlerType
}

// Registry maps event type identifiers to their subscription.
// It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*Subscription)}
}

// Record inserts sub unless its EventTypeID is already registered, in which
// case the existing subscription is kept. It reports whether sub was inserted.
func (r *Registry) Record(sub *Subscription) bool {
	if sub == nil || sub.EventTypeID == "" || sub.invoke == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.EventTypeID]; ok {
		return false
	}
	r.subs[sub.EventTypeID] = sub
	return true
}

// Lookup returns the subscription for id.
func (r *Registry) Lookup(id string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	return sub, ok
}

// Contains reports whether id has a subscription.
func (r *Registry) Contains(id string) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Clear drops every subscription.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.subs = make(map[string]*Subscription)
	r.mu.Unlock()
}

// Len returns the number of subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Names returns the registered event type identifiers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.subs))
	for id := range r.subs {
		names = append(names, id)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}
