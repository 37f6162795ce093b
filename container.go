package servicebus

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/rbaliyan/servicebus/transport"
)

// Lifetime controls how long a Container keeps a handler instance.
type Lifetime int

const (
	// Transient creates a new instance on every resolution.
	Transient Lifetime = iota
	// Singleton creates one instance for the container's lifetime.
	Singleton
	// Scoped creates one instance per scope. Resolved outside a scope it
	// behaves like Transient.
	Scoped
)

func (l Lifetime) String() string {
	switch l {
	case Transient:
		return "transient"
	case Singleton:
		return "singleton"
	case Scoped:
		return "scoped"
	default:
		return "unknown"
	}
}

type provider struct {
	lifetime Lifetime
	factory  func(context.Context) (any, error)
}

// Container is a minimal ScopedResolver keyed by handler type name.
//
//	c := servicebus.NewContainer()
//	servicebus.Provide(c, servicebus.Scoped, func(ctx context.Context) (*OrderHandler, error) {
//	    return &OrderHandler{db: db}, nil
//	})
//	bus, _ := servicebus.New(ctx, c)
//	servicebus.Subscribe[OrderPlaced, *OrderHandler](bus)
//
// Instances with a Close() error method are closed when their scope ends.
// Singletons are closed by Container.Close.
type Container struct {
	mu         sync.Mutex
	providers  map[string]provider
	singletons map[string]any
	order      []any
	logger     *slog.Logger
}

// NewContainer creates an empty container.
func NewContainer() *Container {
	return &Container{
		providers:  make(map[string]provider),
		singletons: make(map[string]any),
		logger:     transport.Logger("container"),
	}
}

// Provide registers a factory for handler type H. A later registration for
// the same type replaces the earlier one.
func Provide[H any](c *Container, lt Lifetime, factory func(context.Context) (H, error)) {
	name := TypeName[H]()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = provider{
		lifetime: lt,
		factory: func(ctx context.Context) (any, error) {
			return factory(ctx)
		},
	}
	delete(c.singletons, name)
}

// ProvideValue registers an existing instance as a singleton.
func ProvideValue[H any](c *Container, h H) {
	Provide(c, Singleton, func(context.Context) (H, error) { return h, nil })
}

// Resolve implements Resolver.
func (c *Container) Resolve(ctx context.Context, handlerType string) (any, bool) {
	c.mu.Lock()
	p, ok := c.providers[handlerType]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	if inst, ok := c.singletons[handlerType]; ok && p.lifetime == Singleton {
		c.mu.Unlock()
		return inst, true
	}
	c.mu.Unlock()

	// Factories run unlocked so they may resolve other handlers.
	inst, ok := c.create(ctx, handlerType, p)
	if !ok || p.lifetime != Singleton {
		return inst, ok
	}

	c.mu.Lock()
	// A concurrent resolution may have stored the singleton first; keep it.
	// The discarded instance is not closed since ProvideValue factories
	// return the shared value itself.
	if current, ok := c.singletons[handlerType]; ok {
		c.mu.Unlock()
		return current, true
	}
	c.singletons[handlerType] = inst
	c.order = append(c.order, inst)
	c.mu.Unlock()
	return inst, true
}

func (c *Container) create(ctx context.Context, handlerType string, p provider) (any, bool) {
	inst, err := p.factory(ctx)
	if err != nil {
		c.logger.Warn("handler factory failed", "handler", handlerType, "error", err)
		return nil, false
	}
	return inst, true
}

// BeginScope implements ScopedResolver.
func (c *Container) BeginScope(ctx context.Context) Scope {
	return &containerScope{
		container: c,
		instances: make(map[string]any),
	}
}

// Close closes singleton instances in reverse creation order.
func (c *Container) Close() error {
	c.mu.Lock()
	order := c.order
	c.order = nil
	c.singletons = make(map[string]any)
	c.mu.Unlock()
	closeAll(c.logger, order)
	return nil
}

type containerScope struct {
	container *Container
	mu        sync.Mutex
	instances map[string]any
	order     []any
	ended     bool
}

func (s *containerScope) Resolve(ctx context.Context, handlerType string) (any, bool) {
	c := s.container
	c.mu.Lock()
	p, ok := c.providers[handlerType]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	if p.lifetime != Scoped {
		inst, ok := c.Resolve(ctx, handlerType)
		if ok && p.lifetime == Transient {
			s.track(inst)
		}
		return inst, ok
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[handlerType]; ok {
		return inst, true
	}
	inst, ok := c.create(ctx, handlerType, p)
	if ok {
		s.instances[handlerType] = inst
		s.order = append(s.order, inst)
	}
	return inst, ok
}

func (s *containerScope) track(inst any) {
	s.mu.Lock()
	s.order = append(s.order, inst)
	s.mu.Unlock()
}

func (s *containerScope) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	order := s.order
	s.order = nil
	s.instances = nil
	s.mu.Unlock()
	closeAll(s.container.logger, order)
}

type closer interface {
	Close() error
}

func closeAll(logger *slog.Logger, instances []any) {
	for _, inst := range slices.Backward(instances) {
		if c, ok := inst.(closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn("failed to close handler", "handler", inst, "error", err)
			}
		}
	}
}

// Compile-time check
var _ ScopedResolver = (*Container)(nil)
