package servicebus

import "context"

// Resolver produces handler instances by handler type name (see TypeName).
// It returns false when no handler is available.
type Resolver interface {
	Resolve(ctx context.Context, handlerType string) (any, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, handlerType string) (any, bool)

// Resolve calls f(ctx, handlerType).
func (f ResolverFunc) Resolve(ctx context.Context, handlerType string) (any, bool) {
	return f(ctx, handlerType)
}

// Scope is a short-lived resolution context. Instances created within a
// scope are released by End.
type Scope interface {
	Resolver
	End()
}

// ScopedResolver is a Resolver that can open per-message scopes.
type ScopedResolver interface {
	Resolver
	BeginScope(ctx context.Context) Scope
}

// beginScope opens a scope when r supports it. The returned func ends it.
func beginScope(ctx context.Context, r Resolver) (Resolver, func()) {
	if sr, ok := r.(ScopedResolver); ok {
		s := sr.BeginScope(ctx)
		return s, s.End
	}
	return r, func() {}
}
