package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/wire"
	"github.com/rbaliyan/servicebus"
	"github.com/rbaliyan/servicebus/internal/config"
	"github.com/rbaliyan/servicebus/payload"
	"github.com/rbaliyan/servicebus/transport"
)

// ProviderSet builds a running bus from the command configuration
var ProviderSet = wire.NewSet(
	provideCodec,
	provideTransport,
	provideContainer,
	wire.Bind(new(servicebus.Resolver), new(*servicebus.Container)),
	provideBus,
)

func provideCodec(cfg *config.Config) (payload.Codec, error) {
	c, ok := payload.ByName(cfg.Codec)
	if !ok {
		return nil, fmt.Errorf("unknown codec %q", cfg.Codec)
	}
	return c, nil
}

// provideContainer registers the command's handlers. The cleanup closes
// singleton handlers.
func provideContainer(logger *slog.Logger) (*servicebus.Container, func()) {
	c := servicebus.NewContainer()
	servicebus.ProvideValue(c, &messageLogger{logger: logger})
	return c, func() { _ = c.Close() }
}

// provideBus creates the bus. On failure it closes the transport, which the
// bus would otherwise own.
func provideBus(ctx context.Context, cfg *config.Config, r servicebus.Resolver, t transport.Transport, codec payload.Codec, logger *slog.Logger) (*servicebus.Bus, error) {
	bus, err := servicebus.New(ctx, r,
		servicebus.WithTopic(cfg.Topic),
		servicebus.WithSubscription(cfg.Subscription),
		servicebus.WithTo(cfg.To),
		servicebus.WithTransport(t),
		servicebus.WithCodec(codec),
		servicebus.WithMaxConcurrentCalls(int64(cfg.MaxConcurrentCalls)),
		servicebus.WithDrainOnClose(cfg.DrainOnClose),
		servicebus.WithMetrics(cfg.Metrics),
		servicebus.WithTracing(cfg.Tracing),
		servicebus.WithLogger(logger),
	)
	if err != nil {
		_ = t.Close(context.Background())
		return nil, err
	}
	return bus, nil
}
