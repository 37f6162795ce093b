//go:build wireinject
// +build wireinject

package cli

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"github.com/rbaliyan/servicebus"
	"github.com/rbaliyan/servicebus/internal/config"
)

// initializeBus assembles the bus, its transport and handler container.
// The cleanup releases the container and the broker client; the bus itself
// is closed by the caller.
func initializeBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*servicebus.Bus, func(), error) {
	wire.Build(ProviderSet)
	return nil, nil, nil
}
