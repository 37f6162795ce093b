// Package cli implements the servicebus command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/rbaliyan/servicebus"
	"github.com/rbaliyan/servicebus/internal/config"
	"github.com/spf13/cobra"
)

// ErrNoEndpoint is returned when neither a topic nor a subscription is given.
var ErrNoEndpoint = errors.New("a topic or a subscription is required")

// Execute runs the Cobra-based CLI entry point.
func Execute() error {
	return newRootCmd(config.Load()).Execute()
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servicebus [topic] [subscription] [to] [message]",
		Short: "Publish and consume events on a service bus topic",
		Long: "servicebus subscribes a logging handler for MessageSent events on a topic " +
			"subscription, optionally publishes one message, and runs until interrupted.",
		Args:          cobra.MaximumNArgs(4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			positional := []*string{&cfg.Topic, &cfg.Subscription, &cfg.To}
			for i, arg := range args {
				if i < len(positional) {
					*positional[i] = arg
				}
			}
			var text string
			if len(args) == 4 {
				text = args[3]
			} else {
				text, _ = cmd.Flags().GetString("message")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.Level()}))
			return run(ctx, cfg, text, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Transport, "transport", cfg.Transport, "broker transport: memory, redis, nats, kafka or azure")
	flags.StringVar(&cfg.Topic, "topic", cfg.Topic, "topic events are sent to")
	flags.StringVar(&cfg.Subscription, "subscription", cfg.Subscription, "topic subscription to receive from")
	flags.StringVar(&cfg.To, "to", cfg.To, "routing filter stamped on published messages")
	flags.StringVar(&cfg.Codec, "codec", cfg.Codec, "payload and envelope codec: json or msgpack")
	flags.IntVar(&cfg.MaxConcurrentCalls, "max-concurrent-calls", cfg.MaxConcurrentCalls, "maximum handlers running at once")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	flags.StringP("message", "m", "", "message text to publish once the bus is running")
	return cmd
}

// run starts the bus, publishes text when set and blocks until ctx is done.
func run(ctx context.Context, cfg *config.Config, text string, logger *slog.Logger) error {
	if cfg.Topic == "" && cfg.Subscription == "" {
		return ErrNoEndpoint
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	bus, cleanup, err := initializeBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := servicebus.Subscribe[MessageSent, *messageLogger](bus); err != nil {
		return errors.Join(err, bus.Close(context.Background()))
	}

	if text != "" {
		if err := servicebus.Publish(ctx, bus, MessageSent{Text: text, SentAt: time.Now().UTC()}); err != nil {
			return errors.Join(fmt.Errorf("publish: %w", err), bus.Close(context.Background()))
		}
		logger.Info("message published", "topic", cfg.Topic, "to", cfg.To)
	}

	logger.Info("running, press Ctrl+C to stop", "bus", bus.ID(), "transport", cfg.Transport)
	<-ctx.Done()

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.CloseTimeout)
	defer cancel()
	return bus.Close(closeCtx)
}
