package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	natsgo "github.com/nats-io/nats.go"
	"github.com/rbaliyan/servicebus/internal/config"
	"github.com/rbaliyan/servicebus/transport"
	"github.com/rbaliyan/servicebus/transport/channel"
	"github.com/rbaliyan/servicebus/transport/codec"
	"github.com/rbaliyan/servicebus/transport/kafka"
	"github.com/rbaliyan/servicebus/transport/nats"
	redistransport "github.com/rbaliyan/servicebus/transport/redis"
	"github.com/rbaliyan/servicebus/transport/servicebus"
	"github.com/redis/go-redis/v9"
)

// provideTransport builds the transport selected by cfg.Transport. The
// cleanup closes the broker client, which the transport does not own.
func provideTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Transport, func(), error) {
	t, closeClient, err := openTransport(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return t, func() {
		if err := closeClient(); err != nil {
			logger.Warn("close broker client", "error", err)
		}
	}, nil
}

func openTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Transport, func() error, error) {
	envelope, ok := codec.ByName(cfg.Codec)
	if !ok {
		return nil, nil, fmt.Errorf("unknown codec %q", cfg.Codec)
	}
	noop := func() error { return nil }

	switch cfg.Transport {
	case config.TransportMemory:
		opts := []channel.Option{
			channel.WithLockDuration(cfg.LockDuration),
			channel.WithMaxDeliveryCount(cfg.MaxDeliveryCount),
			channel.WithLogger(logger),
		}
		if cfg.To != "" && cfg.Subscription != "" {
			opts = append(opts, channel.WithSubscriptionFilter(cfg.Subscription, cfg.To))
		}
		return channel.New(opts...), noop, nil

	case config.TransportRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		t, err := redistransport.New(client,
			redistransport.WithCodec(envelope),
			redistransport.WithLockDuration(cfg.LockDuration),
			redistransport.WithConsumerName(cfg.RedisConsumer),
			redistransport.WithLogger(logger),
		)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return t, client.Close, nil

	case config.TransportNATS:
		nc, err := natsgo.Connect(cfg.NATSURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats %s: %w", cfg.NATSURL, err)
		}
		opts := []nats.Option{
			nats.WithCodec(envelope),
			nats.WithAckWait(cfg.LockDuration),
			nats.WithMaxDeliver(cfg.MaxDeliveryCount),
			nats.WithLogger(logger),
		}
		if cfg.To != "" && cfg.Subscription != "" {
			opts = append(opts, nats.WithSubscriptionFilter(cfg.Subscription, cfg.To))
		}
		t, err := nats.New(nc, opts...)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return t, func() error { nc.Close(); return nil }, nil

	case config.TransportKafka:
		sc := sarama.NewConfig()
		sc.Consumer.Offsets.AutoCommit.Enable = false
		sc.Producer.Return.Successes = true
		client, err := sarama.NewClient(cfg.KafkaBrokers, sc)
		if err != nil {
			return nil, nil, fmt.Errorf("connect kafka: %w", err)
		}
		opts := []kafka.Option{kafka.WithCodec(envelope), kafka.WithLogger(logger)}
		if cfg.To != "" && cfg.Subscription != "" {
			opts = append(opts, kafka.WithSubscriptionFilter(cfg.Subscription, cfg.To))
		}
		t, err := kafka.New(client, opts...)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return t, client.Close, nil

	case config.TransportAzure:
		t, err := servicebus.NewFromConnectionString(cfg.AzureConnection, servicebus.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return t, noop, nil
	}

	return nil, nil, errors.Join(config.ErrUnknownTransport, fmt.Errorf("transport %q", cfg.Transport))
}
