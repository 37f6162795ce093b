// Package config loads process configuration for the servicebus command
// from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Transport names accepted by Transport
const (
	TransportMemory = "memory"
	TransportRedis  = "redis"
	TransportNATS   = "nats"
	TransportKafka  = "kafka"
	TransportAzure  = "azure"
)

// Config errors
var (
	// ErrUnknownTransport is returned by Validate for an unsupported transport name
	ErrUnknownTransport = errors.New("unknown transport")
	// ErrInvalidValue is returned by Validate for an environment value that
	// could not be parsed. Load keeps the default in its place.
	ErrInvalidValue = errors.New("invalid value")
)

type Config struct {
	// Bus
	Topic              string
	Subscription       string
	To                 string
	Codec              string
	MaxConcurrentCalls int
	DrainOnClose       bool
	CloseTimeout       time.Duration

	// Transport
	Transport        string
	RedisAddr        string
	RedisConsumer    string
	NATSURL          string
	KafkaBrokers     []string
	AzureConnection  string
	LockDuration     time.Duration
	MaxDeliveryCount int

	// Telemetry
	LogLevel string
	Metrics  bool
	Tracing  bool

	loadErr error
}

// Load reads a .env file when present, then SERVICEBUS_* variables.
// Malformed values fall back to their defaults and are reported by Validate.
func Load() *Config {
	_ = godotenv.Load()

	var env envReader
	cfg := &Config{
		Topic:              envStr("SERVICEBUS_TOPIC", ""),
		Subscription:       envStr("SERVICEBUS_SUBSCRIPTION", ""),
		To:                 envStr("SERVICEBUS_TO", ""),
		Codec:              envStr("SERVICEBUS_CODEC", "json"),
		MaxConcurrentCalls: env.getInt("SERVICEBUS_MAX_CONCURRENT_CALLS", 10),
		DrainOnClose:       env.getBool("SERVICEBUS_DRAIN_ON_CLOSE", true),
		CloseTimeout:       env.getDuration("SERVICEBUS_CLOSE_TIMEOUT", 30*time.Second),

		Transport:        envStr("SERVICEBUS_TRANSPORT", TransportMemory),
		RedisAddr:        envStr("SERVICEBUS_REDIS_ADDR", "localhost:6379"),
		RedisConsumer:    envStr("SERVICEBUS_REDIS_CONSUMER", ""),
		NATSURL:          envStr("SERVICEBUS_NATS_URL", "nats://127.0.0.1:4222"),
		KafkaBrokers:     envList("SERVICEBUS_KAFKA_BROKERS", []string{"localhost:9092"}),
		AzureConnection:  envStr("SERVICEBUS_AZURE_CONNECTION_STRING", ""),
		LockDuration:     env.getDuration("SERVICEBUS_LOCK_DURATION", 30*time.Second),
		MaxDeliveryCount: env.getInt("SERVICEBUS_MAX_DELIVERY_COUNT", 10),

		LogLevel: envStr("SERVICEBUS_LOG_LEVEL", "info"),
		Metrics:  env.getBool("SERVICEBUS_METRICS", false),
		Tracing:  env.getBool("SERVICEBUS_TRACING", false),
	}
	cfg.loadErr = errors.Join(env.errs...)
	return cfg
}

// Validate checks the transport selection and its connection settings.
func (c *Config) Validate() error {
	if c.loadErr != nil {
		return c.loadErr
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); c.LogLevel != "" && err != nil {
		return fmt.Errorf("%w: log level %q", ErrInvalidValue, c.LogLevel)
	}
	switch c.Transport {
	case TransportMemory, TransportRedis, TransportNATS, TransportKafka:
	case TransportAzure:
		if c.AzureConnection == "" {
			return errors.New("SERVICEBUS_AZURE_CONNECTION_STRING is required for the azure transport")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, c.Transport)
	}
	if c.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("max concurrent calls must be positive, got %d", c.MaxConcurrentCalls)
	}
	return nil
}

// Level maps LogLevel to a slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envReader parses typed variables and collects the ones it rejects.
type envReader struct {
	errs []error
}

func (r *envReader) invalid(key, v string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%w: %s=%q: %v", ErrInvalidValue, key, v, err))
}

func (r *envReader) getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.invalid(key, v, err)
		return fallback
	}
	return n
}

func (r *envReader) getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.invalid(key, v, err)
		return fallback
	}
	return b
}

func (r *envReader) getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.invalid(key, v, err)
		return fallback
	}
	return d
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
