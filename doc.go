// Package servicebus provides a publish/subscribe event bus routed by event
// type. Each event type has at most one subscribed handler type; handlers
// are obtained from a Resolver when an event arrives.
//
// The bus runs in one of two modes, chosen by New:
//   - local: Publish invokes the handler in the caller's goroutine and
//     returns its error.
//   - remote: Publish sends the encoded event to a broker topic, and a
//     processing loop receives from a topic subscription with peek-lock
//     semantics, dispatching each message and acknowledging it only after
//     its handler succeeds.
//
// Basic example:
//
//	type UserRegistered struct {
//	    Name string
//	}
//
//	type WelcomeMailer struct{}
//
//	func (WelcomeMailer) Handle(ctx context.Context, e UserRegistered) error {
//	    fmt.Println("welcome", e.Name)
//	    return nil
//	}
//
//	c := servicebus.NewContainer()
//	servicebus.ProvideValue(c, WelcomeMailer{})
//
//	bus, err := servicebus.New(ctx, c)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer bus.Close(ctx)
//
//	servicebus.Subscribe[UserRegistered, WelcomeMailer](bus)
//	servicebus.Publish(ctx, bus, UserRegistered{Name: "Ann"})
//
// Remote mode:
//
//	t, err := redis.New(client)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	bus, err := servicebus.New(ctx, c,
//	    servicebus.WithTransport(t),
//	    servicebus.WithTopic("users"),
//	    servicebus.WithSubscription("mailer"),
//	)
//
// Options:
//   - WithTopic, WithSubscription: select remote mode.
//   - WithTransport: broker transport (channel, redis, nats, kafka, servicebus).
//   - WithTo: routing filter stamped on every sent message.
//   - WithCodec: payload codec. Default is JSON.
//   - WithMaxConcurrentCalls: in-flight handler limit. Default is 10.
//   - WithReceiveRate: receive rate limit. Default is unlimited.
//   - WithDrainOnClose: wait for in-flight handlers on Close. Default is true.
//   - WithErrorHandler: observe processing loop errors (*ProcessError).
//   - WithTracing, WithMetrics: OpenTelemetry instrumentation. Default is true.
//   - WithRecovery: convert handler panics to errors. Default is true.
//   - WithLogger: set logger for the bus.
//
// Handlers read the message being processed with ContextMessageID,
// ContextCorrelationID, ContextDeliveryCount and related accessors.
//
// Event types are identified by their Go type name, or by EventTypeName when
// the type implements Named. Handler types are identified by TypeName.
package servicebus
