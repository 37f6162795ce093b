package servicebus

import (
	"context"
	"testing"
	"time"

	"github.com/rbaliyan/servicebus/transport/channel"
)

type deliveryInfo struct {
	messageID     string
	correlationID string
	eventType     string
	subscription  string
	deliveryCount int
	to            string
}

func captureDelivery(ch chan<- deliveryInfo) *TestHandler[UserRegistered] {
	return NewTestHandler(func(ctx context.Context, e UserRegistered) error {
		ch <- deliveryInfo{
			messageID:     ContextMessageID(ctx),
			correlationID: ContextCorrelationID(ctx),
			eventType:     ContextEventType(ctx),
			subscription:  ContextSubscription(ctx),
			deliveryCount: ContextDeliveryCount(ctx),
			to:            ContextMetadata(ctx)["To"],
		}
		return nil
	})
}

func TestContextRemoteDelivery(t *testing.T) {
	ctx := context.Background()
	got := make(chan deliveryInfo, 1)
	c := NewContainer()
	ProvideValue(c, captureDelivery(got))

	rec := NewRecordingTransport(channel.New())
	bus, err := New(ctx, c, WithTransport(rec), WithTopic("users"), WithSubscription("mailer"), WithTo("billing"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer bus.Close(ctx)
	Subscribe[UserRegistered, *TestHandler[UserRegistered]](bus)

	if err := Publish(ctx, bus, UserRegistered{Name: "Ann"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case info := <-got:
		sent := rec.Messages()[0].Message
		if info.messageID != sent.ID() {
			t.Errorf("expected message id %s, got %s", sent.ID(), info.messageID)
		}
		if info.correlationID != sent.CorrelationID() {
			t.Errorf("expected correlation id %s, got %s", sent.CorrelationID(), info.correlationID)
		}
		if info.eventType != "UserRegistered" {
			t.Errorf("expected UserRegistered, got %s", info.eventType)
		}
		if info.subscription != "mailer" {
			t.Errorf("expected subscription mailer, got %s", info.subscription)
		}
		if info.deliveryCount != 1 {
			t.Errorf("expected delivery count 1, got %d", info.deliveryCount)
		}
		if info.to != "billing" {
			t.Errorf("expected To billing in metadata, got %q", info.to)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestContextLocalDispatch(t *testing.T) {
	ctx := context.Background()
	got := make(chan deliveryInfo, 1)
	c := NewContainer()
	ProvideValue(c, captureDelivery(got))

	bus, err := New(ctx, c)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	Subscribe[UserRegistered, *TestHandler[UserRegistered]](bus)
	if err := Publish(ctx, bus, UserRegistered{Name: "Ann"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	info := <-got
	if info.eventType != "UserRegistered" {
		t.Errorf("expected UserRegistered, got %s", info.eventType)
	}
	if info.messageID != "" || info.deliveryCount != 0 {
		t.Errorf("local dispatch has no message, got id=%q count=%d", info.messageID, info.deliveryCount)
	}
}

func TestContextEmpty(t *testing.T) {
	ctx := context.Background()
	if ContextMessageID(ctx) != "" || ContextEventType(ctx) != "" || ContextMetadata(ctx) != nil {
		t.Error("expected empty values outside dispatch")
	}
}
