package servicebus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/servicebus/payload"
)

func TestEventTypeID(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"struct", EventTypeID[UserRegistered](), "UserRegistered"},
		{"pointer", EventTypeID[*UserRegistered](), "UserRegistered"},
		{"named", EventTypeID[OrderPlaced](), "orders.placed"},
		{"named pointer", EventTypeID[*OrderPlaced](), "orders.placed"},
		{"interface", EventTypeID[any](), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, tt.got)
			}
		})
	}

	t.Run("dynamic type", func(t *testing.T) {
		var ev any = UserDeleted{ID: 42}
		if id := eventTypeIDOf(ev); id != "UserDeleted" {
			t.Errorf("expected UserDeleted, got %q", id)
		}
	})
}

func TestTypeName(t *testing.T) {
	const pkg = "github.com/rbaliyan/servicebus"
	if got := TypeName[UserRegistered](); got != pkg+".UserRegistered" {
		t.Errorf("unexpected name %q", got)
	}
	if got := TypeName[*registeredHandler](); got != "*"+pkg+".registeredHandler" {
		t.Errorf("unexpected name %q", got)
	}
	if got := TypeName[int](); got != "int" {
		t.Errorf("unexpected name %q", got)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if r.Contains("UserRegistered") {
		t.Fatal("empty registry should not contain UserRegistered")
	}

	first := NewSubscription[UserRegistered, *registeredHandler]()
	if !r.Record(first) {
		t.Fatal("expected first Record to insert")
	}

	t.Run("duplicate keeps first", func(t *testing.T) {
		second := NewSubscription[UserRegistered, otherRegisteredHandler]()
		if r.Record(second) {
			t.Error("expected duplicate Record to be ignored")
		}
		sub, ok := r.Lookup("UserRegistered")
		if !ok {
			t.Fatal("expected subscription")
		}
		if sub.HandlerType != first.HandlerType {
			t.Errorf("expected %s, got %s", first.HandlerType, sub.HandlerType)
		}
	})

	t.Run("fields", func(t *testing.T) {
		sub, _ := r.Lookup("UserRegistered")
		want := struct{ ID, Event, Handler string }{
			"UserRegistered",
			TypeName[UserRegistered](),
			TypeName[*registeredHandler](),
		}
		got := struct{ ID, Event, Handler string }{sub.EventTypeID, sub.EventType, sub.HandlerType}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("subscription mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("invalid subscriptions are ignored", func(t *testing.T) {
		if r.Record(nil) {
			t.Error("nil subscription recorded")
		}
		if r.Record(&Subscription{EventTypeID: "Bare"}) {
			t.Error("subscription without dispatch recorded")
		}
	})

	t.Run("names and clear", func(t *testing.T) {
		r.Record(NewSubscription[OrderPlaced, HandlerFunc[OrderPlaced]]())
		if diff := cmp.Diff([]string{"UserRegistered", "orders.placed"}, r.Names()); diff != "" {
			t.Errorf("names mismatch (-want +got):\n%s", diff)
		}
		r.Clear()
		if r.Len() != 0 {
			t.Errorf("expected empty registry, got %d", r.Len())
		}
		if _, ok := r.Lookup("UserRegistered"); ok {
			t.Error("expected lookup to fail after Clear")
		}
	})
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Record(NewSubscription[UserRegistered, *registeredHandler]())
		}()
		go func() {
			defer wg.Done()
			r.Contains("UserRegistered")
			r.Names()
		}()
	}
	wg.Wait()
	if r.Len() != 1 {
		t.Errorf("expected 1 subscription, got %d", r.Len())
	}
}

func TestSubscriptionDispatch(t *testing.T) {
	ctx := context.Background()
	sub := NewSubscription[UserRegistered, *registeredHandler]()
	h := &registeredHandler{}

	t.Run("decode round trip", func(t *testing.T) {
		want := UserRegistered{Name: "Ann"}
		body, err := payload.JSON{}.Encode(want)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		got, err := sub.decode(payload.JSON{}, body)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("event mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("invoke resolved handler", func(t *testing.T) {
		handled, err := sub.invoke(ctx, mapResolver{sub.HandlerType: h}, UserRegistered{Name: "Ann"})
		if !handled || err != nil {
			t.Fatalf("expected handled without error, got %v %v", handled, err)
		}
		if len(h.received()) != 1 {
			t.Errorf("expected 1 call, got %d", len(h.received()))
		}
	})

	t.Run("unresolved handler", func(t *testing.T) {
		handled, err := sub.invoke(ctx, mapResolver{}, UserRegistered{})
		if handled || err != nil {
			t.Errorf("expected not handled without error, got %v %v", handled, err)
		}
	})

	t.Run("wrong handler type", func(t *testing.T) {
		_, err := sub.invoke(ctx, mapResolver{sub.HandlerType: "not a handler"}, UserRegistered{})
		if !errors.Is(err, ErrHandlerMismatch) {
			t.Errorf("expected ErrHandlerMismatch, got %v", err)
		}
	})

	t.Run("wrong event type", func(t *testing.T) {
		_, err := sub.invoke(ctx, mapResolver{sub.HandlerType: h}, UserDeleted{})
		if !errors.Is(err, ErrEventMismatch) {
			t.Errorf("expected ErrEventMismatch, got %v", err)
		}
	})
}
