package payload

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"syreclabs.com/go/faker"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type userRegistered struct {
	Name  string `json:"name" msgpack:"name"`
	Email string `json:"email" msgpack:"email"`
}

func TestStructCodecs(t *testing.T) {
	want := userRegistered{Name: faker.Name().Name(), Email: faker.Internet().Email()}

	for _, c := range []Codec{JSON{}, MsgPack{}} {
		t.Run(c.ContentType(), func(t *testing.T) {
			data, err := c.Encode(want)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			var got userRegistered
			if err := c.Decode(data, &got); err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestProtoCodec(t *testing.T) {
	c := Proto{}
	want := wrapperspb.String("Ann")

	data, err := c.Encode(want)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got := &wrapperspb.StringValue{}
	if err := c.Decode(data, got); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !proto.Equal(want, got) {
		t.Errorf("expected %v, got %v", want, got)
	}

	t.Run("non proto values", func(t *testing.T) {
		if _, err := c.Encode(userRegistered{}); !errors.Is(err, ErrNotProto) {
			t.Errorf("expected ErrNotProto, got %v", err)
		}
		if err := c.Decode(data, &userRegistered{}); !errors.Is(err, ErrNotProto) {
			t.Errorf("expected ErrNotProto, got %v", err)
		}
	})
}

func TestRegistry(t *testing.T) {
	for _, ct := range []string{"application/json", "application/msgpack", "application/protobuf"} {
		c, ok := Get(ct)
		if !ok {
			t.Errorf("expected codec for %s", ct)
			continue
		}
		if c.ContentType() != ct {
			t.Errorf("expected %s, got %s", ct, c.ContentType())
		}
	}

	if _, ok := Get("text/xml"); ok {
		t.Error("expected no codec for text/xml")
	}
	if MustGet("text/xml").ContentType() != "application/json" {
		t.Error("MustGet should fall back to JSON")
	}

	want := []string{"application/json", "application/msgpack", "application/protobuf"}
	if diff := cmp.Diff(want, ContentTypes()); diff != "" {
		t.Errorf("content types mismatch (-want +got):\n%s", diff)
	}
}

func TestByName(t *testing.T) {
	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"", ContentTypeJSON, true},
		{"json", ContentTypeJSON, true},
		{"msgpack", ContentTypeMsgPack, true},
		{"proto", ContentTypeProtobuf, true},
		{"xml", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := ByName(tt.name)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if ok && c.ContentType() != tt.want {
				t.Errorf("expected %s, got %s", tt.want, c.ContentType())
			}
		})
	}
}
