package servicebus

import (
	"reflect"
	"strings"

	"github.com/rbaliyan/servicebus/payload"
)

// Named lets an event type choose its own EventTypeID instead of the Go
// type name. Implement it on the value type so every delivery sees the
// same name regardless of pointer-ness.
type Named interface {
	EventTypeName() string
}

var namedType = reflect.TypeFor[Named]()

// EventTypeID returns the routing identifier of event type E: the result of
// EventTypeName if E implements Named, otherwise the Go type name with any
// pointer indirection removed. Interface types have no identifier.
func EventTypeID[E any]() string {
	t := reflect.TypeFor[E]()
	switch {
	case t.Kind() == reflect.Interface:
		return ""
	case t.Implements(namedType):
		if t.Kind() == reflect.Pointer {
			return reflect.New(t.Elem()).Interface().(Named).EventTypeName()
		}
		var zero E
		return any(zero).(Named).EventTypeName()
	case reflect.PointerTo(t).Implements(namedType):
		return reflect.New(t).Interface().(Named).EventTypeName()
	}
	return baseType(t).Name()
}

// eventTypeIDOf is EventTypeID with a fallback to the dynamic type of e,
// for callers publishing through an interface-typed variable.
func eventTypeIDOf[E any](e E) string {
	if id := EventTypeID[E](); id != "" {
		return id
	}
	v := any(e)
	if v == nil {
		return ""
	}
	if n, ok := v.(Named); ok {
		return n.EventTypeName()
	}
	return baseType(reflect.TypeOf(v)).Name()
}

// TypeName returns the qualified name of T, e.g. "*github.com/acme/app.Handler".
// It is the key handlers are resolved by.
func TypeName[T any]() string {
	t := reflect.TypeFor[T]()
	var b strings.Builder
	for t.Kind() == reflect.Pointer {
		b.WriteByte('*')
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		b.WriteString(t.String())
		return b.String()
	}
	b.WriteString(t.PkgPath())
	b.WriteByte('.')
	b.WriteString(t.Name())
	return b.String()
}

func baseType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// decodeEvent decodes body into a new E. Pointer event types get a freshly
// allocated value so codecs such as protobuf can fill it.
func decodeEvent[E any](codec payload.Codec, body []byte) (E, error) {
	var zero E
	t := reflect.TypeFor[E]()
	if t.Kind() == reflect.Pointer {
		v := reflect.New(t.Elem())
		if err := codec.Decode(body, v.Interface()); err != nil {
			return zero, err
		}
		return v.Interface().(E), nil
	}
	var e E
	if err := codec.Decode(body, &e); err != nil {
		return zero, err
	}
	return e, nil
}
