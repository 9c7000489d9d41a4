package schema

import (
	"fmt"
	"reflect"
	"strings"
)

// Message is a decoded message: one value per field of its Spec, in order.
//
// Scalar fields hold the Go type matching their Kind (bool, int8, uint8,
// int16, uint16, int32, uint32, int64, uint64, float32, float64, string, Time,
// Duration, *Message). Array fields hold a slice of that type; uint8 and char
// arrays are []byte.
type Message struct {
	Spec   *Spec
	Values []any
}

// New returns a message of type s with every field set to its zero value.
func New(s *Spec) *Message {
	m := &Message{Spec: s, Values: make([]any, len(s.Fields))}
	for i, f := range s.Fields {
		m.Values[i] = zeroValue(f)
	}
	return m
}

// Type returns the package-qualified type name.
func (m *Message) Type() string { return m.Spec.Type }

// Get returns the value of the named field.
func (m *Message) Get(name string) (any, bool) {
	i := m.Spec.Field(name)
	if i < 0 {
		return nil, false
	}
	return m.Values[i], true
}

// Set assigns the named field after coercing v to the field's type.
func (m *Message) Set(name string, v any) error {
	i := m.Spec.Field(name)
	if i < 0 {
		return fmt.Errorf("%s has no field %q", m.Spec.Type, name)
	}
	cv, err := Coerce(m.Spec.Fields[i], v)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", m.Spec.Type, name, err)
	}
	m.Values[i] = cv
	return nil
}

// Equal reports whether two messages have the same type hash and values.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.Spec.MD5 != o.Spec.MD5 || len(m.Values) != len(o.Values) {
		return false
	}
	for i := range m.Values {
		if !valueEqual(m.Values[i], o.Values[i]) {
			return false
		}
	}
	return true
}

// valueEqual compares nested messages by hash and values rather than by
// Spec pointer, since equal layouts may come from different sources.
func valueEqual(a, b any) bool {
	switch av := a.(type) {
	case *Message:
		bv, ok := b.(*Message)
		return ok && av.Equal(bv)
	case []*Message:
		bv, ok := b.([]*Message)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !av[i].Equal(bv[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

func (m *Message) String() string {
	var b strings.Builder
	b.WriteString(m.Spec.Type)
	b.WriteByte('{')
	for i, f := range m.Spec.Fields {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %v", f.Name, m.Values[i])
	}
	b.WriteByte('}')
	return b.String()
}

func zeroValue(f Field) any {
	if f.Array {
		n := max(f.Len, 0)
		if f.Kind == KindMessage {
			out := make([]*Message, n)
			for i := range out {
				out[i] = New(f.Spec)
			}
			return out
		}
		return reflect.MakeSlice(reflect.SliceOf(scalarType(f.Kind)), n, n).Interface()
	}
	if f.Kind == KindMessage {
		return New(f.Spec)
	}
	return reflect.Zero(scalarType(f.Kind)).Interface()
}

var scalarTypes = map[Kind]reflect.Type{
	KindBool:     reflect.TypeFor[bool](),
	KindInt8:     reflect.TypeFor[int8](),
	KindUint8:    reflect.TypeFor[uint8](),
	KindInt16:    reflect.TypeFor[int16](),
	KindUint16:   reflect.TypeFor[uint16](),
	KindInt32:    reflect.TypeFor[int32](),
	KindUint32:   reflect.TypeFor[uint32](),
	KindInt64:    reflect.TypeFor[int64](),
	KindUint64:   reflect.TypeFor[uint64](),
	KindFloat32:  reflect.TypeFor[float32](),
	KindFloat64:  reflect.TypeFor[float64](),
	KindString:   reflect.TypeFor[string](),
	KindTime:     reflect.TypeFor[Time](),
	KindDuration: reflect.TypeFor[Duration](),
	KindMessage:  reflect.TypeFor[*Message](),
}

func scalarType(k Kind) reflect.Type {
	return scalarTypes[k]
}
