package schema

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrShortPayload    = errors.New("payload too short")
	ErrTrailingPayload = errors.New("payload has trailing bytes")
	ErrValueType       = errors.New("value does not match field type")
	ErrArrayTooLong    = errors.New("array count exceeds limit")
)

// maxEmptyElements bounds variable arrays whose elements occupy no bytes,
// which the payload length cannot bound.
const maxEmptyElements = 1 << 20

// Decode deserializes data as a message of type s. Every byte of data must
// be consumed.
func Decode(s *Spec, data []byte) (*Message, error) {
	d := decoder{buf: data}
	m, err := d.message(s)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.Type, err)
	}
	if d.pos != len(d.buf) {
		return nil, fmt.Errorf("decode %s: %w (%d of %d bytes used)", s.Type, ErrTrailingPayload, d.pos, len(d.buf))
	}
	return m, nil
}

// Encode serializes m in its spec's wire layout.
func Encode(m *Message) ([]byte, error) {
	var e encoder
	if err := e.message(m); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Spec.Type, err)
	}
	return e.buf, nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || len(d.buf)-d.pos < n {
		return nil, ErrShortPayload
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) message(s *Spec) (*Message, error) {
	m := &Message{Spec: s, Values: make([]any, len(s.Fields))}
	for i, f := range s.Fields {
		v, err := d.field(f)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		m.Values[i] = v
	}
	return m, nil
}

func (d *decoder) field(f Field) (any, error) {
	if !f.Array {
		return d.scalar(f)
	}
	n := f.Len
	if n < 0 {
		count, err := d.u32()
		if err != nil {
			return nil, err
		}
		if elem := minWireSize(Field{Kind: f.Kind, Spec: f.Spec}); elem > 0 {
			if int64(count) > int64(len(d.buf)-d.pos)/elem {
				return nil, ErrShortPayload
			}
		} else if count > maxEmptyElements {
			return nil, fmt.Errorf("%w: %d elements of empty %s", ErrArrayTooLong, count, f.Type)
		}
		n = int(count)
	}

	switch f.Kind {
	case KindUint8:
		b, err := d.take(n)
		if err != nil {
			return nil, err
		}
		out := make([]byte, n)
		copy(out, b)
		return out, nil
	case KindBool:
		return decodeSlice(d, n, f, func(v any) bool { return v.(bool) })
	case KindInt8:
		return decodeSlice(d, n, f, func(v any) int8 { return v.(int8) })
	case KindInt16:
		return decodeSlice(d, n, f, func(v any) int16 { return v.(int16) })
	case KindUint16:
		return decodeSlice(d, n, f, func(v any) uint16 { return v.(uint16) })
	case KindInt32:
		return decodeSlice(d, n, f, func(v any) int32 { return v.(int32) })
	case KindUint32:
		return decodeSlice(d, n, f, func(v any) uint32 { return v.(uint32) })
	case KindInt64:
		return decodeSlice(d, n, f, func(v any) int64 { return v.(int64) })
	case KindUint64:
		return decodeSlice(d, n, f, func(v any) uint64 { return v.(uint64) })
	case KindFloat32:
		return decodeSlice(d, n, f, func(v any) float32 { return v.(float32) })
	case KindFloat64:
		return decodeSlice(d, n, f, func(v any) float64 { return v.(float64) })
	case KindString:
		return decodeSlice(d, n, f, func(v any) string { return v.(string) })
	case KindTime:
		return decodeSlice(d, n, f, func(v any) Time { return v.(Time) })
	case KindDuration:
		return decodeSlice(d, n, f, func(v any) Duration { return v.(Duration) })
	case KindMessage:
		return decodeSlice(d, n, f, func(v any) *Message { return v.(*Message) })
	}
	return nil, fmt.Errorf("unknown kind %d", f.Kind)
}

// minWireSize returns the fewest bytes a value of f can occupy.
func minWireSize(f Field) int64 {
	if f.Array {
		if f.Len < 0 {
			return 4
		}
		return int64(f.Len) * minWireSize(Field{Kind: f.Kind, Spec: f.Spec})
	}
	switch f.Kind {
	case KindBool, KindInt8, KindUint8:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindInt32, KindUint32, KindFloat32, KindString:
		return 4
	case KindInt64, KindUint64, KindFloat64, KindTime, KindDuration:
		return 8
	case KindMessage:
		var n int64
		if f.Spec != nil {
			for _, sf := range f.Spec.Fields {
				n += minWireSize(sf)
			}
		}
		return n
	}
	return 0
}

func decodeSlice[T any](d *decoder, n int, f Field, conv func(any) T) ([]T, error) {
	out := make([]T, 0, min(n, 1024))
	for range n {
		v, err := d.scalar(f)
		if err != nil {
			return nil, err
		}
		out = append(out, conv(v))
	}
	return out, nil
}

func (d *decoder) scalar(f Field) (any, error) {
	switch f.Kind {
	case KindBool:
		b, err := d.take(1)
		if err != nil {
			return nil, err
		}
		return b[0] != 0, nil
	case KindInt8:
		b, err := d.take(1)
		if err != nil {
			return nil, err
		}
		return int8(b[0]), nil
	case KindUint8:
		b, err := d.take(1)
		if err != nil {
			return nil, err
		}
		return b[0], nil
	case KindInt16, KindUint16:
		b, err := d.take(2)
		if err != nil {
			return nil, err
		}
		v := binary.LittleEndian.Uint16(b)
		if f.Kind == KindInt16 {
			return int16(v), nil
		}
		return v, nil
	case KindInt32, KindUint32, KindFloat32:
		v, err := d.u32()
		if err != nil {
			return nil, err
		}
		switch f.Kind {
		case KindInt32:
			return int32(v), nil
		case KindFloat32:
			return math.Float32frombits(v), nil
		}
		return v, nil
	case KindInt64, KindUint64, KindFloat64:
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		v := binary.LittleEndian.Uint64(b)
		switch f.Kind {
		case KindInt64:
			return int64(v), nil
		case KindFloat64:
			return math.Float64frombits(v), nil
		}
		return v, nil
	case KindString:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		b, err := d.take(int(n))
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case KindTime:
		sec, err := d.u32()
		if err != nil {
			return nil, err
		}
		nsec, err := d.u32()
		if err != nil {
			return nil, err
		}
		return Time{Sec: sec, Nsec: nsec}, nil
	case KindDuration:
		sec, err := d.u32()
		if err != nil {
			return nil, err
		}
		nsec, err := d.u32()
		if err != nil {
			return nil, err
		}
		return Duration{Sec: int32(sec), Nsec: int32(nsec)}, nil
	case KindMessage:
		return d.message(f.Spec)
	}
	return nil, fmt.Errorf("unknown kind %d", f.Kind)
}

type encoder struct {
	buf []byte
}

func (e *encoder) message(m *Message) error {
	if len(m.Values) != len(m.Spec.Fields) {
		return fmt.Errorf("%w: %d values for %d fields", ErrValueType, len(m.Values), len(m.Spec.Fields))
	}
	for i, f := range m.Spec.Fields {
		if err := e.field(f, m.Values[i]); err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
	}
	return nil
}

func (e *encoder) field(f Field, v any) error {
	if !f.Array {
		return e.scalar(f, v)
	}
	if b, ok := v.([]byte); ok && f.Kind == KindUint8 {
		if err := e.arrayLen(f, len(b)); err != nil {
			return err
		}
		e.buf = append(e.buf, b...)
		return nil
	}

	var n int
	var elem func(int) any
	switch s := v.(type) {
	case []bool:
		n, elem = len(s), func(i int) any { return s[i] }
	case []int8:
		n, elem = len(s), func(i int) any { return s[i] }
	case []int16:
		n, elem = len(s), func(i int) any { return s[i] }
	case []uint16:
		n, elem = len(s), func(i int) any { return s[i] }
	case []int32:
		n, elem = len(s), func(i int) any { return s[i] }
	case []uint32:
		n, elem = len(s), func(i int) any { return s[i] }
	case []int64:
		n, elem = len(s), func(i int) any { return s[i] }
	case []uint64:
		n, elem = len(s), func(i int) any { return s[i] }
	case []float32:
		n, elem = len(s), func(i int) any { return s[i] }
	case []float64:
		n, elem = len(s), func(i int) any { return s[i] }
	case []string:
		n, elem = len(s), func(i int) any { return s[i] }
	case []Time:
		n, elem = len(s), func(i int) any { return s[i] }
	case []Duration:
		n, elem = len(s), func(i int) any { return s[i] }
	case []*Message:
		n, elem = len(s), func(i int) any { return s[i] }
	default:
		return fmt.Errorf("%w: %T for %s", ErrValueType, v, f.TypeString())
	}
	if err := e.arrayLen(f, n); err != nil {
		return err
	}
	for i := range n {
		if err := e.scalar(f, elem(i)); err != nil {
			return err
		}
	}
	return nil
}

func (e *encoder) arrayLen(f Field, n int) error {
	if f.Len >= 0 {
		if n != f.Len {
			return fmt.Errorf("%w: %d elements for %s", ErrValueType, n, f.TypeString())
		}
		return nil
	}
	if n > math.MaxUint32 {
		return fmt.Errorf("%w: array too long", ErrValueType)
	}
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(n))
	return nil
}

func (e *encoder) scalar(f Field, v any) error {
	ok := true
	switch f.Kind {
	case KindBool:
		var b bool
		if b, ok = v.(bool); ok {
			if b {
				e.buf = append(e.buf, 1)
			} else {
				e.buf = append(e.buf, 0)
			}
		}
	case KindInt8:
		var x int8
		if x, ok = v.(int8); ok {
			e.buf = append(e.buf, byte(x))
		}
	case KindUint8:
		var x uint8
		if x, ok = v.(uint8); ok {
			e.buf = append(e.buf, x)
		}
	case KindInt16:
		var x int16
		if x, ok = v.(int16); ok {
			e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(x))
		}
	case KindUint16:
		var x uint16
		if x, ok = v.(uint16); ok {
			e.buf = binary.LittleEndian.AppendUint16(e.buf, x)
		}
	case KindInt32:
		var x int32
		if x, ok = v.(int32); ok {
			e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(x))
		}
	case KindUint32:
		var x uint32
		if x, ok = v.(uint32); ok {
			e.buf = binary.LittleEndian.AppendUint32(e.buf, x)
		}
	case KindInt64:
		var x int64
		if x, ok = v.(int64); ok {
			e.buf = binary.LittleEndian.AppendUint64(e.buf, uint64(x))
		}
	case KindUint64:
		var x uint64
		if x, ok = v.(uint64); ok {
			e.buf = binary.LittleEndian.AppendUint64(e.buf, x)
		}
	case KindFloat32:
		var x float32
		if x, ok = v.(float32); ok {
			e.buf = binary.LittleEndian.AppendUint32(e.buf, math.Float32bits(x))
		}
	case KindFloat64:
		var x float64
		if x, ok = v.(float64); ok {
			e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(x))
		}
	case KindString:
		var s string
		if s, ok = v.(string); ok {
			if uint64(len(s)) > math.MaxUint32 {
				return fmt.Errorf("%w: string too long", ErrValueType)
			}
			e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(s)))
			e.buf = append(e.buf, s...)
		}
	case KindTime:
		var t Time
		if t, ok = v.(Time); ok {
			e.buf = binary.LittleEndian.AppendUint32(e.buf, t.Sec)
			e.buf = binary.LittleEndian.AppendUint32(e.buf, t.Nsec)
		}
	case KindDuration:
		var d Duration
		if d, ok = v.(Duration); ok {
			e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(d.Sec))
			e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(d.Nsec))
		}
	case KindMessage:
		var m *Message
		if m, ok = v.(*Message); ok && m != nil {
			if m.Spec.MD5 != f.Spec.MD5 {
				return fmt.Errorf("%w: %s [%s] for %s [%s]", ErrValueType, m.Spec.Type, m.Spec.MD5, f.Spec.Type, f.Spec.MD5)
			}
			return e.message(m)
		}
		ok = false
	default:
		return fmt.Errorf("unknown kind %d", f.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: %T for %s", ErrValueType, v, f.Type)
	}
	return nil
}
