package schema

import (
	"fmt"
	"math"
	"reflect"
)

// Coerce converts v to the Go representation of field f. Numbers convert
// between any integer and float types when the value fits; times accept
// Time or a map with "secs" and "nsecs"; nested messages accept *Message or
// a map of field values; arrays accept any slice whose elements coerce.
func Coerce(f Field, v any) (any, error) {
	if f.Array {
		return coerceArray(f, v)
	}
	return coerceScalar(f, v)
}

func coerceArray(f Field, v any) (any, error) {
	if f.Kind == KindUint8 {
		switch b := v.(type) {
		case []byte:
			return checkLen(f, append([]byte{}, b...))
		case string:
			return checkLen(f, []byte(b))
		}
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("%w: %T for %s", ErrValueType, v, f.TypeString())
	}

	elem := f
	elem.Array = false
	out := reflect.MakeSlice(reflect.SliceOf(scalarType(f.Kind)), rv.Len(), rv.Len())
	for i := range rv.Len() {
		cv, err := coerceScalar(elem, rv.Index(i).Interface())
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out.Index(i).Set(reflect.ValueOf(cv))
	}
	return checkLen(f, out.Interface())
}

func checkLen(f Field, v any) (any, error) {
	if f.Len >= 0 {
		if n := reflect.ValueOf(v).Len(); n != f.Len {
			return nil, fmt.Errorf("%w: %d elements for %s", ErrValueType, n, f.TypeString())
		}
	}
	return v, nil
}

func coerceScalar(f Field, v any) (any, error) {
	switch f.Kind {
	case KindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case KindString:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
	case KindTime:
		switch t := v.(type) {
		case Time:
			return t, nil
		case map[string]any:
			sec, err := intField(t, "secs", 0, math.MaxUint32)
			if err != nil {
				return nil, err
			}
			nsec, err := intField(t, "nsecs", 0, math.MaxUint32)
			if err != nil {
				return nil, err
			}
			return Time{Sec: uint32(sec), Nsec: uint32(nsec)}, nil
		}
	case KindDuration:
		switch d := v.(type) {
		case Duration:
			return d, nil
		case map[string]any:
			sec, err := intField(d, "secs", math.MinInt32, math.MaxInt32)
			if err != nil {
				return nil, err
			}
			nsec, err := intField(d, "nsecs", math.MinInt32, math.MaxInt32)
			if err != nil {
				return nil, err
			}
			return Duration{Sec: int32(sec), Nsec: int32(nsec)}, nil
		}
	case KindMessage:
		switch m := v.(type) {
		case *Message:
			if m.Spec.MD5 != f.Spec.MD5 {
				return nil, fmt.Errorf("%w: %s [%s] for %s [%s]", ErrValueType, m.Spec.Type, m.Spec.MD5, f.Spec.Type, f.Spec.MD5)
			}
			return m, nil
		case map[string]any:
			out := New(f.Spec)
			for name, fv := range m {
				if err := out.Set(name, fv); err != nil {
					return nil, err
				}
			}
			return out, nil
		}
	default:
		return coerceNumber(f, v)
	}
	return nil, fmt.Errorf("%w: %T for %s", ErrValueType, v, f.Type)
}

func intField(m map[string]any, key string, lo, hi int64) (int64, error) {
	raw, ok := m[key]
	if !ok {
		return 0, nil
	}
	n, ok := toFloat(raw)
	if !ok || n != math.Trunc(n) || n < float64(lo) || n > float64(hi) {
		return 0, fmt.Errorf("%w: %s=%v out of range", ErrValueType, key, raw)
	}
	return int64(n), nil
}

func coerceNumber(f Field, v any) (any, error) {
	rv := reflect.ValueOf(v)
	target := scalarType(f.Kind)
	if target == nil {
		return nil, fmt.Errorf("unknown kind %d", f.Kind)
	}
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := rv.Int()
		out := reflect.New(target).Elem()
		switch target.Kind() {
		case reflect.Float32, reflect.Float64:
			out.SetFloat(float64(n))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			if n < 0 || out.OverflowUint(uint64(n)) {
				return nil, fmt.Errorf("%w: %d overflows %s", ErrValueType, n, f.Type)
			}
			out.SetUint(uint64(n))
		default:
			if out.OverflowInt(n) {
				return nil, fmt.Errorf("%w: %d overflows %s", ErrValueType, n, f.Type)
			}
			out.SetInt(n)
		}
		return out.Interface(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n := rv.Uint()
		out := reflect.New(target).Elem()
		switch target.Kind() {
		case reflect.Float32, reflect.Float64:
			out.SetFloat(float64(n))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			if out.OverflowUint(n) {
				return nil, fmt.Errorf("%w: %d overflows %s", ErrValueType, n, f.Type)
			}
			out.SetUint(n)
		default:
			if n > math.MaxInt64 || out.OverflowInt(int64(n)) {
				return nil, fmt.Errorf("%w: %d overflows %s", ErrValueType, n, f.Type)
			}
			out.SetInt(int64(n))
		}
		return out.Interface(), nil
	case reflect.Float32, reflect.Float64:
		x := rv.Float()
		out := reflect.New(target).Elem()
		switch target.Kind() {
		case reflect.Float32, reflect.Float64:
			out.SetFloat(x)
			return out.Interface(), nil
		}
		if x != math.Trunc(x) {
			return nil, fmt.Errorf("%w: %v is not integral for %s", ErrValueType, x, f.Type)
		}
		if x < 0 {
			return coerceNumber(f, int64(x))
		}
		return coerceNumber(f, uint64(x))
	}
	return nil, fmt.Errorf("%w: %T for %s", ErrValueType, v, f.Type)
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// ToMap converts m into plain values for expression evaluation: integers
// become int64 (uint64 fields stay uint64), floats float64, times and
// durations {"secs", "nsecs"} maps, nested messages maps, and arrays []any.
// uint8 arrays stay []byte.
func ToMap(m *Message) map[string]any {
	out := make(map[string]any, len(m.Spec.Fields))
	for i, f := range m.Spec.Fields {
		out[f.Name] = plainValue(m.Values[i])
	}
	return out
}

func plainValue(v any) any {
	switch x := v.(type) {
	case bool, string, int64, uint64, float64:
		return x
	case int8:
		return int64(x)
	case uint8:
		return int64(x)
	case int16:
		return int64(x)
	case uint16:
		return int64(x)
	case int32:
		return int64(x)
	case uint32:
		return int64(x)
	case float32:
		return float64(x)
	case Time:
		return map[string]any{"secs": int64(x.Sec), "nsecs": int64(x.Nsec)}
	case Duration:
		return map[string]any{"secs": int64(x.Sec), "nsecs": int64(x.Nsec)}
	case *Message:
		return ToMap(x)
	case []byte:
		return x
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return v
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = plainValue(rv.Index(i).Interface())
	}
	return out
}
