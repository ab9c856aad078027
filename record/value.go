package record

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindList
	KindRow
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindRow:
		return "row"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a sealed interface over the closed set of field values a Row can hold.
// Only Null, String, Int, Float, Bool, List and *Row implement it.
type Value interface {
	Kind() Kind
	value()
}

// Null is the absent/null value.
type Null struct{}

func (Null) Kind() Kind { return KindNull }
func (Null) value()     {}

// String is a text value.
type String string

func (String) Kind() Kind { return KindString }
func (String) value()     {}

// Int is an integral number.
type Int int64

func (Int) Kind() Kind { return KindInt }
func (Int) value()     {}

// Float is a floating point number.
type Float float64

func (Float) Kind() Kind { return KindFloat }
func (Float) value()     {}

// Bool is a boolean value.
type Bool bool

func (Bool) Kind() Kind { return KindBool }
func (Bool) value()     {}

// List is an ordered sequence of values.
type List []Value

func (List) Kind() Kind { return KindList }
func (List) value()     {}

// IsNull reports whether v is nil or Null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// FromNative converts a Go value (as produced by encoding/json, CEL or callers) into a Value.
// Map keys are sorted so nested rows are deterministic.
func FromNative(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int8:
		return Int(val), nil
	case int16:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint:
		return uintValue(uint64(val))
	case uint8:
		return Int(val), nil
	case uint16:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case uint64:
		return uintValue(val)
	case float32:
		return Float(val), nil
	case float64:
		return Float(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", val.String(), err)
		}
		return Float(f), nil
	case []any:
		list := make(List, 0, len(val))
		for i, item := range val {
			converted, err := FromNative(item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			list = append(list, converted)
		}
		return list, nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		row := NewRow()
		for _, k := range keys {
			converted, err := FromNative(val[k])
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			row.Set(k, converted)
		}
		return row, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func uintValue(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("unsigned value %d overflows int64", u)
	}
	return Int(int64(u)), nil
}

// ToNative converts a Value into plain Go values: nil, string, int64, float64, bool,
// []any and map[string]any.
func ToNative(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Bool:
		return bool(val)
	case List:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = ToNative(item)
		}
		return out
	case *Row:
		return val.Native()
	default:
		return nil
	}
}

// Equal reports whether two values are deeply equal. Ints and floats never compare equal
// to each other; rows compare field by field in order.
func Equal(a, b Value) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch av := a.(type) {
	case List:
		bv := b.(List)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case *Row:
		return av.Equal(b.(*Row))
	default:
		return a == b
	}
}

// Format renders a scalar value the way it is written into string fields.
func Format(v Value) string {
	switch val := v.(type) {
	case nil, Null:
		return "null"
	case String:
		return string(val)
	case Int:
		return strconv.FormatInt(int64(val), 10)
	case Float:
		return strconv.FormatFloat(float64(val), 'g', -1, 64)
	case Bool:
		return strconv.FormatBool(bool(val))
	default:
		data, err := json.Marshal(ToNative(v))
		if err != nil {
			return fmt.Sprintf("%v", ToNative(v))
		}
		return string(data)
	}
}
