package record

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CoercionError reports an inferred value that cannot be cast to its declared output type.
// It fails the record, not the stage.
type CoercionError struct {
	Field string
	Type  string
	Value Value
	Err   error
}

func (e *CoercionError) Error() string {
	msg := fmt.Sprintf("cannot coerce field %q value %s (%s) to %s", e.Field, Format(e.Value), kindOf(e.Value), e.Type)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CoercionError) Unwrap() error { return e.Err }

func kindOf(v Value) Kind {
	if v == nil {
		return KindNull
	}
	return v.Kind()
}

var (
	errOutOfRange   = errors.New("value out of range")
	errNotIntegral  = errors.New("value is not integral")
	errIncompatible = errors.New("incompatible value kind")
)

// Assembler maps inferred rows onto a fixed output schema.
type Assembler struct {
	schema *Schema
}

// NewAssembler creates an assembler for schema.
func NewAssembler(schema *Schema) *Assembler {
	return &Assembler{schema: schema}
}

// Schema returns the output schema.
func (a *Assembler) Schema() *Schema {
	return a.schema
}

// Assemble builds the output records for one inferred row. See the package-level Assemble.
func (a *Assembler) Assemble(inferred *Row) ([]*Row, error) {
	return Assemble(a.schema, inferred)
}

// Assemble builds the output records for one inferred row. A nil row yields no records;
// otherwise exactly one record is produced whose fields are the schema fields in schema
// order. Present non-null values are coerced to their declared type, absent or null values
// become Null, and fields the schema does not declare are dropped.
func Assemble(schema *Schema, inferred *Row) ([]*Row, error) {
	if inferred == nil {
		return nil, nil
	}
	out, err := assembleRecord(schema, inferred, "")
	if err != nil {
		return nil, err
	}
	return []*Row{out}, nil
}

func assembleRecord(schema *Schema, in *Row, path string) (*Row, error) {
	out := &Row{
		fields: make([]Field, 0, len(schema.Fields)),
		index:  make(map[string]int, len(schema.Fields)),
	}
	for _, field := range schema.Fields {
		v, ok := in.Get(field.Name)
		if !ok || IsNull(v) {
			out.Set(field.Name, Null{})
			continue
		}
		coerced, err := coerce(field, v, join(path, field.Name))
		if err != nil {
			return nil, err
		}
		out.Set(field.Name, coerced)
	}
	return out, nil
}

// Coerce casts a single value to the declared type of field.
func Coerce(field FieldSchema, v Value) (Value, error) {
	if IsNull(v) {
		return Null{}, nil
	}
	return coerce(field, v, field.Name)
}

func coerce(field FieldSchema, v Value, path string) (Value, error) {
	fail := func(err error) (Value, error) {
		return nil, &CoercionError{Field: path, Type: field.TypeName(), Value: v, Err: err}
	}

	switch field.Type {
	case TypeString:
		switch val := v.(type) {
		case String:
			return val, nil
		case Int, Float, Bool:
			return String(Format(val)), nil
		}
		return fail(errIncompatible)

	case TypeInt, TypeLong:
		bits := 64
		if field.Type == TypeInt {
			bits = 32
		}
		switch val := v.(type) {
		case Int:
			if !fitsBits(int64(val), bits) {
				return fail(errOutOfRange)
			}
			return val, nil
		case Float:
			f := float64(val)
			if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
				return fail(errNotIntegral)
			}
			if f < math.MinInt64 || f >= math.MaxInt64 || !fitsBits(int64(f), bits) {
				return fail(errOutOfRange)
			}
			return Int(int64(f)), nil
		case String:
			i, err := strconv.ParseInt(strings.TrimSpace(string(val)), 10, bits)
			if err != nil {
				return fail(err)
			}
			return Int(i), nil
		}
		return fail(errIncompatible)

	case TypeFloat, TypeDouble:
		bits := 64
		if field.Type == TypeFloat {
			bits = 32
		}
		switch val := v.(type) {
		case Float:
			if bits == 32 && !math.IsInf(float64(val), 0) && math.Abs(float64(val)) > math.MaxFloat32 {
				return fail(errOutOfRange)
			}
			return val, nil
		case Int:
			return Float(float64(val)), nil
		case String:
			f, err := strconv.ParseFloat(strings.TrimSpace(string(val)), bits)
			if err != nil {
				return fail(err)
			}
			return Float(f), nil
		}
		return fail(errIncompatible)

	case TypeBoolean:
		switch val := v.(type) {
		case Bool:
			return val, nil
		case String:
			b, err := strconv.ParseBool(strings.TrimSpace(string(val)))
			if err != nil {
				return fail(err)
			}
			return Bool(b), nil
		}
		return fail(errIncompatible)

	case TypeArray:
		list, ok := v.(List)
		if !ok || field.Items == nil {
			return fail(errIncompatible)
		}
		out := make(List, len(list))
		for i, item := range list {
			if IsNull(item) {
				out[i] = Null{}
				continue
			}
			c, err := coerce(*field.Items, item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil

	case TypeRecord:
		nested, ok := v.(*Row)
		if !ok || field.Record == nil {
			return fail(errIncompatible)
		}
		return assembleRecord(field.Record, nested, path)
	}
	return fail(fmt.Errorf("unknown type %q", field.Type))
}

func fitsBits(i int64, bits int) bool {
	if bits == 32 {
		return i >= math.MinInt32 && i <= math.MaxInt32
	}
	return true
}
