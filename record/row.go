package record

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Field is a single name/value pair of a Row.
type Field struct {
	Name  string
	Value Value
}

// Row is an ordered mapping of field name to Value. Field names are unique.
// A Row is not safe for concurrent mutation.
type Row struct {
	fields []Field
	index  map[string]int
}

// NewRow creates an empty row.
func NewRow() *Row {
	return &Row{index: make(map[string]int)}
}

// NewRowFromFields builds a row from fields in order. A repeated name replaces the
// earlier value but keeps the earlier position.
func NewRowFromFields(fields ...Field) *Row {
	r := NewRow()
	for _, f := range fields {
		r.Set(f.Name, f.Value)
	}
	return r
}

func (*Row) Kind() Kind { return KindRow }
func (*Row) value()     {}

// Set assigns a field. Existing fields keep their position, new fields are appended.
// A nil value is stored as Null.
func (r *Row) Set(name string, v Value) {
	if v == nil {
		v = Null{}
	}
	if r.index == nil {
		r.index = make(map[string]int)
	}
	if i, ok := r.index[name]; ok {
		r.fields[i].Value = v
		return
	}
	r.index[name] = len(r.fields)
	r.fields = append(r.fields, Field{Name: name, Value: v})
}

// Get returns the value of a field and whether it exists.
func (r *Row) Get(name string) (Value, bool) {
	if r == nil {
		return nil, false
	}
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.fields[i].Value, true
}

// Has reports whether the field exists (even when it is Null).
func (r *Row) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Remove deletes a field and reports whether it existed.
func (r *Row) Remove(name string) bool {
	i, ok := r.index[name]
	if !ok {
		return false
	}
	r.fields = append(r.fields[:i], r.fields[i+1:]...)
	delete(r.index, name)
	for j := i; j < len(r.fields); j++ {
		r.index[r.fields[j].Name] = j
	}
	return true
}

// Rename changes a field's name in place. Renaming onto an existing field is an error.
func (r *Row) Rename(from, to string) error {
	i, ok := r.index[from]
	if !ok {
		return fmt.Errorf("field %q not found", from)
	}
	if from == to {
		return nil
	}
	if _, exists := r.index[to]; exists {
		return fmt.Errorf("field %q already exists", to)
	}
	r.fields[i].Name = to
	delete(r.index, from)
	r.index[to] = i
	return nil
}

// Len returns the number of fields.
func (r *Row) Len() int {
	if r == nil {
		return 0
	}
	return len(r.fields)
}

// Names returns the field names in order.
func (r *Row) Names() []string {
	names := make([]string, len(r.fields))
	for i, f := range r.fields {
		names[i] = f.Name
	}
	return names
}

// Fields returns a copy of the fields in order.
func (r *Row) Fields() []Field {
	out := make([]Field, len(r.fields))
	copy(out, r.fields)
	return out
}

// Clone returns a deep copy of the row.
func (r *Row) Clone() *Row {
	if r == nil {
		return nil
	}
	c := &Row{
		fields: make([]Field, len(r.fields)),
		index:  make(map[string]int, len(r.fields)),
	}
	for i, f := range r.fields {
		c.fields[i] = Field{Name: f.Name, Value: cloneValue(f.Value)}
		c.index[f.Name] = i
	}
	return c
}

func cloneValue(v Value) Value {
	switch val := v.(type) {
	case *Row:
		return val.Clone()
	case List:
		out := make(List, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Equal reports whether both rows hold equal values under the same names in the same order.
func (r *Row) Equal(o *Row) bool {
	if r == nil || o == nil {
		return r == nil && o == nil
	}
	if len(r.fields) != len(o.fields) {
		return false
	}
	for i := range r.fields {
		if r.fields[i].Name != o.fields[i].Name || !Equal(r.fields[i].Value, o.fields[i].Value) {
			return false
		}
	}
	return true
}

// Native returns the row as a map of plain Go values.
func (r *Row) Native() map[string]any {
	out := make(map[string]any, len(r.fields))
	for _, f := range r.fields {
		out[f.Name] = ToNative(f.Value)
	}
	return out
}

// String renders the row as JSON.
func (r *Row) String() string {
	data, err := r.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid row: %v>", err)
	}
	return string(data)
}

// MarshalJSON encodes the row as a JSON object keeping field order.
func (r *Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case *Row:
		buf.WriteByte('{')
		for i, f := range val.fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(f.Name)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := writeJSON(buf, f.Value); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case List:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		data, err := json.Marshal(ToNative(v))
		if err != nil {
			return err
		}
		buf.Write(data)
	}
	return nil
}

// UnmarshalJSON decodes a JSON object into the row keeping field order.
// Numbers without a fraction or exponent become Int, others Float.
func (r *Row) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return err
	}
	row, ok := v.(*Row)
	if !ok {
		return fmt.Errorf("expected JSON object, got %s", v.Kind())
	}
	*r = *row
	return nil
}

// DecodeRow reads the next JSON object from dec as a Row. dec must have UseNumber set.
func DecodeRow(dec *json.Decoder) (*Row, error) {
	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	row, ok := v.(*Row)
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %s", v.Kind())
	}
	return row, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			row := NewRow()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("invalid object key %v", keyTok)
				}
				v, err := decodeValue(dec)
				if err != nil {
					return nil, fmt.Errorf("field %q: %w", key, err)
				}
				row.Set(key, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return row, nil
		case '[':
			list := List{}
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				list = append(list, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return list, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", t)
		}
	case json.Number:
		return FromNative(t)
	case float64:
		return Float(t), nil
	default:
		if tok == nil {
			return Null{}, nil
		}
		return FromNative(t)
	}
}
