package record

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FieldType is the declared type of an output schema field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInt     FieldType = "int"
	TypeLong    FieldType = "long"
	TypeFloat   FieldType = "float"
	TypeDouble  FieldType = "double"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeRecord  FieldType = "record"
)

// FieldSchema describes one field of a record schema.
type FieldSchema struct {
	Name     string
	Type     FieldType
	Nullable bool
	// Items is the element schema of an array field.
	Items *FieldSchema
	// Record is the nested schema of a record field.
	Record *Schema
}

// Schema is an ordered record schema, the output contract of the stage.
// It is immutable once parsed.
type Schema struct {
	Name   string
	Fields []FieldSchema
}

// ParseSchema parses an Avro-style JSON record schema and validates it:
//
//	{"type":"record","name":"etlSchemaBody","fields":[
//	  {"name":"amount","type":"long"},
//	  {"name":"id","type":["string","null"]}]}
func ParseSchema(data []byte) (*Schema, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid schema JSON: %w", err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("schema must be a JSON object describing a record")
	}
	schema, err := parseRecord(obj, "")
	if err != nil {
		return nil, err
	}
	if err := ValidateSchema(schema); err != nil {
		return nil, err
	}
	return schema, nil
}

// NewSchema builds a schema from field descriptors and validates it.
func NewSchema(name string, fields ...FieldSchema) (*Schema, error) {
	s := &Schema{Name: name, Fields: fields}
	if err := ValidateSchema(s); err != nil {
		return nil, err
	}
	return s, nil
}

func parseRecord(obj map[string]any, path string) (*Schema, error) {
	if t, _ := obj["type"].(string); t != string(TypeRecord) {
		return nil, fmt.Errorf("%stype must be %q, got %v", prefix(path), TypeRecord, obj["type"])
	}
	name, _ := obj["name"].(string)
	rawFields, ok := obj["fields"].([]any)
	if !ok {
		return nil, fmt.Errorf("%srecord must declare a \"fields\" array", prefix(path))
	}
	s := &Schema{Name: name, Fields: make([]FieldSchema, 0, len(rawFields))}
	for i, rf := range rawFields {
		fobj, ok := rf.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%sfield %d must be an object", prefix(path), i)
		}
		fname, _ := fobj["name"].(string)
		fpath := join(path, fname)
		fs, err := parseType(fobj["type"], fpath)
		if err != nil {
			return nil, err
		}
		fs.Name = fname
		s.Fields = append(s.Fields, fs)
	}
	return s, nil
}

func parseType(raw any, path string) (FieldSchema, error) {
	switch t := raw.(type) {
	case string:
		switch FieldType(t) {
		case TypeString, TypeInt, TypeLong, TypeFloat, TypeDouble, TypeBoolean:
			return FieldSchema{Type: FieldType(t)}, nil
		default:
			return FieldSchema{}, fmt.Errorf("field %q has unsupported type %q (must be one of: string, int, long, float, double, boolean, array, record)", path, t)
		}
	case []any:
		var nonNull []any
		nullable := false
		for _, branch := range t {
			if s, ok := branch.(string); ok && s == "null" {
				nullable = true
				continue
			}
			nonNull = append(nonNull, branch)
		}
		if len(nonNull) != 1 {
			return FieldSchema{}, fmt.Errorf("field %q: unions must contain exactly one non-null type", path)
		}
		fs, err := parseType(nonNull[0], path)
		if err != nil {
			return FieldSchema{}, err
		}
		fs.Nullable = nullable
		return fs, nil
	case map[string]any:
		kind, _ := t["type"].(string)
		switch FieldType(kind) {
		case TypeArray:
			items, err := parseType(t["items"], path+"[]")
			if err != nil {
				return FieldSchema{}, err
			}
			return FieldSchema{Type: TypeArray, Items: &items}, nil
		case TypeRecord:
			nested, err := parseRecord(t, path)
			if err != nil {
				return FieldSchema{}, err
			}
			return FieldSchema{Type: TypeRecord, Record: nested}, nil
		default:
			return parseType(kind, path)
		}
	default:
		return FieldSchema{}, fmt.Errorf("field %q has invalid type declaration %v", path, raw)
	}
}

func prefix(path string) string {
	if path == "" {
		return ""
	}
	return path + ": "
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

// Field returns the descriptor of a top-level field.
func (s *Schema) Field(name string) (FieldSchema, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSchema{}, false
}

// FieldNames returns the field names in schema order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// String renders the schema as "name{field:type, ...}".
func (s *Schema) String() string {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		parts[i] = f.Name + ":" + f.TypeName()
	}
	return s.Name + "{" + strings.Join(parts, ", ") + "}"
}

// TypeName renders the declared type, with a trailing "?" when nullable.
func (f FieldSchema) TypeName() string {
	var name string
	switch f.Type {
	case TypeArray:
		if f.Items != nil {
			name = "array<" + f.Items.TypeName() + ">"
		} else {
			name = "array"
		}
	case TypeRecord:
		if f.Record != nil {
			name = f.Record.String()
		} else {
			name = "record"
		}
	default:
		name = string(f.Type)
	}
	if f.Nullable {
		name += "?"
	}
	return name
}

// MarshalJSON writes the schema back in the Avro-style form ParseSchema accepts.
func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.avro())
}

func (s *Schema) avro() map[string]any {
	fields := make([]any, len(s.Fields))
	for i, f := range s.Fields {
		fields[i] = map[string]any{"name": f.Name, "type": f.avroType()}
	}
	name := s.Name
	if name == "" {
		name = "record"
	}
	return map[string]any{"type": "record", "name": name, "fields": fields}
}

func (f FieldSchema) avroType() any {
	var t any
	switch f.Type {
	case TypeArray:
		var items any = "null"
		if f.Items != nil {
			items = f.Items.avroType()
		}
		t = map[string]any{"type": "array", "items": items}
	case TypeRecord:
		if f.Record != nil {
			t = f.Record.avro()
		}
	default:
		t = string(f.Type)
	}
	if f.Nullable {
		return []any{t, "null"}
	}
	return t
}
