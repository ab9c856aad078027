package record

import (
	"fmt"
	"regexp"
)

const (
	maxSchemaFields     = 500
	maxIdentifierLength = 100
	maxNestingDepth     = 16
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateSchema validates a schema definition.
// Returns an error if validation fails, nil if schema is valid
func ValidateSchema(schema *Schema) error {
	if schema == nil {
		return fmt.Errorf("schema cannot be nil")
	}
	return validateRecord(schema, "", 0)
}

func validateRecord(schema *Schema, path string, depth int) error {
	if depth > maxNestingDepth {
		return fmt.Errorf("%srecord nesting exceeds maximum depth of %d", prefix(path), maxNestingDepth)
	}

	// A record must declare at least one field
	if len(schema.Fields) == 0 {
		return fmt.Errorf("%sschema cannot be empty, must contain at least one field", prefix(path))
	}
	if len(schema.Fields) > maxSchemaFields {
		return fmt.Errorf("%sschema contains %d fields, maximum allowed is %d", prefix(path), len(schema.Fields), maxSchemaFields)
	}

	seen := make(map[string]bool, len(schema.Fields))
	for _, field := range schema.Fields {
		if err := validateIdentifier(field.Name); err != nil {
			return fmt.Errorf("invalid field name %q in %s: %w", field.Name, recordLabel(path), err)
		}
		if seen[field.Name] {
			return fmt.Errorf("duplicate field name %q in %s", field.Name, recordLabel(path))
		}
		seen[field.Name] = true

		if err := validateField(field, join(path, field.Name), depth); err != nil {
			return err
		}
	}
	return nil
}

func validateField(field FieldSchema, path string, depth int) error {
	switch field.Type {
	case TypeString, TypeInt, TypeLong, TypeFloat, TypeDouble, TypeBoolean:
		return nil
	case TypeArray:
		if field.Items == nil {
			return fmt.Errorf("array field %q must declare items", path)
		}
		return validateField(*field.Items, path+"[]", depth+1)
	case TypeRecord:
		if field.Record == nil {
			return fmt.Errorf("record field %q must declare fields", path)
		}
		return validateRecord(field.Record, path, depth+1)
	case "":
		return fmt.Errorf("field %q has empty type name", path)
	default:
		return fmt.Errorf("field %q has invalid type %q", path, field.Type)
	}
}

func recordLabel(path string) string {
	if path == "" {
		return "schema"
	}
	return fmt.Sprintf("record %q", path)
}

// validateIdentifier checks a field name: 1-100 characters matching ^[a-zA-Z_][a-zA-Z0-9_]*$
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLength)
	}
	if !validIdentifier.MatchString(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$ (start with letter or underscore, followed by letters, digits, or underscores)")
	}
	return nil
}
