package record

import (
	"encoding/json"
	"strconv"
	"strings"
	"testing"
)

const transactionSchema = `{
  "type": "record",
  "name": "etlSchemaBody",
  "fields": [
    {"name": "id", "type": "string"},
    {"name": "amount", "type": ["long", "null"]},
    {"name": "tags", "type": {"type": "array", "items": "string"}},
    {"name": "customer", "type": ["null", {"type": "record", "name": "customer", "fields": [
      {"name": "name", "type": "string"},
      {"name": "age", "type": "int"}
    ]}]}
  ]
}`

func TestParseSchema(t *testing.T) {
	schema, err := ParseSchema([]byte(transactionSchema))
	if err != nil {
		t.Fatalf("ParseSchema() failed: %v", err)
	}

	if schema.Name != "etlSchemaBody" {
		t.Errorf("Name = %q", schema.Name)
	}
	if got := strings.Join(schema.FieldNames(), ","); got != "id,amount,tags,customer" {
		t.Errorf("FieldNames() = %s", got)
	}

	amount, ok := schema.Field("amount")
	if !ok || amount.Type != TypeLong || !amount.Nullable {
		t.Errorf("amount = %+v, want nullable long", amount)
	}
	tags, _ := schema.Field("tags")
	if tags.Type != TypeArray || tags.Items == nil || tags.Items.Type != TypeString {
		t.Errorf("tags = %+v, want array<string>", tags)
	}
	customer, _ := schema.Field("customer")
	if customer.Type != TypeRecord || customer.Record == nil || len(customer.Record.Fields) != 2 {
		t.Errorf("customer = %+v, want nested record with 2 fields", customer)
	}
}

func TestParseSchemaRoundTrip(t *testing.T) {
	schema, err := ParseSchema([]byte(transactionSchema))
	if err != nil {
		t.Fatalf("ParseSchema() failed: %v", err)
	}
	data, err := json.Marshal(schema)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	again, err := ParseSchema(data)
	if err != nil {
		t.Fatalf("ParseSchema(marshalled) failed: %v", err)
	}
	if schema.String() != again.String() {
		t.Errorf("round trip changed schema:\n%s\n%s", schema, again)
	}
}

func TestParseSchemaErrors(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"invalid JSON", `{"type":`, "invalid schema JSON"},
		{"not a record", `{"type":"string"}`, "type must be"},
		{"no fields", `{"type":"record","name":"r"}`, "fields"},
		{"empty fields", `{"type":"record","name":"r","fields":[]}`, "empty"},
		{"unsupported type", `{"type":"record","fields":[{"name":"a","type":"decimal"}]}`, "unsupported type"},
		{"bad identifier", `{"type":"record","fields":[{"name":"first-name","type":"string"}]}`, "first-name"},
		{"duplicate", `{"type":"record","fields":[{"name":"a","type":"string"},{"name":"a","type":"int"}]}`, "duplicate"},
		{"multi union", `{"type":"record","fields":[{"name":"a","type":["int","string"]}]}`, "unions"},
		{"array without items", `{"type":"record","fields":[{"name":"a","type":{"type":"array"}}]}`, "a[]"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSchema([]byte(tc.input))
			if err == nil {
				t.Fatalf("ParseSchema(%s) should fail", tc.input)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q should mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidateSchema_TooManyFields(t *testing.T) {
	fields := make([]FieldSchema, 0, maxSchemaFields+1)
	for i := 0; i <= maxSchemaFields; i++ {
		fields = append(fields, FieldSchema{Name: "f" + strconv.Itoa(i), Type: TypeString})
	}

	err := ValidateSchema(&Schema{Name: "big", Fields: fields})
	if err == nil {
		t.Fatal("expected error for too many fields")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error should mention the limit, got: %v", err)
	}
}

func TestValidateIdentifier(t *testing.T) {
	valid := []string{"a", "_x", "amount", "Field_2"}
	for _, name := range valid {
		if err := validateIdentifier(name); err != nil {
			t.Errorf("validateIdentifier(%q) failed: %v", name, err)
		}
	}

	invalid := []string{"", "2x", "a-b", "a b", strings.Repeat("a", 101)}
	for _, name := range invalid {
		if err := validateIdentifier(name); err == nil {
			t.Errorf("validateIdentifier(%q) should fail", name)
		}
	}
}
