// Package columnar converts assembled rows into Apache Arrow record batches and
// streams them in Arrow IPC format.
package columnar

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/liamcoop/rulestage/record"
)

// ArrowSchema maps an output schema onto an Arrow schema. Every column is nullable
// because absent values are emitted as null whatever the declared nullability.
func ArrowSchema(schema *record.Schema) *arrow.Schema {
	return arrow.NewSchema(arrowFields(schema), nil)
}

func arrowFields(schema *record.Schema) []arrow.Field {
	fields := make([]arrow.Field, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		fields = append(fields, arrow.Field{Name: f.Name, Type: arrowType(f), Nullable: true})
	}
	return fields
}

func arrowType(f record.FieldSchema) arrow.DataType {
	switch f.Type {
	case record.TypeInt:
		return arrow.PrimitiveTypes.Int32
	case record.TypeLong:
		return arrow.PrimitiveTypes.Int64
	case record.TypeFloat:
		return arrow.PrimitiveTypes.Float32
	case record.TypeDouble:
		return arrow.PrimitiveTypes.Float64
	case record.TypeBoolean:
		return arrow.FixedWidthTypes.Boolean
	case record.TypeArray:
		return arrow.ListOf(arrowType(*f.Items))
	case record.TypeRecord:
		return arrow.StructOf(arrowFields(f.Record)...)
	default:
		return arrow.BinaryTypes.String
	}
}

// BatchBuilder accumulates assembled rows into one Arrow record batch.
type BatchBuilder struct {
	schema  *record.Schema
	builder *array.RecordBuilder
	rows    int
}

// NewBatchBuilder creates a builder for rows of schema. A nil allocator selects the
// default Go allocator.
func NewBatchBuilder(mem memory.Allocator, schema *record.Schema) *BatchBuilder {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &BatchBuilder{
		schema:  schema,
		builder: array.NewRecordBuilder(mem, ArrowSchema(schema)),
	}
}

// Append adds one assembled row. Rows must already be coerced to the schema.
func (b *BatchBuilder) Append(row *record.Row) error {
	for i, f := range b.schema.Fields {
		v, _ := row.Get(f.Name)
		if err := appendValue(b.builder.Field(i), f, v); err != nil {
			return fmt.Errorf("column %s: %w", f.Name, err)
		}
	}
	b.rows++
	return nil
}

// Len returns the number of rows appended since the last NewRecord.
func (b *BatchBuilder) Len() int {
	return b.rows
}

// NewRecord returns the accumulated batch and resets the builder. The caller owns the
// record and must Release it.
func (b *BatchBuilder) NewRecord() arrow.Record {
	b.rows = 0
	return b.builder.NewRecord()
}

// Release frees the builder's buffers.
func (b *BatchBuilder) Release() {
	b.builder.Release()
}

func appendValue(bld array.Builder, f record.FieldSchema, v record.Value) error {
	if record.IsNull(v) {
		bld.AppendNull()
		return nil
	}

	switch f.Type {
	case record.TypeString:
		s, ok := v.(record.String)
		if !ok {
			return mismatch(f, v)
		}
		bld.(*array.StringBuilder).Append(string(s))
	case record.TypeInt:
		i, ok := v.(record.Int)
		if !ok {
			return mismatch(f, v)
		}
		bld.(*array.Int32Builder).Append(int32(i))
	case record.TypeLong:
		i, ok := v.(record.Int)
		if !ok {
			return mismatch(f, v)
		}
		bld.(*array.Int64Builder).Append(int64(i))
	case record.TypeFloat:
		x, ok := v.(record.Float)
		if !ok {
			return mismatch(f, v)
		}
		bld.(*array.Float32Builder).Append(float32(x))
	case record.TypeDouble:
		x, ok := v.(record.Float)
		if !ok {
			return mismatch(f, v)
		}
		bld.(*array.Float64Builder).Append(float64(x))
	case record.TypeBoolean:
		x, ok := v.(record.Bool)
		if !ok {
			return mismatch(f, v)
		}
		bld.(*array.BooleanBuilder).Append(bool(x))
	case record.TypeArray:
		items, ok := v.(record.List)
		if !ok {
			return mismatch(f, v)
		}
		lb := bld.(*array.ListBuilder)
		lb.Append(true)
		for i, item := range items {
			if err := appendValue(lb.ValueBuilder(), *f.Items, item); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
		}
	case record.TypeRecord:
		row, ok := v.(*record.Row)
		if !ok {
			return mismatch(f, v)
		}
		sb := bld.(*array.StructBuilder)
		sb.Append(true)
		for i, sf := range f.Record.Fields {
			fv, _ := row.Get(sf.Name)
			if err := appendValue(sb.FieldBuilder(i), sf, fv); err != nil {
				return fmt.Errorf("%s: %w", sf.Name, err)
			}
		}
	default:
		return fmt.Errorf("unsupported field type %s", f.Type)
	}
	return nil
}

func mismatch(f record.FieldSchema, v record.Value) error {
	return fmt.Errorf("value of kind %s does not match declared type %s", v.Kind(), f.TypeName())
}

// WriteIPC streams rows as a single Arrow IPC record batch. An empty row set still
// writes the schema message.
func WriteIPC(w io.Writer, schema *record.Schema, rows []*record.Row) error {
	b := NewBatchBuilder(nil, schema)
	defer b.Release()

	for i, row := range rows {
		if err := b.Append(row); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	rec := b.NewRecord()
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}
