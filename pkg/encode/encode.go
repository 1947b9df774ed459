// Package encode turns materialized result sets into wire payloads.
//
// Two renderings are supported: an Arrow IPC stream with full type
// fidelity, and a JSON array of row objects for simple tabular clients.
// Both operate on complete result sets; encoded payloads are what the
// result cache stores.
package encode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/orneryd/bifrost/pkg/query"
)

// ContentTypeArrow is the media type of an Arrow IPC stream payload.
const ContentTypeArrow = "application/vnd.apache.arrow.stream"

// ContentTypeJSON is the media type of a JSON payload.
const ContentTypeJSON = "application/json"

// ForFormat returns the encoded payload for the requested format. Exec
// requests have no payload.
func ForFormat(rs *query.ResultSet, f query.Format) ([]byte, error) {
	switch f {
	case query.FormatArrow:
		return Arrow(rs)
	case query.FormatJSON:
		return JSON(rs)
	case query.FormatExec:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: no encoder for format %s", query.ErrSerialization, f)
	}
}

// ContentType returns the response media type for a format.
func ContentType(f query.Format) string {
	if f == query.FormatArrow {
		return ContentTypeArrow
	}
	return ContentTypeJSON
}

// Arrow serializes a result set as a single-batch Arrow IPC stream.
func Arrow(rs *query.ResultSet) ([]byte, error) {
	mem := memory.NewGoAllocator()
	schema := arrowSchema(rs.Columns)

	builder := array.NewRecordBuilder(mem, schema)
	defer builder.Release()

	for _, row := range rs.Rows {
		for i, cell := range row {
			if err := appendCell(builder.Field(i), rs.Columns[i].Type, cell); err != nil {
				return nil, fmt.Errorf("%w: column %q: %v", query.ErrSerialization, rs.Columns[i].Name, err)
			}
		}
	}

	rec := builder.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := w.Write(rec); err != nil {
		w.Close()
		return nil, fmt.Errorf("%w: %v", query.ErrSerialization, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", query.ErrSerialization, err)
	}
	return buf.Bytes(), nil
}

// arrowSchema maps result columns onto an Arrow schema. Every column is
// nullable; the scanner does not track nullability.
func arrowSchema(cols []query.Column) *arrow.Schema {
	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		fields[i] = arrow.Field{Name: c.Name, Type: arrowType(c.Type), Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

func arrowType(t query.ColumnType) arrow.DataType {
	switch t {
	case query.TypeBool:
		return arrow.FixedWidthTypes.Boolean
	case query.TypeInt64:
		return arrow.PrimitiveTypes.Int64
	case query.TypeFloat64:
		return arrow.PrimitiveTypes.Float64
	case query.TypeTimestamp:
		return arrow.FixedWidthTypes.Timestamp_us
	case query.TypeDate:
		return arrow.FixedWidthTypes.Date32
	case query.TypeBytes:
		return arrow.BinaryTypes.Binary
	default:
		return arrow.BinaryTypes.String
	}
}

func appendCell(b array.Builder, t query.ColumnType, cell any) error {
	if cell == nil {
		b.AppendNull()
		return nil
	}
	switch t {
	case query.TypeBool:
		v, ok := cell.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", cell)
		}
		b.(*array.BooleanBuilder).Append(v)
	case query.TypeInt64:
		v, ok := cell.(int64)
		if !ok {
			return fmt.Errorf("expected int64, got %T", cell)
		}
		b.(*array.Int64Builder).Append(v)
	case query.TypeFloat64:
		v, ok := cell.(float64)
		if !ok {
			return fmt.Errorf("expected float64, got %T", cell)
		}
		b.(*array.Float64Builder).Append(v)
	case query.TypeTimestamp:
		v, ok := cell.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", cell)
		}
		b.(*array.TimestampBuilder).Append(arrow.Timestamp(v.UTC().UnixMicro()))
	case query.TypeDate:
		v, ok := cell.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", cell)
		}
		b.(*array.Date32Builder).Append(arrow.Date32FromTime(v))
	case query.TypeBytes:
		v, ok := cell.([]byte)
		if !ok {
			return fmt.Errorf("expected []byte, got %T", cell)
		}
		b.(*array.BinaryBuilder).Append(v)
	default:
		v, ok := cell.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", cell)
		}
		b.(*array.StringBuilder).Append(v)
	}
	return nil
}

// JSON serializes a result set as an array of row objects, keys in column
// order. Timestamps render as RFC 3339 with microseconds, dates as
// YYYY-MM-DD, blobs as base64.
func JSON(rs *query.ResultSet) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')

	names := make([][]byte, len(rs.Columns))
	for i, c := range rs.Columns {
		n, err := json.Marshal(c.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", query.ErrSerialization, err)
		}
		names[i] = n
	}

	for ri, row := range rs.Rows {
		if ri > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		for ci, cell := range row {
			if ci > 0 {
				buf.WriteByte(',')
			}
			buf.Write(names[ci])
			buf.WriteByte(':')
			v, err := json.Marshal(jsonCell(rs.Columns[ci].Type, cell))
			if err != nil {
				return nil, fmt.Errorf("%w: column %q: %v", query.ErrSerialization, rs.Columns[ci].Name, err)
			}
			buf.Write(v)
		}
		buf.WriteByte('}')
	}

	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func jsonCell(t query.ColumnType, cell any) any {
	if cell == nil {
		return nil
	}
	switch t {
	case query.TypeTimestamp:
		if v, ok := cell.(time.Time); ok {
			return v.UTC().Format("2006-01-02T15:04:05.999999Z07:00")
		}
	case query.TypeDate:
		if v, ok := cell.(time.Time); ok {
			return v.UTC().Format("2006-01-02")
		}
	}
	return cell
}
