package query

import "time"

// ColumnType is the engine-independent type of a result column. It is the
// contract between the row scanner and the serializers: every cell in a
// column is either nil or the Go type listed for its ColumnType.
type ColumnType int

const (
	// TypeBool cells are bool.
	TypeBool ColumnType = iota
	// TypeInt64 cells are int64.
	TypeInt64
	// TypeFloat64 cells are float64.
	TypeFloat64
	// TypeString cells are string.
	TypeString
	// TypeTimestamp cells are time.Time with microsecond precision.
	TypeTimestamp
	// TypeDate cells are time.Time at midnight UTC.
	TypeDate
	// TypeBytes cells are []byte.
	TypeBytes
)

// String returns the wire name of the column type.
func (t ColumnType) String() string {
	switch t {
	case TypeBool:
		return "boolean"
	case TypeInt64:
		return "bigint"
	case TypeFloat64:
		return "double"
	case TypeString:
		return "varchar"
	case TypeTimestamp:
		return "timestamp"
	case TypeDate:
		return "date"
	case TypeBytes:
		return "blob"
	default:
		return "varchar"
	}
}

// Column describes one result column.
type Column struct {
	Name string
	Type ColumnType
}

// ResultSet is a fully materialized query result. Partial results are not
// supported: a query either produces a complete ResultSet or fails.
type ResultSet struct {
	Columns []Column
	Rows    [][]any
}

// NumRows returns the number of rows.
func (rs *ResultSet) NumRows() int { return len(rs.Rows) }

// NumCols returns the number of columns.
func (rs *ResultSet) NumCols() int { return len(rs.Columns) }

// Timestamp truncates a time value to the precision carried on the wire.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
