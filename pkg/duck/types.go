package duck

import (
	"fmt"
	"strings"
	"time"

	"github.com/orneryd/bifrost/pkg/query"
)

// columnType maps a DuckDB type name onto the engine-independent column
// type. Types without a faithful mapping (HUGEINT, DECIMAL, nested types)
// degrade to their string rendering rather than lose precision silently.
func columnType(dbType string) query.ColumnType {
	switch strings.ToUpper(dbType) {
	case "BOOLEAN":
		return query.TypeBool
	case "TINYINT", "SMALLINT", "INTEGER", "BIGINT",
		"UTINYINT", "USMALLINT", "UINTEGER":
		return query.TypeInt64
	case "FLOAT", "DOUBLE":
		return query.TypeFloat64
	case "DATE":
		return query.TypeDate
	case "BLOB":
		return query.TypeBytes
	default:
		if strings.HasPrefix(strings.ToUpper(dbType), "TIMESTAMP") {
			return query.TypeTimestamp
		}
		return query.TypeString
	}
}

// normalize converts a scanned driver value into the single Go type its
// column promises. Unknown values fall back to fmt formatting on string
// columns and to nil elsewhere.
func normalize(t query.ColumnType, v any) any {
	if v == nil {
		return nil
	}
	switch t {
	case query.TypeBool:
		if b, ok := v.(bool); ok {
			return b
		}
	case query.TypeInt64:
		switch n := v.(type) {
		case int64:
			return n
		case int32:
			return int64(n)
		case int16:
			return int64(n)
		case int8:
			return int64(n)
		case int:
			return int64(n)
		case uint8:
			return int64(n)
		case uint16:
			return int64(n)
		case uint32:
			return int64(n)
		}
	case query.TypeFloat64:
		switch n := v.(type) {
		case float64:
			return n
		case float32:
			return float64(n)
		case int64:
			return float64(n)
		}
	case query.TypeTimestamp:
		if ts, ok := v.(time.Time); ok {
			return query.Timestamp(ts)
		}
	case query.TypeDate:
		if ts, ok := v.(time.Time); ok {
			return ts.UTC()
		}
	case query.TypeBytes:
		if b, ok := v.([]byte); ok {
			return b
		}
	case query.TypeString:
		switch s := v.(type) {
		case string:
			return s
		case []byte:
			return string(s)
		default:
			return fmt.Sprint(v)
		}
	}
	return nil
}
