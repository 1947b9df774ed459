// Package query defines the request, parameter, and result model shared by
// the protocol adapters and the execution pipeline.
//
// A Request is the normalized form of a query regardless of which transport
// it arrived on: the HTTP, WebSocket, and Flight adapters all construct a
// Request and hand it to the dispatcher. Requests are immutable once built.
package query

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Format selects how a result set is serialized back to the client.
type Format int

const (
	// FormatArrow returns an Arrow IPC stream. Full type fidelity,
	// preferred for large analytic results.
	FormatArrow Format = iota
	// FormatJSON returns a JSON document with column metadata and rows.
	// Markedly slower and larger for wide numeric results; kept for
	// simple tabular clients.
	FormatJSON
	// FormatExec runs a statement for its side effects and returns no
	// payload. Exec requests bypass the result cache entirely.
	FormatExec
)

// String returns the wire name of the format ("arrow", "json", "exec").
func (f Format) String() string {
	switch f {
	case FormatArrow:
		return "arrow"
	case FormatJSON:
		return "json"
	case FormatExec:
		return "exec"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat parses a wire format name. An empty string selects the
// provided fallback.
func ParseFormat(s string, fallback Format) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return fallback, nil
	case "arrow":
		return FormatArrow, nil
	case "json":
		return FormatJSON, nil
	case "exec":
		return FormatExec, nil
	default:
		return fallback, fmt.Errorf("%w: unknown format %q", ErrBadRequest, s)
	}
}

// ParamKind discriminates the typed parameter values accepted on the wire.
type ParamKind int

const (
	ParamNull ParamKind = iota
	ParamBool
	ParamInt
	ParamFloat
	ParamString
)

// Param is one bound statement parameter. Parameters carry their type so
// that cache keys stay stable across formatting differences: the integer 1
// and the float 1.0 never share an encoding, while 1.0 and 1.00 do.
type Param struct {
	kind ParamKind
	b    bool
	i    int64
	f    float64
	s    string
}

// NullParam returns the SQL NULL parameter.
func NullParam() Param { return Param{kind: ParamNull} }

// BoolParam returns a boolean parameter.
func BoolParam(v bool) Param { return Param{kind: ParamBool, b: v} }

// IntParam returns a 64-bit integer parameter.
func IntParam(v int64) Param { return Param{kind: ParamInt, i: v} }

// FloatParam returns a 64-bit float parameter.
func FloatParam(v float64) Param { return Param{kind: ParamFloat, f: v} }

// StringParam returns a text parameter.
func StringParam(v string) Param { return Param{kind: ParamString, s: v} }

// Kind returns the parameter's type discriminator.
func (p Param) Kind() ParamKind { return p.kind }

// Value returns the parameter as a driver-compatible value.
func (p Param) Value() any {
	switch p.kind {
	case ParamBool:
		return p.b
	case ParamInt:
		return p.i
	case ParamFloat:
		return p.f
	case ParamString:
		return p.s
	default:
		return nil
	}
}

// ParamFromJSON converts a decoded JSON value into a typed Param. Numbers
// must arrive as json.Number so that integer and float parameters stay
// distinguishable; adapters decode request bodies with UseNumber.
func ParamFromJSON(v any) (Param, error) {
	switch val := v.(type) {
	case nil:
		return NullParam(), nil
	case bool:
		return BoolParam(val), nil
	case string:
		return StringParam(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return IntParam(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return Param{}, fmt.Errorf("%w: bad numeric parameter %q", ErrBadRequest, val.String())
		}
		return FloatParam(f), nil
	case float64:
		// Callers that decoded without UseNumber only see float64.
		return FloatParam(val), nil
	default:
		return Param{}, fmt.Errorf("%w: unsupported parameter type %T", ErrBadRequest, v)
	}
}

// ParamsFromJSON converts a JSON array of parameter values.
func ParamsFromJSON(vals []any) ([]Param, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	params := make([]Param, 0, len(vals))
	for _, v := range vals {
		p, err := ParamFromJSON(v)
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	return params, nil
}

// Args returns the parameter list as driver-compatible values.
func Args(params []Param) []any {
	if len(params) == 0 {
		return nil
	}
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p.Value()
	}
	return args
}

// Request is a normalized query request. All fields are set at construction
// and never mutated afterwards.
type Request struct {
	// Database is the configured database id the query targets.
	Database string
	// SQL is the statement text as received from the client.
	SQL string
	// Params are the bound statement parameters, in order.
	Params []Param
	// Format selects the response serialization.
	Format Format
	// MaxRows caps the number of rows scanned from the engine.
	// Zero means the server default applies.
	MaxRows int
	// Persist controls whether a successful result is written to the
	// result cache.
	Persist bool
	// Invalidate drops any cached entry for this key before executing.
	Invalidate bool
}

// Validate checks the request is well-formed enough to dispatch.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.SQL) == "" {
		return fmt.Errorf("%w: missing sql", ErrBadRequest)
	}
	if r.MaxRows < 0 {
		return fmt.Errorf("%w: negative row limit", ErrBadRequest)
	}
	return nil
}
