package query

import (
	"testing"
)

func req(sql string, params []Param, format Format) *Request {
	return &Request{SQL: sql, Params: params, Format: format, Persist: true}
}

func TestNormalizeSQL(t *testing.T) {
	t.Run("collapses runs of whitespace", func(t *testing.T) {
		got := NormalizeSQL("SELECT   1\n\tFROM   t")
		want := "SELECT 1 FROM t"
		if got != want {
			t.Errorf("NormalizeSQL = %q, want %q", got, want)
		}
	})

	t.Run("trims leading and trailing whitespace", func(t *testing.T) {
		got := NormalizeSQL("  SELECT 1  ")
		if got != "SELECT 1" {
			t.Errorf("NormalizeSQL = %q, want %q", got, "SELECT 1")
		}
	})

	t.Run("preserves string literals", func(t *testing.T) {
		got := NormalizeSQL("SELECT  'a  b'  FROM t")
		want := "SELECT 'a  b' FROM t"
		if got != want {
			t.Errorf("NormalizeSQL = %q, want %q", got, want)
		}
	})

	t.Run("preserves escaped quotes in literals", func(t *testing.T) {
		got := NormalizeSQL("SELECT 'it''s   fine'  ")
		want := "SELECT 'it''s   fine'"
		if got != want {
			t.Errorf("NormalizeSQL = %q, want %q", got, want)
		}
	})

	t.Run("preserves quoted identifiers", func(t *testing.T) {
		got := NormalizeSQL(`SELECT "my  col" FROM t`)
		want := `SELECT "my  col" FROM t`
		if got != want {
			t.Errorf("NormalizeSQL = %q, want %q", got, want)
		}
	})
}

func TestKeyOf(t *testing.T) {
	t.Run("whitespace variants share a key", func(t *testing.T) {
		k1 := KeyOf(req("SELECT 1 AS x", nil, FormatArrow))
		k2 := KeyOf(req("SELECT   1\nAS x", nil, FormatArrow))
		if k1 != k2 {
			t.Error("whitespace-only variants produced different keys")
		}
	})

	t.Run("different sql different key", func(t *testing.T) {
		k1 := KeyOf(req("SELECT 1", nil, FormatArrow))
		k2 := KeyOf(req("SELECT 2", nil, FormatArrow))
		if k1 == k2 {
			t.Error("different queries produced the same key")
		}
	})

	t.Run("database participates in key", func(t *testing.T) {
		r1 := req("SELECT 1", nil, FormatArrow)
		r1.Database = "main"
		r2 := req("SELECT 1", nil, FormatArrow)
		r2.Database = "scratch"
		if KeyOf(r1) == KeyOf(r2) {
			t.Error("same query against different databases shared a key")
		}
	})

	t.Run("row cap participates in key", func(t *testing.T) {
		// The cap truncates the payload, so capped and uncapped runs of
		// the same query are different results.
		r1 := req("SELECT * FROM t", nil, FormatArrow)
		r1.MaxRows = 1
		r2 := req("SELECT * FROM t", nil, FormatArrow)
		r2.MaxRows = 1000
		r3 := req("SELECT * FROM t", nil, FormatArrow)
		if KeyOf(r1) == KeyOf(r2) {
			t.Error("different row caps shared a key")
		}
		if KeyOf(r2) == KeyOf(r3) {
			t.Error("capped and uncapped requests shared a key")
		}
	})

	t.Run("format participates in key", func(t *testing.T) {
		k1 := KeyOf(req("SELECT 1", nil, FormatArrow))
		k2 := KeyOf(req("SELECT 1", nil, FormatJSON))
		if k1 == k2 {
			t.Error("arrow and json renderings share a key")
		}
	})

	t.Run("int and float params never collide", func(t *testing.T) {
		k1 := KeyOf(req("SELECT ?", []Param{IntParam(1)}, FormatArrow))
		k2 := KeyOf(req("SELECT ?", []Param{FloatParam(1)}, FormatArrow))
		if k1 == k2 {
			t.Error("int 1 and float 1.0 collided")
		}
	})

	t.Run("equal floats collide regardless of source formatting", func(t *testing.T) {
		p1, err := ParamFromJSON(jsonNumber("1.5"))
		if err != nil {
			t.Fatal(err)
		}
		p2, err := ParamFromJSON(jsonNumber("1.50"))
		if err != nil {
			t.Fatal(err)
		}
		k1 := KeyOf(req("SELECT ?", []Param{p1}, FormatArrow))
		k2 := KeyOf(req("SELECT ?", []Param{p2}, FormatArrow))
		if k1 != k2 {
			t.Error("numerically equal params produced different keys")
		}
	})

	t.Run("param order matters", func(t *testing.T) {
		k1 := KeyOf(req("SELECT ?, ?", []Param{IntParam(1), IntParam(2)}, FormatArrow))
		k2 := KeyOf(req("SELECT ?, ?", []Param{IntParam(2), IntParam(1)}, FormatArrow))
		if k1 == k2 {
			t.Error("swapped params produced the same key")
		}
	})

	t.Run("string params are length prefixed", func(t *testing.T) {
		// Without length framing ("a","bc") and ("ab","c") would collide.
		k1 := KeyOf(req("SELECT ?, ?", []Param{StringParam("a"), StringParam("bc")}, FormatArrow))
		k2 := KeyOf(req("SELECT ?, ?", []Param{StringParam("ab"), StringParam("c")}, FormatArrow))
		if k1 == k2 {
			t.Error("adjacent string params collided")
		}
	})
}
