package query

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"strings"
	"unicode"
)

// Key is the fixed-width cache key for a request: a SHA-256 digest over
// the database id, the whitespace-normalized SQL, the canonical parameter
// encoding, the row cap, and the output format. Digest equality is
// treated as logical
// query equality; collisions are accepted at cryptographic-hash
// probability.
type Key [sha256.Size]byte

// String returns the key as lowercase hex.
func (k Key) String() string { return hex.EncodeToString(k[:]) }

// KeyOf derives the cache key for a request.
//
// The SQL text is canonicalized for whitespace only: runs of whitespace
// outside string literals and quoted identifiers collapse to a single
// space. No query-equivalence reasoning is attempted; syntactically
// different but semantically equal queries hash to distinct keys.
//
// Parameters are folded in with a type-stable encoding (type tag plus raw
// binary value), so 1 and 1.0 never collide while 1.0 and 1.00 always do.
// The database id, the row cap, and the format also participate, since
// each changes the payload: the cache is shared across databases, the
// cap truncates rows during scan, and the Arrow and JSON renderings of
// one query are cached independently.
func KeyOf(req *Request) Key {
	h := sha256.New()
	h.Write([]byte(req.Database))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeSQL(req.SQL)))
	h.Write([]byte{0})

	var scratch [8]byte
	for _, p := range req.Params {
		h.Write([]byte{byte(p.kind)})
		switch p.kind {
		case ParamBool:
			if p.b {
				h.Write([]byte{1})
			} else {
				h.Write([]byte{0})
			}
		case ParamInt:
			binary.BigEndian.PutUint64(scratch[:], uint64(p.i))
			h.Write(scratch[:])
		case ParamFloat:
			binary.BigEndian.PutUint64(scratch[:], math.Float64bits(p.f))
			h.Write(scratch[:])
		case ParamString:
			binary.BigEndian.PutUint64(scratch[:], uint64(len(p.s)))
			h.Write(scratch[:])
			h.Write([]byte(p.s))
		}
	}

	h.Write([]byte{0})
	binary.BigEndian.PutUint64(scratch[:], uint64(req.MaxRows))
	h.Write(scratch[:])
	h.Write([]byte(req.Format.String()))

	var key Key
	h.Sum(key[:0])
	return key
}

// NormalizeSQL collapses insignificant whitespace in a statement. Text
// inside single-quoted string literals and double-quoted identifiers is
// preserved byte for byte, including doubled-quote escapes.
func NormalizeSQL(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))

	const (
		plain = iota
		inString
		inIdent
	)
	state := plain
	pendingSpace := false

	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch state {
		case plain:
			if unicode.IsSpace(r) {
				if b.Len() > 0 {
					pendingSpace = true
				}
				continue
			}
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(r)
			if r == '\'' {
				state = inString
			} else if r == '"' {
				state = inIdent
			}
		case inString:
			b.WriteRune(r)
			if r == '\'' {
				// Doubled quote is an escape, stay inside.
				if i+1 < len(runes) && runes[i+1] == '\'' {
					b.WriteRune(runes[i+1])
					i++
				} else {
					state = plain
				}
			}
		case inIdent:
			b.WriteRune(r)
			if r == '"' {
				if i+1 < len(runes) && runes[i+1] == '"' {
					b.WriteRune(runes[i+1])
					i++
				} else {
					state = plain
				}
			}
		}
	}

	return b.String()
}
