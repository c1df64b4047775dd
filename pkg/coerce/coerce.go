// Package coerce converts wire-format column payloads into native Go values
// keyed by the column's PostgreSQL type OID. The OID table is a finite map of
// pure decode functions with a raw-text fallback, so supporting a new type is
// a one-line addition.
package coerce

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pgcdc-io/pgcdc/pkg/wal"
)

// PostgreSQL type OIDs covered by the decoder table (pg_type.oid).
const (
	OIDBool        = 16
	OIDBytea       = 17
	OIDName        = 19
	OIDInt8        = 20
	OIDInt2        = 21
	OIDInt4        = 23
	OIDText        = 25
	OIDJSON        = 114
	OIDFloat4      = 700
	OIDFloat8      = 701
	OIDBpchar      = 1042
	OIDVarchar     = 1043
	OIDDate        = 1082
	OIDTimestamp   = 1114
	OIDTimestamptz = 1184
	OIDNumeric     = 1700
	OIDUUID        = 2950
	OIDJSONB       = 3802
)

const (
	dateLayout = "2006-01-02"
	// time.Parse accepts an optional fractional second after the seconds
	// field, so one layout covers both "...:05" and "...:05.123456".
	timestampLayout   = "2006-01-02 15:04:05"
	timestamptzLayout = "2006-01-02 15:04:05-07"
)

// Unchanged is the sentinel value for an unchanged TOAST column: the prior
// value was not retransmitted and is unknown. It is distinct from nil and
// from any decoded payload value.
type Unchanged struct{}

// String returns a string representation of the Unchanged marker.
func (Unchanged) String() string { return "<unchanged>" }

// IsUnchanged reports whether v is the unchanged-TOAST sentinel.
func IsUnchanged(v any) bool {
	_, ok := v.(Unchanged)
	return ok
}

// CoercionError reports a single field that failed type conversion. It is
// recoverable: the caller keeps the raw text value and continues.
type CoercionError struct {
	// TypeOID is the column's declared type.
	TypeOID uint32
	// Raw is the wire-format text that failed to decode.
	Raw string
	// Err is the underlying conversion error.
	Err error
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("coerce: converting %q as OID %d: %v", e.Raw, e.TypeOID, e.Err)
}

func (e *CoercionError) Unwrap() error { return e.Err }

// decodeFunc converts one text-format payload into a native value.
type decodeFunc func(string) (any, error)

// decoders maps type OIDs to decode functions. Unmapped OIDs fall back to
// the raw text.
var decoders = map[uint32]decodeFunc{
	OIDBool:        decodeBool,
	OIDBytea:       decodeBytea,
	OIDName:        decodeString,
	OIDInt8:        decodeInt,
	OIDInt2:        decodeInt,
	OIDInt4:        decodeInt,
	OIDText:        decodeString,
	OIDJSON:        decodeJSON,
	OIDFloat4:      decodeFloat,
	OIDFloat8:      decodeFloat,
	OIDBpchar:      decodeString,
	OIDVarchar:     decodeString,
	OIDDate:        decodeDate,
	OIDTimestamp:   decodeTimestamp,
	OIDTimestamptz: decodeTimestamptz,
	OIDNumeric:     decodeNumeric,
	OIDUUID:        decodeUUID,
	OIDJSONB:       decodeJSON,
}

// Coerce converts one positional tuple column into a native value according
// to the column's type OID.
//
// A null column is nil unconditionally. An unchanged-TOAST column is the
// Unchanged sentinel. A conversion failure returns the raw text together
// with a *CoercionError so the caller can report it without losing the
// field; the event is never aborted here.
func Coerce(typeOID uint32, col wal.TupleColumn) (any, error) {
	if col.Null {
		return nil, nil
	}
	if col.Unchanged {
		return Unchanged{}, nil
	}

	raw := string(col.Data)
	decode, ok := decoders[typeOID]
	if !ok {
		return raw, nil
	}

	v, err := decode(raw)
	if err != nil {
		return raw, &CoercionError{TypeOID: typeOID, Raw: raw, Err: err}
	}
	return v, nil
}

func decodeBool(raw string) (any, error) {
	switch raw {
	case "t":
		return true, nil
	case "f":
		return false, nil
	default:
		return nil, fmt.Errorf("not a boolean literal: %q", raw)
	}
}

func decodeInt(raw string) (any, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func decodeFloat(raw string) (any, error) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func decodeString(raw string) (any, error) {
	return raw, nil
}

func decodeNumeric(raw string) (any, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func decodeDate(raw string) (any, error) {
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func decodeTimestamp(raw string) (any, error) {
	t, err := time.Parse(timestampLayout, raw)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func decodeTimestamptz(raw string) (any, error) {
	t, err := time.Parse(timestamptzLayout, raw)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func decodeJSON(raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeUUID(raw string) (any, error) {
	u, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func decodeBytea(raw string) (any, error) {
	// Text-format bytea is hex with a \x prefix.
	hexPart, ok := strings.CutPrefix(raw, `\x`)
	if !ok {
		return nil, fmt.Errorf("bytea value without \\x prefix")
	}
	b, err := hex.DecodeString(hexPart)
	if err != nil {
		return nil, err
	}
	return b, nil
}
