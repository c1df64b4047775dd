// Package waltest builds raw pgoutput v1 message buffers for tests.
// The encoders mirror the wire layout documented in the PostgreSQL
// logical replication message format reference.
package waltest

import (
	"encoding/binary"
	"time"

	"github.com/jackc/pglogrepl"
)

// pgEpoch is the PostgreSQL timestamp epoch (2000-01-01 00:00:00 UTC).
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Col is a column definition for Relation fixtures.
type Col struct {
	Name    string
	TypeOID uint32
	Key     bool
}

// TupleCol is one column of tuple data for row-change fixtures.
type TupleCol struct {
	Null      bool
	Unchanged bool
	Value     string
}

// Text returns a text-format tuple column.
func Text(v string) TupleCol { return TupleCol{Value: v} }

// Null returns a NULL tuple column.
func Null() TupleCol { return TupleCol{Null: true} }

// Toast returns an unchanged-TOAST tuple column.
func Toast() TupleCol { return TupleCol{Unchanged: true} }

type buf struct{ b []byte }

func (w *buf) byte1(v byte)     { w.b = append(w.b, v) }
func (w *buf) uint16(v uint16)  { w.b = binary.BigEndian.AppendUint16(w.b, v) }
func (w *buf) uint32(v uint32)  { w.b = binary.BigEndian.AppendUint32(w.b, v) }
func (w *buf) uint64(v uint64)  { w.b = binary.BigEndian.AppendUint64(w.b, v) }
func (w *buf) cstring(s string) { w.b = append(append(w.b, s...), 0) }

func (w *buf) timestamp(t time.Time) {
	w.uint64(uint64(t.Sub(pgEpoch) / time.Microsecond))
}

func (w *buf) tuple(cols []TupleCol) {
	w.uint16(uint16(len(cols)))
	for _, c := range cols {
		switch {
		case c.Null:
			w.byte1('n')
		case c.Unchanged:
			w.byte1('u')
		default:
			w.byte1('t')
			w.uint32(uint32(len(c.Value)))
			w.b = append(w.b, c.Value...)
		}
	}
}

// Begin encodes a Begin message.
func Begin(xid uint32, finalLSN pglogrepl.LSN, commitTime time.Time) []byte {
	w := &buf{}
	w.byte1('B')
	w.uint64(uint64(finalLSN))
	w.timestamp(commitTime)
	w.uint32(xid)
	return w.b
}

// Commit encodes a Commit message.
func Commit(commitLSN, endLSN pglogrepl.LSN, commitTime time.Time) []byte {
	w := &buf{}
	w.byte1('C')
	w.byte1(0) // flags
	w.uint64(uint64(commitLSN))
	w.uint64(uint64(endLSN))
	w.timestamp(commitTime)
	return w.b
}

// Relation encodes a Relation message with replica identity 'd'.
func Relation(id uint32, namespace, name string, cols []Col) []byte {
	w := &buf{}
	w.byte1('R')
	w.uint32(id)
	w.cstring(namespace)
	w.cstring(name)
	w.byte1('d')
	w.uint16(uint16(len(cols)))
	for _, c := range cols {
		flags := byte(0)
		if c.Key {
			flags = 1
		}
		w.byte1(flags)
		w.cstring(c.Name)
		w.uint32(c.TypeOID)
		w.uint32(0xFFFFFFFF) // typmod -1
	}
	return w.b
}

// Insert encodes an Insert message.
func Insert(relationID uint32, newTuple []TupleCol) []byte {
	w := &buf{}
	w.byte1('I')
	w.uint32(relationID)
	w.byte1('N')
	w.tuple(newTuple)
	return w.b
}

// Update encodes an Update message. oldKind is 'K', 'O', or 0 for no old
// tuple.
func Update(relationID uint32, oldKind byte, oldTuple, newTuple []TupleCol) []byte {
	w := &buf{}
	w.byte1('U')
	w.uint32(relationID)
	if oldKind != 0 {
		w.byte1(oldKind)
		w.tuple(oldTuple)
	}
	w.byte1('N')
	w.tuple(newTuple)
	return w.b
}

// Delete encodes a Delete message. oldKind is 'K' or 'O'.
func Delete(relationID uint32, oldKind byte, oldTuple []TupleCol) []byte {
	w := &buf{}
	w.byte1('D')
	w.uint32(relationID)
	w.byte1(oldKind)
	w.tuple(oldTuple)
	return w.b
}

// Truncate encodes a Truncate message covering the given relations.
func Truncate(option byte, relationIDs ...uint32) []byte {
	w := &buf{}
	w.byte1('T')
	w.uint32(uint32(len(relationIDs)))
	w.byte1(option)
	for _, id := range relationIDs {
		w.uint32(id)
	}
	return w.b
}

// Origin encodes an Origin message.
func Origin(commitLSN pglogrepl.LSN, name string) []byte {
	w := &buf{}
	w.byte1('O')
	w.uint64(uint64(commitLSN))
	w.cstring(name)
	return w.b
}
