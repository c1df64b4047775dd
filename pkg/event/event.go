// Package event defines the domain events delivered to subscribers and the
// builder that assembles them from decoded changes, relation metadata, and
// transaction context.
package event

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pgcdc-io/pgcdc/pkg/coerce"
	"github.com/pgcdc-io/pgcdc/pkg/txn"
	"github.com/pgcdc-io/pgcdc/pkg/wal"
)

// Type is the kind of a domain event.
type Type int

const (
	// Insert is a row insertion.
	Insert Type = iota
	// Update is a row modification.
	Update
	// Delete is a row deletion.
	Delete
	// Truncate is a table truncation.
	Truncate
)

// String returns the event type in its conventional upper-case form.
func (t Type) String() string {
	switch t {
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	case Truncate:
		return "TRUNCATE"
	default:
		return "UNKNOWN"
	}
}

// Field is one named, typed column value. Fields keep the relation's column
// order, which is why events carry a slice rather than a map.
type Field struct {
	// Name is the column name.
	Name string
	// Value is the coerced value: nil for SQL NULL, coerce.Unchanged for
	// an untransmitted TOAST value, or the raw text if coercion failed.
	Value any
	// Key indicates the column is part of the replica identity.
	Key bool
}

// Event is one finished domain event. It is immutable once built and is not
// retained after its dispatch call returns.
type Event struct {
	// Type is the change kind.
	Type Type
	// XID is the owning transaction's ID.
	XID uint32
	// CommitTime is the owning transaction's commit timestamp.
	CommitTime time.Time
	// Schema and Table name the affected relation.
	Schema string
	Table  string
	// Fields holds the row values in column order: the new row for
	// Insert/Update, the old row for Delete, empty for Truncate.
	Fields []Field
	// OldFields holds the prior row for Update when the source
	// transmitted it (REPLICA IDENTITY FULL). nil means "no prior value
	// known", which is distinct from a prior value of NULL.
	OldFields []Field
}

// QualifiedName returns the affected table as "schema.table".
func (e *Event) QualifiedName() string {
	return e.Schema + "." + e.Table
}

// Values returns the event's fields as a name -> value map. Column order is
// lost; callers that need it should iterate Fields.
func (e *Event) Values() map[string]any {
	m := make(map[string]any, len(e.Fields))
	for _, f := range e.Fields {
		m[f.Name] = f.Value
	}
	return m
}

// String renders a compact one-line summary, used by logging callbacks.
func (e *Event) String() string {
	return fmt.Sprintf("%s %s xid=%d fields=%d", e.Type, e.QualifiedName(), e.XID, len(e.Fields))
}

// SchemaMismatchError reports a tuple whose length does not match the
// relation's column list, which happens when the schema drifted since the
// last Relation message. It is recoverable: the caller skips the event.
type SchemaMismatchError struct {
	// Relation is the qualified table name.
	Relation string
	// Columns and TupleColumns are the mismatched lengths.
	Columns      int
	TupleColumns int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("event: %s: tuple has %d columns, relation has %d",
		e.Relation, e.TupleColumns, e.Columns)
}

// Builder assembles domain events. Coercion failures are logged per field
// and degrade to the raw text value rather than aborting the event.
type Builder struct {
	logger logrus.FieldLogger
}

// NewBuilder creates a Builder that reports per-field coercion failures to
// the given logger.
func NewBuilder(logger logrus.FieldLogger) *Builder {
	return &Builder{logger: logger}
}

// Build combines a decoded row change, its resolved relation, and the owning
// transaction into a finished event.
//
// Insert and Update read the new tuple; Delete reads the old one. Update
// additionally populates OldFields when the full old tuple was transmitted.
// Truncate messages are handled by BuildTruncate since one wire message can
// fan out into several events.
func (b *Builder) Build(msg *wal.Message, rel *wal.Relation, tx *txn.Transaction) (*Event, error) {
	var eventType Type
	var tuple wal.Tuple

	switch msg.Type {
	case wal.MessageInsert:
		eventType = Insert
		tuple = msg.NewTuple
	case wal.MessageUpdate:
		eventType = Update
		tuple = msg.NewTuple
	case wal.MessageDelete:
		eventType = Delete
		tuple = msg.OldTuple
	default:
		return nil, fmt.Errorf("event: cannot build from %s message", msg.Type)
	}

	fields, err := b.zipFields(tuple, rel)
	if err != nil {
		return nil, err
	}

	ev := &Event{
		Type:       eventType,
		XID:        tx.XID,
		CommitTime: tx.CommitTime,
		Schema:     rel.Namespace,
		Table:      rel.Name,
		Fields:     fields,
	}

	// Old values are only attached when the source sent the complete old
	// row. The key-only form would misreport non-key columns as NULL.
	if eventType == Update && msg.OldTupleKind == wal.OldTupleFull {
		old, err := b.zipFields(msg.OldTuple, rel)
		if err != nil {
			return nil, err
		}
		ev.OldFields = old
	}

	return ev, nil
}

// BuildTruncate produces the event for one relation named by a Truncate
// message. The field mapping is always empty.
func (b *Builder) BuildTruncate(rel *wal.Relation, tx *txn.Transaction) *Event {
	return &Event{
		Type:       Truncate,
		XID:        tx.XID,
		CommitTime: tx.CommitTime,
		Schema:     rel.Namespace,
		Table:      rel.Name,
	}
}

// zipFields pairs positional tuple data with the relation's columns in
// order, coercing each value per its column type.
func (b *Builder) zipFields(tuple wal.Tuple, rel *wal.Relation) ([]Field, error) {
	if len(tuple) != len(rel.Columns) {
		return nil, &SchemaMismatchError{
			Relation:     rel.QualifiedName(),
			Columns:      len(rel.Columns),
			TupleColumns: len(tuple),
		}
	}

	fields := make([]Field, len(tuple))
	for i, col := range rel.Columns {
		value, err := coerce.Coerce(col.TypeOID, tuple[i])
		if err != nil {
			// Keep the raw text and move on; losing one field's type
			// must not stall the stream.
			b.logger.WithError(err).WithFields(logrus.Fields{
				"relation": rel.QualifiedName(),
				"column":   col.Name,
				"type_oid": col.TypeOID,
			}).Warn("value coercion failed, keeping raw text")
		}
		fields[i] = Field{Name: col.Name, Value: value, Key: col.Key}
	}
	return fields, nil
}
