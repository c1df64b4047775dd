// Package wal decodes PostgreSQL logical replication messages (pgoutput v1
// protocol) into a closed set of typed message variants. Decoding is a pure
// function of the message bytes: tuple data stays positional and no relation
// metadata is resolved or cached here.
package wal

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
)

// MessageType represents the type of a decoded replication message.
type MessageType int

const (
	// MessageBegin marks the start of a transaction.
	MessageBegin MessageType = iota
	// MessageCommit marks the end of a transaction.
	MessageCommit
	// MessageRelation contains table metadata (schema, name, columns).
	MessageRelation
	// MessageInsert contains a new row.
	MessageInsert
	// MessageUpdate contains row modifications.
	MessageUpdate
	// MessageDelete contains a row deletion.
	MessageDelete
	// MessageTruncate indicates one or more table truncations.
	MessageTruncate
	// MessageOrigin contains replication origin information.
	MessageOrigin
	// MessageType_ contains custom type information.
	MessageType_
)

// String returns a string representation of the MessageType.
func (mt MessageType) String() string {
	switch mt {
	case MessageBegin:
		return "Begin"
	case MessageCommit:
		return "Commit"
	case MessageRelation:
		return "Relation"
	case MessageInsert:
		return "Insert"
	case MessageUpdate:
		return "Update"
	case MessageDelete:
		return "Delete"
	case MessageTruncate:
		return "Truncate"
	case MessageOrigin:
		return "Origin"
	case MessageType_:
		return "Type"
	default:
		return "Unknown"
	}
}

// DecodeError reports a malformed or unrecognized replication message.
// It is fatal to the stream: once one message fails to parse, no further
// message boundaries can be trusted.
type DecodeError struct {
	// Tag is the one-byte message tag, 0 if the buffer was empty.
	Tag byte
	// Err is the underlying parse error, if any.
	Err error
}

func (e *DecodeError) Error() string {
	if e.Tag == 0 {
		return "wal: empty replication message"
	}
	if e.Err != nil {
		return fmt.Sprintf("wal: decoding message %q: %v", e.Tag, e.Err)
	}
	return fmt.Sprintf("wal: unrecognized message tag %q", e.Tag)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TupleColumn is one positional column of a row tuple as transmitted on the
// wire. Exactly one of Null/Unchanged is set, or Data holds the raw value.
type TupleColumn struct {
	// Null indicates SQL NULL.
	Null bool
	// Unchanged indicates an unchanged TOAST value that was not
	// retransmitted. It must be treated as unknown, never as null.
	Unchanged bool
	// Data is the raw value bytes (text format under proto_version 1).
	Data []byte
}

// Tuple is the ordered column data of one row. Order matches the column
// order of the owning relation's most recent Relation message.
type Tuple []TupleColumn

// Column describes one column of a relation.
type Column struct {
	// Name is the column name.
	Name string
	// TypeOID is the PostgreSQL type OID.
	TypeOID uint32
	// TypeMod is the type modifier (e.g. varchar length).
	TypeMod int32
	// Key indicates the column is part of the replica identity.
	Key bool
}

// Relation describes a table as announced by a Relation message.
type Relation struct {
	// ID is the PostgreSQL relation OID.
	ID uint32
	// Namespace is the schema name.
	Namespace string
	// Name is the table name.
	Name string
	// Columns is the ordered column list. The order is authoritative for
	// positional tuple data.
	Columns []Column
	// ReplicaIdentity is the table's replica identity setting
	// ('d' default, 'f' full, 'n' nothing, 'i' index).
	ReplicaIdentity byte
}

// QualifiedName returns the table name as "schema.table".
func (r *Relation) QualifiedName() string {
	return r.Namespace + "." + r.Name
}

// OldTupleKind distinguishes the two forms of old-tuple data on the wire.
type OldTupleKind byte

const (
	// OldTupleNone means no old tuple was transmitted.
	OldTupleNone OldTupleKind = 0
	// OldTupleKey means the old tuple carries only replica identity
	// columns (non-key positions are null).
	OldTupleKey OldTupleKind = 'K'
	// OldTupleFull means the old tuple carries all columns
	// (REPLICA IDENTITY FULL).
	OldTupleFull OldTupleKind = 'O'
)

// Message is one decoded replication message. Type selects the variant;
// the remaining fields are populated per variant as documented.
type Message struct {
	// Type indicates the message variant.
	Type MessageType

	// Xid is the transaction ID (Begin only).
	Xid uint32

	// CommitTime is the transaction commit timestamp (Begin and Commit).
	CommitTime time.Time

	// FinalLSN is the final LSN of the transaction (Begin only).
	FinalLSN pglogrepl.LSN

	// CommitLSN and EndLSN are the commit record LSN and the end of the
	// transaction (Commit only; CommitLSN also set for Origin).
	CommitLSN pglogrepl.LSN
	EndLSN    pglogrepl.LSN

	// Relation is the announced table metadata (Relation only).
	Relation *Relation

	// RelationID identifies the affected table (Insert/Update/Delete).
	RelationID uint32

	// NewTuple is the new row data (Insert/Update).
	NewTuple Tuple

	// OldTuple is the prior row data (Update when transmitted, Delete).
	OldTuple Tuple

	// OldTupleKind indicates which form the old tuple took.
	OldTupleKind OldTupleKind

	// TruncateRelationIDs lists all truncated tables (Truncate only).
	// A single message may name several relations; downstream processing
	// emits one logical change per relation.
	TruncateRelationIDs []uint32

	// TruncateCascade and TruncateRestartIdentity carry the truncate
	// options (Truncate only).
	TruncateCascade         bool
	TruncateRestartIdentity bool

	// OriginName is the replication origin (Origin only).
	OriginName string
}

// Decode parses one replication message buffer into a Message.
// It fails with a *DecodeError for an empty buffer, an unrecognized tag,
// or a malformed body.
func Decode(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, &DecodeError{}
	}

	logicalMsg, err := pglogrepl.Parse(data)
	if err != nil {
		return nil, &DecodeError{Tag: data[0], Err: err}
	}

	switch m := logicalMsg.(type) {
	case *pglogrepl.BeginMessage:
		return &Message{
			Type:       MessageBegin,
			Xid:        m.Xid,
			CommitTime: m.CommitTime,
			FinalLSN:   m.FinalLSN,
		}, nil

	case *pglogrepl.CommitMessage:
		return &Message{
			Type:       MessageCommit,
			CommitLSN:  m.CommitLSN,
			EndLSN:     m.TransactionEndLSN,
			CommitTime: m.CommitTime,
		}, nil

	case *pglogrepl.RelationMessage:
		return &Message{
			Type:     MessageRelation,
			Relation: decodeRelation(m),
		}, nil

	case *pglogrepl.InsertMessage:
		return &Message{
			Type:       MessageInsert,
			RelationID: m.RelationID,
			NewTuple:   decodeTuple(m.Tuple),
		}, nil

	case *pglogrepl.UpdateMessage:
		msg := &Message{
			Type:       MessageUpdate,
			RelationID: m.RelationID,
			NewTuple:   decodeTuple(m.NewTuple),
		}
		if m.OldTuple != nil {
			msg.OldTuple = decodeTuple(m.OldTuple)
			msg.OldTupleKind = OldTupleFull
			if m.OldTupleType == pglogrepl.UpdateMessageTupleTypeKey {
				msg.OldTupleKind = OldTupleKey
			}
		}
		return msg, nil

	case *pglogrepl.DeleteMessage:
		msg := &Message{
			Type:       MessageDelete,
			RelationID: m.RelationID,
		}
		if m.OldTuple != nil {
			msg.OldTuple = decodeTuple(m.OldTuple)
			msg.OldTupleKind = OldTupleFull
			if m.OldTupleType == pglogrepl.DeleteMessageTupleTypeKey {
				msg.OldTupleKind = OldTupleKey
			}
		}
		return msg, nil

	case *pglogrepl.TruncateMessage:
		return &Message{
			Type:                    MessageTruncate,
			TruncateRelationIDs:     m.RelationIDs,
			TruncateCascade:         m.Option&1 != 0,
			TruncateRestartIdentity: m.Option&2 != 0,
		}, nil

	case *pglogrepl.OriginMessage:
		return &Message{
			Type:       MessageOrigin,
			CommitLSN:  m.CommitLSN,
			OriginName: m.Name,
		}, nil

	case *pglogrepl.TypeMessage:
		return &Message{Type: MessageType_}, nil

	default:
		return nil, &DecodeError{Tag: data[0], Err: fmt.Errorf("unsupported message %T", logicalMsg)}
	}
}

// decodeRelation converts pglogrepl relation metadata.
func decodeRelation(m *pglogrepl.RelationMessage) *Relation {
	columns := make([]Column, len(m.Columns))
	for i, col := range m.Columns {
		columns[i] = Column{
			Name:    col.Name,
			TypeOID: col.DataType,
			TypeMod: col.TypeModifier,
			Key:     col.Flags == 1,
		}
	}

	return &Relation{
		ID:              m.RelationID,
		Namespace:       m.Namespace,
		Name:            m.RelationName,
		Columns:         columns,
		ReplicaIdentity: m.ReplicaIdentity,
	}
}

// decodeTuple converts pglogrepl tuple data into positional triples.
func decodeTuple(tuple *pglogrepl.TupleData) Tuple {
	if tuple == nil {
		return nil
	}

	out := make(Tuple, len(tuple.Columns))
	for i, col := range tuple.Columns {
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			out[i] = TupleColumn{Null: true}
		case pglogrepl.TupleDataTypeToast:
			out[i] = TupleColumn{Unchanged: true}
		default:
			// 't' (text) and 'b' (binary) both carry raw bytes.
			out[i] = TupleColumn{Data: col.Data}
		}
	}
	return out
}
