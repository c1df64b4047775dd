package event_test

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgcdc-io/pgcdc/pkg/coerce"
	"github.com/pgcdc-io/pgcdc/pkg/event"
	"github.com/pgcdc-io/pgcdc/pkg/txn"
	"github.com/pgcdc-io/pgcdc/pkg/wal"
)

var commitTime = time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC)

func testBuilder() *event.Builder {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return event.NewBuilder(logger)
}

func actorsRelation() *wal.Relation {
	return &wal.Relation{
		ID:        16396,
		Namespace: "public",
		Name:      "actors",
		Columns: []wal.Column{
			{Name: "nconst", TypeOID: 25, Key: true},
			{Name: "birthyear", TypeOID: 23},
		},
	}
}

func testTx() *txn.Transaction {
	return &txn.Transaction{XID: 5, CommitTime: commitTime}
}

func text(s string) wal.TupleColumn {
	return wal.TupleColumn{Data: []byte(s)}
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "INSERT", event.Insert.String())
	assert.Equal(t, "UPDATE", event.Update.String())
	assert.Equal(t, "DELETE", event.Delete.String())
	assert.Equal(t, "TRUNCATE", event.Truncate.String())
	assert.Equal(t, "UNKNOWN", event.Type(42).String())
}

func TestBuildInsert(t *testing.T) {
	msg := &wal.Message{
		Type:       wal.MessageInsert,
		RelationID: 16396,
		NewTuple:   wal.Tuple{text("nm1"), text("1990")},
	}

	ev, err := testBuilder().Build(msg, actorsRelation(), testTx())
	require.NoError(t, err)

	assert.Equal(t, event.Insert, ev.Type)
	assert.Equal(t, uint32(5), ev.XID)
	assert.True(t, ev.CommitTime.Equal(commitTime))
	assert.Equal(t, "public", ev.Schema)
	assert.Equal(t, "actors", ev.Table)
	assert.Equal(t, "public.actors", ev.QualifiedName())

	// Field names and order exactly match the relation's columns.
	require.Len(t, ev.Fields, 2)
	assert.Equal(t, "nconst", ev.Fields[0].Name)
	assert.Equal(t, "nm1", ev.Fields[0].Value)
	assert.True(t, ev.Fields[0].Key)
	assert.Equal(t, "birthyear", ev.Fields[1].Name)
	assert.Equal(t, int64(1990), ev.Fields[1].Value)

	assert.Nil(t, ev.OldFields)
	assert.Equal(t, map[string]any{"nconst": "nm1", "birthyear": int64(1990)}, ev.Values())
}

func TestBuildDeleteUsesOldTuple(t *testing.T) {
	msg := &wal.Message{
		Type:         wal.MessageDelete,
		RelationID:   16396,
		OldTuple:     wal.Tuple{text("nm1"), {Null: true}},
		OldTupleKind: wal.OldTupleFull,
	}

	ev, err := testBuilder().Build(msg, actorsRelation(), testTx())
	require.NoError(t, err)

	assert.Equal(t, event.Delete, ev.Type)
	require.Len(t, ev.Fields, 2)
	assert.Equal(t, "nm1", ev.Fields[0].Value)
	assert.Nil(t, ev.Fields[1].Value)
}

func TestBuildUpdate(t *testing.T) {
	t.Run("with full old tuple", func(t *testing.T) {
		msg := &wal.Message{
			Type:         wal.MessageUpdate,
			RelationID:   16396,
			OldTuple:     wal.Tuple{text("nm1"), text("1989")},
			OldTupleKind: wal.OldTupleFull,
			NewTuple:     wal.Tuple{text("nm1"), text("1990")},
		}

		ev, err := testBuilder().Build(msg, actorsRelation(), testTx())
		require.NoError(t, err)

		assert.Equal(t, event.Update, ev.Type)
		assert.Equal(t, int64(1990), ev.Fields[1].Value)
		require.Len(t, ev.OldFields, 2)
		assert.Equal(t, int64(1989), ev.OldFields[1].Value)
	})

	t.Run("without old tuple", func(t *testing.T) {
		msg := &wal.Message{
			Type:       wal.MessageUpdate,
			RelationID: 16396,
			NewTuple:   wal.Tuple{text("nm1"), text("1990")},
		}

		ev, err := testBuilder().Build(msg, actorsRelation(), testTx())
		require.NoError(t, err)

		// nil, not an empty slice: "no prior value known" is distinct
		// from "prior value was null".
		assert.Nil(t, ev.OldFields)
	})

	t.Run("key-only old tuple is not reported", func(t *testing.T) {
		msg := &wal.Message{
			Type:         wal.MessageUpdate,
			RelationID:   16396,
			OldTuple:     wal.Tuple{text("nm0"), {Null: true}},
			OldTupleKind: wal.OldTupleKey,
			NewTuple:     wal.Tuple{text("nm1"), text("1990")},
		}

		ev, err := testBuilder().Build(msg, actorsRelation(), testTx())
		require.NoError(t, err)
		assert.Nil(t, ev.OldFields)
	})
}

func TestBuildUnchangedToastField(t *testing.T) {
	msg := &wal.Message{
		Type:       wal.MessageUpdate,
		RelationID: 16396,
		NewTuple:   wal.Tuple{text("nm1"), {Unchanged: true}},
	}

	ev, err := testBuilder().Build(msg, actorsRelation(), testTx())
	require.NoError(t, err)

	assert.True(t, coerce.IsUnchanged(ev.Fields[1].Value))
	assert.NotNil(t, ev.Fields[1].Value)
}

func TestBuildTruncate(t *testing.T) {
	ev := testBuilder().BuildTruncate(actorsRelation(), testTx())

	assert.Equal(t, event.Truncate, ev.Type)
	assert.Equal(t, uint32(5), ev.XID)
	assert.Equal(t, "public.actors", ev.QualifiedName())
	assert.Empty(t, ev.Fields)
}

func TestBuildSchemaMismatch(t *testing.T) {
	msg := &wal.Message{
		Type:       wal.MessageInsert,
		RelationID: 16396,
		NewTuple:   wal.Tuple{text("nm1"), text("1990"), text("extra")},
	}

	_, err := testBuilder().Build(msg, actorsRelation(), testTx())

	var mismatchErr *event.SchemaMismatchError
	require.ErrorAs(t, err, &mismatchErr)
	assert.Equal(t, "public.actors", mismatchErr.Relation)
	assert.Equal(t, 2, mismatchErr.Columns)
	assert.Equal(t, 3, mismatchErr.TupleColumns)
}

// A field that fails coercion keeps its raw text; the event still builds.
func TestBuildCoercionFailureDegrades(t *testing.T) {
	msg := &wal.Message{
		Type:       wal.MessageInsert,
		RelationID: 16396,
		NewTuple:   wal.Tuple{text("nm1"), text("not-a-year")},
	}

	ev, err := testBuilder().Build(msg, actorsRelation(), testTx())
	require.NoError(t, err)

	assert.Equal(t, "not-a-year", ev.Fields[1].Value)
}
