package txn_test

import (
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgcdc-io/pgcdc/pkg/txn"
)

var commitTime = time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC)

func TestBeginCommitCycle(t *testing.T) {
	tracker := txn.NewTracker()
	assert.False(t, tracker.Active())

	require.NoError(t, tracker.Begin(742, commitTime, pglogrepl.LSN(100)))
	assert.True(t, tracker.Active())

	tx, err := tracker.Current("Insert")
	require.NoError(t, err)
	assert.Equal(t, uint32(742), tx.XID)
	assert.True(t, tx.CommitTime.Equal(commitTime))
	assert.Equal(t, pglogrepl.LSN(100), tx.FinalLSN)

	committed, err := tracker.Commit()
	require.NoError(t, err)
	assert.Equal(t, uint32(742), committed.XID)
	assert.False(t, tracker.Active())

	// A fresh transaction can open after the commit.
	require.NoError(t, tracker.Begin(743, commitTime, pglogrepl.LSN(200)))
	tx, err = tracker.Current("Update")
	require.NoError(t, err)
	assert.Equal(t, uint32(743), tx.XID)
}

func TestNestedBeginIsProtocolViolation(t *testing.T) {
	tracker := txn.NewTracker()
	require.NoError(t, tracker.Begin(1, commitTime, 100))

	err := tracker.Begin(2, commitTime, 200)

	var seqErr *txn.ProtocolSequenceError
	require.ErrorAs(t, err, &seqErr)
	assert.Equal(t, "Begin", seqErr.Op)

	// The original transaction is untouched.
	tx, err := tracker.Current("Insert")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), tx.XID)
}

func TestCommitWhileIdleIsProtocolViolation(t *testing.T) {
	tracker := txn.NewTracker()

	_, err := tracker.Commit()

	var seqErr *txn.ProtocolSequenceError
	require.ErrorAs(t, err, &seqErr)
	assert.Equal(t, "Commit", seqErr.Op)
}

func TestChangeWhileIdleIsProtocolViolation(t *testing.T) {
	tracker := txn.NewTracker()

	_, err := tracker.Current("Insert")

	var seqErr *txn.ProtocolSequenceError
	require.ErrorAs(t, err, &seqErr)
	assert.Equal(t, "Insert", seqErr.Op)
	assert.Contains(t, err.Error(), "no transaction open")
}
