// Package txn tracks Begin/Commit framing for a single replication stream
// and attributes every intervening message to the open transaction.
package txn

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
)

// Transaction is the currently open transaction, created on Begin and
// discarded on the matching Commit. Only one can be open per stream.
type Transaction struct {
	// XID is the PostgreSQL transaction ID.
	XID uint32
	// CommitTime is the commit timestamp announced by the Begin message.
	CommitTime time.Time
	// FinalLSN is the final LSN of the transaction.
	FinalLSN pglogrepl.LSN
}

// ProtocolSequenceError reports a Begin/Commit ordering violation. It is
// fatal: transaction attribution can no longer be trusted, so the stream
// must stop rather than emit misattributed events.
type ProtocolSequenceError struct {
	// Op names the offending message.
	Op string
	// Detail explains the violated expectation.
	Detail string
}

func (e *ProtocolSequenceError) Error() string {
	return fmt.Sprintf("txn: %s %s", e.Op, e.Detail)
}

// Tracker is the Idle <-> InTransaction state machine.
//
// Like the relation cache, a Tracker is scoped to one stream's processing
// goroutine and is not safe for concurrent use.
type Tracker struct {
	current *Transaction
}

// NewTracker creates a tracker in the Idle state.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Begin opens a transaction. A second Begin while one is already open is a
// protocol violation.
func (t *Tracker) Begin(xid uint32, commitTime time.Time, finalLSN pglogrepl.LSN) error {
	if t.current != nil {
		return &ProtocolSequenceError{
			Op:     "Begin",
			Detail: fmt.Sprintf("received while transaction %d is still open", t.current.XID),
		}
	}
	t.current = &Transaction{XID: xid, CommitTime: commitTime, FinalLSN: finalLSN}
	return nil
}

// Commit closes the open transaction and returns it. Commit while Idle is a
// protocol violation.
func (t *Tracker) Commit() (*Transaction, error) {
	if t.current == nil {
		return nil, &ProtocolSequenceError{
			Op:     "Commit",
			Detail: "received with no transaction open",
		}
	}
	tx := t.current
	t.current = nil
	return tx, nil
}

// Current returns the open transaction for attributing an intervening
// message. op names the message type for the error when the tracker is
// Idle, which is a protocol violation.
func (t *Tracker) Current(op string) (*Transaction, error) {
	if t.current == nil {
		return nil, &ProtocolSequenceError{
			Op:     op,
			Detail: "received with no transaction open",
		}
	}
	return t.current, nil
}

// Active reports whether a transaction is open.
func (t *Tracker) Active() bool {
	return t.current != nil
}
