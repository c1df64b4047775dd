// Package runner drives the replication consumption loop: receive one raw
// message, decode it, route it through the relation cache and transaction
// tracker, dispatch finished events, and acknowledge processed positions so
// the server can reclaim retained WAL.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/sirupsen/logrus"

	"github.com/pgcdc-io/pgcdc/pkg/dispatch"
	"github.com/pgcdc-io/pgcdc/pkg/event"
	"github.com/pgcdc-io/pgcdc/pkg/schema"
	"github.com/pgcdc-io/pgcdc/pkg/txn"
	"github.com/pgcdc-io/pgcdc/pkg/wal"
)

// Source is the upstream replication feed: an ordered sequence of opaque
// message buffers tagged with their WAL positions.
type Source interface {
	// Receive blocks until the next replication message is available,
	// the context is cancelled, or the connection fails.
	Receive(ctx context.Context) (pglogrepl.LSN, []byte, error)

	// Acknowledge reports that everything up to and including lsn has
	// been fully processed, letting the server discard older WAL.
	Acknowledge(ctx context.Context, lsn pglogrepl.LSN) error
}

// Config holds the runner's acknowledgment cadence.
type Config struct {
	// AckInterval is the time-based acknowledgment interval.
	// Defaults to 10 seconds.
	AckInterval time.Duration

	// AckEvery additionally acknowledges after this many processed
	// messages. 0 disables count-based acknowledgment.
	AckEvery int
}

// DefaultAckInterval is used when Config.AckInterval is zero.
const DefaultAckInterval = 10 * time.Second

// Runner consumes one replication stream. Each Runner owns its relation
// cache and transaction tracker; independent runners share nothing.
type Runner struct {
	source     Source
	dispatcher *dispatch.Dispatcher
	logger     logrus.FieldLogger
	config     Config

	cache   *schema.Cache
	tracker *txn.Tracker
	builder *event.Builder

	mu       sync.Mutex
	position pglogrepl.LSN
	sinceAck int
}

// New creates a runner over the given source and dispatcher.
func New(source Source, dispatcher *dispatch.Dispatcher, logger logrus.FieldLogger, config Config) *Runner {
	if config.AckInterval <= 0 {
		config.AckInterval = DefaultAckInterval
	}

	return &Runner{
		source:     source,
		dispatcher: dispatcher,
		logger:     logger,
		config:     config,
		cache:      schema.NewCache(),
		tracker:    txn.NewTracker(),
		builder:    event.NewBuilder(logger),
	}
}

// Position returns the highest fully processed WAL position.
func (r *Runner) Position() pglogrepl.LSN {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.position
}

// Run drives the consumption loop until the context is cancelled or a fatal
// error occurs. Messages are processed strictly in stream order on the
// calling goroutine; the receive call is the only suspension point.
//
// Decode and protocol-sequence errors are fatal and returned to the caller,
// who owns reconnect policy. Per-event and per-field failures are logged and
// contained. On cancellation the in-flight message is completed and the
// final position acknowledged before returning, so the resume point is
// always consistent with what subscribers have seen (at-least-once).
func (r *Runner) Run(ctx context.Context) error {
	ackDeadline := time.Now().Add(r.config.AckInterval)

	for {
		lsn, data, err := r.source.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				r.flushAck()
				return err
			}
			return fmt.Errorf("receiving replication message: %w", err)
		}

		msg, err := wal.Decode(data)
		if err != nil {
			r.logger.WithError(err).WithField("lsn", lsn).Error("undecodable replication message, stopping")
			return err
		}

		if err := r.process(ctx, msg); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"lsn":     lsn,
				"message": msg.Type.String(),
			}).Error("protocol violation, stopping")
			return err
		}

		r.advance(lsn, msg)

		r.mu.Lock()
		r.sinceAck++
		due := r.sinceAck >= r.config.AckEvery && r.config.AckEvery > 0
		r.mu.Unlock()

		if due || time.Now().After(ackDeadline) {
			if err := r.acknowledge(ctx); err != nil {
				return fmt.Errorf("acknowledging position: %w", err)
			}
			ackDeadline = time.Now().Add(r.config.AckInterval)
		}
	}
}

// process routes one decoded message. Returned errors are fatal; everything
// recoverable is handled and logged here.
func (r *Runner) process(ctx context.Context, msg *wal.Message) error {
	switch msg.Type {
	case wal.MessageBegin:
		return r.tracker.Begin(msg.Xid, msg.CommitTime, msg.FinalLSN)

	case wal.MessageCommit:
		_, err := r.tracker.Commit()
		return err

	case wal.MessageRelation:
		// Relation messages only appear inside a transaction.
		if _, err := r.tracker.Current(msg.Type.String()); err != nil {
			return err
		}
		r.cache.Update(msg.Relation)
		return nil

	case wal.MessageInsert, wal.MessageUpdate, wal.MessageDelete:
		return r.processChange(ctx, msg)

	case wal.MessageTruncate:
		return r.processTruncate(ctx, msg)

	default:
		// Origin and Type messages carry nothing we deliver.
		return nil
	}
}

// processChange builds and dispatches one row-change event.
func (r *Runner) processChange(ctx context.Context, msg *wal.Message) error {
	tx, err := r.tracker.Current(msg.Type.String())
	if err != nil {
		return err
	}

	rel, err := r.cache.Resolve(msg.RelationID)
	if err != nil {
		// The change cannot be named without its schema. Drop it
		// loudly and keep the stream alive.
		r.logger.WithError(err).WithFields(logrus.Fields{
			"relation_id": msg.RelationID,
			"message":     msg.Type.String(),
			"xid":         tx.XID,
		}).Error("dropping change for unknown relation")
		return nil
	}

	ev, err := r.builder.Build(msg, rel, tx)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"relation": rel.QualifiedName(),
			"xid":      tx.XID,
		}).Error("dropping event")
		return nil
	}

	r.dispatcher.Dispatch(ctx, ev)
	return nil
}

// processTruncate fans one Truncate message out into one event per named
// relation.
func (r *Runner) processTruncate(ctx context.Context, msg *wal.Message) error {
	tx, err := r.tracker.Current(msg.Type.String())
	if err != nil {
		return err
	}

	for _, relID := range msg.TruncateRelationIDs {
		rel, err := r.cache.Resolve(relID)
		if err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"relation_id": relID,
				"xid":         tx.XID,
			}).Error("dropping truncate for unknown relation")
			continue
		}
		r.dispatcher.Dispatch(ctx, r.builder.BuildTruncate(rel, tx))
	}
	return nil
}

// advance moves the processed position forward, monotonically. Commit always
// advances to the transaction end so WAL reclamation never stalls on a
// transaction nobody subscribed to.
func (r *Runner) advance(lsn pglogrepl.LSN, msg *wal.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lsn > r.position {
		r.position = lsn
	}
	if msg.Type == wal.MessageCommit && msg.EndLSN > r.position {
		r.position = msg.EndLSN
	}
}

// acknowledge reports the current position to the source.
func (r *Runner) acknowledge(ctx context.Context) error {
	r.mu.Lock()
	position := r.position
	r.sinceAck = 0
	r.mu.Unlock()

	if position == 0 {
		return nil
	}
	return r.source.Acknowledge(ctx, position)
}

// flushAck sends a best-effort final acknowledgment during shutdown.
func (r *Runner) flushAck() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.acknowledge(ctx); err != nil {
		r.logger.WithError(err).Warn("final acknowledgment failed")
	}
}
