// Package replication provides the PostgreSQL side of the pipeline: a
// logical replication connection that yields raw pgoutput messages tagged
// with their WAL positions, plus publication administration helpers.
package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/sirupsen/logrus"
)

// PostgreSQL SQLSTATE codes the client tolerates.
const (
	sqlstateDuplicateObject = "42710"
	sqlstateUndefinedObject = "42704"
)

// DefaultStandbyMessageTimeout is the default interval for standby status
// updates when none is configured.
const DefaultStandbyMessageTimeout = 10 * time.Second

// ClientConfig configures the replication client.
type ClientConfig struct {
	// ConnString is the PostgreSQL connection string. The replication
	// parameter is added automatically if absent.
	ConnString string

	// SlotName is the replication slot to stream from.
	SlotName string

	// Publication is the publication to subscribe to.
	Publication string

	// StartLSN is the position to resume from. 0 resumes from the
	// slot's confirmed_flush_lsn.
	StartLSN pglogrepl.LSN

	// StandbyMessageTimeout is the keepalive/status-update interval.
	// Defaults to DefaultStandbyMessageTimeout.
	StandbyMessageTimeout time.Duration
}

// Client manages one logical replication connection. It satisfies the
// stream runner's Source interface: Receive yields raw messages and
// Acknowledge reports the flushed position back to the server.
type Client struct {
	config ClientConfig
	logger logrus.FieldLogger

	mu   sync.Mutex
	conn *pgconn.PgConn

	// LSN bookkeeping for standby status updates.
	receivedLSN pglogrepl.LSN
	flushedLSN  pglogrepl.LSN

	statusDeadline time.Time
}

// NewClient creates a replication client. It does not connect.
func NewClient(config ClientConfig, logger logrus.FieldLogger) *Client {
	if config.StandbyMessageTimeout <= 0 {
		config.StandbyMessageTimeout = DefaultStandbyMessageTimeout
	}

	return &Client{
		config: config,
		logger: logger,
	}
}

// ReplicationConnString returns connString with the replication=database
// parameter required for logical replication connections, adding it if the
// caller did not.
func ReplicationConnString(connString string) string {
	if strings.Contains(connString, "replication=") {
		return connString
	}
	if strings.Contains(connString, "://") {
		sep := "?"
		if strings.Contains(connString, "?") {
			sep = "&"
		}
		return connString + sep + "replication=database"
	}
	return connString + " replication=database"
}

// Connect establishes the replication connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return errors.New("replication: already connected")
	}

	conn, err := pgconn.Connect(ctx, ReplicationConnString(c.config.ConnString))
	if err != nil {
		return fmt.Errorf("replication: connecting: %w", err)
	}

	c.conn = conn
	return nil
}

// Close closes the connection.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(ctx)
	c.conn = nil
	return err
}

// IdentifySystem reports the server's system ID, timeline, and current WAL
// position.
func (c *Client) IdentifySystem(ctx context.Context) (*pglogrepl.IdentifySystemResult, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}

	result, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("replication: identify system: %w", err)
	}
	return &result, nil
}

// CreateSlot creates the configured replication slot with the pgoutput
// plugin. An already existing slot is not an error.
func (c *Client) CreateSlot(ctx context.Context) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, c.config.SlotName, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{Mode: pglogrepl.LogicalReplication})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == sqlstateDuplicateObject {
			c.logger.WithField("slot", c.config.SlotName).Debug("replication slot already exists")
			return nil
		}
		return fmt.Errorf("replication: creating slot %q: %w", c.config.SlotName, err)
	}

	c.logger.WithField("slot", c.config.SlotName).Info("created replication slot")
	return nil
}

// DropSlot drops the configured replication slot. A missing slot is not an
// error.
func (c *Client) DropSlot(ctx context.Context) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	err = pglogrepl.DropReplicationSlot(ctx, conn, c.config.SlotName, pglogrepl.DropReplicationSlotOptions{})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == sqlstateUndefinedObject {
			return nil
		}
		return fmt.Errorf("replication: dropping slot %q: %w", c.config.SlotName, err)
	}
	return nil
}

// StartStreaming begins replication on the slot. Receive may be called once
// this returns.
func (c *Client) StartStreaming(ctx context.Context) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", c.config.Publication),
	}

	err = pglogrepl.StartReplication(ctx, conn, c.config.SlotName, c.config.StartLSN,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs})
	if err != nil {
		return fmt.Errorf("replication: starting replication: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"slot":        c.config.SlotName,
		"publication": c.config.Publication,
		"start_lsn":   c.config.StartLSN.String(),
	}).Info("replication started")

	// Send one status update straight away.
	c.mu.Lock()
	c.statusDeadline = time.Now()
	c.mu.Unlock()
	return nil
}

// Receive blocks until the next XLogData message and returns its WAL start
// position together with the pgoutput payload. Keepalives and standby
// status updates are handled internally.
func (c *Client) Receive(ctx context.Context) (pglogrepl.LSN, []byte, error) {
	conn, err := c.connection()
	if err != nil {
		return 0, nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}

		c.mu.Lock()
		deadline := c.statusDeadline
		c.mu.Unlock()

		if !time.Now().Before(deadline) {
			if err := c.sendStatusUpdate(ctx, conn); err != nil {
				return 0, nil, err
			}
			deadline = time.Now().Add(c.config.StandbyMessageTimeout)
			c.mu.Lock()
			c.statusDeadline = deadline
			c.mu.Unlock()
		}

		receiveCtx, cancel := context.WithDeadline(ctx, deadline)
		rawMsg, err := conn.ReceiveMessage(receiveCtx)
		cancel()

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, nil, ctxErr
			}
			if pgconn.Timeout(err) {
				// Status update is due; loop around.
				continue
			}
			return 0, nil, fmt.Errorf("replication: receiving message: %w", err)
		}

		if errResp, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return 0, nil, fmt.Errorf("replication: server error %s: %s", errResp.Code, errResp.Message)
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(copyData.Data) == 0 {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pk, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				return 0, nil, fmt.Errorf("replication: parsing keepalive: %w", err)
			}
			c.mu.Lock()
			if pk.ServerWALEnd > c.receivedLSN {
				c.receivedLSN = pk.ServerWALEnd
			}
			if pk.ReplyRequested {
				c.statusDeadline = time.Now()
			}
			c.mu.Unlock()

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return 0, nil, fmt.Errorf("replication: parsing xlog data: %w", err)
			}
			c.mu.Lock()
			if end := xld.WALStart + pglogrepl.LSN(len(xld.WALData)); end > c.receivedLSN {
				c.receivedLSN = end
			}
			c.mu.Unlock()
			return xld.WALStart, xld.WALData, nil

		default:
			c.logger.WithField("byte", copyData.Data[0]).Debug("ignoring unknown copy data message")
		}
	}
}

// Acknowledge records lsn as fully processed and sends a standby status
// update so the server can discard older WAL.
func (c *Client) Acknowledge(ctx context.Context, lsn pglogrepl.LSN) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if lsn > c.flushedLSN {
		c.flushedLSN = lsn
	}
	c.mu.Unlock()

	return c.sendStatusUpdate(ctx, conn)
}

// FlushedLSN returns the last acknowledged position.
func (c *Client) FlushedLSN() pglogrepl.LSN {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushedLSN
}

// connection returns the live connection or an error.
func (c *Client) connection() (*pgconn.PgConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, errors.New("replication: not connected")
	}
	return c.conn, nil
}

// sendStatusUpdate reports received/flushed positions to the server. The
// server expects LSN+1, meaning "everything up to and including this LSN".
func (c *Client) sendStatusUpdate(ctx context.Context, conn *pgconn.PgConn) error {
	c.mu.Lock()
	received := c.receivedLSN
	flushed := c.flushedLSN
	c.mu.Unlock()

	err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: received + 1,
		WALFlushPosition: flushed + 1,
		WALApplyPosition: flushed + 1,
		ClientTime:       time.Now(),
	})
	if err != nil {
		return fmt.Errorf("replication: sending standby status: %w", err)
	}
	return nil
}
