// Package pgcdc turns PostgreSQL logical replication into typed change
// events delivered to registered handlers. A Consumer owns the replication
// connection, decodes the pgoutput stream, and fans each committed change
// out to the subscriptions that match its table and operation.
package pgcdc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pglogrepl"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"

	"github.com/pgcdc-io/pgcdc/pkg/config"
	"github.com/pgcdc-io/pgcdc/pkg/dispatch"
	"github.com/pgcdc-io/pgcdc/pkg/event"
	"github.com/pgcdc-io/pgcdc/pkg/replication"
	"github.com/pgcdc-io/pgcdc/pkg/runner"
)

// Handler is invoked for each matching change event. Re-exported so callers
// only need this package for the common path.
type Handler = dispatch.Handler

// Consumer is the top-level entry point. Register subscriptions with On or
// OnAll, then call Start to stream until the context is cancelled.
type Consumer struct {
	cfg        *config.Config
	logger     logrus.FieldLogger
	dispatcher *dispatch.Dispatcher

	// source overrides the replication client when set (tests).
	source runner.Source

	client *replication.Client
	runner *runner.Runner
}

// Option customizes a Consumer.
type Option func(*Consumer)

// WithLogger sets the logger. Defaults to logrus.StandardLogger().
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Consumer) { c.logger = logger }
}

// WithSource replaces the replication connection with a custom message
// source. Slot and publication management are skipped.
func WithSource(source runner.Source) Option {
	return func(c *Consumer) { c.source = source }
}

// New creates a Consumer from the given configuration.
func New(cfg *config.Config, opts ...Option) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("pgcdc: nil config")
	}

	c := &Consumer{
		cfg:    cfg,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dispatcher = dispatch.NewDispatcher(c.logger)

	return c, nil
}

// On registers handler for events of the given type on tables matching
// pattern ("schema.table", either segment may be "*").
func (c *Consumer) On(eventType event.Type, pattern string, handler Handler) error {
	return c.dispatcher.Subscribe(eventType, pattern, handler)
}

// OnAll registers handler for every event type on tables matching pattern.
func (c *Consumer) OnAll(pattern string, handler Handler) error {
	return c.dispatcher.Subscribe(dispatch.AnyType, pattern, handler)
}

// Start connects, ensures the slot and publication exist, and streams
// changes until ctx is cancelled or a fatal error occurs. It blocks.
func (c *Consumer) Start(ctx context.Context) error {
	source := c.source
	if source == nil {
		if err := c.cfg.Validate(); err != nil {
			return fmt.Errorf("pgcdc: invalid config: %w", err)
		}
		client, err := c.connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close(context.Background())
		c.client = client
		source = client
	}

	c.runner = runner.New(source, c.dispatcher, c.logger, runner.Config{
		AckInterval: c.cfg.AckInterval,
		AckEvery:    c.cfg.AckEvery,
	})

	err := c.runner.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Position returns the last WAL position the stream has processed.
func (c *Consumer) Position() pglogrepl.LSN {
	if c.runner == nil {
		return 0
	}
	return c.runner.Position()
}

// connect prepares the server side and opens the replication stream.
func (c *Consumer) connect(ctx context.Context) (*replication.Client, error) {
	db, err := sql.Open("pgx", c.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgcdc: opening admin connection: %w", err)
	}
	defer db.Close()

	pubs := replication.NewPublicationManager(db, c.cfg.Publication, c.logger)
	if err := pubs.Ensure(ctx); err != nil {
		return nil, err
	}

	client := replication.NewClient(replication.ClientConfig{
		ConnString:            c.cfg.DatabaseURL,
		SlotName:              c.cfg.ReplicationSlot,
		Publication:           c.cfg.Publication,
		StandbyMessageTimeout: c.cfg.StandbyTimeout,
	}, c.logger)

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	if c.cfg.CreateSlot {
		if err := client.CreateSlot(ctx); err != nil {
			client.Close(context.Background())
			return nil, err
		}
	}

	if err := client.StartStreaming(ctx); err != nil {
		client.Close(context.Background())
		return nil, err
	}

	return client, nil
}
