// Package main provides the entry point for the pgcdc streaming service.
package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/pgcdc-io/pgcdc"
	"github.com/pgcdc-io/pgcdc/pkg/config"
	"github.com/pgcdc-io/pgcdc/pkg/event"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

// run executes the main streaming logic and returns any error.
// This is separated from main() to facilitate testing.
func run() error {
	// 1. Load config from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 2. Set up the logger
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger.SetLevel(level)

	// 3. Build the consumer
	consumer, err := pgcdc.New(cfg, pgcdc.WithLogger(logger))
	if err != nil {
		return err
	}

	// 4. Log every change on every table
	err = consumer.OnAll("*.*", func(_ context.Context, ev *event.Event) error {
		logger.WithFields(logrus.Fields{
			"type":     ev.Type.String(),
			"relation": ev.QualifiedName(),
			"xid":      ev.XID,
			"values":   ev.Values(),
		}).Info("change")
		return nil
	})
	if err != nil {
		return err
	}

	// 5. Stream until SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"slot":        cfg.ReplicationSlot,
		"publication": cfg.Publication,
	}).Info("pgcdc starting")

	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("stream error: %w", err)
	}

	logger.Info("pgcdc stopped")
	return nil
}
