// Package config provides configuration loading from environment variables
// for the change data capture service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration loaded from environment variables.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string (required).
	DatabaseURL string

	// ReplicationSlot is the PostgreSQL replication slot name (default: "pgcdc_slot").
	ReplicationSlot string

	// Publication is the PostgreSQL publication name (default: "pgcdc_publication").
	Publication string

	// AckInterval is how often processed WAL positions are acknowledged
	// back to the server (default: 10s).
	AckInterval time.Duration

	// AckEvery acknowledges after this many processed messages regardless
	// of the interval (0 = interval only).
	AckEvery int

	// StandbyTimeout is the keepalive/status-update interval on the
	// replication connection (default: 10s).
	StandbyTimeout time.Duration

	// CreateSlot creates the replication slot at startup if it does not
	// exist (default: true).
	CreateSlot bool

	// LogLevel is the logrus level name (default: "info").
	LogLevel string
}

// Default values for configuration.
const (
	DefaultReplicationSlot  = "pgcdc_slot"
	DefaultPublication      = "pgcdc_publication"
	DefaultAckIntervalMs    = 10000
	DefaultAckEvery         = 0
	DefaultStandbyTimeoutMs = 10000
	DefaultLogLevel         = "info"
)

// Environment variable names.
const (
	EnvDatabaseURL     = "DATABASE_URL"
	EnvReplicationSlot = "PGCDC_REPLICATION_SLOT"
	EnvPublication     = "PGCDC_PUBLICATION"
	EnvAckInterval     = "PGCDC_ACK_INTERVAL"
	EnvAckEvery        = "PGCDC_ACK_EVERY"
	EnvStandbyTimeout  = "PGCDC_STANDBY_TIMEOUT"
	EnvCreateSlot      = "PGCDC_CREATE_SLOT"
	EnvLogLevel        = "PGCDC_LOG_LEVEL"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation error: %s: %s", e.Field, e.Message)
}

// Load reads configuration from environment variables with sensible defaults.
// It returns an error if validation fails.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:     os.Getenv(EnvDatabaseURL),
		ReplicationSlot: DefaultReplicationSlot,
		Publication:     DefaultPublication,
		AckInterval:     time.Duration(DefaultAckIntervalMs) * time.Millisecond,
		AckEvery:        DefaultAckEvery,
		StandbyTimeout:  time.Duration(DefaultStandbyTimeoutMs) * time.Millisecond,
		CreateSlot:      true,
		LogLevel:        DefaultLogLevel,
	}

	// Parse ReplicationSlot
	if val := os.Getenv(EnvReplicationSlot); val != "" {
		cfg.ReplicationSlot = val
	}

	// Parse Publication
	if val := os.Getenv(EnvPublication); val != "" {
		cfg.Publication = val
	}

	// Parse AckInterval (in milliseconds)
	if val := os.Getenv(EnvAckInterval); val != "" {
		ms, err := strconv.Atoi(val)
		if err != nil {
			return nil, &ValidationError{Field: EnvAckInterval, Message: "must be a valid integer"}
		}
		cfg.AckInterval = time.Duration(ms) * time.Millisecond
	}

	// Parse AckEvery
	if val := os.Getenv(EnvAckEvery); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return nil, &ValidationError{Field: EnvAckEvery, Message: "must be a valid integer"}
		}
		cfg.AckEvery = n
	}

	// Parse StandbyTimeout (in milliseconds)
	if val := os.Getenv(EnvStandbyTimeout); val != "" {
		ms, err := strconv.Atoi(val)
		if err != nil {
			return nil, &ValidationError{Field: EnvStandbyTimeout, Message: "must be a valid integer"}
		}
		cfg.StandbyTimeout = time.Duration(ms) * time.Millisecond
	}

	// Parse CreateSlot
	if val := os.Getenv(EnvCreateSlot); val != "" {
		create, err := strconv.ParseBool(val)
		if err != nil {
			return nil, &ValidationError{Field: EnvCreateSlot, Message: "must be a valid boolean"}
		}
		cfg.CreateSlot = create
	}

	// Parse LogLevel
	if val := os.Getenv(EnvLogLevel); val != "" {
		cfg.LogLevel = val
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
// It returns all validation errors found, joined.
func (c *Config) Validate() error {
	var errs []error

	// DATABASE_URL is required
	if c.DatabaseURL == "" {
		errs = append(errs, &ValidationError{Field: EnvDatabaseURL, Message: "is required"})
	}

	// ReplicationSlot must not be empty
	if c.ReplicationSlot == "" {
		errs = append(errs, &ValidationError{Field: EnvReplicationSlot, Message: "must not be empty"})
	}

	// Publication must not be empty
	if c.Publication == "" {
		errs = append(errs, &ValidationError{Field: EnvPublication, Message: "must not be empty"})
	}

	// AckInterval must be positive
	if c.AckInterval <= 0 {
		errs = append(errs, &ValidationError{Field: EnvAckInterval, Message: "must be positive"})
	}

	// AckEvery must be non-negative (0 = interval only)
	if c.AckEvery < 0 {
		errs = append(errs, &ValidationError{Field: EnvAckEvery, Message: "must be non-negative"})
	}

	// StandbyTimeout must be positive
	if c.StandbyTimeout <= 0 {
		errs = append(errs, &ValidationError{Field: EnvStandbyTimeout, Message: "must be positive"})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}
