package store

import (
	"time"

	"github.com/getpup/pupevents/es"
	"github.com/getpup/pupevents/es/migration"
)

// Config contains configuration for the event store.
// Configuration is immutable after construction.
type Config struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// Clock supplies timestamps for events saved without one.
	Clock es.Clock

	// Metrics is optional. If nil, nothing is recorded.
	Metrics *Metrics

	// Migrations is the ordered migration list applied to every read.
	Migrations []migration.Migration

	// MaxPersistAttempts bounds the attempts per aggregate when persisting
	// migrations hits a recoverable backend failure.
	MaxPersistAttempts int

	// RetryDelay is the pause between two attempts.
	RetryDelay time.Duration

	// ProgressInterval is the minimum time between two progress log lines
	// of the persistence sweep.
	ProgressInterval time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Clock:              es.SystemClock{},
		MaxPersistAttempts: 5,
		RetryDelay:         50 * time.Millisecond,
		ProgressInterval:   10 * time.Second,
	}
}

// Option is a functional option for configuring a Store.
type Option func(*Config)

// WithLogger sets a logger for the store.
func WithLogger(logger es.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithClock sets the time source.
func WithClock(clock es.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithMigrations sets the ordered migration list.
func WithMigrations(migrations ...migration.Migration) Option {
	return func(c *Config) {
		c.Migrations = migrations
	}
}

// WithMaxPersistAttempts sets the attempt bound of the persistence sweep.
func WithMaxPersistAttempts(attempts int) Option {
	return func(c *Config) {
		c.MaxPersistAttempts = attempts
	}
}

// WithRetryDelay sets the pause between persistence attempts.
func WithRetryDelay(delay time.Duration) Option {
	return func(c *Config) {
		c.RetryDelay = delay
	}
}

// WithProgressInterval sets how often the sweep reports progress.
func WithProgressInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.ProgressInterval = interval
	}
}

// NewConfig creates a new store configuration with functional options.
// It starts with the default configuration and applies the given options.
//
// Example:
//
//	config := store.NewConfig(
//	    store.WithLogger(myLogger),
//	    store.WithMigrations(migration.Replace("E1").With(migration.EventOfType("E2"))),
//	)
func NewConfig(opts ...Option) Config {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}
