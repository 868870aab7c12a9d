package sqlstore

import (
	"github.com/getpup/pupevents/es"
	"github.com/getpup/pupevents/es/schema"
)

// Config contains configuration for a relational backend.
// Configuration is immutable after construction.
type Config struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// EventsTable is the name of the events table
	EventsTable string

	// EventTypesTable is the name of the event type registry table
	EventTypesTable string

	// AggregateHeadsTable is the name of the aggregate version tracking table
	AggregateHeadsTable string

	// Clock stamps aggregate head updates.
	Clock es.Clock
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	tables := schema.DefaultTables()
	return Config{
		EventsTable:         tables.Events,
		EventTypesTable:     tables.EventTypes,
		AggregateHeadsTable: tables.AggregateHeads,
		Clock:               es.SystemClock{},
		Logger:              nil, // No logging by default
	}
}

// Tables returns the configured table names.
func (c Config) Tables() schema.Tables {
	return schema.Tables{
		Events:         c.EventsTable,
		EventTypes:     c.EventTypesTable,
		AggregateHeads: c.AggregateHeadsTable,
	}
}

// Option is a functional option for configuring a Backend.
type Option func(*Config)

// WithLogger sets a logger for the backend.
func WithLogger(logger es.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithClock sets the clock used for head timestamps.
func WithClock(clock es.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithEventsTable sets a custom events table name.
func WithEventsTable(tableName string) Option {
	return func(c *Config) {
		c.EventsTable = tableName
	}
}

// WithEventTypesTable sets a custom event type registry table name.
func WithEventTypesTable(tableName string) Option {
	return func(c *Config) {
		c.EventTypesTable = tableName
	}
}

// WithAggregateHeadsTable sets a custom aggregate heads table name.
func WithAggregateHeadsTable(tableName string) Option {
	return func(c *Config) {
		c.AggregateHeadsTable = tableName
	}
}

// NewConfig creates a new backend configuration with functional options.
// It starts with the default configuration and applies the given options.
//
// Example:
//
//	config := sqlstore.NewConfig(
//	    sqlstore.WithLogger(myLogger),
//	    sqlstore.WithEventsTable("custom_events"),
//	)
func NewConfig(opts ...Option) Config {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}
