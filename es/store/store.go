// Package store provides the event store: the backend contract, sessions,
// the per-aggregate history cache and the migration persistence sweep.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/getpup/pupevents/es"
)

// Backend is the durable, append-only event log.
// Implementations: adapters/memory and adapters/sqlstore.
type Backend interface {
	// Begin starts a transaction. Writes become visible to other
	// transactions only after Commit.
	Begin(ctx context.Context) (Tx, error)

	// StreamEvents delivers every stored event across all aggregates in
	// increasing effective read order, in batches of at most batchSize.
	// Replaced rows are not delivered. Migrations are not applied.
	StreamEvents(ctx context.Context, batchSize int, handler func(ctx context.Context, batch []es.Event) error) error

	// StreamAggregateIDsInCreationOrder returns aggregate ids ordered by the
	// timestamp of their first event. When eventTypes is not empty only
	// aggregates whose first event has one of those types are returned.
	StreamAggregateIDsInCreationOrder(ctx context.Context, eventTypes ...string) ([]uuid.UUID, error)
}

// Tx is a backend transaction.
type Tx interface {
	// SaveEvents atomically appends events of a single aggregate.
	// It assigns InsertionOrder and InsertedVersion, binds mutation markers
	// whose anchors are identified only by AnchorEventID, and maintains
	// read-order keys. Stored copies are returned.
	//
	// Returns es.ErrAggregateAlreadyPersisted if expected is NoStream and the
	// aggregate has events, es.ErrDuplicateEventID if an event id exists and
	// es.ErrUnsupportedReordering if a marker cannot be placed.
	SaveEvents(ctx context.Context, expected es.ExpectedVersion, events []es.Event) ([]es.Event, error)

	// GetAggregateHistory returns the stored events of an aggregate in
	// effective stored order: persisted markers are resolved and replaced
	// rows are left out. maxInsertionOrder covers every row of the
	// aggregate, replaced ones included.
	// Returns es.ErrAggregateNotFound if the aggregate has no events.
	GetAggregateHistory(ctx context.Context, aggregateID uuid.UUID) (events []es.Event, maxInsertionOrder int64, err error)

	// GetEventsInsertedAfter returns the raw rows of an aggregate with an
	// insertion order greater than insertionOrder, in insertion order.
	GetEventsInsertedAfter(ctx context.Context, aggregateID uuid.UUID, insertionOrder int64) ([]es.Event, error)

	// LockAggregate takes the backend's write lock on an aggregate until
	// the transaction ends.
	LockAggregate(ctx context.Context, aggregateID uuid.UUID) error

	// DeleteEvents physically removes every row of an aggregate.
	DeleteEvents(ctx context.Context, aggregateID uuid.UUID) error

	Commit() error
	Rollback() error
}

// RecoverableClassifier is implemented by backends that can tell transient
// failures (deadlocks, lock timeouts) from permanent ones.
type RecoverableClassifier interface {
	IsRecoverable(err error) bool
}
