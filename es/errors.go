package es

import (
	"errors"
	"fmt"
)

var (
	// ErrAggregateNotFound indicates that no events are stored for an aggregate.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrAggregateAlreadyPersisted indicates an attempt to save a new aggregate
	// under an id that already has committed history.
	ErrAggregateAlreadyPersisted = errors.New("aggregate already persisted")

	// ErrOptimisticConcurrency indicates a version conflict during save.
	ErrOptimisticConcurrency = errors.New("optimistic concurrency conflict")

	// ErrNoEvents indicates an attempt to save zero events.
	ErrNoEvents = errors.New("no events to save")

	// ErrDuplicateEventID indicates an attempt to store an event id twice.
	ErrDuplicateEventID = errors.New("duplicate event id")

	// ErrNonIdempotentMigration indicates that a second pass of the migration
	// set changed an already migrated stream. This is a configuration error
	// and must not be retried.
	ErrNonIdempotentMigration = errors.New("migration is not idempotent")

	// ErrUnsupportedReordering indicates that no read-order interval exists
	// for a mutation, for example inserting after the last event ever stored.
	ErrUnsupportedReordering = errors.New("unsupported reordering")

	// ErrInvalidMutation indicates a mutator combined operations that cannot
	// be applied to the same event.
	ErrInvalidMutation = errors.New("invalid mutation")

	// ErrUnmappedType indicates an event type or type id without a registry entry.
	ErrUnmappedType = errors.New("unmapped event type")

	// ErrSessionMisuse indicates a session used from two goroutines at once.
	ErrSessionMisuse = errors.New("session used concurrently")

	// ErrSessionClosed indicates a session used after commit or rollback.
	ErrSessionClosed = errors.New("session closed")
)

// UnmappedTypeError reports a type id read from storage that the registry
// does not know.
type UnmappedTypeError struct {
	ID   int64
	Name string
}

func (e *UnmappedTypeError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("unmapped event type %q", e.Name)
	}
	return fmt.Sprintf("unmapped event type id %d", e.ID)
}

// Unwrap allows errors.Is(err, ErrUnmappedType).
func (e *UnmappedTypeError) Unwrap() error {
	return ErrUnmappedType
}
