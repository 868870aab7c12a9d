package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/getpup/pupevents/es"
	"github.com/getpup/pupevents/es/migration"
)

// Store is the event store exposed to applications. It composes a Backend
// with the migration pipeline, the per-aggregate cache and lock registry.
// Store state is owned by the instance; several stores may share a process.
type Store struct {
	backend Backend
	config  Config

	migrationsMu sync.RWMutex
	migrations   []migration.Migration

	cache   *historyCache
	locks   *lockRegistry
	sweepMu sync.Mutex
}

// New creates an event store over backend.
func New(backend Backend, config Config) *Store {
	if config.Clock == nil {
		config.Clock = es.SystemClock{}
	}
	if config.MaxPersistAttempts <= 0 {
		config.MaxPersistAttempts = 1
	}
	return &Store{
		backend:    backend,
		config:     config,
		migrations: append([]migration.Migration(nil), config.Migrations...),
		cache:      newHistoryCache(),
		locks:      newLockRegistry(),
	}
}

// Migrations returns the active migration list.
func (s *Store) Migrations() []migration.Migration {
	s.migrationsMu.RLock()
	defer s.migrationsMu.RUnlock()
	return append([]migration.Migration(nil), s.migrations...)
}

// ReplaceMigrations swaps the active migration list and clears the cache,
// since cached histories were computed with the previous list.
// Intended for tests.
func (s *Store) ReplaceMigrations(migrations ...migration.Migration) {
	s.migrationsMu.Lock()
	s.migrations = append([]migration.Migration(nil), migrations...)
	s.migrationsMu.Unlock()
	s.ClearCache()
}

// ClearCache drops every cached history.
func (s *Store) ClearCache() {
	s.cache.clear()
	s.config.Metrics.inc(cacheInvalidations)
}

// Begin opens a session (unit of work).
func (s *Store) Begin(ctx context.Context) (*Session, error) {
	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Session{
		store:   s,
		tx:      tx,
		held:    make(map[uuid.UUID]func()),
		written: make(map[uuid.UUID]bool),
	}, nil
}

// InSession runs fn inside a session, committing if fn succeeds and rolling
// back otherwise.
func (s *Store) InSession(ctx context.Context, fn func(ctx context.Context, session *Session) error) error {
	session, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx, session); err != nil {
		if rbErr := session.Rollback(); rbErr != nil && !errors.Is(rbErr, es.ErrSessionClosed) {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return session.Commit()
}

// GetAggregateHistory returns the effective history of an aggregate in its own session.
// Returns es.ErrAggregateNotFound if the aggregate has no events.
func (s *Store) GetAggregateHistory(ctx context.Context, aggregateID uuid.UUID) ([]es.Event, error) {
	var events []es.Event
	err := s.InSession(ctx, func(ctx context.Context, session *Session) error {
		var err error
		events, err = session.GetAggregateHistory(ctx, aggregateID)
		return err
	})
	return events, err
}

// SaveEvents saves events in their own session.
func (s *Store) SaveEvents(ctx context.Context, events []es.Event) error {
	return s.InSession(ctx, func(ctx context.Context, session *Session) error {
		return session.SaveEvents(ctx, events)
	})
}

// DeleteEvents deletes an aggregate's events in their own session.
func (s *Store) DeleteEvents(ctx context.Context, aggregateID uuid.UUID) error {
	return s.InSession(ctx, func(ctx context.Context, session *Session) error {
		return session.DeleteEvents(ctx, aggregateID)
	})
}

// StreamEvents delivers the migrated events of the whole store in effective
// read order, in batches of at most batchSize events.
func (s *Store) StreamEvents(ctx context.Context, batchSize int, handler func(ctx context.Context, batch []es.Event) error) error {
	if batchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	mutator := migration.NewCompleteStreamMutator(s.Migrations())

	deliver := func(ctx context.Context, events []es.Event) error {
		for len(events) > 0 {
			n := min(batchSize, len(events))
			if err := handler(ctx, events[:n]); err != nil {
				return err
			}
			events = events[n:]
		}
		return nil
	}

	err := s.backend.StreamEvents(ctx, batchSize, func(ctx context.Context, batch []es.Event) error {
		out, err := mutator.Mutate(batch)
		if err != nil {
			return err
		}
		return deliver(ctx, out)
	})
	if err != nil {
		return err
	}
	tail, err := mutator.Flush()
	if err != nil {
		return err
	}
	return deliver(ctx, tail)
}

// StreamAggregateIDsInCreationOrder returns aggregate ids ordered by the
// timestamp of their creation event, optionally limited to creation events
// of the given types.
func (s *Store) StreamAggregateIDsInCreationOrder(ctx context.Context, eventTypes ...string) ([]uuid.UUID, error) {
	return s.backend.StreamAggregateIDsInCreationOrder(ctx, eventTypes...)
}

// ListAllEventsForTestingPurposes returns every migrated event of the store
// in one slice. It holds the whole store in memory and is not meant for
// stores of real size.
func (s *Store) ListAllEventsForTestingPurposes(ctx context.Context) ([]es.Event, error) {
	var all []es.Event
	err := s.StreamEvents(ctx, 1000, func(_ context.Context, batch []es.Event) error {
		all = append(all, batch...)
		return nil
	})
	return all, err
}

func (s *Store) logger() es.Logger {
	if s.config.Logger == nil {
		return es.NoOpLogger{}
	}
	return s.config.Logger
}
