package aggregate

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/getpup/pupevents/es"
)

// EventStore is the part of the store a Repository needs.
// *store.Store and *store.Session both satisfy it.
type EventStore interface {
	GetAggregateHistory(ctx context.Context, aggregateID uuid.UUID) ([]es.Event, error)
	SaveEvents(ctx context.Context, events []es.Event) error
}

// Repository loads aggregates by replaying their effective history and saves
// their uncommitted events.
type Repository[A EventSourced] struct {
	store   EventStore
	factory func(id uuid.UUID) A
}

// NewRepository returns a repository that builds empty aggregates with factory.
func NewRepository[A EventSourced](store EventStore, factory func(id uuid.UUID) A) *Repository[A] {
	return &Repository[A]{store: store, factory: factory}
}

// Load rebuilds the aggregate. It returns es.ErrAggregateNotFound when
// nothing is stored under id.
func (r *Repository[A]) Load(ctx context.Context, id uuid.UUID) (A, error) {
	a := r.factory(id)
	history, err := r.store.GetAggregateHistory(ctx, id)
	if err != nil {
		return a, err
	}
	if err := LoadFromHistory(a, history); err != nil {
		return a, fmt.Errorf("failed to load aggregate %s: %w", id, err)
	}
	return a, nil
}

// Save writes the uncommitted events of the aggregate.
// A concurrent writer surfaces as es.ErrOptimisticConcurrency or
// es.ErrAggregateAlreadyPersisted.
func (r *Repository[A]) Save(ctx context.Context, a A) error {
	events := a.Uncommitted()
	if len(events) == 0 {
		return nil
	}
	if err := r.store.SaveEvents(ctx, events); err != nil {
		return err
	}
	a.MarkCommitted()
	return nil
}
