// Package aggregate provides small building blocks for event-sourced domain
// objects: the EventSourced contract, an embeddable Root that tracks version
// and uncommitted events, a Dispatcher that routes events to handlers by type,
// and a generic EntityCollection for child entities.
package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/getpup/pupevents/es"
)

var (
	// ErrUnhandledEvent indicates that no handler is registered for an event type.
	ErrUnhandledEvent = errors.New("unhandled event type")

	// ErrWrongAggregate indicates an event that belongs to another aggregate.
	ErrWrongAggregate = errors.New("event belongs to another aggregate")
)

// EventSourced is a domain object whose state is a fold over its history.
type EventSourced interface {
	// AggregateID returns the id of the aggregate instance.
	AggregateID() uuid.UUID

	// Version returns the effective version of the last applied event.
	Version() int64

	// Apply folds one event into the aggregate state.
	Apply(event es.Event) error

	// Uncommitted returns recorded events that have not been saved yet.
	Uncommitted() []es.Event

	// MarkCommitted clears the uncommitted events after a successful save.
	MarkCommitted()
}

// Root implements the bookkeeping half of EventSourced. Embed it in an
// aggregate and pass the aggregate's Dispatcher to NewRoot.
type Root struct {
	id          uuid.UUID
	version     int64
	dispatcher  *Dispatcher
	clock       es.Clock
	uncommitted []es.Event
}

// NewRoot returns a root for the aggregate id that applies events through d.
func NewRoot(id uuid.UUID, d *Dispatcher) Root {
	return Root{id: id, dispatcher: d, clock: es.SystemClock{}}
}

// WithClock sets the clock used to timestamp recorded events.
func (r *Root) WithClock(clock es.Clock) {
	r.clock = clock
}

// AggregateID implements EventSourced.
func (r *Root) AggregateID() uuid.UUID {
	return r.id
}

// Version implements EventSourced.
func (r *Root) Version() int64 {
	return r.version
}

// IsNew reports whether nothing has been applied yet.
func (r *Root) IsNew() bool {
	return r.version == 0
}

// Apply implements EventSourced.
//
//nolint:gocritic // hugeParam: events are passed by value throughout the module
func (r *Root) Apply(event es.Event) error {
	if event.AggregateID != r.id {
		return fmt.Errorf("%w: %s is not %s", ErrWrongAggregate, event.AggregateID, r.id)
	}
	if err := r.dispatcher.Dispatch(event); err != nil {
		return err
	}
	r.version++
	return nil
}

// Record creates a new event with a JSON payload, applies it and keeps it
// for the next save.
func (r *Root) Record(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	event := es.Event{
		AggregateID:      r.id,
		EventID:          uuid.New(),
		EventType:        eventType,
		Payload:          data,
		CreatedAt:        r.clock.Now(),
		EffectiveVersion: r.version + 1,
	}
	if err := r.Apply(event); err != nil {
		return err
	}
	r.uncommitted = append(r.uncommitted, event)
	return nil
}

// Uncommitted implements EventSourced.
func (r *Root) Uncommitted() []es.Event {
	return r.uncommitted
}

// MarkCommitted implements EventSourced.
func (r *Root) MarkCommitted() {
	r.uncommitted = nil
}

// LoadFromHistory applies a stored history to a fresh aggregate.
func LoadFromHistory(a EventSourced, history []es.Event) error {
	for i := range history {
		if err := a.Apply(history[i]); err != nil {
			return fmt.Errorf("failed to apply event %d (%s): %w", history[i].EffectiveVersion, history[i].EventType, err)
		}
	}
	return nil
}

// Decode unmarshals a JSON event payload into a value of type T.
//
//nolint:gocritic // hugeParam: events are passed by value throughout the module
func Decode[T any](event es.Event) (T, error) {
	var v T
	if len(event.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(event.Payload, &v); err != nil {
		return v, fmt.Errorf("failed to decode %s payload: %w", event.EventType, err)
	}
	return v, nil
}
