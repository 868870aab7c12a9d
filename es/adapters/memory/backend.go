// Package memory provides an in-memory backend for the event store.
// It is meant for tests and for applications that do not need durability.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/getpup/pupevents/es"
	"github.com/getpup/pupevents/es/store"
)

// ErrTxDone is returned when a finished transaction is used.
var ErrTxDone = errors.New("transaction already committed or rolled back")

// Backend keeps the event log in memory.
//
// Transactions work on a private copy of the store taken at their first
// write. At commit the copy is published as is, or, when another
// transaction committed in between, the recorded writes are replayed on the
// current state so conflicts (duplicate ids, concurrent creation) surface as
// commit errors. Insertion orders come from one counter and are never
// reused, including those of rolled back transactions.
type Backend struct {
	mu        sync.RWMutex
	committed *state
	types     *es.MemoryTypeRegistry
	next      int64
}

var _ store.Backend = (*Backend)(nil)

// NewBackend creates an empty backend.
func NewBackend() *Backend {
	types := es.NewMemoryTypeRegistry()
	return &Backend{committed: newState(types), types: types}
}

// Types returns the event type registry. Renaming a type through it renames
// every stored event of that type.
func (b *Backend) Types() *es.MemoryTypeRegistry {
	return b.types
}

func (b *Backend) snapshot() *state {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.committed
}

func (b *Backend) reserve(n int) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	orders := make([]int64, n)
	for i := range orders {
		b.next++
		orders[i] = b.next
	}
	return orders
}

// Begin implements store.Backend.
func (b *Backend) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{backend: b}, nil
}

// StreamEvents implements store.Backend.
func (b *Backend) StreamEvents(ctx context.Context, batchSize int, handler func(ctx context.Context, batch []es.Event) error) error {
	if batchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	events, err := b.snapshot().all()
	if err != nil {
		return err
	}
	for len(events) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(batchSize, len(events))
		if err := handler(ctx, events[:n]); err != nil {
			return err
		}
		events = events[n:]
	}
	return nil
}

// StreamAggregateIDsInCreationOrder implements store.Backend.
func (b *Backend) StreamAggregateIDsInCreationOrder(ctx context.Context, eventTypes ...string) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.snapshot().aggregatesInCreationOrder(eventTypes)
}

// EventCount returns the number of stored rows, replaced ones included.
func (b *Backend) EventCount() int {
	return len(b.snapshot().rows)
}

type opKind int

const (
	opSave opKind = iota
	opDelete
)

// op is a recorded write, replayed when the transaction commits on top of
// a state it was not started from.
type op struct {
	kind        opKind
	aggregateID uuid.UUID
	expected    es.ExpectedVersion
	events      []es.Event
	orders      []int64
}

type tx struct {
	backend *Backend
	working *state
	ops     []op
	failed  error
	done    bool
}

func (t *tx) check() error {
	if t.done {
		return ErrTxDone
	}
	if t.failed != nil {
		return fmt.Errorf("transaction aborted by earlier error: %w", t.failed)
	}
	return nil
}

func (t *tx) read() *state {
	if t.working != nil {
		return t.working
	}
	return t.backend.snapshot()
}

func (t *tx) write() *state {
	if t.working == nil {
		t.working = t.backend.snapshot().clone()
	}
	return t.working
}

func (t *tx) fail(err error) error {
	t.failed = err
	return err
}

// SaveEvents implements store.Tx. Exact expectations are checked by the
// store against the effective history; the backend enforces NoStream.
func (t *tx) SaveEvents(ctx context.Context, expected es.ExpectedVersion, events []es.Event) ([]es.Event, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, es.ErrNoEvents
	}
	input := append([]es.Event(nil), events...)
	orders := t.backend.reserve(len(input))

	stored, err := t.write().save(ctx, expected, input, orders)
	if err != nil {
		return nil, t.fail(err)
	}
	t.ops = append(t.ops, op{
		kind:        opSave,
		aggregateID: input[0].AggregateID,
		expected:    expected,
		events:      input,
		orders:      orders,
	})
	return stored, nil
}

// GetAggregateHistory implements store.Tx.
func (t *tx) GetAggregateHistory(ctx context.Context, aggregateID uuid.UUID) ([]es.Event, int64, error) {
	if err := t.check(); err != nil {
		return nil, 0, err
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	return t.read().history(aggregateID)
}

// GetEventsInsertedAfter implements store.Tx.
func (t *tx) GetEventsInsertedAfter(ctx context.Context, aggregateID uuid.UUID, insertionOrder int64) ([]es.Event, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.read().insertedAfter(aggregateID, insertionOrder)
}

// LockAggregate implements store.Tx. Writers of one aggregate are already
// serialized by the store's aggregate locks, and commit replays detect
// conflicts between stores sharing a backend.
func (t *tx) LockAggregate(ctx context.Context, _ uuid.UUID) error {
	if err := t.check(); err != nil {
		return err
	}
	return ctx.Err()
}

// DeleteEvents implements store.Tx.
func (t *tx) DeleteEvents(ctx context.Context, aggregateID uuid.UUID) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.write().delete(aggregateID)
	t.ops = append(t.ops, op{kind: opDelete, aggregateID: aggregateID})
	return nil
}

// Commit implements store.Tx.
func (t *tx) Commit() error {
	if err := t.check(); err != nil {
		return err
	}
	t.done = true
	if t.working == nil {
		return nil
	}

	b := t.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	next := t.working
	if next.version != b.committed.version {
		next = b.committed.clone()
		for _, o := range t.ops {
			switch o.kind {
			case opSave:
				if _, err := next.save(context.Background(), o.expected, o.events, o.orders); err != nil {
					return fmt.Errorf("commit conflict on aggregate %s: %w", o.aggregateID, err)
				}
			case opDelete:
				next.delete(o.aggregateID)
			}
		}
	}
	next.version = b.committed.version + 1
	b.committed = next
	return nil
}

// Rollback implements store.Tx.
func (t *tx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.working = nil
	t.ops = nil
	return nil
}
