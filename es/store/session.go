package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/getpup/pupevents/es"
	"github.com/getpup/pupevents/es/migration"
)

// Session is a unit of work over the store.
//
// Reads inside a session see the session's own writes. The shared cache is
// only touched after Commit, and never with histories of aggregates the
// session wrote, so uncommitted state does not leak to other sessions.
//
// A Session belongs to one goroutine at a time; concurrent use fails with
// es.ErrSessionMisuse and use after Commit or Rollback with es.ErrSessionClosed.
type Session struct {
	store *Store
	tx    Tx

	busy   atomic.Bool
	closed bool

	// held maps aggregates locked until the session ends to their release.
	held     map[uuid.UUID]func()
	written  map[uuid.UUID]bool
	onCommit []func()
}

func (ss *Session) enter() error {
	if !ss.busy.CompareAndSwap(false, true) {
		return es.ErrSessionMisuse
	}
	if ss.closed {
		ss.busy.Store(false)
		return es.ErrSessionClosed
	}
	return nil
}

func (ss *Session) exit() {
	ss.busy.Store(false)
}

// OnCommit registers fn to run after a successful commit.
func (ss *Session) OnCommit(fn func()) {
	ss.onCommit = append(ss.onCommit, fn)
}

// lock runs with the aggregate's lock held. If the session holds the lock
// already it is reused; with keep the lock stays held until the session ends.
func (ss *Session) lock(ctx context.Context, id uuid.UUID, keep bool) (func(), error) {
	if _, ok := ss.held[id]; ok {
		return func() {}, nil
	}
	release, err := ss.store.locks.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to lock aggregate %s: %w", id, err)
	}
	if keep {
		ss.held[id] = release
		return func() {}, nil
	}
	return release, nil
}

// GetAggregateHistory returns the effective history of an aggregate.
// Returns es.ErrAggregateNotFound if the aggregate has no events.
func (ss *Session) GetAggregateHistory(ctx context.Context, aggregateID uuid.UUID) ([]es.Event, error) {
	if err := ss.enter(); err != nil {
		return nil, err
	}
	defer ss.exit()

	release, err := ss.lock(ctx, aggregateID, false)
	if err != nil {
		return nil, err
	}
	defer release()
	return ss.history(ctx, aggregateID)
}

// GetAggregateHistoryForUpdate is GetAggregateHistory that also keeps the
// aggregate locked, in process and in the backend, until the session ends.
func (ss *Session) GetAggregateHistoryForUpdate(ctx context.Context, aggregateID uuid.UUID) ([]es.Event, error) {
	if err := ss.enter(); err != nil {
		return nil, err
	}
	defer ss.exit()

	if _, err := ss.lock(ctx, aggregateID, true); err != nil {
		return nil, err
	}
	if err := ss.tx.LockAggregate(ctx, aggregateID); err != nil {
		return nil, fmt.Errorf("failed to lock aggregate %s: %w", aggregateID, err)
	}
	return ss.history(ctx, aggregateID)
}

// history computes the effective history; the caller holds the aggregate lock.
func (ss *Session) history(ctx context.Context, id uuid.UUID) ([]es.Event, error) {
	migrations := ss.store.Migrations()
	metrics := ss.store.config.Metrics

	if ss.written[id] {
		stored, _, err := ss.tx.GetAggregateHistory(ctx, id)
		if err != nil {
			return nil, err
		}
		return migration.Mutate(migrations, stored)
	}

	entry, cached, token := ss.store.cache.GetCopy(id)
	fresh, err := ss.tx.GetEventsInsertedAfter(ctx, id, entry.maxSeen)
	if err != nil {
		return nil, err
	}

	recompute := !cached
	for i := range fresh {
		if fresh[i].IsRefactoring() {
			recompute = true
			break
		}
	}

	switch {
	case recompute:
		metrics.inc(cacheMisses)
		stored, maxSeen, err := ss.tx.GetAggregateHistory(ctx, id)
		if err != nil {
			return nil, err
		}
		events, err := migration.Mutate(migrations, stored)
		if err != nil {
			return nil, err
		}
		entry = cacheEntry{stored: stored, events: events, maxSeen: maxSeen}
	case len(fresh) > 0:
		// Unmarked rows are originals and sort after every cached row. The
		// migrations run over the extended rows since their mutators look ahead.
		metrics.inc(cacheHits)
		stored := append(entry.stored, fresh...)
		events, err := migration.Mutate(migrations, stored)
		if err != nil {
			return nil, err
		}
		entry = cacheEntry{stored: stored, events: events, maxSeen: fresh[len(fresh)-1].InsertionOrder}
	default:
		metrics.inc(cacheHits)
	}

	if len(entry.events) == 0 {
		return nil, fmt.Errorf("%w: %s", es.ErrAggregateNotFound, id)
	}

	result := entry.copy().events
	ss.OnCommit(func() {
		if !ss.written[id] {
			ss.store.cache.put(id, entry, token)
		}
	})
	return result, nil
}

// SaveEvents appends events. Events may span several aggregates; each
// aggregate's events are saved together and its lock is held until the
// session ends.
//
// The first event's EffectiveVersion states what the caller expects: 1 for a
// new aggregate (es.ErrAggregateAlreadyPersisted otherwise), v > 1 for an
// aggregate whose effective history ends at v-1 (es.ErrOptimisticConcurrency
// otherwise), 0 for no check. Missing event ids and timestamps are filled in.
func (ss *Session) SaveEvents(ctx context.Context, events []es.Event) error {
	if len(events) == 0 {
		return es.ErrNoEvents
	}
	if err := ss.enter(); err != nil {
		return err
	}
	defer ss.exit()

	var order []uuid.UUID
	groups := make(map[uuid.UUID][]es.Event)
	for i := range events {
		e := events[i]
		if e.AggregateID == uuid.Nil {
			return fmt.Errorf("event %d: missing aggregate id", i)
		}
		if e.EventID == uuid.Nil {
			e.EventID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = ss.store.config.Clock.Now()
		}
		e.CreatedAt = e.CreatedAt.UTC()
		if _, ok := groups[e.AggregateID]; !ok {
			order = append(order, e.AggregateID)
		}
		groups[e.AggregateID] = append(groups[e.AggregateID], e)
	}

	for _, id := range order {
		if err := ss.saveAggregate(ctx, id, groups[id]); err != nil {
			return err
		}
	}
	return nil
}

func (ss *Session) saveAggregate(ctx context.Context, id uuid.UUID, events []es.Event) error {
	if _, err := ss.lock(ctx, id, true); err != nil {
		return err
	}

	expected := es.ExpectedVersionOf(events)
	if expected.IsExact() {
		current, err := ss.history(ctx, id)
		switch {
		case errors.Is(err, es.ErrAggregateNotFound):
			return fmt.Errorf("%w: aggregate %s does not exist, expected %s",
				es.ErrOptimisticConcurrency, id, expected)
		case err != nil:
			return err
		}
		if got := current[len(current)-1].EffectiveVersion; got != expected.Value() {
			return fmt.Errorf("%w: aggregate %s is at version %d, expected %s",
				es.ErrOptimisticConcurrency, id, got, expected)
		}
	}

	if _, err := ss.tx.SaveEvents(ctx, expected, events); err != nil {
		return err
	}
	ss.markWritten(id)
	return nil
}

// DeleteEvents removes every event of an aggregate.
func (ss *Session) DeleteEvents(ctx context.Context, aggregateID uuid.UUID) error {
	if err := ss.enter(); err != nil {
		return err
	}
	defer ss.exit()

	if _, err := ss.lock(ctx, aggregateID, true); err != nil {
		return err
	}
	if err := ss.tx.DeleteEvents(ctx, aggregateID); err != nil {
		return err
	}
	ss.markWritten(aggregateID)
	return nil
}

func (ss *Session) markWritten(id uuid.UUID) {
	if ss.written[id] {
		return
	}
	ss.written[id] = true
	ss.OnCommit(func() {
		ss.store.cache.invalidate(id)
		ss.store.config.Metrics.inc(cacheInvalidations)
	})
}

// Commit commits the backend transaction, runs the OnCommit callbacks and
// releases the session's aggregate locks.
func (ss *Session) Commit() error {
	if err := ss.enter(); err != nil {
		return err
	}
	defer ss.exit()
	defer ss.end()

	if err := ss.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	for _, fn := range ss.onCommit {
		fn()
	}
	return nil
}

// Rollback discards the session's writes and releases its locks.
func (ss *Session) Rollback() error {
	if err := ss.enter(); err != nil {
		return err
	}
	defer ss.exit()
	defer ss.end()

	return ss.tx.Rollback()
}

func (ss *Session) end() {
	ss.closed = true
	ss.onCommit = nil
	for id, release := range ss.held {
		release()
		delete(ss.held, id)
	}
}
