package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupevents/es"
)

func TestHistoryCache_GetCopyIsIndependent(t *testing.T) {
	c := newHistoryCache()
	id := uuid.New()
	_, _, token := c.GetCopy(id)
	c.put(id, cacheEntry{events: []es.Event{{EventType: "E1"}}, maxSeen: 1}, token)

	entry, ok, _ := c.GetCopy(id)
	if !ok {
		t.Fatal("expected cached entry")
	}
	entry.events[0].EventType = "changed"

	again, _, _ := c.GetCopy(id)
	if again.events[0].EventType != "E1" {
		t.Error("caller mutation leaked into the cache")
	}
}

func TestHistoryCache_StalePutIsDropped(t *testing.T) {
	tests := []struct {
		name  string
		stale func(c *historyCache, id uuid.UUID)
	}{
		{"invalidated", func(c *historyCache, id uuid.UUID) { c.invalidate(id) }},
		{"cleared", func(c *historyCache, _ uuid.UUID) { c.clear() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newHistoryCache()
			id := uuid.New()
			_, _, token := c.GetCopy(id)
			tt.stale(c, id)

			if c.put(id, cacheEntry{maxSeen: 1}, token) {
				t.Error("expected stale put to be dropped")
			}
			if c.count() != 0 {
				t.Errorf("expected empty cache, got %d entries", c.count())
			}

			_, _, fresh := c.GetCopy(id)
			if !c.put(id, cacheEntry{maxSeen: 1}, fresh) {
				t.Error("expected put with a fresh token to succeed")
			}
		})
	}
}

func TestHistoryCache_OlderEntryDoesNotReplaceNewer(t *testing.T) {
	c := newHistoryCache()
	id := uuid.New()
	_, _, token := c.GetCopy(id)

	c.put(id, cacheEntry{maxSeen: 5}, token)
	if c.put(id, cacheEntry{maxSeen: 3}, token) {
		t.Error("expected older entry to be dropped")
	}
	entry, _, _ := c.GetCopy(id)
	if entry.maxSeen != 5 {
		t.Errorf("maxSeen = %d, want 5", entry.maxSeen)
	}
}

func TestLockRegistry(t *testing.T) {
	r := newLockRegistry()
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	releaseA, err := r.Lock(ctx, a)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	releaseB, err := r.Lock(ctx, b)
	if err != nil {
		t.Fatalf("unrelated aggregate blocked: %v", err)
	}

	timeout, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := r.Lock(timeout, a); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}

	releaseA()
	releaseA()
	releaseB()
	if r.size() != 0 {
		t.Errorf("expected registry to be empty, got %d", r.size())
	}

	releaseA, err = r.Lock(ctx, a)
	if err != nil {
		t.Fatalf("Lock after release failed: %v", err)
	}
	releaseA()
}

func TestSessionReleasesLocks(t *testing.T) {
	backend := &nopBackend{}
	s := New(backend, DefaultConfig())
	ctx := context.Background()

	session, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := session.lock(ctx, uuid.New(), true); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if s.locks.size() != 1 {
		t.Fatalf("expected one held lock, got %d", s.locks.size())
	}
	if err := session.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if s.locks.size() != 0 {
		t.Errorf("expected locks released, got %d", s.locks.size())
	}
}

type nopBackend struct{}

func (nopBackend) Begin(context.Context) (Tx, error) { return nopTx{}, nil }

func (nopBackend) StreamEvents(context.Context, int, func(context.Context, []es.Event) error) error {
	return nil
}

func (nopBackend) StreamAggregateIDsInCreationOrder(context.Context, ...string) ([]uuid.UUID, error) {
	return nil, nil
}

type nopTx struct{}

func (nopTx) SaveEvents(_ context.Context, _ es.ExpectedVersion, events []es.Event) ([]es.Event, error) {
	return events, nil
}

func (nopTx) GetAggregateHistory(context.Context, uuid.UUID) ([]es.Event, int64, error) {
	return nil, 0, es.ErrAggregateNotFound
}

func (nopTx) GetEventsInsertedAfter(context.Context, uuid.UUID, int64) ([]es.Event, error) {
	return nil, nil
}

func (nopTx) LockAggregate(context.Context, uuid.UUID) error { return nil }
func (nopTx) DeleteEvents(context.Context, uuid.UUID) error  { return nil }
func (nopTx) Commit() error                                  { return nil }
func (nopTx) Rollback() error                                { return nil }
