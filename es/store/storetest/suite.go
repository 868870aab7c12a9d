// Package storetest provides a behaviour suite for store.Backend
// implementations. Any compliant backend should pass it.
package storetest

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupevents/es"
	"github.com/getpup/pupevents/es/migration"
	"github.com/getpup/pupevents/es/store"
)

// Suite runs the backend behaviour tests.
type Suite struct {
	// SetUp creates an empty backend. It is called before each test.
	SetUp func(t *testing.T) store.Backend

	// TearDown is called at the end of each test.
	TearDown func()
}

// New returns a suite using setup as the test setup function.
func New(setup func(t *testing.T) store.Backend) *Suite {
	return &Suite{
		SetUp:    setup,
		TearDown: func() {},
	}
}

// Run runs all tests as subtests of t.
func (s *Suite) Run(t *testing.T) {
	s.run(t, "SaveAndRead", s.testSaveAndRead)
	for _, set := range persistSets {
		s.run(t, "PersistMigrations/"+set.name, func(t *testing.T, backend store.Backend) {
			s.testPersistMigrations(t, backend, set.migrations, set.want)
		})
	}
	s.run(t, "ConcurrentCreation", s.testConcurrentCreation)
	s.run(t, "OptimisticConcurrency", s.testOptimisticConcurrency)
	s.run(t, "DuplicateEventID", s.testDuplicateEventID)
	s.run(t, "DeleteEvents", s.testDeleteEvents)
	s.run(t, "StreamEvents", s.testStreamEvents)
	s.run(t, "CreationOrder", s.testCreationOrder)
}

func (s *Suite) run(t *testing.T, name string, test func(t *testing.T, backend store.Backend)) {
	t.Run(name, func(t *testing.T) {
		backend := s.SetUp(t)
		defer s.TearDown()
		test(t, backend)
	})
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// Events builds events of one aggregate starting at effective version from.
func Events(aggregateID uuid.UUID, from int64, types ...string) []es.Event {
	events := make([]es.Event, len(types))
	for i, typ := range types {
		version := from + int64(i)
		events[i] = es.Event{
			AggregateID:      aggregateID,
			EventID:          uuid.New(),
			EventType:        typ,
			Payload:          []byte(`{"n":1}`),
			Metadata:         []byte(`{"source":"suite"}`),
			CreatedAt:        t0.Add(time.Duration(version) * time.Second),
			EffectiveVersion: version,
		}
	}
	return events
}

// Types returns the event types of events.
func Types(events []es.Event) []string {
	out := make([]string, len(events))
	for i := range events {
		out[i] = events[i].EventType
	}
	return out
}

func eventIDs(events []es.Event) []uuid.UUID {
	out := make([]uuid.UUID, len(events))
	for i := range events {
		out[i] = events[i].EventID
	}
	return out
}

func newStore(backend store.Backend, migrations ...migration.Migration) *store.Store {
	return store.New(backend, store.NewConfig(
		store.WithMigrations(migrations...),
		store.WithRetryDelay(time.Millisecond),
	))
}

func save(t *testing.T, s *store.Store, events []es.Event) {
	t.Helper()
	if err := s.SaveEvents(context.Background(), events); err != nil {
		t.Fatalf("SaveEvents failed: %v", err)
	}
}

func history(t *testing.T, s *store.Store, id uuid.UUID) []es.Event {
	t.Helper()
	events, err := s.GetAggregateHistory(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAggregateHistory failed: %v", err)
	}
	return events
}

func (s *Suite) testSaveAndRead(t *testing.T, backend store.Backend) {
	st := newStore(backend)
	id := uuid.New()
	saved := Events(id, 1, "Ec1", "E1", "Ef")
	save(t, st, saved)

	got := history(t, newStore(backend), id)
	if !reflect.DeepEqual(eventIDs(got), eventIDs(saved)) {
		t.Fatalf("got %v, want %v", Types(got), Types(saved))
	}
	for i := range got {
		if got[i].EffectiveVersion != int64(i+1) || got[i].InsertedVersion != int64(i+1) {
			t.Errorf("event %d: effective %d inserted %d", i, got[i].EffectiveVersion, got[i].InsertedVersion)
		}
		if string(got[i].Payload) != `{"n":1}` {
			t.Errorf("event %d: payload %q", i, got[i].Payload)
		}
		if !got[i].CreatedAt.Equal(saved[i].CreatedAt) {
			t.Errorf("event %d: CreatedAt %v, want %v", i, got[i].CreatedAt, saved[i].CreatedAt)
		}
	}
	if got[1].InsertionOrder <= got[0].InsertionOrder {
		t.Errorf("insertion order not increasing: %d, %d", got[0].InsertionOrder, got[1].InsertionOrder)
	}
}

var e = migration.EventOfType

// persistSets run on a fresh backend each, since a sweep visits every
// aggregate in the store.
var persistSets = []struct {
	name       string
	migrations []migration.Migration
	want       []string
}{
	{"replace", []migration.Migration{migration.Replace("E1").With(e("E2"), e("E3"))},
		[]string{"Ec1", "E2", "E3", "Ef"}},
	{"insert before", []migration.Migration{migration.Before("E1").Insert(e("E3"))},
		[]string{"Ec1", "E3", "E1", "Ef"}},
	{"chained insert before", []migration.Migration{
		migration.Before("E1").Insert(e("E3"), e("E4")),
		migration.Before("E4").Insert(e("E5")),
	}, []string{"Ec1", "E3", "E5", "E4", "E1", "Ef"}},
	{"two inserts after one anchor", []migration.Migration{
		migration.After("E1").Insert(e("A")),
		migration.After("E1").Insert(e("B")),
	}, []string{"Ec1", "E1", "A", "B", "Ef"}},
}

func (s *Suite) testPersistMigrations(t *testing.T, backend store.Backend, migrations []migration.Migration, want []string) {
	st := newStore(backend, migrations...)
	id := uuid.New()
	save(t, st, Events(id, 1, "Ec1", "E1", "Ef"))

	before := history(t, st, id)
	if !reflect.DeepEqual(Types(before), want) {
		t.Fatalf("got %v, want %v", Types(before), want)
	}
	if err := st.PersistMigrations(context.Background()); err != nil {
		t.Fatalf("PersistMigrations failed: %v", err)
	}

	plain := history(t, newStore(backend), id)
	if !reflect.DeepEqual(eventIDs(plain), eventIDs(before)) {
		t.Errorf("persisted %v, migrated %v", Types(plain), Types(before))
	}
	again := history(t, newStore(backend, migrations...), id)
	if !reflect.DeepEqual(eventIDs(again), eventIDs(before)) {
		t.Errorf("migrated after persisting %v, before %v", Types(again), Types(before))
	}
}

func (s *Suite) testConcurrentCreation(t *testing.T, backend store.Backend) {
	first, second := newStore(backend), newStore(backend)
	id := uuid.New()
	save(t, first, Events(id, 1, "Ec1"))

	err := second.SaveEvents(context.Background(), Events(id, 1, "Ec1"))
	if !errors.Is(err, es.ErrAggregateAlreadyPersisted) {
		t.Errorf("expected ErrAggregateAlreadyPersisted, got %v", err)
	}
}

func (s *Suite) testOptimisticConcurrency(t *testing.T, backend store.Backend) {
	st := newStore(backend)
	id := uuid.New()
	save(t, st, Events(id, 1, "Ec1"))
	save(t, st, Events(id, 2, "E1"))

	err := st.SaveEvents(context.Background(), Events(id, 2, "E2"))
	if !errors.Is(err, es.ErrOptimisticConcurrency) {
		t.Errorf("expected ErrOptimisticConcurrency, got %v", err)
	}
}

func (s *Suite) testDuplicateEventID(t *testing.T, backend store.Backend) {
	st := newStore(backend)
	id := uuid.New()
	first := Events(id, 1, "Ec1")
	save(t, st, first)

	dup := Events(id, 2, "E1")
	dup[0].EventID = first[0].EventID
	if err := st.SaveEvents(context.Background(), dup); !errors.Is(err, es.ErrDuplicateEventID) {
		t.Errorf("expected ErrDuplicateEventID, got %v", err)
	}
}

func (s *Suite) testDeleteEvents(t *testing.T, backend store.Backend) {
	st := newStore(backend)
	ctx := context.Background()
	id, other := uuid.New(), uuid.New()
	save(t, st, Events(id, 1, "Ec1", "E1"))
	save(t, st, Events(other, 1, "Ec1"))

	if err := st.DeleteEvents(ctx, id); err != nil {
		t.Fatalf("DeleteEvents failed: %v", err)
	}
	for name, reader := range map[string]*store.Store{"same store": st, "fresh store": newStore(backend)} {
		if _, err := reader.GetAggregateHistory(ctx, id); !errors.Is(err, es.ErrAggregateNotFound) {
			t.Errorf("%s: expected ErrAggregateNotFound, got %v", name, err)
		}
	}
	history(t, st, other)
}

func (s *Suite) testStreamEvents(t *testing.T, backend store.Backend) {
	st := newStore(backend)
	a, b := uuid.New(), uuid.New()
	first := Events(a, 1, "A1", "A2")
	second := Events(b, 1, "B1")
	third := Events(a, 3, "A3")
	save(t, st, first)
	save(t, st, second)
	save(t, st, third)

	var streamed []es.Event
	err := st.StreamEvents(context.Background(), 2, func(_ context.Context, batch []es.Event) error {
		if len(batch) > 2 {
			t.Errorf("batch of %d exceeds batch size", len(batch))
		}
		streamed = append(streamed, batch...)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamEvents failed: %v", err)
	}

	want := append(append(append([]es.Event{}, first...), second...), third...)
	if !reflect.DeepEqual(eventIDs(streamed), eventIDs(want)) {
		t.Errorf("got %v, want %v", Types(streamed), Types(want))
	}
}

func (s *Suite) testCreationOrder(t *testing.T, backend store.Backend) {
	st := newStore(backend)
	late, early, skipped := uuid.New(), uuid.New(), uuid.New()

	lateEvents := Events(late, 1, "Created")
	lateEvents[0].CreatedAt = t0.Add(time.Hour)
	save(t, st, lateEvents)
	save(t, st, Events(early, 1, "Created", "Renamed"))
	save(t, st, Events(skipped, 1, "Imported"))

	ids, err := st.StreamAggregateIDsInCreationOrder(context.Background(), "Created")
	if err != nil {
		t.Fatalf("StreamAggregateIDsInCreationOrder failed: %v", err)
	}
	if !reflect.DeepEqual(ids, []uuid.UUID{early, late}) {
		t.Errorf("got %v, want [%s %s]", ids, early, late)
	}
}
