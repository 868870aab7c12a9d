package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupevents/es"
	"github.com/getpup/pupevents/es/adapters/memory"
	"github.com/getpup/pupevents/es/store"
	"github.com/getpup/pupevents/es/store/storetest"
)

func events(aggregateID uuid.UUID, types ...string) []es.Event {
	out := make([]es.Event, len(types))
	for i, typ := range types {
		out[i] = es.Event{
			AggregateID: aggregateID,
			EventID:     uuid.New(),
			EventType:   typ,
			CreatedAt:   time.Unix(int64(i), 0).UTC(),
		}
	}
	return out
}

func save(t *testing.T, b *memory.Backend, expected es.ExpectedVersion, evs []es.Event) []es.Event {
	t.Helper()
	ctx := t.Context()
	tx, err := b.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	stored, err := tx.SaveEvents(ctx, expected, evs)
	if err != nil {
		t.Fatalf("SaveEvents failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return stored
}

func history(t *testing.T, b *memory.Backend, id uuid.UUID) ([]es.Event, int64, error) {
	t.Helper()
	tx, err := b.Begin(t.Context())
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Rollback()
	return tx.GetAggregateHistory(t.Context(), id)
}

func typeList(evs []es.Event) []string {
	out := make([]string, len(evs))
	for i := range evs {
		out[i] = evs[i].EventType
	}
	return out
}

func TestBackend_SaveAssignsBookkeeping(t *testing.T) {
	b := memory.NewBackend()
	id := uuid.New()

	first := save(t, b, es.NoStream(), events(id, "Ec1", "E1"))
	second := save(t, b, es.Any(), events(id, "E2"))

	if first[0].InsertionOrder != 1 || first[1].InsertionOrder != 2 || second[0].InsertionOrder != 3 {
		t.Errorf("unexpected insertion orders %d %d %d",
			first[0].InsertionOrder, first[1].InsertionOrder, second[0].InsertionOrder)
	}
	if second[0].InsertedVersion != 3 {
		t.Errorf("InsertedVersion = %d, want 3", second[0].InsertedVersion)
	}
	if !second[0].EffectiveReadOrder.Valid || second[0].EffectiveReadOrder.Decimal.IntPart() != 3 {
		t.Errorf("unexpected read order %v", second[0].EffectiveReadOrder)
	}
}

func TestBackend_BindsAnchorByEventID(t *testing.T) {
	b := memory.NewBackend()
	id := uuid.New()
	stored := save(t, b, es.NoStream(), events(id, "Ec1", "E1", "Ef"))

	// E3 replaces E1; E4 is inserted before E3 in the same batch.
	e3 := es.Event{AggregateID: id, EventID: uuid.New(), EventType: "E3"}
	e3.SetMarker(es.KindReplace, &stored[1])
	e4 := es.Event{AggregateID: id, EventID: uuid.New(), EventType: "E4"}
	e4.SetMarker(es.KindInsertBefore, &e3)
	if e4.Anchor() != 0 {
		t.Fatal("expected unbound anchor")
	}

	out := save(t, b, es.Any(), []es.Event{e3, e4})
	if out[1].InsertBefore != out[0].InsertionOrder {
		t.Errorf("InsertBefore = %d, want %d", out[1].InsertBefore, out[0].InsertionOrder)
	}

	got, maxOrder, err := history(t, b, id)
	if err != nil {
		t.Fatalf("GetAggregateHistory failed: %v", err)
	}
	want := []string{"Ec1", "E4", "E3", "Ef"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", typeList(got), want)
	}
	for i := range want {
		if got[i].EventType != want[i] {
			t.Fatalf("got %v, want %v", typeList(got), want)
		}
	}
	if maxOrder != 5 {
		t.Errorf("maxInsertionOrder = %d, want 5", maxOrder)
	}
}

func TestBackend_UnknownAnchor(t *testing.T) {
	b := memory.NewBackend()
	id := uuid.New()
	save(t, b, es.NoStream(), events(id, "Ec1", "Ef"))

	orphan := es.Event{AggregateID: id, EventID: uuid.New(), EventType: "E3"}
	orphan.SetMarker(es.KindInsertBefore, &es.Event{EventID: uuid.New()})

	tx, _ := b.Begin(t.Context())
	_, err := tx.SaveEvents(t.Context(), es.Any(), []es.Event{orphan})
	if !errors.Is(err, es.ErrUnsupportedReordering) {
		t.Fatalf("expected ErrUnsupportedReordering, got %v", err)
	}
	if _, _, err := tx.GetAggregateHistory(t.Context(), id); err == nil {
		t.Error("expected aborted transaction to refuse further use")
	}
	if err := tx.Rollback(); err != nil {
		t.Errorf("Rollback failed: %v", err)
	}
}

func TestBackend_Isolation(t *testing.T) {
	b := memory.NewBackend()
	ctx := t.Context()
	id := uuid.New()

	tx, _ := b.Begin(ctx)
	if _, err := tx.SaveEvents(ctx, es.NoStream(), events(id, "Ec1")); err != nil {
		t.Fatalf("SaveEvents failed: %v", err)
	}
	if _, _, err := history(t, b, id); !errors.Is(err, es.ErrAggregateNotFound) {
		t.Errorf("expected uncommitted write to be invisible, got %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if b.EventCount() != 0 {
		t.Errorf("expected nothing stored after rollback")
	}
	if err := tx.Commit(); !errors.Is(err, memory.ErrTxDone) {
		t.Errorf("expected ErrTxDone, got %v", err)
	}

	// Insertion orders of the rolled back write are not reused.
	stored := save(t, b, es.NoStream(), events(id, "Ec1"))
	if stored[0].InsertionOrder != 2 {
		t.Errorf("InsertionOrder = %d, want 2", stored[0].InsertionOrder)
	}
}

func TestBackend_CommitReplaysOnConflict(t *testing.T) {
	b := memory.NewBackend()
	ctx := t.Context()
	id, other := uuid.New(), uuid.New()

	first, _ := b.Begin(ctx)
	second, _ := b.Begin(ctx)
	if _, err := first.SaveEvents(ctx, es.NoStream(), events(id, "Ec1")); err != nil {
		t.Fatalf("SaveEvents failed: %v", err)
	}
	if _, err := second.SaveEvents(ctx, es.NoStream(), events(id, "Ec1")); err != nil {
		t.Fatalf("SaveEvents failed: %v", err)
	}
	if err := first.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := second.Commit(); !errors.Is(err, es.ErrAggregateAlreadyPersisted) {
		t.Errorf("expected ErrAggregateAlreadyPersisted, got %v", err)
	}

	// Unrelated writes are replayed onto the newer state.
	third, _ := b.Begin(ctx)
	fourth, _ := b.Begin(ctx)
	if _, err := third.SaveEvents(ctx, es.NoStream(), events(other, "Ec1")); err != nil {
		t.Fatalf("SaveEvents failed: %v", err)
	}
	if _, err := fourth.SaveEvents(ctx, es.Any(), events(id, "E1")); err != nil {
		t.Fatalf("SaveEvents failed: %v", err)
	}
	if err := third.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := fourth.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if b.EventCount() != 3 {
		t.Errorf("EventCount = %d, want 3", b.EventCount())
	}
}

func TestBackend_DeleteEvents(t *testing.T) {
	b := memory.NewBackend()
	ctx := t.Context()
	id := uuid.New()
	stored := save(t, b, es.NoStream(), events(id, "Ec1", "E1"))

	tx, _ := b.Begin(ctx)
	if err := tx.DeleteEvents(ctx, id); err != nil {
		t.Fatalf("DeleteEvents failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if _, _, err := history(t, b, id); !errors.Is(err, es.ErrAggregateNotFound) {
		t.Errorf("expected ErrAggregateNotFound, got %v", err)
	}

	// Ids of deleted events may be stored again.
	again := events(id, "Ec1")
	again[0].EventID = stored[0].EventID
	save(t, b, es.NoStream(), again)
}

func TestBackend_GetEventsInsertedAfter(t *testing.T) {
	b := memory.NewBackend()
	ctx := t.Context()
	id := uuid.New()
	save(t, b, es.NoStream(), events(id, "Ec1", "E1", "E2"))

	tx, _ := b.Begin(ctx)
	defer tx.Rollback()
	got, err := tx.GetEventsInsertedAfter(ctx, id, 1)
	if err != nil {
		t.Fatalf("GetEventsInsertedAfter failed: %v", err)
	}
	if len(got) != 2 || got[0].EventType != "E1" || got[1].EventType != "E2" {
		t.Errorf("unexpected events %v", typeList(got))
	}
}

func TestBackend_StreamEvents(t *testing.T) {
	b := memory.NewBackend()
	a, c := uuid.New(), uuid.New()
	save(t, b, es.NoStream(), events(a, "A1", "A2"))
	save(t, b, es.NoStream(), events(c, "C1"))

	var seen []string
	err := b.StreamEvents(t.Context(), 2, func(_ context.Context, batch []es.Event) error {
		seen = append(seen, typeList(batch)...)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamEvents failed: %v", err)
	}
	if len(seen) != 3 || seen[0] != "A1" || seen[2] != "C1" {
		t.Errorf("unexpected stream %v", seen)
	}
}

func TestBackend_StreamEvents_FlagsLastOfAggregate(t *testing.T) {
	b := memory.NewBackend()
	a, c := uuid.New(), uuid.New()
	save(t, b, es.NoStream(), events(a, "A1"))
	save(t, b, es.NoStream(), events(c, "C1"))
	save(t, b, es.Any(), events(a, "A2"))

	var last []string
	err := b.StreamEvents(t.Context(), 10, func(_ context.Context, batch []es.Event) error {
		for _, e := range batch {
			if e.LastOfAggregate {
				last = append(last, e.EventType)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("StreamEvents failed: %v", err)
	}
	if len(last) != 2 || last[0] != "C1" || last[1] != "A2" {
		t.Errorf("last events %v, want [C1 A2]", last)
	}
}

func TestBackend_UnmappedEventType(t *testing.T) {
	b := memory.NewBackend()
	id := uuid.New()
	save(t, b, es.NoStream(), events(id, "UserCreated", "Legacy"))
	b.Types().Unregister("Legacy")

	var unmapped *es.UnmappedTypeError
	if _, _, err := history(t, b, id); !errors.As(err, &unmapped) {
		t.Errorf("history: expected UnmappedTypeError, got %v", err)
	}
	err := b.StreamEvents(t.Context(), 10, func(context.Context, []es.Event) error { return nil })
	if !errors.As(err, &unmapped) {
		t.Errorf("stream: expected UnmappedTypeError, got %v", err)
	}
	if _, err := b.StreamAggregateIDsInCreationOrder(t.Context()); err != nil {
		t.Errorf("creation events still resolve, got %v", err)
	}
}

var _ store.Backend = memory.NewBackend()

func TestBackend_Suite(t *testing.T) {
	storetest.New(func(*testing.T) store.Backend { return memory.NewBackend() }).Run(t)
}

func TestBackend_RenameEventType(t *testing.T) {
	b := memory.NewBackend()
	id := uuid.New()
	save(t, b, es.NoStream(), events(id, "UserCreated", "EmailChanged"))

	if err := b.Types().Rename("EmailChanged", "EmailUpdated"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	got, _, err := history(t, b, id)
	if err != nil {
		t.Fatalf("GetAggregateHistory failed: %v", err)
	}
	if got[1].EventType != "EmailUpdated" {
		t.Errorf("EventType = %q, want EmailUpdated", got[1].EventType)
	}

	ids, err := b.StreamAggregateIDsInCreationOrder(t.Context(), "UserCreated")
	if err != nil || len(ids) != 1 {
		t.Errorf("expected the aggregate to be found by its creation type, got %v (%v)", ids, err)
	}
	if err := b.Types().Rename("Missing", "Other"); err == nil {
		t.Error("expected an error for an unknown type")
	}
}
