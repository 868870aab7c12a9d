package migration_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupevents/es"
	"github.com/getpup/pupevents/es/migration"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// stream builds stored events of one aggregate with the given types.
func stream(aggregateID uuid.UUID, types ...string) []es.Event {
	events := make([]es.Event, len(types))
	for i, typ := range types {
		events[i] = es.Event{
			AggregateID:     aggregateID,
			EventID:         uuid.New(),
			EventType:       typ,
			CreatedAt:       t0.Add(time.Duration(i) * time.Second),
			InsertionOrder:  int64(i + 1),
			InsertedVersion: int64(i + 1),
		}
	}
	return events
}

func types(events []es.Event) []string {
	out := make([]string, len(events))
	for i := range events {
		out[i] = events[i].EventType
	}
	return out
}

func ids(events []es.Event) []uuid.UUID {
	out := make([]uuid.UUID, len(events))
	for i := range events {
		out[i] = events[i].EventID
	}
	return out
}

func TestMutate_Scenarios(t *testing.T) {
	tests := []struct {
		name       string
		migrations []migration.Migration
		input      []string
		want       []string
	}{
		{
			name:  "no migrations",
			input: []string{"Ec1", "E1", "Ef"},
			want:  []string{"Ec1", "E1", "Ef"},
		},
		{
			name:       "replace with two events",
			migrations: []migration.Migration{migration.Replace("E1").With(migration.EventOfType("E2"), migration.EventOfType("E3"))},
			input:      []string{"Ec1", "E1", "Ef"},
			want:       []string{"Ec1", "E2", "E3", "Ef"},
		},
		{
			name:       "insert before",
			migrations: []migration.Migration{migration.Before("E1").Insert(migration.EventOfType("E3"), migration.EventOfType("E4"))},
			input:      []string{"Ec1", "E1", "Ef"},
			want:       []string{"Ec1", "E3", "E4", "E1", "Ef"},
		},
		{
			name: "chained insert before an introduced event",
			migrations: []migration.Migration{
				migration.Before("E1").Insert(migration.EventOfType("E3"), migration.EventOfType("E4")),
				migration.Before("E4").Insert(migration.EventOfType("E5")),
			},
			input: []string{"Ec1", "E1", "Ef"},
			want:  []string{"Ec1", "E3", "E5", "E4", "E1", "Ef"},
		},
		{
			name:       "insert after",
			migrations: []migration.Migration{migration.After("E1").Insert(migration.EventOfType("E2"))},
			input:      []string{"Ec1", "E1", "Ef"},
			want:       []string{"Ec1", "E1", "E2", "Ef"},
		},
		{
			name:       "insert after the last event",
			migrations: []migration.Migration{migration.After("Ef").Insert(migration.EventOfType("E2"))},
			input:      []string{"Ec1", "E1", "Ef"},
			want:       []string{"Ec1", "E1", "Ef", "E2"},
		},
		{
			name:       "replace every occurrence",
			migrations: []migration.Migration{migration.Replace("E1").With(migration.EventOfType("E2"))},
			input:      []string{"Ec1", "E1", "E9", "E1", "Ef"},
			want:       []string{"Ec1", "E2", "E9", "E2", "Ef"},
		},
		{
			name:       "replace with nothing removes the event",
			migrations: []migration.Migration{migration.Replace("E1").With()},
			input:      []string{"Ec1", "E1", "Ef"},
			want:       []string{"Ec1", "Ef"},
		},
		{
			name: "replace an introduced event",
			migrations: []migration.Migration{
				migration.Before("E1").Insert(migration.EventOfType("E3")),
				migration.Replace("E3").With(migration.EventOfType("E7")),
			},
			input: []string{"Ec1", "E1", "Ef"},
			want:  []string{"Ec1", "E7", "E1", "Ef"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := migration.Mutate(tt.migrations, stream(uuid.New(), tt.input...))
			if err != nil {
				t.Fatalf("Mutate failed: %v", err)
			}
			if !reflect.DeepEqual(types(got), tt.want) {
				t.Errorf("got %v, want %v", types(got), tt.want)
			}
			for i := range got {
				if got[i].EffectiveVersion != int64(i+1) {
					t.Errorf("event %d: EffectiveVersion = %d", i, got[i].EffectiveVersion)
				}
			}
		})
	}
}

func TestMutate_IntroducedEventsAreDeterministic(t *testing.T) {
	migs := []migration.Migration{
		migration.Replace("E1").With(migration.EventOfType("E2"), migration.EventOfType("E3")),
		migration.After("E2").Insert(migration.EventOfType("E4")),
	}
	input := stream(uuid.New(), "Ec1", "E1", "Ef")

	first, err := migration.Mutate(migs, input)
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	second, err := migration.Mutate(migs, input)
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if !reflect.DeepEqual(ids(first), ids(second)) {
		t.Error("expected identical event ids across passes")
	}

	// [Ec1, E2, E4, E3, Ef]
	if got := types(first); !reflect.DeepEqual(got, []string{"Ec1", "E2", "E4", "E3", "Ef"}) {
		t.Fatalf("unexpected stream %v", got)
	}
	anchor := input[1]
	for _, e := range []es.Event{first[1], first[3]} {
		if e.Replaces != anchor.InsertionOrder {
			t.Errorf("%s: Replaces = %d, want %d", e.EventType, e.Replaces, anchor.InsertionOrder)
		}
		if !e.CreatedAt.Equal(anchor.CreatedAt) {
			t.Errorf("%s: expected anchor timestamp", e.EventType)
		}
		if e.AggregateID != anchor.AggregateID {
			t.Errorf("%s: expected anchor aggregate", e.EventType)
		}
	}
	// E4 follows an introduced event that has no insertion order yet.
	e4 := first[2]
	if e4.Kind() != es.KindInsertAfter || e4.Anchor() != 0 || e4.AnchorEventID != first[1].EventID {
		t.Errorf("unexpected E4 marker: %+v", e4)
	}
}

func TestMutateWithCallback_BatchesPerMigration(t *testing.T) {
	migs := []migration.Migration{
		migration.Before("E1").Insert(migration.EventOfType("E3"), migration.EventOfType("E4")),
		migration.Replace("Ef").With(migration.EventOfType("Eg")),
		migration.Before("E4").Insert(migration.EventOfType("E5")),
	}

	var batches [][]string
	_, err := migration.MutateWithCallback(migs, stream(uuid.New(), "Ec1", "E1", "Ef"), func(events []es.Event) error {
		batches = append(batches, types(events))
		return nil
	})
	if err != nil {
		t.Fatalf("MutateWithCallback failed: %v", err)
	}

	want := [][]string{{"E3", "E4"}, {"Eg"}, {"E5"}}
	if !reflect.DeepEqual(batches, want) {
		t.Errorf("got %v, want %v", batches, want)
	}
}

func TestMutateWithCallback_NothingIntroduced(t *testing.T) {
	called := false
	_, err := migration.MutateWithCallback(
		[]migration.Migration{migration.Replace("Missing").With(migration.EventOfType("E2"))},
		stream(uuid.New(), "Ec1", "E1"),
		func([]es.Event) error {
			called = true
			return nil
		})
	if err != nil {
		t.Fatalf("MutateWithCallback failed: %v", err)
	}
	if called {
		t.Error("expected no callback when nothing was introduced")
	}
}

func TestMutateWithCallback_CallbackError(t *testing.T) {
	boom := errors.New("boom")
	_, err := migration.MutateWithCallback(
		[]migration.Migration{migration.Replace("E1").With(migration.EventOfType("E2"))},
		stream(uuid.New(), "Ec1", "E1"),
		func([]es.Event) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("expected callback error, got %v", err)
	}
}

func TestReplace_ShiftsLaterVersions(t *testing.T) {
	input := stream(uuid.New(), "Ec1", "E1", "Ea", "Eb")
	migs := []migration.Migration{migration.Replace("E1").With(
		migration.EventOfType("E2"), migration.EventOfType("E3"), migration.EventOfType("E4"))}

	got, err := migration.Mutate(migs, input)
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if len(got) != len(input)+2 {
		t.Fatalf("expected %d events, got %d", len(input)+2, len(got))
	}
	for _, tail := range got[len(got)-2:] {
		var original es.Event
		for _, e := range input {
			if e.EventID == tail.EventID {
				original = e
			}
		}
		if tail.EffectiveVersion != original.InsertedVersion+2 {
			t.Errorf("%s: EffectiveVersion = %d, want %d", tail.EventType, tail.EffectiveVersion, original.InsertedVersion+2)
		}
		if tail.InsertionOrder != original.InsertionOrder {
			t.Errorf("%s: InsertionOrder changed", tail.EventType)
		}
	}
}

func TestMutate_UnrelatedAnchorsCommute(t *testing.T) {
	a := migration.Before("E1").Insert(migration.EventOfType("X"))
	b := migration.After("E2").Insert(migration.EventOfType("Y"))
	input := stream(uuid.New(), "Ec1", "E1", "E2", "Ef")

	ab, err := migration.Mutate([]migration.Migration{a, b}, input)
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	ba, err := migration.Mutate([]migration.Migration{b, a}, input)
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if !reflect.DeepEqual(types(ab), types(ba)) {
		t.Errorf("order dependent: %v vs %v", types(ab), types(ba))
	}
	if !reflect.DeepEqual(ids(ab), ids(ba)) {
		t.Error("expected identical ids regardless of migration order")
	}
}

func TestCheckIdempotent(t *testing.T) {
	tests := []struct {
		name       string
		migrations []migration.Migration
		wantErr    bool
	}{
		{
			name:       "replace",
			migrations: []migration.Migration{migration.Replace("E1").With(migration.EventOfType("E2"))},
		},
		{
			name:       "insert before",
			migrations: []migration.Migration{migration.Before("E1").Insert(migration.EventOfType("E3"), migration.EventOfType("E4"))},
		},
		{
			name:       "insert after",
			migrations: []migration.Migration{migration.After("E1").Insert(migration.EventOfType("E2"))},
		},
		{
			name: "stacked inserts after one anchor",
			migrations: []migration.Migration{
				migration.After("E1").Insert(migration.EventOfType("A")),
				migration.After("E1").Insert(migration.EventOfType("B")),
			},
		},
		{
			name: "stacked inserts before one anchor",
			migrations: []migration.Migration{
				migration.Before("E1").Insert(migration.EventOfType("A")),
				migration.Before("E1").Insert(migration.EventOfType("B")),
			},
		},
		{
			name: "chained inserts after introduced events",
			migrations: []migration.Migration{
				migration.After("E1").Insert(migration.EventOfType("E2")),
				migration.After("E2").Insert(migration.EventOfType("E3")),
				migration.After("E1").Insert(migration.EventOfType("E4")),
			},
		},
		{
			name:       "replacement reintroduces its target",
			migrations: []migration.Migration{migration.Replace("E1").With(migration.EventOfType("E1"))},
			wantErr:    true,
		},
		{
			name:       "unconditional insert",
			migrations: []migration.Migration{alwaysBefore{}},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated, err := migration.Mutate(tt.migrations, stream(uuid.New(), "Ec1", "E1", "Ef"))
			if err != nil {
				t.Fatalf("Mutate failed: %v", err)
			}
			err = migration.CheckIdempotent(tt.migrations, mutated)
			if tt.wantErr && !errors.Is(err, es.ErrNonIdempotentMigration) {
				t.Errorf("expected ErrNonIdempotentMigration, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestMutate_StackedInsertsAreStable(t *testing.T) {
	tests := []struct {
		name       string
		migrations []migration.Migration
		input      []string
		want       []string
	}{
		{
			name: "after",
			migrations: []migration.Migration{
				migration.After("E1").Insert(migration.EventOfType("A")),
				migration.After("E1").Insert(migration.EventOfType("B")),
			},
			input: []string{"Ec1", "E1", "Ef"},
			want:  []string{"Ec1", "E1", "A", "B", "Ef"},
		},
		{
			name: "after the last event",
			migrations: []migration.Migration{
				migration.After("E1").Insert(migration.EventOfType("A")),
				migration.After("E1").Insert(migration.EventOfType("B")),
			},
			input: []string{"Ec1", "E1"},
			want:  []string{"Ec1", "E1", "A", "B"},
		},
		{
			name: "before",
			migrations: []migration.Migration{
				migration.Before("E1").Insert(migration.EventOfType("A")),
				migration.Before("E1").Insert(migration.EventOfType("B")),
			},
			input: []string{"Ec1", "E1", "Ef"},
			want:  []string{"Ec1", "A", "B", "E1", "Ef"},
		},
		{
			name:       "stored event of the inserted type does not count",
			migrations: []migration.Migration{migration.After("E1").Insert(migration.EventOfType("E2"))},
			input:      []string{"Ec1", "E1", "E2", "E1"},
			want:       []string{"Ec1", "E1", "E2", "E2", "E1", "E2"},
		},
		{
			name:       "consecutive anchors each get an insert",
			migrations: []migration.Migration{migration.After("E1").Insert(migration.EventOfType("E2"))},
			input:      []string{"Ec1", "E1", "E1"},
			want:       []string{"Ec1", "E1", "E2", "E1", "E2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			once, err := migration.Mutate(tt.migrations, stream(uuid.New(), tt.input...))
			if err != nil {
				t.Fatalf("Mutate failed: %v", err)
			}
			if !reflect.DeepEqual(types(once), tt.want) {
				t.Fatalf("got %v, want %v", types(once), tt.want)
			}
			twice, err := migration.Mutate(tt.migrations, once)
			if err != nil {
				t.Fatalf("second Mutate failed: %v", err)
			}
			if !reflect.DeepEqual(ids(twice), ids(once)) {
				t.Errorf("second pass changed the stream: %v, want %v", types(twice), types(once))
			}
		})
	}
}

// alwaysBefore inserts a marker before every E1 without looking at the stream.
type alwaysBefore struct{}

func (alwaysBefore) Name() string { return "always-before" }

func (alwaysBefore) CreateMutator() migration.StreamMutator {
	return migration.MutatorFunc(func(m *migration.Modifier) {
		if ev := m.Event(); ev != nil && ev.EventType == "E1" {
			m.InsertBefore(migration.EventOfType("Marker"))
		}
	})
}

func TestModifier_InvalidCombinations(t *testing.T) {
	tests := []struct {
		name string
		fn   func(m *migration.Modifier)
	}{
		{"replace twice", func(m *migration.Modifier) {
			if m.Event() != nil {
				m.Replace()
				m.Replace()
			}
		}},
		{"insert after a replaced event", func(m *migration.Modifier) {
			if m.Event() != nil {
				m.Replace(migration.EventOfType("E2"))
				m.InsertAfter(migration.EventOfType("E3"))
			}
		}},
		{"insert before at end of stream", func(m *migration.Modifier) {
			if m.Event() == nil {
				m.InsertBefore(migration.EventOfType("E3"))
			}
		}},
		{"insert after previous at start of stream", func(m *migration.Modifier) {
			if m.Previous() == nil {
				m.InsertAfterPrevious(migration.EventOfType("E3"))
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mig := funcMigration{name: tt.name, fn: tt.fn}
			_, err := migration.Mutate([]migration.Migration{mig}, stream(uuid.New(), "Ec1", "E1"))
			if !errors.Is(err, es.ErrInvalidMutation) {
				t.Errorf("expected ErrInvalidMutation, got %v", err)
			}
		})
	}
}

type funcMigration struct {
	name string
	fn   func(m *migration.Modifier)
}

func (f funcMigration) Name() string { return f.name }

func (f funcMigration) CreateMutator() migration.StreamMutator { return migration.MutatorFunc(f.fn) }

func TestMigrationNames(t *testing.T) {
	tests := []struct {
		mig  migration.Migration
		want string
	}{
		{migration.Replace("E1").With(migration.EventOfType("E2"), migration.EventOfType("E3")), "replace(E1).with(E2,E3)"},
		{migration.Before("E1").Insert(migration.EventOfType("E0")), "before(E1).insert(E0)"},
		{migration.After("E1").Insert(migration.EventOfType("E2")), "after(E1).insert(E2)"},
		{migration.After("E1").Insert(migration.EventOfType("E2")).Named("backfill-e2"), "backfill-e2"},
	}
	for _, tt := range tests {
		if got := tt.mig.Name(); got != tt.want {
			t.Errorf("Name() = %s, want %s", got, tt.want)
		}
	}
}

func TestPipeline_IncrementalMatchesMutate(t *testing.T) {
	migs := []migration.Migration{
		migration.After("E1").Insert(migration.EventOfType("E2")),
		migration.Before("Ef").Insert(migration.EventOfType("Ee")),
	}
	input := stream(uuid.New(), "Ec1", "E1", "E9", "E1", "Ef")

	whole, err := migration.Mutate(migs, input)
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	p := migration.NewPipeline(migs)
	var got []es.Event
	for _, e := range input {
		out, err := p.Push(e)
		if err != nil {
			t.Fatalf("Push failed: %v", err)
		}
		got = append(got, out...)
	}
	tail, err := p.Flush()
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	got = append(got, tail...)

	if !reflect.DeepEqual(ids(got), ids(whole)) {
		t.Errorf("got %v, want %v", types(got), types(whole))
	}
	if p.Version() != int64(len(whole)) {
		t.Errorf("Version() = %d, want %d", p.Version(), len(whole))
	}
	if _, err := p.Push(input[0]); !errors.Is(err, es.ErrInvalidMutation) {
		t.Errorf("expected ErrInvalidMutation after flush, got %v", err)
	}
}

func TestMutateCompleteStream_MatchesPerAggregate(t *testing.T) {
	migs := []migration.Migration{
		migration.Replace("E1").With(migration.EventOfType("E2"), migration.EventOfType("E3")),
		migration.After("E3").Insert(migration.EventOfType("E4")),
	}
	a := stream(uuid.New(), "Ec1", "E1", "Ef")
	b := stream(uuid.New(), "Ec1", "E1")

	// interleave a and b
	var all []es.Event
	for i := 0; i < len(a) || i < len(b); i++ {
		if i < len(a) {
			all = append(all, a[i])
		}
		if i < len(b) {
			all = append(all, b[i])
		}
	}

	c := migration.NewCompleteStreamMutator(migs)
	var got []es.Event
	for i := 0; i < len(all); i += 2 {
		out, err := c.Mutate(all[i:min(i+2, len(all))])
		if err != nil {
			t.Fatalf("Mutate failed: %v", err)
		}
		got = append(got, out...)
	}
	tail, err := c.Flush()
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	got = append(got, tail...)

	whole, err := migration.MutateCompleteStream(migs, all)
	if err != nil {
		t.Fatalf("MutateCompleteStream failed: %v", err)
	}
	if !reflect.DeepEqual(ids(got), ids(whole)) {
		t.Error("batched and whole-stream results differ")
	}

	for _, agg := range [][]es.Event{a, b} {
		want, err := migration.Mutate(migs, agg)
		if err != nil {
			t.Fatalf("Mutate failed: %v", err)
		}
		var filtered []es.Event
		for _, e := range got {
			if e.AggregateID == agg[0].AggregateID {
				filtered = append(filtered, e)
			}
		}
		if !reflect.DeepEqual(ids(filtered), ids(want)) {
			t.Errorf("aggregate %s: got %v, want %v", agg[0].AggregateID, types(filtered), types(want))
		}
		for i := range filtered {
			if filtered[i].EffectiveVersion != want[i].EffectiveVersion {
				t.Errorf("aggregate %s event %d: version %d, want %d",
					agg[0].AggregateID, i, filtered[i].EffectiveVersion, want[i].EffectiveVersion)
			}
		}
	}
}

func TestCompleteStreamMutator_EndsStreamsAtLastOfAggregate(t *testing.T) {
	migs := []migration.Migration{migration.After("E1").Insert(migration.EventOfType("E2"))}
	a := stream(uuid.New(), "Ec1", "E1")
	b := stream(uuid.New(), "Ec1", "E9")
	a[1].LastOfAggregate = true
	b[1].LastOfAggregate = true

	c := migration.NewCompleteStreamMutator(migs)
	got, err := c.Mutate([]es.Event{a[0], b[0], a[1], b[1]})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if want := []string{"Ec1", "Ec1", "E1", "E2", "E9"}; !reflect.DeepEqual(types(got), want) {
		t.Errorf("got %v, want %v", types(got), want)
	}
	if got[3].AggregateID != a[0].AggregateID {
		t.Error("inserted event does not follow its anchor")
	}
	for i := range got {
		if got[i].LastOfAggregate {
			t.Errorf("event %d still flagged as last", i)
		}
	}
	if n := c.Open(); n != 0 {
		t.Errorf("Open() = %d after every stream ended", n)
	}
	tail, err := c.Flush()
	if err != nil || len(tail) != 0 {
		t.Errorf("Flush() = %v, %v", types(tail), err)
	}
}

func TestCompleteStreamMutator_ManyAggregates(t *testing.T) {
	migs := []migration.Migration{migration.Before("E1").Insert(migration.EventOfType("E0"))}
	c := migration.NewCompleteStreamMutator(migs)
	for i := 0; i < 1000; i++ {
		events := stream(uuid.New(), "Ec1", "E1")
		events[1].LastOfAggregate = true
		out, err := c.Mutate(events)
		if err != nil {
			t.Fatalf("Mutate failed: %v", err)
		}
		if len(out) != 3 {
			t.Fatalf("aggregate %d: got %v", i, types(out))
		}
	}
	if n := c.Open(); n != 0 {
		t.Errorf("Open() = %d, want 0", n)
	}
}
