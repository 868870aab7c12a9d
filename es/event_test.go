package es

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEvent_Kind(t *testing.T) {
	tests := []struct {
		name       string
		event      Event
		want       MutationKind
		wantAnchor int64
	}{
		{"original", Event{}, KindOriginal, 0},
		{"replace", Event{Replaces: 3}, KindReplace, 3},
		{"insert before", Event{InsertBefore: 4}, KindInsertBefore, 4},
		{"insert after", Event{InsertAfter: 5}, KindInsertAfter, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.Kind(); got != tt.want {
				t.Errorf("Kind() = %s, want %s", got, tt.want)
			}
			if got := tt.event.Anchor(); got != tt.wantAnchor {
				t.Errorf("Anchor() = %d, want %d", got, tt.wantAnchor)
			}
			if got := tt.event.IsRefactoring(); got != (tt.want != KindOriginal) {
				t.Errorf("IsRefactoring() = %v", got)
			}
		})
	}
}

func TestEvent_SetMarker_StoredAnchor(t *testing.T) {
	anchor := &Event{EventID: uuid.New(), InsertionOrder: 7}

	var e Event
	e.SetMarker(KindInsertBefore, anchor)

	if e.Kind() != KindInsertBefore {
		t.Errorf("expected InsertBefore, got %s", e.Kind())
	}
	if e.InsertBefore != 7 {
		t.Errorf("expected anchor 7, got %d", e.InsertBefore)
	}
	if e.AnchorEventID != anchor.EventID {
		t.Error("expected anchor event id to be recorded")
	}
}

func TestEvent_SetMarker_UnstoredAnchor(t *testing.T) {
	anchor := &Event{EventID: uuid.New()}

	var e Event
	e.SetMarker(KindReplace, anchor)

	if e.Kind() != KindReplace {
		t.Errorf("expected Replace before binding, got %s", e.Kind())
	}
	if e.Anchor() != 0 {
		t.Errorf("expected unbound anchor, got %d", e.Anchor())
	}

	e.BindAnchor(12)
	if e.Replaces != 12 {
		t.Errorf("expected Replaces 12 after binding, got %d", e.Replaces)
	}
	if e.Kind() != KindReplace {
		t.Errorf("expected Replace after binding, got %s", e.Kind())
	}
}

func TestMutationKind_String(t *testing.T) {
	tests := map[MutationKind]string{
		KindOriginal:     "Original",
		KindReplace:      "Replace",
		KindInsertBefore: "InsertBefore",
		KindInsertAfter:  "InsertAfter",
	}
	for kind, want := range tests {
		if got := kind.String(); got != want {
			t.Errorf("String() = %s, want %s", got, want)
		}
	}
}

func TestUnmappedTypeError(t *testing.T) {
	err := error(&UnmappedTypeError{ID: 9})
	if !errors.Is(err, ErrUnmappedType) {
		t.Error("expected errors.Is(err, ErrUnmappedType)")
	}
	if err.Error() != "unmapped event type id 9" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestMemoryTypeRegistry(t *testing.T) {
	ctx := t.Context()
	r := NewMemoryTypeRegistry()

	id, err := r.IDFor(ctx, "UserCreated")
	if err != nil {
		t.Fatalf("IDFor failed: %v", err)
	}
	again, _ := r.IDFor(ctx, "UserCreated")
	if again != id {
		t.Errorf("expected stable id %d, got %d", id, again)
	}

	if err := r.Rename("UserCreated", "UserRegistered"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	name, err := r.TypeFor(ctx, id)
	if err != nil {
		t.Fatalf("TypeFor failed: %v", err)
	}
	if name != "UserRegistered" {
		t.Errorf("expected renamed type, got %s", name)
	}

	if _, err := r.TypeFor(ctx, 999); !errors.Is(err, ErrUnmappedType) {
		t.Errorf("expected ErrUnmappedType, got %v", err)
	}
	if err := r.Rename("Missing", "Other"); !errors.Is(err, ErrUnmappedType) {
		t.Errorf("expected ErrUnmappedType, got %v", err)
	}
}

func TestManualClock(t *testing.T) {
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	c := NewManualClock(start)

	if c.Now().Location() != time.UTC {
		t.Error("expected UTC")
	}
	c.Advance(time.Minute)
	if got := c.Now().Sub(start); got != time.Minute {
		t.Errorf("expected one minute, got %s", got)
	}
}
