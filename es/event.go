// Package es provides core event sourcing interfaces and types.
package es

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event represents an immutable domain event together with the bookkeeping
// the store needs to place it in an aggregate's effective history.
type Event struct {
	// CreatedAt is when the event was created, in UTC.
	// Events introduced by a migration inherit the timestamp of their anchor.
	CreatedAt time.Time

	// EventType identifies the type of event
	EventType string

	// Payload contains the event data
	// Stored as bytes for flexibility - allows any serialization format
	Payload []byte

	// Metadata contains additional event metadata as JSON
	Metadata []byte

	// EffectiveVersion is the 1-based position of the event in the history
	// a reader observes after migrations are applied.
	// It is derived, and changes when the migration set changes.
	EffectiveVersion int64

	// InsertedVersion is the version assigned when the row was physically written.
	// It is stable even after later migrations change EffectiveVersion.
	InsertedVersion int64

	// InsertionOrder is assigned by the store upon persistence.
	// It is monotonically increasing across the whole store and never reused.
	// Zero means the event has not been stored.
	InsertionOrder int64

	// Replaces is the insertion order of the event this one replaces.
	Replaces int64

	// InsertBefore is the insertion order of the anchor this event precedes.
	InsertBefore int64

	// InsertAfter is the insertion order of the anchor this event follows.
	InsertAfter int64

	// AnchorEventID identifies the anchor of a mutation marker by id.
	// It is needed while the anchor itself has not been stored yet and
	// therefore has no insertion order (chained migrations).
	AnchorEventID uuid.UUID

	// ManualReadOrder overrides the computed read order when set.
	ManualReadOrder decimal.NullDecimal

	// EffectiveReadOrder is the read-order key maintained by the store.
	// Negative for rows that have been replaced.
	EffectiveReadOrder decimal.NullDecimal

	// LastOfAggregate is set by backend whole-store streams on the last
	// visible row of each aggregate. Migrated streams clear it.
	LastOfAggregate bool

	// EventID is a unique identifier for this event
	EventID uuid.UUID

	// AggregateID uniquely identifies the aggregate instance
	AggregateID uuid.UUID

	// pendingKind remembers the marker kind until the anchor is bound.
	pendingKind MutationKind
}

// Kind reports which mutation marker, if any, the event carries.
func (e *Event) Kind() MutationKind {
	switch {
	case e.Replaces != 0:
		return KindReplace
	case e.InsertBefore != 0:
		return KindInsertBefore
	case e.InsertAfter != 0:
		return KindInsertAfter
	case e.AnchorEventID != uuid.Nil:
		return e.pendingKind
	}
	return KindOriginal
}

// IsRefactoring returns true if the event carries a mutation marker.
func (e *Event) IsRefactoring() bool {
	return e.Kind() != KindOriginal
}

// Anchor returns the insertion order of the event referenced by the marker.
func (e *Event) Anchor() int64 {
	switch {
	case e.Replaces != 0:
		return e.Replaces
	case e.InsertBefore != 0:
		return e.InsertBefore
	}
	return e.InsertAfter
}

// SetMarker sets the mutation marker of the event.
// When the anchor has not been stored yet only AnchorEventID is recorded;
// BindAnchor fills in the insertion order once it is known.
func (e *Event) SetMarker(kind MutationKind, anchor *Event) {
	e.Replaces, e.InsertBefore, e.InsertAfter = 0, 0, 0
	e.AnchorEventID = anchor.EventID
	e.pendingKind = kind
	e.BindAnchor(anchor.InsertionOrder)
}

// BindAnchor records the insertion order of the marker's anchor.
func (e *Event) BindAnchor(insertionOrder int64) {
	if insertionOrder == 0 {
		return
	}
	kind := e.Kind()
	e.Replaces, e.InsertBefore, e.InsertAfter = 0, 0, 0
	switch kind {
	case KindReplace:
		e.Replaces = insertionOrder
	case KindInsertBefore:
		e.InsertBefore = insertionOrder
	case KindInsertAfter:
		e.InsertAfter = insertionOrder
	}
}

// MutationKind classifies an event by the mutation marker it carries.
type MutationKind int

const (
	// KindOriginal marks an event that carries no mutation marker.
	KindOriginal MutationKind = iota
	// KindReplace marks an event that replaces its anchor.
	KindReplace
	// KindInsertBefore marks an event inserted before its anchor.
	KindInsertBefore
	// KindInsertAfter marks an event inserted after its anchor.
	KindInsertAfter
)

// String returns a string representation of the MutationKind.
func (k MutationKind) String() string {
	switch k {
	case KindReplace:
		return "Replace"
	case KindInsertBefore:
		return "InsertBefore"
	case KindInsertAfter:
		return "InsertAfter"
	}
	return "Original"
}
