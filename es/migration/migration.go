// Package migration provides the event-stream refactoring model: migrations
// that replace events or insert new events before or after an anchor, and the
// mutators that apply an ordered migration list to event streams.
package migration

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/getpup/pupevents/es"
)

// Migration is a declarative rule applied to event streams.
// Migrations are held in an ordered list; the output of one migration is the
// input of the next, so a migration may target events introduced earlier.
type Migration interface {
	// Name identifies the migration. It is part of the ids of the events the
	// migration introduces, so it must be stable across releases.
	Name() string

	// CreateMutator returns a mutator for a single left-to-right pass over one stream.
	CreateMutator() StreamMutator
}

// StreamMutator is handed the events of one stream one at a time, in order.
// After the last event MutateEvent is called once more with m.Event() == nil.
type StreamMutator interface {
	MutateEvent(m *Modifier)
}

// MutatorFunc adapts a function to StreamMutator.
type MutatorFunc func(m *Modifier)

// MutateEvent implements StreamMutator.
func (f MutatorFunc) MutateEvent(m *Modifier) { f(m) }

// Template describes an event a migration introduces.
type Template struct {
	EventType string
	Payload   []byte
	Metadata  []byte
}

// EventOfType returns a template with an empty payload.
func EventOfType(eventType string) Template {
	return Template{EventType: eventType}
}

func templateTypes(templates []Template) string {
	names := make([]string, len(templates))
	for i := range templates {
		names[i] = templates[i].EventType
	}
	return strings.Join(names, ",")
}

// ReplaceMigration replaces every event of a type with a fixed list of events.
type ReplaceMigration struct {
	name   string
	target string
	with   []Template
}

// Replace starts a migration that replaces events of type target.
func Replace(target string) *ReplaceMigration {
	return &ReplaceMigration{target: target}
}

// With sets the replacement events.
func (r *ReplaceMigration) With(templates ...Template) *ReplaceMigration {
	r.with = templates
	return r
}

// Named overrides the generated migration name.
func (r *ReplaceMigration) Named(name string) *ReplaceMigration {
	r.name = name
	return r
}

// Name implements Migration.
func (r *ReplaceMigration) Name() string {
	if r.name != "" {
		return r.name
	}
	return fmt.Sprintf("replace(%s).with(%s)", r.target, templateTypes(r.with))
}

// CreateMutator implements Migration.
// Once applied the target is gone from the stream, which makes the
// migration idempotent as long as the replacement does not reintroduce it.
func (r *ReplaceMigration) CreateMutator() StreamMutator {
	return MutatorFunc(func(m *Modifier) {
		if ev := m.Event(); ev != nil && ev.EventType == r.target {
			m.Replace(r.with...)
		}
	})
}

// InsertBeforeMigration inserts events immediately before every event of a type.
type InsertBeforeMigration struct {
	name   string
	anchor string
	insert []Template
}

// Before starts a migration that inserts events before events of type anchor.
func Before(anchor string) *InsertBeforeMigration {
	return &InsertBeforeMigration{anchor: anchor}
}

// Insert sets the events to insert.
func (b *InsertBeforeMigration) Insert(templates ...Template) *InsertBeforeMigration {
	b.insert = templates
	return b
}

// Named overrides the generated migration name.
func (b *InsertBeforeMigration) Named(name string) *InsertBeforeMigration {
	b.name = name
	return b
}

// Name implements Migration.
func (b *InsertBeforeMigration) Name() string {
	if b.name != "" {
		return b.name
	}
	return fmt.Sprintf("before(%s).insert(%s)", b.anchor, templateTypes(b.insert))
}

// CreateMutator implements Migration.
// The insertion is skipped when the run of inserted events directly before
// the anchor already holds an event this migration introduced on it.
func (b *InsertBeforeMigration) CreateMutator() StreamMutator {
	var run []uuid.UUID
	return MutatorFunc(func(m *Modifier) {
		ev := m.Event()
		if ev == nil {
			return
		}
		if ev.EventType == b.anchor && len(b.insert) > 0 && !slices.Contains(run, m.IntroducedID(es.KindInsertBefore, ev)) {
			m.InsertBefore(b.insert...)
		}
		if ev.Kind() == es.KindInsertBefore {
			run = append(run, ev.EventID)
		} else {
			run = run[:0]
		}
	})
}

// InsertAfterMigration inserts events immediately after every event of a type.
type InsertAfterMigration struct {
	name   string
	anchor string
	insert []Template
}

// After starts a migration that inserts events after events of type anchor.
func After(anchor string) *InsertAfterMigration {
	return &InsertAfterMigration{anchor: anchor}
}

// Insert sets the events to insert.
func (a *InsertAfterMigration) Insert(templates ...Template) *InsertAfterMigration {
	a.insert = templates
	return a
}

// Named overrides the generated migration name.
func (a *InsertAfterMigration) Named(name string) *InsertAfterMigration {
	a.name = name
	return a
}

// Name implements Migration.
func (a *InsertAfterMigration) Name() string {
	if a.name != "" {
		return a.name
	}
	return fmt.Sprintf("after(%s).insert(%s)", a.anchor, templateTypes(a.insert))
}

// CreateMutator implements Migration.
// The decision is deferred past the run of inserted events that follows the
// anchor: the insertion is skipped when that run already holds an event this
// migration introduced on the anchor or on an earlier member of the run.
func (a *InsertAfterMigration) CreateMutator() StreamMutator {
	var (
		pending  bool
		applied  bool
		expected = map[uuid.UUID]bool{}
	)
	return MutatorFunc(func(m *Modifier) {
		ev := m.Event()
		isAnchor := ev != nil && ev.EventType == a.anchor && len(a.insert) > 0
		if pending {
			if ev != nil && !isAnchor && ev.Kind() == es.KindInsertAfter {
				applied = applied || expected[ev.EventID]
				expected[m.IntroducedID(es.KindInsertAfter, ev)] = true
				return
			}
			pending = false
			if !applied {
				m.InsertAfterPrevious(a.insert...)
			}
		}
		if isAnchor {
			pending, applied = true, false
			clear(expected)
			expected[m.IntroducedID(es.KindInsertAfter, ev)] = true
		}
	})
}
