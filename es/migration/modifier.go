package migration

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/getpup/pupevents/es"
)

// eventIDNamespace seeds the ids of events introduced by migrations.
// Ids are derived from the anchor, the migration and the position so that
// every pass over the same stream yields the same ids.
var eventIDNamespace = uuid.MustParse("4f1d8a52-8c53-4d55-9c2f-6b3c0a1f7e21")

// Modifier exposes the current event to a StreamMutator and collects the
// operations it requests for that event.
type Modifier struct {
	migration string
	current   *es.Event
	previous  *es.Event

	replaced      bool
	replacement   []Template
	before        []Template
	after         []Template
	afterPrevious []Template

	err error
}

// Event returns the event being visited, or nil at end of stream.
func (m *Modifier) Event() *es.Event {
	return m.current
}

// Previous returns the event visited before the current one, or nil.
func (m *Modifier) Previous() *es.Event {
	return m.previous
}

// Replace substitutes the current event with events.
func (m *Modifier) Replace(events ...Template) {
	if m.current == nil || m.replaced || len(m.before) > 0 || len(m.after) > 0 {
		m.fail("replace must be the only operation on an event")
		return
	}
	m.replaced = true
	m.replacement = events
}

// InsertBefore inserts events immediately before the current event.
func (m *Modifier) InsertBefore(events ...Template) {
	if m.current == nil || m.replaced {
		m.fail("insert before requires a current, unreplaced event")
		return
	}
	m.before = append(m.before, events...)
}

// InsertAfter inserts events immediately after the current event.
func (m *Modifier) InsertAfter(events ...Template) {
	if m.current == nil || m.replaced {
		m.fail("insert after requires a current, unreplaced event")
		return
	}
	m.after = append(m.after, events...)
}

// InsertAfterPrevious inserts events after the previously visited event,
// which places them before the current event. It lets a mutator look at the
// event following its anchor before deciding.
func (m *Modifier) InsertAfterPrevious(events ...Template) {
	if m.previous == nil {
		m.fail("insert after previous requires a previous event")
		return
	}
	m.afterPrevious = append(m.afterPrevious, events...)
}

func (m *Modifier) fail(msg string) {
	if m.err == nil {
		m.err = fmt.Errorf("%w: migration %q: %s", es.ErrInvalidMutation, m.migration, msg)
	}
}

// IntroducedID returns the id this migration gives to the first event it
// introduces with kind on anchor.
func (m *Modifier) IntroducedID(kind es.MutationKind, anchor *es.Event) uuid.UUID {
	return introducedID(anchor, m.migration, kind, 0)
}

func introducedID(anchor *es.Event, migration string, kind es.MutationKind, i int) uuid.UUID {
	seed := fmt.Sprintf("%s|%s|%s|%d", anchor.EventID, migration, kind, i)
	return uuid.NewSHA1(eventIDNamespace, []byte(seed))
}

// build turns templates into events anchored on anchor.
func (m *Modifier) build(kind es.MutationKind, anchor *es.Event, templates []Template) []es.Event {
	events := make([]es.Event, len(templates))
	for i := range templates {
		t := &templates[i]
		events[i] = es.Event{
			AggregateID: anchor.AggregateID,
			EventID:     introducedID(anchor, m.migration, kind, i),
			EventType:   t.EventType,
			Payload:     t.Payload,
			Metadata:    t.Metadata,
			CreatedAt:   anchor.CreatedAt,
		}
		events[i].SetMarker(kind, anchor)
	}
	return events
}
