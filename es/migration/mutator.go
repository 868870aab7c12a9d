package migration

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/getpup/pupevents/es"
)

// stage runs one migration's mutator over a stream.
type stage struct {
	name             string
	mutator          StreamMutator
	previous         *es.Event
	previousReplaced bool
}

// push hands one event (nil for end of stream) to the mutator and returns the
// events the stage emits for it, plus the subset it introduced.
func (s *stage) push(ev *es.Event) (out, introduced []es.Event, err error) {
	m := &Modifier{migration: s.name, current: ev, previous: s.previous}
	s.mutator.MutateEvent(m)
	if m.err != nil {
		return nil, nil, m.err
	}

	if len(m.afterPrevious) > 0 {
		if s.previousReplaced {
			return nil, nil, fmt.Errorf("%w: migration %q inserted after a replaced event", es.ErrInvalidMutation, s.name)
		}
		added := m.build(es.KindInsertAfter, s.previous, m.afterPrevious)
		out = append(out, added...)
		introduced = append(introduced, added...)
	}
	if ev == nil {
		return out, introduced, nil
	}

	if len(m.before) > 0 {
		added := m.build(es.KindInsertBefore, ev, m.before)
		out = append(out, added...)
		introduced = append(introduced, added...)
	}
	if m.replaced {
		added := m.build(es.KindReplace, ev, m.replacement)
		out = append(out, added...)
		introduced = append(introduced, added...)
	} else {
		out = append(out, *ev)
	}
	if len(m.after) > 0 {
		added := m.build(es.KindInsertAfter, ev, m.after)
		out = append(out, added...)
		introduced = append(introduced, added...)
	}

	current := *ev
	s.previous = &current
	s.previousReplaced = m.replaced
	return out, introduced, nil
}

// Pipeline applies an ordered migration list to one aggregate's stream,
// incrementally. Events are pushed in stored order; Flush ends the stream.
type Pipeline struct {
	stages     []*stage
	version    int64
	record     bool
	introduced [][]es.Event
	flushed    bool
}

// NewPipeline creates a pipeline with fresh mutators for migrations.
func NewPipeline(migrations []Migration) *Pipeline {
	return newPipeline(migrations, true)
}

// newPipeline creates a pipeline that keeps the events it introduces only
// when record is set.
func newPipeline(migrations []Migration, record bool) *Pipeline {
	stages := make([]*stage, len(migrations))
	for i, mig := range migrations {
		stages[i] = &stage{name: mig.Name(), mutator: mig.CreateMutator()}
	}
	p := &Pipeline{stages: stages, record: record}
	if record {
		p.introduced = make([][]es.Event, len(stages))
	}
	return p
}

// Push runs ev through every stage and returns the effective events it yields.
func (p *Pipeline) Push(ev es.Event) ([]es.Event, error) {
	if p.flushed {
		return nil, fmt.Errorf("%w: push after end of stream", es.ErrInvalidMutation)
	}
	return p.run(0, []es.Event{ev}, false)
}

// Flush signals end of stream to every stage and returns any trailing events.
func (p *Pipeline) Flush() ([]es.Event, error) {
	if p.flushed {
		return nil, nil
	}
	p.flushed = true
	return p.run(0, nil, true)
}

// Introduced returns the events introduced so far, grouped by the migration
// that introduced them, in migration order. Events a later migration replaced
// are included since they anchor their replacements. Pipelines of whole-store
// streams do not keep them.
func (p *Pipeline) Introduced() [][]es.Event {
	var groups [][]es.Event
	for _, events := range p.introduced {
		if len(events) > 0 {
			groups = append(groups, events)
		}
	}
	return groups
}

// Version returns the effective version of the last emitted event.
func (p *Pipeline) Version() int64 {
	return p.version
}

func (p *Pipeline) run(from int, input []es.Event, end bool) ([]es.Event, error) {
	events := input
	for i := from; i < len(p.stages); i++ {
		st := p.stages[i]
		var next []es.Event
		for j := range events {
			out, introduced, err := st.push(&events[j])
			if err != nil {
				return nil, err
			}
			next = append(next, out...)
			p.keep(i, introduced)
		}
		if end {
			out, introduced, err := st.push(nil)
			if err != nil {
				return nil, err
			}
			next = append(next, out...)
			p.keep(i, introduced)
		}
		events = next
	}
	for i := range events {
		p.version++
		events[i].EffectiveVersion = p.version
	}
	return events, nil
}

func (p *Pipeline) keep(stage int, introduced []es.Event) {
	if p.record && len(introduced) > 0 {
		p.introduced[stage] = append(p.introduced[stage], introduced...)
	}
}

// Mutate applies migrations to the stored events of one aggregate and returns
// the effective history with effective versions assigned.
func Mutate(migrations []Migration, events []es.Event) ([]es.Event, error) {
	return MutateWithCallback(migrations, events, nil)
}

// MutateWithCallback is Mutate that also hands the events introduced by the
// migrations, and only those, to onNewEvents: once per migration that
// introduced any, in migration order. Anchors always precede the events
// anchored on them, so the batches can be stored in the order received.
func MutateWithCallback(migrations []Migration, events []es.Event, onNewEvents func([]es.Event) error) ([]es.Event, error) {
	p := newPipeline(migrations, onNewEvents != nil)
	result := make([]es.Event, 0, len(events))
	for i := range events {
		out, err := p.Push(events[i])
		if err != nil {
			return nil, err
		}
		result = append(result, out...)
	}
	out, err := p.Flush()
	if err != nil {
		return nil, err
	}
	result = append(result, out...)

	if onNewEvents != nil {
		for _, batch := range p.Introduced() {
			if err := onNewEvents(batch); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// CheckIdempotent runs migrations a second time over an already mutated
// history. Any event introduced by that pass means the migration set keeps
// changing its own output, which is reported as es.ErrNonIdempotentMigration.
func CheckIdempotent(migrations []Migration, mutated []es.Event) error {
	var introduced []es.Event
	_, err := MutateWithCallback(migrations, mutated, func(events []es.Event) error {
		introduced = append(introduced, events...)
		return nil
	})
	if err != nil {
		return err
	}
	if len(introduced) > 0 {
		return fmt.Errorf("%w: second pass introduced %d event(s), first %q",
			es.ErrNonIdempotentMigration, len(introduced), introduced[0].EventType)
	}
	return nil
}

// CompleteStreamMutator applies migrations to a chronological stream that
// interleaves many aggregates. Each aggregate gets its own pipeline so the
// result per aggregate matches Mutate over that aggregate alone.
//
// A pipeline is ended as soon as an event flagged LastOfAggregate passes, so
// events inserted after an aggregate's last event follow it in the output
// and only aggregates whose stream is still open hold state.
type CompleteStreamMutator struct {
	migrations []Migration
	open       map[uuid.UUID]*openStream
	seq        int
}

type openStream struct {
	pipeline *Pipeline
	seq      int
}

// NewCompleteStreamMutator creates a mutator for a whole-store stream.
func NewCompleteStreamMutator(migrations []Migration) *CompleteStreamMutator {
	return &CompleteStreamMutator{
		migrations: migrations,
		open:       make(map[uuid.UUID]*openStream),
	}
}

// Mutate pushes a batch of the stream and returns the effective events it yields.
func (c *CompleteStreamMutator) Mutate(events []es.Event) ([]es.Event, error) {
	result := make([]es.Event, 0, len(events))
	for i := range events {
		id := events[i].AggregateID
		s, ok := c.open[id]
		if !ok {
			c.seq++
			s = &openStream{pipeline: newPipeline(c.migrations, false), seq: c.seq}
			c.open[id] = s
		}
		out, err := s.pipeline.Push(events[i])
		if err != nil {
			return nil, fmt.Errorf("aggregate %s: %w", id, err)
		}
		result = append(result, out...)

		if events[i].LastOfAggregate {
			delete(c.open, id)
			tail, err := s.pipeline.Flush()
			if err != nil {
				return nil, fmt.Errorf("aggregate %s: %w", id, err)
			}
			result = append(result, tail...)
		}
	}
	return clearLast(result), nil
}

// Flush ends the streams still open, in order of first appearance.
func (c *CompleteStreamMutator) Flush() ([]es.Event, error) {
	ids := make([]uuid.UUID, 0, len(c.open))
	for id := range c.open {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return c.open[ids[i]].seq < c.open[ids[j]].seq })

	var result []es.Event
	for _, id := range ids {
		out, err := c.open[id].pipeline.Flush()
		if err != nil {
			return nil, fmt.Errorf("aggregate %s: %w", id, err)
		}
		result = append(result, out...)
		delete(c.open, id)
	}
	return clearLast(result), nil
}

// Open returns the number of aggregates whose stream has not ended.
func (c *CompleteStreamMutator) Open() int {
	return len(c.open)
}

func clearLast(events []es.Event) []es.Event {
	for i := range events {
		events[i].LastOfAggregate = false
	}
	return events
}

// MutateCompleteStream applies migrations to a whole-store stream at once.
func MutateCompleteStream(migrations []Migration, events []es.Event) ([]es.Event, error) {
	c := NewCompleteStreamMutator(migrations)
	result, err := c.Mutate(events)
	if err != nil {
		return nil, err
	}
	tail, err := c.Flush()
	if err != nil {
		return nil, err
	}
	return append(result, tail...), nil
}
