package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/getpup/pupevents/es"
	"github.com/getpup/pupevents/es/readorder"
)

// state is one snapshot of the store. Committed states are never modified;
// a transaction works on a clone.
type state struct {
	version     uint64
	rows        map[int64]es.Event
	byAggregate map[uuid.UUID][]int64
	heads       map[uuid.UUID]int64
	eventIDs    map[uuid.UUID]int64
	typeIDs     map[int64]int64
	types       *es.MemoryTypeRegistry
	index       *readorder.MemoryIndex
}

func newState(types *es.MemoryTypeRegistry) *state {
	return &state{
		rows:        make(map[int64]es.Event),
		typeIDs:     make(map[int64]int64),
		types:       types,
		byAggregate: make(map[uuid.UUID][]int64),
		heads:       make(map[uuid.UUID]int64),
		eventIDs:    make(map[uuid.UUID]int64),
		index:       readorder.NewMemoryIndex(),
	}
}

func (s *state) clone() *state {
	c := &state{
		version:     s.version,
		rows:        make(map[int64]es.Event, len(s.rows)),
		byAggregate: make(map[uuid.UUID][]int64, len(s.byAggregate)),
		heads:       make(map[uuid.UUID]int64, len(s.heads)),
		eventIDs:    make(map[uuid.UUID]int64, len(s.eventIDs)),
		typeIDs:     make(map[int64]int64, len(s.typeIDs)),
		types:       s.types,
		index:       s.index.Clone(),
	}
	for k, v := range s.rows {
		c.rows[k] = v
	}
	for k, v := range s.byAggregate {
		c.byAggregate[k] = append([]int64(nil), v...)
	}
	for k, v := range s.heads {
		c.heads[k] = v
	}
	for k, v := range s.eventIDs {
		c.eventIDs[k] = v
	}
	for k, v := range s.typeIDs {
		c.typeIDs[k] = v
	}
	return c
}

// save appends events of one aggregate using pre-assigned insertion orders.
func (s *state) save(ctx context.Context, expected es.ExpectedVersion, events []es.Event, orders []int64) ([]es.Event, error) {
	aggregateID := events[0].AggregateID
	for i := range events {
		if events[i].AggregateID != aggregateID {
			return nil, fmt.Errorf("event %d: aggregate ID mismatch", i)
		}
	}
	if expected.IsNoStream() && len(s.byAggregate[aggregateID]) > 0 {
		return nil, fmt.Errorf("%w: %s", es.ErrAggregateAlreadyPersisted, aggregateID)
	}

	seen := make(map[uuid.UUID]bool, len(events))
	for i := range events {
		id := events[i].EventID
		if _, ok := s.eventIDs[id]; ok || seen[id] {
			return nil, fmt.Errorf("%w: %s", es.ErrDuplicateEventID, id)
		}
		seen[id] = true
	}

	head := s.heads[aggregateID]
	stored := make([]es.Event, len(events))
	pending := make([]readorder.Row, len(events))
	for i := range events {
		e := events[i]
		e.InsertionOrder = orders[i]
		e.InsertedVersion = head + int64(i) + 1
		e.EffectiveVersion = 0
		e.EffectiveReadOrder.Valid = false
		if e.IsRefactoring() && e.Anchor() == 0 {
			anchor, ok := s.eventIDs[e.AnchorEventID]
			if !ok {
				return nil, fmt.Errorf("%w: anchor %s of event %s is not stored",
					es.ErrUnsupportedReordering, e.AnchorEventID, e.EventID)
			}
			e.BindAnchor(anchor)
		}
		typeID, err := s.types.IDFor(ctx, e.EventType)
		if err != nil {
			return nil, err
		}

		s.rows[e.InsertionOrder] = e
		s.typeIDs[e.InsertionOrder] = typeID
		s.byAggregate[aggregateID] = append(s.byAggregate[aggregateID], e.InsertionOrder)
		s.eventIDs[e.EventID] = e.InsertionOrder
		stored[i] = e
		pending[i] = readorder.RowOf(&e)
	}
	s.heads[aggregateID] = head + int64(len(events))
	sorted := s.byAggregate[aggregateID]
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	if err := readorder.Materialize(ctx, s.index, pending); err != nil {
		return nil, err
	}
	var err error
	for i := range stored {
		if stored[i], err = s.withKey(stored[i]); err != nil {
			return nil, err
		}
	}
	return stored, nil
}

func (s *state) delete(aggregateID uuid.UUID) {
	for _, order := range s.byAggregate[aggregateID] {
		delete(s.eventIDs, s.rows[order].EventID)
		delete(s.rows, order)
		delete(s.typeIDs, order)
		s.index.Delete(order)
	}
	delete(s.byAggregate, aggregateID)
	delete(s.heads, aggregateID)
}

// withKey fills in the read-order key and the current name of the event type.
func (s *state) withKey(e es.Event) (es.Event, error) {
	name, err := s.types.TypeFor(context.Background(), s.typeIDs[e.InsertionOrder])
	if err != nil {
		return es.Event{}, fmt.Errorf("event %s: %w", e.EventID, err)
	}
	e.EventType = name
	if key, ok := s.index.Key(e.InsertionOrder); ok {
		e.EffectiveReadOrder.Decimal = key
		e.EffectiveReadOrder.Valid = true
	}
	return e, nil
}

// visible returns the rows with a positive key, in read order.
func (s *state) visible(orders []int64) ([]es.Event, error) {
	events := make([]es.Event, 0, len(orders))
	for _, order := range orders {
		e, err := s.withKey(s.rows[order])
		if err != nil {
			return nil, err
		}
		if e.EffectiveReadOrder.Valid && e.EffectiveReadOrder.Decimal.IsPositive() {
			events = append(events, e)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i].EffectiveReadOrder.Decimal, events[j].EffectiveReadOrder.Decimal
		if a.Equal(b) {
			return events[i].InsertionOrder < events[j].InsertionOrder
		}
		return a.LessThan(b)
	})
	return events, nil
}

func (s *state) history(aggregateID uuid.UUID) ([]es.Event, int64, error) {
	orders := s.byAggregate[aggregateID]
	if len(orders) == 0 {
		return nil, 0, fmt.Errorf("%w: %s", es.ErrAggregateNotFound, aggregateID)
	}
	events, err := s.visible(orders)
	if err != nil {
		return nil, 0, err
	}
	return events, orders[len(orders)-1], nil
}

func (s *state) insertedAfter(aggregateID uuid.UUID, insertionOrder int64) ([]es.Event, error) {
	var events []es.Event
	for _, order := range s.byAggregate[aggregateID] {
		if order > insertionOrder {
			e, err := s.withKey(s.rows[order])
			if err != nil {
				return nil, err
			}
			events = append(events, e)
		}
	}
	return events, nil
}

// all returns every visible row in read order, flagging the last one of
// each aggregate.
func (s *state) all() ([]es.Event, error) {
	orders := make([]int64, 0, len(s.rows))
	for order := range s.rows {
		orders = append(orders, order)
	}
	events, err := s.visible(orders)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool, len(s.byAggregate))
	for i := len(events) - 1; i >= 0; i-- {
		if id := events[i].AggregateID; !seen[id] {
			seen[id] = true
			events[i].LastOfAggregate = true
		}
	}
	return events, nil
}

func (s *state) aggregatesInCreationOrder(eventTypes []string) ([]uuid.UUID, error) {
	types := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = true
	}

	var created []es.Event
	for _, orders := range s.byAggregate {
		if len(orders) == 0 {
			continue
		}
		first, err := s.withKey(s.rows[orders[0]])
		if err != nil {
			return nil, err
		}
		if len(types) > 0 && !types[first.EventType] {
			continue
		}
		created = append(created, first)
	}
	sort.Slice(created, func(i, j int) bool {
		if created[i].CreatedAt.Equal(created[j].CreatedAt) {
			return created[i].InsertionOrder < created[j].InsertionOrder
		}
		return created[i].CreatedAt.Before(created[j].CreatedAt)
	})

	ids := make([]uuid.UUID, len(created))
	for i := range created {
		ids[i] = created[i].AggregateID
	}
	return ids, nil
}
