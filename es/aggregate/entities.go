package aggregate

import (
	"github.com/getpup/pupevents/es"
)

// EntityCollection holds child entities of an aggregate, indexed by id, and
// folds events into them. Entities are kept in creation order.
type EntityCollection[ID comparable, E any] struct {
	route   func(event es.Event) (ID, bool)
	create  func(id ID) E
	apply   func(entity E, event es.Event) error
	byID    map[ID]E
	ordered []ID
}

// NewEntityCollection returns an empty collection.
// route extracts the entity id an event belongs to, or false when the event
// does not concern an entity. create builds an entity the first time its id
// is seen, and apply folds an event into it.
func NewEntityCollection[ID comparable, E any](
	route func(event es.Event) (ID, bool),
	create func(id ID) E,
	apply func(entity E, event es.Event) error,
) *EntityCollection[ID, E] {
	return &EntityCollection[ID, E]{
		route:  route,
		create: create,
		apply:  apply,
		byID:   make(map[ID]E),
	}
}

// Apply routes the event to its entity. Events that concern no entity are ignored.
//
//nolint:gocritic // hugeParam: events are passed by value throughout the module
func (c *EntityCollection[ID, E]) Apply(event es.Event) error {
	id, ok := c.route(event)
	if !ok {
		return nil
	}
	entity, exists := c.byID[id]
	if !exists {
		entity = c.create(id)
		c.byID[id] = entity
		c.ordered = append(c.ordered, id)
	}
	return c.apply(entity, event)
}

// Get returns the entity with the given id.
func (c *EntityCollection[ID, E]) Get(id ID) (E, bool) {
	e, ok := c.byID[id]
	return e, ok
}

// Len returns the number of entities.
func (c *EntityCollection[ID, E]) Len() int {
	return len(c.ordered)
}

// IDs returns entity ids in creation order.
func (c *EntityCollection[ID, E]) IDs() []ID {
	out := make([]ID, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Remove drops an entity. It is a no-op for unknown ids.
func (c *EntityCollection[ID, E]) Remove(id ID) {
	if _, ok := c.byID[id]; !ok {
		return
	}
	delete(c.byID, id)
	for i, v := range c.ordered {
		if v == id {
			c.ordered = append(c.ordered[:i], c.ordered[i+1:]...)
			break
		}
	}
}
