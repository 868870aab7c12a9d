package aggregate

import (
	"fmt"

	"github.com/getpup/pupevents/es"
)

// Handler applies one event to aggregate or entity state.
type Handler func(event es.Event) error

// Dispatcher routes events to handlers by event type.
// It is not safe for concurrent registration.
type Dispatcher struct {
	handlers      map[string]Handler
	ignoreUnknown bool
}

// NewDispatcher returns an empty dispatcher that rejects unknown event types.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// On registers the handler for an event type, replacing any earlier one.
func (d *Dispatcher) On(eventType string, h Handler) *Dispatcher {
	d.handlers[eventType] = h
	return d
}

// IgnoreUnknown makes Dispatch skip event types without a handler.
func (d *Dispatcher) IgnoreUnknown() *Dispatcher {
	d.ignoreUnknown = true
	return d
}

// Handles reports whether a handler is registered for the event type.
func (d *Dispatcher) Handles(eventType string) bool {
	_, ok := d.handlers[eventType]
	return ok
}

// Dispatch calls the handler registered for the event's type.
//
//nolint:gocritic // hugeParam: events are passed by value throughout the module
func (d *Dispatcher) Dispatch(event es.Event) error {
	h, ok := d.handlers[event.EventType]
	if !ok {
		if d.ignoreUnknown {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnhandledEvent, event.EventType)
	}
	return h(event)
}
