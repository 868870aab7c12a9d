package es

import (
	"context"
	"sync"
)

// TypeRegistry maps event type names to small integer ids for compact storage.
// Renaming a type only requires updating its registry entry.
type TypeRegistry interface {
	// IDFor returns the id of eventType, registering it if needed.
	IDFor(ctx context.Context, eventType string) (int64, error)

	// TypeFor returns the name registered under id.
	// Unknown ids produce an *UnmappedTypeError.
	TypeFor(ctx context.Context, id int64) (string, error)
}

// MemoryTypeRegistry is an in-process TypeRegistry.
type MemoryTypeRegistry struct {
	mu     sync.RWMutex
	byName map[string]int64
	byID   map[int64]string
}

// NewMemoryTypeRegistry creates an empty registry.
func NewMemoryTypeRegistry() *MemoryTypeRegistry {
	return &MemoryTypeRegistry{
		byName: make(map[string]int64),
		byID:   make(map[int64]string),
	}
}

// IDFor implements TypeRegistry.
func (r *MemoryTypeRegistry) IDFor(_ context.Context, eventType string) (int64, error) {
	r.mu.RLock()
	id, ok := r.byName[eventType]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byName[eventType]; ok {
		return id, nil
	}
	id = int64(len(r.byID) + 1)
	r.byName[eventType] = id
	r.byID[id] = eventType
	return id, nil
}

// TypeFor implements TypeRegistry.
func (r *MemoryTypeRegistry) TypeFor(_ context.Context, id int64) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byID[id]
	if !ok {
		return "", &UnmappedTypeError{ID: id}
	}
	return name, nil
}

// Rename points an existing id at a new type name.
func (r *MemoryTypeRegistry) Rename(oldName, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[oldName]
	if !ok {
		return &UnmappedTypeError{Name: oldName}
	}
	delete(r.byName, oldName)
	r.byName[newName] = id
	r.byID[id] = newName
	return nil
}

// Unregister drops the mapping of name. Events stored under its id no longer
// resolve and reads report an *UnmappedTypeError.
func (r *MemoryTypeRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byName[name]; ok {
		delete(r.byName, name)
		delete(r.byID, id)
	}
}
