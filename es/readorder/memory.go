package readorder

import (
	"context"

	"github.com/shopspring/decimal"
)

// MemoryIndex is an Index over keys held in a map.
// Neighbour lookups scan every key, which is fine for tests and small stores.
type MemoryIndex struct {
	keys map[int64]decimal.Decimal
}

// NewMemoryIndex returns an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{keys: make(map[int64]decimal.Decimal)}
}

// Key returns the key of a row.
func (m *MemoryIndex) Key(insertionOrder int64) (decimal.Decimal, bool) {
	k, ok := m.keys[insertionOrder]
	return k, ok
}

// Delete forgets a row.
func (m *MemoryIndex) Delete(insertionOrder int64) {
	delete(m.keys, insertionOrder)
}

// Lookup implements Index.
func (m *MemoryIndex) Lookup(_ context.Context, insertionOrder int64) (decimal.Decimal, bool, error) {
	k, ok := m.keys[insertionOrder]
	return k, ok, nil
}

// Next implements Index.
func (m *MemoryIndex) Next(_ context.Context, key decimal.Decimal) (decimal.Decimal, bool, error) {
	var best decimal.Decimal
	found := false
	for _, k := range m.keys {
		abs := k.Abs()
		if abs.GreaterThan(key) && (!found || abs.LessThan(best)) {
			best, found = abs, true
		}
	}
	return best, found, nil
}

// Previous implements Index.
func (m *MemoryIndex) Previous(_ context.Context, key decimal.Decimal) (decimal.Decimal, bool, error) {
	var best decimal.Decimal
	found := false
	for _, k := range m.keys {
		abs := k.Abs()
		if abs.LessThan(key) && (!found || abs.GreaterThan(best)) {
			best, found = abs, true
		}
	}
	return best, found, nil
}

// Assign implements Index.
func (m *MemoryIndex) Assign(_ context.Context, insertionOrder int64, key decimal.Decimal) error {
	m.keys[insertionOrder] = key
	return nil
}

// Clone returns an independent copy of the index.
func (m *MemoryIndex) Clone() *MemoryIndex {
	keys := make(map[int64]decimal.Decimal, len(m.keys))
	for k, v := range m.keys {
		keys[k] = v
	}
	return &MemoryIndex{keys: keys}
}
