package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/getpup/pupevents/es"
)

// TypeRegistry is an es.TypeRegistry backed by the event types table.
// Resolved entries are cached for the lifetime of the registry. Ids
// registered inside a transaction only enter the cache once it commits.
type TypeRegistry struct {
	db      *sql.DB
	dialect Dialect
	table   string

	mu     sync.RWMutex
	byName map[string]int64
	byID   map[int64]string
}

var _ es.TypeRegistry = (*TypeRegistry)(nil)

func newTypeRegistry(db *sql.DB, dialect Dialect, table string) *TypeRegistry {
	return &TypeRegistry{
		db:      db,
		dialect: dialect,
		table:   table,
		byName:  make(map[string]int64),
		byID:    make(map[int64]string),
	}
}

// IDFor implements es.TypeRegistry.
func (r *TypeRegistry) IDFor(ctx context.Context, eventType string) (int64, error) {
	if id, ok := r.cachedID(eventType); ok {
		return id, nil
	}
	id, err := r.resolve(ctx, r.db, eventType)
	if err != nil {
		return 0, err
	}
	r.remember(eventType, id)
	return id, nil
}

// TypeFor implements es.TypeRegistry.
func (r *TypeRegistry) TypeFor(ctx context.Context, id int64) (string, error) {
	r.mu.RLock()
	name, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		return name, nil
	}

	query := r.dialect.Rebind(fmt.Sprintf(`SELECT name FROM %s WHERE id = ?`, r.table))
	err := r.db.QueryRowContext(ctx, query, id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &es.UnmappedTypeError{ID: id}
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up event type %d: %w", id, err)
	}
	r.remember(name, id)
	return name, nil
}

// Rename points the id of oldName at newName. Stored events of the old type
// are read under the new name afterwards.
func (r *TypeRegistry) Rename(ctx context.Context, oldName, newName string) error {
	query := r.dialect.Rebind(fmt.Sprintf(`UPDATE %s SET name = ? WHERE name = ?`, r.table))
	result, err := r.db.ExecContext(ctx, query, newName, oldName)
	if err != nil {
		return fmt.Errorf("failed to rename event type %q: %w", oldName, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return &es.UnmappedTypeError{Name: oldName}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byName[oldName]; ok {
		delete(r.byName, oldName)
		r.byName[newName] = id
		r.byID[id] = newName
	}
	return nil
}

func (r *TypeRegistry) cachedID(eventType string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[eventType]
	return id, ok
}

func (r *TypeRegistry) remember(eventType string, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[eventType] = id
	r.byID[id] = eventType
}

// resolve finds or creates the id of eventType through q.
func (r *TypeRegistry) resolve(ctx context.Context, q es.DBTX, eventType string) (int64, error) {
	insert := r.dialect.Rebind(r.dialect.InsertTypeSQL(r.table))
	if _, err := q.ExecContext(ctx, insert, eventType); err != nil {
		return 0, fmt.Errorf("failed to register event type %q: %w", eventType, err)
	}

	var id int64
	query := r.dialect.Rebind(fmt.Sprintf(`SELECT id FROM %s WHERE name = ?`, r.table))
	if err := q.QueryRowContext(ctx, query, eventType).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to look up event type %q: %w", eventType, err)
	}
	return id, nil
}
