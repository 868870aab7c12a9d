package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/getpup/pupevents/es"
	"github.com/getpup/pupevents/es/readorder"
)

type tx struct {
	backend *Backend
	tx      *sql.Tx

	// types registered by this transaction, published on commit.
	types map[string]int64
}

// SaveEvents implements store.Tx.
// The aggregate_heads row is locked where the dialect supports it. The
// unique (aggregate_id, inserted_version) constraint catches writers that
// raced past the head lookup.
func (t *tx) SaveEvents(ctx context.Context, expected es.ExpectedVersion, events []es.Event) ([]es.Event, error) {
	if len(events) == 0 {
		return nil, es.ErrNoEvents
	}
	b := t.backend

	aggregateID := events[0].AggregateID
	seen := make(map[uuid.UUID]bool, len(events))
	for i := range events {
		if events[i].AggregateID != aggregateID {
			return nil, fmt.Errorf("event %d: aggregate ID mismatch", i)
		}
		if seen[events[i].EventID] {
			return nil, fmt.Errorf("%w: %s", es.ErrDuplicateEventID, events[i].EventID)
		}
		seen[events[i].EventID] = true
	}

	if b.config.Logger != nil {
		b.config.Logger.Debug(ctx, "save starting",
			"aggregate_id", aggregateID,
			"event_count", len(events),
			"expected_version", expected.String())
	}

	head, exists, err := t.head(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if expected.IsNoStream() && exists {
		return nil, fmt.Errorf("%w: %s", es.ErrAggregateAlreadyPersisted, aggregateID)
	}

	stored := make([]es.Event, len(events))
	pending := make([]readorder.Row, len(events))
	for i := range events {
		e := events[i]
		e.InsertedVersion = head + int64(i) + 1
		e.EffectiveVersion = 0
		e.EffectiveReadOrder = decimal.NullDecimal{}

		if _, found, err := t.insertionOrderOf(ctx, e.EventID); err != nil {
			return nil, err
		} else if found {
			return nil, fmt.Errorf("%w: %s", es.ErrDuplicateEventID, e.EventID)
		}
		if e.IsRefactoring() && e.Anchor() == 0 {
			anchor, found, err := t.insertionOrderOf(ctx, e.AnchorEventID)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, fmt.Errorf("%w: anchor %s of event %s is not stored",
					es.ErrUnsupportedReordering, e.AnchorEventID, e.EventID)
			}
			e.BindAnchor(anchor)
		}

		typeID, err := t.typeID(ctx, e.EventType)
		if err != nil {
			return nil, err
		}
		order, err := t.insert(ctx, &e, typeID)
		if err != nil {
			if b.dialect.IsUniqueViolation(err) {
				if expected.IsNoStream() {
					return nil, fmt.Errorf("%w: %s", es.ErrAggregateAlreadyPersisted, aggregateID)
				}
				return nil, fmt.Errorf("%w: aggregate %s was written concurrently", es.ErrOptimisticConcurrency, aggregateID)
			}
			return nil, fmt.Errorf("failed to insert event %d: %w", i, err)
		}
		e.InsertionOrder = order
		stored[i] = e
		pending[i] = readorder.RowOf(&e)
	}

	newHead := head + int64(len(events))
	upsert := b.dialect.Rebind(b.dialect.UpsertHeadSQL(b.config.AggregateHeadsTable))
	_, err = t.tx.ExecContext(ctx, upsert, b.dialect.UUID(aggregateID), newHead, b.dialect.Time(b.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to update aggregate head: %w", err)
	}

	idx := &index{
		tx:       t.tx,
		dialect:  b.dialect,
		table:    b.config.EventsTable,
		assigned: make(map[int64]decimal.Decimal, len(events)),
	}
	if err := readorder.Materialize(ctx, idx, pending); err != nil {
		return nil, err
	}
	for i := range stored {
		if key, ok := idx.assigned[stored[i].InsertionOrder]; ok {
			stored[i].EffectiveReadOrder = decimal.NewNullDecimal(key)
		}
	}

	if b.config.Logger != nil {
		b.config.Logger.Info(ctx, "events saved",
			"aggregate_id", aggregateID,
			"event_count", len(events),
			"inserted_version", newHead)
	}
	return stored, nil
}

func (t *tx) head(ctx context.Context, aggregateID uuid.UUID) (int64, bool, error) {
	b := t.backend
	var version int64
	query := b.rebind(`SELECT inserted_version FROM %s WHERE aggregate_id = ?%s`,
		b.config.AggregateHeadsTable, b.dialect.LockSuffix())
	err := t.tx.QueryRowContext(ctx, query, b.dialect.UUID(aggregateID)).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to check aggregate head: %w", err)
	}
	return version, true, nil
}

func (t *tx) insertionOrderOf(ctx context.Context, eventID uuid.UUID) (int64, bool, error) {
	b := t.backend
	var order int64
	query := b.rebind(`SELECT insertion_order FROM %s WHERE event_id = ?`, b.config.EventsTable)
	err := t.tx.QueryRowContext(ctx, query, b.dialect.UUID(eventID)).Scan(&order)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up event %s: %w", eventID, err)
	}
	return order, true, nil
}

func (t *tx) typeID(ctx context.Context, eventType string) (int64, error) {
	if id, ok := t.types[eventType]; ok {
		return id, nil
	}
	registry := t.backend.types
	if id, ok := registry.cachedID(eventType); ok {
		return id, nil
	}
	id, err := registry.resolve(ctx, t.tx, eventType)
	if err != nil {
		return 0, err
	}
	if t.types == nil {
		t.types = make(map[string]int64)
	}
	t.types[eventType] = id
	return id, nil
}

func (t *tx) insert(ctx context.Context, e *es.Event, typeID int64) (int64, error) {
	b := t.backend
	d := b.dialect

	payload := e.Payload
	if payload == nil {
		payload = []byte{}
	}
	var manual interface{}
	if e.ManualReadOrder.Valid {
		manual = d.Decimal(e.ManualReadOrder.Decimal)
	}

	query := fmt.Sprintf(`INSERT INTO %s (
		aggregate_id, inserted_version, event_type_id, event_id, created_at,
		payload, metadata, replaces, insert_before, insert_after, manual_read_order
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, %s)`, b.config.EventsTable, d.DecimalPlaceholder())
	args := []interface{}{
		d.UUID(e.AggregateID),
		e.InsertedVersion,
		typeID,
		d.UUID(e.EventID),
		d.Time(e.CreatedAt),
		payload,
		nullBytes(e.Metadata),
		nullInt(e.Replaces),
		nullInt(e.InsertBefore),
		nullInt(e.InsertAfter),
		manual,
	}

	if d.Returning() {
		var order int64
		err := t.tx.QueryRowContext(ctx, d.Rebind(query+" RETURNING insertion_order"), args...).Scan(&order)
		return order, err
	}
	result, err := t.tx.ExecContext(ctx, d.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetAggregateHistory implements store.Tx.
func (t *tx) GetAggregateHistory(ctx context.Context, aggregateID uuid.UUID) ([]es.Event, int64, error) {
	b := t.backend
	query := b.rebind(`SELECT %s FROM %s
		WHERE e.aggregate_id = ?
		ORDER BY e.effective_read_order, e.insertion_order`, selectColumns, b.fromClause())

	rows, err := t.tx.QueryContext(ctx, query, b.dialect.UUID(aggregateID))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query aggregate history: %w", err)
	}
	all, err := scanEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	if len(all) == 0 {
		return nil, 0, fmt.Errorf("%w: %s", es.ErrAggregateNotFound, aggregateID)
	}

	var maxOrder int64
	events := make([]es.Event, 0, len(all))
	for i := range all {
		maxOrder = max(maxOrder, all[i].InsertionOrder)
		if all[i].EffectiveReadOrder.Valid && all[i].EffectiveReadOrder.Decimal.IsPositive() {
			events = append(events, all[i])
		}
	}
	return events, maxOrder, nil
}

// GetEventsInsertedAfter implements store.Tx.
func (t *tx) GetEventsInsertedAfter(ctx context.Context, aggregateID uuid.UUID, insertionOrder int64) ([]es.Event, error) {
	b := t.backend
	query := b.rebind(`SELECT %s FROM %s
		WHERE e.aggregate_id = ? AND e.insertion_order > ?
		ORDER BY e.insertion_order`, selectColumns, b.fromClause())

	rows, err := t.tx.QueryContext(ctx, query, b.dialect.UUID(aggregateID), insertionOrder)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return scanEvents(rows)
}

// LockAggregate implements store.Tx. Dialects without row locks rely on
// the database-wide write lock taken by the first write.
func (t *tx) LockAggregate(ctx context.Context, aggregateID uuid.UUID) error {
	if t.backend.dialect.LockSuffix() == "" {
		return nil
	}
	_, _, err := t.head(ctx, aggregateID)
	return err
}

// DeleteEvents implements store.Tx.
func (t *tx) DeleteEvents(ctx context.Context, aggregateID uuid.UUID) error {
	b := t.backend
	id := b.dialect.UUID(aggregateID)
	for _, table := range []string{b.config.EventsTable, b.config.AggregateHeadsTable} {
		query := b.rebind(`DELETE FROM %s WHERE aggregate_id = ?`, table)
		if _, err := t.tx.ExecContext(ctx, query, id); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}

	if b.config.Logger != nil {
		b.config.Logger.Info(ctx, "aggregate deleted", "aggregate_id", aggregateID)
	}
	return nil
}

// Commit implements store.Tx.
func (t *tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return err
	}
	for name, id := range t.types {
		t.backend.types.remember(name, id)
	}
	return nil
}

// Rollback implements store.Tx.
func (t *tx) Rollback() error {
	return t.tx.Rollback()
}
