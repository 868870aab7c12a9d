// Package sqlstore implements the event store backend on top of
// database/sql. Database specifics are supplied by a Dialect; see the
// postgres, mysql and sqlite adapters.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/getpup/pupevents/es"
	"github.com/getpup/pupevents/es/store"
)

// Backend is a relational store.Backend.
type Backend struct {
	db      *sql.DB
	dialect Dialect
	config  Config
	types   *TypeRegistry

	schemaMu    sync.Mutex
	schemaReady bool
}

var (
	_ store.Backend               = (*Backend)(nil)
	_ store.RecoverableClassifier = (*Backend)(nil)
)

// New creates a backend over db.
func New(db *sql.DB, dialect Dialect, config Config) *Backend {
	return &Backend{
		db:      db,
		dialect: dialect,
		config:  config,
		types:   newTypeRegistry(db, dialect, config.EventTypesTable),
	}
}

// Types returns the backend's event type registry.
func (b *Backend) Types() *TypeRegistry {
	return b.types
}

// EnsureSchema creates the tables if they do not exist. It runs the DDL
// once per backend instance.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	b.schemaMu.Lock()
	defer b.schemaMu.Unlock()
	if b.schemaReady {
		return nil
	}

	for _, stmt := range b.dialect.Schema(b.config.Tables()) {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create %s schema: %w", b.dialect.Name(), err)
		}
	}
	b.schemaReady = true

	if b.config.Logger != nil {
		b.config.Logger.Info(ctx, "schema ready",
			"dialect", b.dialect.Name(),
			"events_table", b.config.EventsTable)
	}
	return nil
}

// IsRecoverable implements store.RecoverableClassifier.
func (b *Backend) IsRecoverable(err error) bool {
	return b.dialect.IsRecoverable(err)
}

// Begin implements store.Backend.
func (b *Backend) Begin(ctx context.Context) (store.Tx, error) {
	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &tx{backend: b, tx: sqlTx}, nil
}

func (b *Backend) now() time.Time {
	if b.config.Clock == nil {
		return es.SystemClock{}.Now()
	}
	return b.config.Clock.Now()
}

func (b *Backend) rebind(format string, args ...interface{}) string {
	return b.dialect.Rebind(fmt.Sprintf(format, args...))
}

func (b *Backend) fromClause() string {
	return fmt.Sprintf("%s e LEFT JOIN %s t ON t.id = e.event_type_id",
		b.config.EventsTable, b.config.EventTypesTable)
}

// StreamEvents implements store.Backend. Pages are read with keyset
// pagination on (effective_read_order, insertion_order) outside any
// transaction. The row holding an aggregate's highest key is flagged as its
// last.
func (b *Backend) StreamEvents(ctx context.Context, batchSize int, handler func(ctx context.Context, batch []es.Event) error) error {
	if batchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	placeholder := b.dialect.DecimalPlaceholder()
	query := b.rebind(`SELECT %s,
		  CASE WHEN e.effective_read_order = (SELECT MAX(l.effective_read_order) FROM %s l WHERE l.aggregate_id = e.aggregate_id)
		    THEN 1 ELSE 0 END AS last_of_aggregate
		FROM %s
		WHERE e.effective_read_order > 0
		  AND (e.effective_read_order > %s OR (e.effective_read_order = %s AND e.insertion_order > ?))
		ORDER BY e.effective_read_order, e.insertion_order
		LIMIT ?`, selectColumns, b.config.EventsTable, b.fromClause(), placeholder, placeholder)

	lastKey, lastOrder := decimal.Zero, int64(0)
	for page := 0; ; page++ {
		rows, err := b.db.QueryContext(ctx, query,
			b.dialect.Decimal(lastKey), b.dialect.Decimal(lastKey), lastOrder, batchSize)
		if err != nil {
			return fmt.Errorf("failed to query events: %w", err)
		}
		batch, err := scanStreamEvents(rows)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		if b.config.Logger != nil {
			b.config.Logger.Debug(ctx, "streaming events page",
				"page", page,
				"count", len(batch))
		}
		if err := handler(ctx, batch); err != nil {
			return err
		}

		last := batch[len(batch)-1]
		lastKey, lastOrder = last.EffectiveReadOrder.Decimal, last.InsertionOrder
		if len(batch) < batchSize {
			return nil
		}
	}
}

// StreamAggregateIDsInCreationOrder implements store.Backend. The creation
// event of an aggregate is its row with the lowest insertion order.
func (b *Backend) StreamAggregateIDsInCreationOrder(ctx context.Context, eventTypes ...string) ([]uuid.UUID, error) {
	var filter string
	args := make([]interface{}, 0, len(eventTypes))
	if len(eventTypes) > 0 {
		filter = fmt.Sprintf("WHERE t.name IN (%s)", Placeholders(len(eventTypes)))
		for _, typ := range eventTypes {
			args = append(args, typ)
		}
	}

	query := b.rebind(`SELECT e.aggregate_id FROM %s
		JOIN (SELECT aggregate_id, MIN(insertion_order) AS first_order FROM %s GROUP BY aggregate_id) f
		  ON e.insertion_order = f.first_order
		%s
		ORDER BY e.created_at, e.insertion_order`,
		b.fromClause(), b.config.EventsTable, filter)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregates: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating aggregates: %w", err)
	}
	return ids, nil
}
