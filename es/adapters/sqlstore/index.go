package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/getpup/pupevents/es/readorder"
)

// index is a readorder.Index over the effective_read_order column, read
// and written inside the saving transaction. Assigned keys are recorded so
// the stored events can be returned with their keys.
type index struct {
	tx       *sql.Tx
	dialect  Dialect
	table    string
	assigned map[int64]decimal.Decimal
}

var _ readorder.Index = (*index)(nil)

func (x *index) Lookup(ctx context.Context, insertionOrder int64) (decimal.Decimal, bool, error) {
	var key decimal.NullDecimal
	query := x.dialect.Rebind(fmt.Sprintf(
		`SELECT effective_read_order FROM %s WHERE insertion_order = ?`, x.table))
	err := x.tx.QueryRowContext(ctx, query, insertionOrder).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Decimal{}, false, nil
	}
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("failed to look up read order of %d: %w", insertionOrder, err)
	}
	return key.Decimal, key.Valid, nil
}

func (x *index) Next(ctx context.Context, key decimal.Decimal) (decimal.Decimal, bool, error) {
	return x.neighbour(ctx, "MIN", ">", key)
}

func (x *index) Previous(ctx context.Context, key decimal.Decimal) (decimal.Decimal, bool, error) {
	return x.neighbour(ctx, "MAX", "<", key)
}

func (x *index) neighbour(ctx context.Context, agg, cmp string, key decimal.Decimal) (decimal.Decimal, bool, error) {
	var found decimal.NullDecimal
	query := x.dialect.Rebind(fmt.Sprintf(
		`SELECT %s(ABS(effective_read_order)) FROM %s WHERE ABS(effective_read_order) %s %s`,
		agg, x.table, cmp, x.dialect.DecimalPlaceholder()))
	if err := x.tx.QueryRowContext(ctx, query, x.dialect.Decimal(key)).Scan(&found); err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("failed to find read order neighbour of %s: %w", key, err)
	}
	return found.Decimal, found.Valid, nil
}

func (x *index) Assign(ctx context.Context, insertionOrder int64, key decimal.Decimal) error {
	query := x.dialect.Rebind(fmt.Sprintf(
		`UPDATE %s SET effective_read_order = %s WHERE insertion_order = ?`,
		x.table, x.dialect.DecimalPlaceholder()))
	if _, err := x.tx.ExecContext(ctx, query, x.dialect.Decimal(key), insertionOrder); err != nil {
		return fmt.Errorf("failed to assign read order of %d: %w", insertionOrder, err)
	}
	x.assigned[insertionOrder] = key
	return nil
}
