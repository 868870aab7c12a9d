// Package readorder computes the read-order keys that let an append-only
// event table return events in effective order without renumbering rows.
//
// Original rows use their insertion order as key. Rows carrying a mutation
// marker get keys interpolated between their anchor and its neighbour:
//
//	Replaces X      (|X|, next)   and X is negated
//	InsertAfter X   (X, next)
//	InsertBefore X  (previous or 0, X)
//
// Neighbours are taken over the absolute keys of every resolved row in the
// store, so replaced rows keep anchoring later mutations.
package readorder

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/getpup/pupevents/es"
)

// Scale is the number of fractional digits kept for interpolated keys.
// It matches the NUMERIC(38,19) columns of the relational schema.
const Scale = 19

// Row is the part of an event the materializer needs.
type Row struct {
	InsertionOrder int64
	Kind           es.MutationKind
	Anchor         int64
	Manual         decimal.NullDecimal
}

// RowOf extracts the materializer's view of a stored event.
func RowOf(e *es.Event) Row {
	return Row{
		InsertionOrder: e.InsertionOrder,
		Kind:           e.Kind(),
		Anchor:         e.Anchor(),
		Manual:         e.ManualReadOrder,
	}
}

// Index gives the materializer access to resolved keys.
// Implementations are backed by memory or by the events table.
type Index interface {
	// Lookup returns the key of the row with the given insertion order.
	// ok is false when the row is unknown or not yet resolved.
	Lookup(ctx context.Context, insertionOrder int64) (key decimal.Decimal, ok bool, err error)

	// Next returns the smallest absolute key greater than key.
	Next(ctx context.Context, key decimal.Decimal) (next decimal.Decimal, ok bool, err error)

	// Previous returns the largest absolute key smaller than key.
	Previous(ctx context.Context, key decimal.Decimal) (prev decimal.Decimal, ok bool, err error)

	// Assign records the key of a row.
	Assign(ctx context.Context, insertionOrder int64, key decimal.Decimal) error
}

type groupKey struct {
	kind   es.MutationKind
	anchor int64
}

// Materialize resolves the keys of pending rows. Groups whose anchor is not
// resolved yet wait for a later round; rounds repeat until nothing is pending.
// A round that resolves nothing means an anchor does not exist.
func Materialize(ctx context.Context, idx Index, pending []Row) error {
	var marked []Row
	for _, row := range pending {
		switch {
		case row.Manual.Valid:
			if err := idx.Assign(ctx, row.InsertionOrder, row.Manual.Decimal); err != nil {
				return err
			}
		case row.Kind == es.KindOriginal:
			if err := idx.Assign(ctx, row.InsertionOrder, decimal.NewFromInt(row.InsertionOrder)); err != nil {
				return err
			}
		default:
			marked = append(marked, row)
		}
	}

	for len(marked) > 0 {
		groups := make(map[groupKey][]Row)
		var keys []groupKey
		for _, row := range marked {
			k := groupKey{kind: row.Kind, anchor: row.Anchor}
			if _, ok := groups[k]; !ok {
				keys = append(keys, k)
			}
			groups[k] = append(groups[k], row)
		}
		sort.Slice(keys, func(i, j int) bool {
			return groups[keys[i]][0].InsertionOrder < groups[keys[j]][0].InsertionOrder
		})

		var waiting []Row
		resolved := 0
		for _, k := range keys {
			rows := groups[k]
			anchorKey, ok, err := idx.Lookup(ctx, k.anchor)
			if err != nil {
				return err
			}
			if !ok {
				waiting = append(waiting, rows...)
				continue
			}
			if err := resolveGroup(ctx, idx, k, anchorKey, rows); err != nil {
				return err
			}
			resolved++
		}
		if resolved == 0 {
			return fmt.Errorf("%w: %d row(s) reference anchors that are not stored, first anchor %d",
				es.ErrUnsupportedReordering, len(waiting), waiting[0].Anchor)
		}
		marked = waiting
	}
	return nil
}

func resolveGroup(ctx context.Context, idx Index, k groupKey, anchorKey decimal.Decimal, rows []Row) error {
	sort.Slice(rows, func(i, j int) bool { return rows[i].InsertionOrder < rows[j].InsertionOrder })

	anchorAbs := anchorKey.Abs()
	var lo, hi decimal.Decimal
	switch k.kind {
	case es.KindReplace, es.KindInsertAfter:
		next, ok, err := idx.Next(ctx, anchorAbs)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s of row %d has no following row to interpolate against",
				es.ErrUnsupportedReordering, k.kind, k.anchor)
		}
		lo, hi = anchorAbs, next
	case es.KindInsertBefore:
		prev, ok, err := idx.Previous(ctx, anchorAbs)
		if err != nil {
			return err
		}
		if !ok {
			prev = decimal.Zero
		}
		lo, hi = prev, anchorAbs
	default:
		return fmt.Errorf("%w: unexpected marker kind %s", es.ErrUnsupportedReordering, k.kind)
	}

	keys, err := Interpolate(lo, hi, len(rows))
	if err != nil {
		return fmt.Errorf("%s of row %d: %w", k.kind, k.anchor, err)
	}
	for i := range rows {
		if err := idx.Assign(ctx, rows[i].InsertionOrder, keys[i]); err != nil {
			return err
		}
	}
	if k.kind == es.KindReplace && anchorKey.IsPositive() {
		return idx.Assign(ctx, k.anchor, anchorKey.Neg())
	}
	return nil
}

// Interpolate returns n keys spread evenly over the open interval (lo, hi).
func Interpolate(lo, hi decimal.Decimal, n int) ([]decimal.Decimal, error) {
	if !hi.GreaterThan(lo) {
		return nil, fmt.Errorf("%w: empty interval (%s, %s)", es.ErrUnsupportedReordering, lo, hi)
	}
	step := hi.Sub(lo).DivRound(decimal.NewFromInt(int64(n+1)), Scale)
	keys := make([]decimal.Decimal, n)
	prev := lo
	for i := 0; i < n; i++ {
		key := lo.Add(step.Mul(decimal.NewFromInt(int64(i + 1)))).Round(Scale)
		if !key.GreaterThan(prev) || !key.LessThan(hi) {
			return nil, fmt.Errorf("%w: interval (%s, %s) exhausted", es.ErrUnsupportedReordering, lo, hi)
		}
		keys[i] = key
		prev = key
	}
	return keys, nil
}
