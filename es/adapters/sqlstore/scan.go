package sqlstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/getpup/pupevents/es"
)

// timeLayouts are tried in order when a driver returns timestamps as text.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05.999999",
}

// TimeLayout is the text format timestamps are written in by dialects that
// store them as text.
const TimeLayout = "2006-01-02 15:04:05.999999"

// nullTime scans time.Time values as well as their text forms.
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = v.UTC(), true
		return nil
	case []byte:
		return n.parse(string(v))
	case string:
		return n.parse(v)
	}
	return fmt.Errorf("cannot scan %T into a timestamp", src)
}

func (n *nullTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			n.Time, n.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp %q", s)
}

// selectColumns lists the columns scanEvent expects, in order.
// The events table is aliased e and the type table t.
const selectColumns = `e.insertion_order, e.aggregate_id, e.inserted_version, e.event_type_id, t.name,
	e.event_id, e.created_at, e.payload, e.metadata, e.replaces, e.insert_before, e.insert_after,
	e.manual_read_order, e.effective_read_order`

// scanEvent scans one row of selectColumns followed by extra destinations.
func scanEvent(rows *sql.Rows, extra ...interface{}) (es.Event, error) {
	var (
		e                           es.Event
		typeID                      int64
		typeName                    sql.NullString
		createdAt                   nullTime
		replaces, before, after     sql.NullInt64
		manualOrder, effectiveOrder decimal.NullDecimal
	)
	dest := []interface{}{
		&e.InsertionOrder,
		&e.AggregateID,
		&e.InsertedVersion,
		&typeID,
		&typeName,
		&e.EventID,
		&createdAt,
		&e.Payload,
		&e.Metadata,
		&replaces,
		&before,
		&after,
		&manualOrder,
		&effectiveOrder,
	}
	err := rows.Scan(append(dest, extra...)...)
	if err != nil {
		return es.Event{}, fmt.Errorf("failed to scan event: %w", err)
	}
	if !typeName.Valid {
		return es.Event{}, &es.UnmappedTypeError{ID: typeID}
	}
	e.EventType = typeName.String
	e.CreatedAt = createdAt.Time
	e.Replaces = replaces.Int64
	e.InsertBefore = before.Int64
	e.InsertAfter = after.Int64
	e.ManualReadOrder = manualOrder
	e.EffectiveReadOrder = effectiveOrder
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]es.Event, error) {
	defer rows.Close()
	var events []es.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// scanStreamEvents scans rows of selectColumns followed by the
// last-of-aggregate flag.
func scanStreamEvents(rows *sql.Rows) ([]es.Event, error) {
	defer rows.Close()
	var events []es.Event
	for rows.Next() {
		var last bool
		e, err := scanEvent(rows, &last)
		if err != nil {
			return nil, err
		}
		e.LastOfAggregate = last
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func nullInt(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
