package sqlstore

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/getpup/pupevents/es/schema"
)

// Dialect captures what differs between relational databases.
// Queries are written with ? placeholders and passed through Rebind.
type Dialect interface {
	// Name identifies the database in log output.
	Name() string

	// Rebind rewrites ? placeholders into the database's bind syntax.
	Rebind(query string) string

	// UUID converts an id into a bind argument.
	UUID(id uuid.UUID) interface{}

	// Time converts a timestamp into a bind argument.
	Time(t time.Time) interface{}

	// Decimal converts a read-order key into a bind argument.
	Decimal(d decimal.Decimal) interface{}

	// DecimalPlaceholder is the placeholder expression for a read-order key.
	DecimalPlaceholder() string

	// Returning reports whether INSERT ... RETURNING is supported.
	Returning() bool

	// InsertTypeSQL inserts a type name, ignoring one that already exists.
	InsertTypeSQL(table string) string

	// UpsertHeadSQL writes (aggregate_id, inserted_version, updated_at).
	UpsertHeadSQL(table string) string

	// LockSuffix is appended to a head lookup to lock the row, or empty.
	LockSuffix() string

	// Schema returns the DDL statements for the given tables.
	Schema(tables schema.Tables) []string

	// IsUniqueViolation reports whether err is a unique constraint violation.
	IsUniqueViolation(err error) bool

	// IsRecoverable reports whether err is transient (deadlock, lock timeout,
	// serialization failure, busy database).
	IsRecoverable(err error) bool
}

// RebindDollar rewrites ? placeholders into $1, $2, ...
func RebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// RebindQuestion returns the query unchanged.
func RebindQuestion(query string) string {
	return query
}

// Placeholders returns n comma separated ? placeholders.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
