// Package sqlite provides the SQLite dialect of the relational event store.
//
// SQLite has no row locks: the first write of a transaction takes the
// database write lock, and contending writers fail with SQLITE_BUSY, which
// is reported as recoverable. Read-order keys are stored as REAL.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/getpup/pupevents/es/adapters/sqlstore"
	"github.com/getpup/pupevents/es/schema"
)

// Dialect implements sqlstore.Dialect for SQLite.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

// NewBackend creates a SQLite backend over db.
func NewBackend(db *sql.DB, opts ...sqlstore.Option) *sqlstore.Backend {
	return sqlstore.New(db, Dialect{}, sqlstore.NewConfig(opts...))
}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "sqlite" }

// Rebind implements sqlstore.Dialect.
func (Dialect) Rebind(query string) string { return sqlstore.RebindQuestion(query) }

// UUID implements sqlstore.Dialect.
func (Dialect) UUID(id uuid.UUID) interface{} { return id.String() }

// Time implements sqlstore.Dialect.
func (Dialect) Time(t time.Time) interface{} { return t.UTC().Format(sqlstore.TimeLayout) }

// Decimal implements sqlstore.Dialect. Keys are bound as REAL so they
// compare numerically against expressions such as ABS(column).
func (Dialect) Decimal(d decimal.Decimal) interface{} { return d.InexactFloat64() }

// DecimalPlaceholder implements sqlstore.Dialect.
func (Dialect) DecimalPlaceholder() string { return "?" }

// Returning implements sqlstore.Dialect.
func (Dialect) Returning() bool { return false }

// InsertTypeSQL implements sqlstore.Dialect.
func (Dialect) InsertTypeSQL(table string) string {
	return fmt.Sprintf(`INSERT OR IGNORE INTO %s (name) VALUES (?)`, table)
}

// UpsertHeadSQL implements sqlstore.Dialect.
func (Dialect) UpsertHeadSQL(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (aggregate_id, inserted_version, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (aggregate_id)
		DO UPDATE SET inserted_version = excluded.inserted_version, updated_at = excluded.updated_at
	`, table)
}

// LockSuffix implements sqlstore.Dialect.
func (Dialect) LockSuffix() string { return "" }

// Schema implements sqlstore.Dialect.
func (Dialect) Schema(tables schema.Tables) []string { return schema.SQLite(tables) }

// IsUniqueViolation implements sqlstore.Dialect.
func (Dialect) IsUniqueViolation(err error) bool { return IsUniqueViolation(err) }

// IsRecoverable implements sqlstore.Dialect.
func (Dialect) IsRecoverable(err error) bool { return IsRecoverable(err) }

// IsUniqueViolation checks if an error is a SQLite unique constraint violation.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}

	// SQLite error messages for unique constraint violations
	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		strings.Contains(errMsg, "unique constraint")
}

// IsRecoverable reports a busy or locked database.
func IsRecoverable(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
