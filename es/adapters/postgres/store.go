// Package postgres provides the PostgreSQL dialect of the relational event store.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/getpup/pupevents/es/adapters/sqlstore"
	"github.com/getpup/pupevents/es/schema"
)

// Dialect implements sqlstore.Dialect for PostgreSQL.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

// NewBackend creates a PostgreSQL backend over db.
//
// Example:
//
//	db, _ := sql.Open("postgres", connStr)
//	backend := postgres.NewBackend(db, sqlstore.WithLogger(myLogger))
//	eventStore := store.New(backend, store.DefaultConfig())
func NewBackend(db *sql.DB, opts ...sqlstore.Option) *sqlstore.Backend {
	return sqlstore.New(db, Dialect{}, sqlstore.NewConfig(opts...))
}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "postgres" }

// Rebind implements sqlstore.Dialect.
func (Dialect) Rebind(query string) string { return sqlstore.RebindDollar(query) }

// UUID implements sqlstore.Dialect.
func (Dialect) UUID(id uuid.UUID) interface{} { return id.String() }

// Time implements sqlstore.Dialect.
func (Dialect) Time(t time.Time) interface{} { return t.UTC() }

// Decimal implements sqlstore.Dialect.
func (Dialect) Decimal(d decimal.Decimal) interface{} { return d.String() }

// DecimalPlaceholder implements sqlstore.Dialect.
func (Dialect) DecimalPlaceholder() string { return "?::numeric" }

// Returning implements sqlstore.Dialect.
func (Dialect) Returning() bool { return true }

// InsertTypeSQL implements sqlstore.Dialect.
func (Dialect) InsertTypeSQL(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (name) VALUES (?) ON CONFLICT (name) DO NOTHING`, table)
}

// UpsertHeadSQL implements sqlstore.Dialect.
func (Dialect) UpsertHeadSQL(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (aggregate_id, inserted_version, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (aggregate_id)
		DO UPDATE SET inserted_version = EXCLUDED.inserted_version, updated_at = EXCLUDED.updated_at
	`, table)
}

// LockSuffix implements sqlstore.Dialect.
func (Dialect) LockSuffix() string { return " FOR UPDATE" }

// Schema implements sqlstore.Dialect.
func (Dialect) Schema(tables schema.Tables) []string { return schema.Postgres(tables) }

// IsUniqueViolation implements sqlstore.Dialect.
func (Dialect) IsUniqueViolation(err error) bool { return IsUniqueViolation(err) }

// IsRecoverable implements sqlstore.Dialect.
func (Dialect) IsRecoverable(err error) bool { return IsRecoverable(err) }

// IsUniqueViolation checks if an error is a PostgreSQL unique constraint violation.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// Check if it's a pq.Error with unique_violation code (23505)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}

	// Fallback: check error message for common patterns
	errMsg := err.Error()
	return strings.Contains(errMsg, "duplicate key") || strings.Contains(errMsg, "unique constraint")
}

// IsRecoverable reports deadlocks, lock timeouts and serialization failures.
func IsRecoverable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40P01", // deadlock_detected
		"55P03", // lock_not_available
		"40001": // serialization_failure
		return true
	}
	return false
}
