// Package mysql provides the MySQL/MariaDB dialect of the relational event store.
// Aggregate and event ids are stored as BINARY(16).
//
// The DSN must set parseTime=true or timestamps are returned as text,
// which the backend also accepts.
package mysql

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/getpup/pupevents/es/adapters/sqlstore"
	"github.com/getpup/pupevents/es/schema"
)

// Dialect implements sqlstore.Dialect for MySQL and MariaDB.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

// NewBackend creates a MySQL backend over db.
func NewBackend(db *sql.DB, opts ...sqlstore.Option) *sqlstore.Backend {
	return sqlstore.New(db, Dialect{}, sqlstore.NewConfig(opts...))
}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "mysql" }

// Rebind implements sqlstore.Dialect.
func (Dialect) Rebind(query string) string { return sqlstore.RebindQuestion(query) }

// UUID implements sqlstore.Dialect.
func (Dialect) UUID(id uuid.UUID) interface{} {
	b := id
	return b[:]
}

// Time implements sqlstore.Dialect.
func (Dialect) Time(t time.Time) interface{} { return t.UTC() }

// Decimal implements sqlstore.Dialect.
func (Dialect) Decimal(d decimal.Decimal) interface{} { return d.String() }

// DecimalPlaceholder implements sqlstore.Dialect. Without the cast MySQL
// compares a string argument against DECIMAL as a double.
func (Dialect) DecimalPlaceholder() string { return "CAST(? AS DECIMAL(38,19))" }

// Returning implements sqlstore.Dialect.
func (Dialect) Returning() bool { return false }

// InsertTypeSQL implements sqlstore.Dialect.
func (Dialect) InsertTypeSQL(table string) string {
	return fmt.Sprintf(`INSERT IGNORE INTO %s (name) VALUES (?)`, table)
}

// UpsertHeadSQL implements sqlstore.Dialect.
func (Dialect) UpsertHeadSQL(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (aggregate_id, inserted_version, updated_at)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE inserted_version = VALUES(inserted_version), updated_at = VALUES(updated_at)
	`, table)
}

// LockSuffix implements sqlstore.Dialect.
func (Dialect) LockSuffix() string { return " FOR UPDATE" }

// Schema implements sqlstore.Dialect.
func (Dialect) Schema(tables schema.Tables) []string { return schema.MySQL(tables) }

// IsUniqueViolation implements sqlstore.Dialect.
func (Dialect) IsUniqueViolation(err error) bool { return IsUniqueViolation(err) }

// IsRecoverable implements sqlstore.Dialect.
func (Dialect) IsRecoverable(err error) bool { return IsRecoverable(err) }

// IsUniqueViolation checks if an error is a MySQL unique constraint violation.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// Check if it's a MySQL error with duplicate entry code (1062)
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062 // ER_DUP_ENTRY
	}

	// Fallback: check error message for common patterns
	errMsg := err.Error()
	return strings.Contains(errMsg, "Duplicate entry") ||
		strings.Contains(errMsg, "duplicate key") ||
		strings.Contains(errMsg, "unique constraint")
}

// IsRecoverable reports deadlocks and lock wait timeouts.
func IsRecoverable(err error) bool {
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) {
		return false
	}
	switch mysqlErr.Number {
	case 1213, // ER_LOCK_DEADLOCK
		1205: // ER_LOCK_WAIT_TIMEOUT
		return true
	}
	return false
}
