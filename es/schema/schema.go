// Package schema provides the relational layout of the event store and
// generates SQL migration files for it.
//
// To generate a migration file, use the migrate-gen command:
//
//	go run github.com/getpup/pupevents/cmd/migrate-gen -adapter postgres -output migrations
//
// Backends can also create the tables themselves through EnsureSchema.
package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Tables names the tables of the event store.
type Tables struct {
	// Events is the append-only event log.
	Events string

	// EventTypes maps event type names to the ids stored in Events.
	EventTypes string

	// AggregateHeads tracks the highest inserted version of each aggregate.
	AggregateHeads string
}

// DefaultTables returns the default table names.
func DefaultTables() Tables {
	return Tables{
		Events:         "events",
		EventTypes:     "event_types",
		AggregateHeads: "aggregate_heads",
	}
}

// Config configures migration generation.
type Config struct {
	Tables

	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		Tables:         DefaultTables(),
		OutputFolder:   "migrations",
		OutputFilename: fmt.Sprintf("%s_init_event_store.sql", timestamp),
	}
}

// Postgres returns the PostgreSQL DDL statements.
func Postgres(t Tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL UNIQUE
)`, t.EventTypes),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    insertion_order BIGSERIAL PRIMARY KEY,
    aggregate_id UUID NOT NULL,
    inserted_version BIGINT NOT NULL,
    event_type_id BIGINT NOT NULL,
    event_id UUID NOT NULL UNIQUE,
    created_at TIMESTAMPTZ NOT NULL,
    payload BYTEA NOT NULL,
    metadata JSONB,
    replaces BIGINT,
    insert_before BIGINT,
    insert_after BIGINT,
    manual_read_order NUMERIC(38,19),
    effective_read_order NUMERIC(38,19),
    UNIQUE (aggregate_id, inserted_version),
    CHECK (num_nonnulls(replaces, insert_before, insert_after) <= 1)
)`, t.Events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_aggregate
    ON %s (aggregate_id, insertion_order)`, t.Events, t.Events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_read_order
    ON %s (effective_read_order, insertion_order)`, t.Events, t.Events),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    aggregate_id UUID PRIMARY KEY,
    inserted_version BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, t.AggregateHeads),
	}
}

// MySQL returns the MySQL DDL statements. Indexes are declared inline since
// MySQL has no CREATE INDEX IF NOT EXISTS.
func MySQL(t Tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    name VARCHAR(255) NOT NULL UNIQUE
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`, t.EventTypes),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    insertion_order BIGINT AUTO_INCREMENT PRIMARY KEY,
    aggregate_id BINARY(16) NOT NULL,
    inserted_version BIGINT NOT NULL,
    event_type_id BIGINT NOT NULL,
    event_id BINARY(16) NOT NULL UNIQUE,
    created_at DATETIME(6) NOT NULL,
    payload LONGBLOB NOT NULL,
    metadata JSON,
    replaces BIGINT,
    insert_before BIGINT,
    insert_after BIGINT,
    manual_read_order DECIMAL(38,19),
    effective_read_order DECIMAL(38,19),
    UNIQUE KEY uq_%s_aggregate_version (aggregate_id, inserted_version),
    KEY idx_%s_aggregate (aggregate_id, insertion_order),
    KEY idx_%s_read_order (effective_read_order, insertion_order),
    CHECK ((replaces IS NOT NULL) + (insert_before IS NOT NULL) + (insert_after IS NOT NULL) <= 1)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`, t.Events, t.Events, t.Events, t.Events),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    aggregate_id BINARY(16) PRIMARY KEY,
    inserted_version BIGINT NOT NULL,
    updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`, t.AggregateHeads),
	}
}

// SQLite returns the SQLite DDL statements. Read-order keys are REAL, which
// holds about 15 significant digits; repeated insertions at the same place
// exhaust the interval sooner than with NUMERIC(38,19).
func SQLite(t Tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE
)`, t.EventTypes),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    insertion_order INTEGER PRIMARY KEY AUTOINCREMENT,
    aggregate_id TEXT NOT NULL,
    inserted_version INTEGER NOT NULL,
    event_type_id INTEGER NOT NULL,
    event_id TEXT NOT NULL UNIQUE,
    created_at TEXT NOT NULL,
    payload BLOB NOT NULL,
    metadata TEXT,
    replaces INTEGER,
    insert_before INTEGER,
    insert_after INTEGER,
    manual_read_order REAL,
    effective_read_order REAL,
    UNIQUE (aggregate_id, inserted_version),
    CHECK ((replaces IS NOT NULL) + (insert_before IS NOT NULL) + (insert_after IS NOT NULL) <= 1)
)`, t.Events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_aggregate
    ON %s (aggregate_id, insertion_order)`, t.Events, t.Events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_read_order
    ON %s (effective_read_order, insertion_order)`, t.Events, t.Events),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    aggregate_id TEXT PRIMARY KEY,
    inserted_version INTEGER NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
)`, t.AggregateHeads),
	}
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return write(config, "PostgreSQL", Postgres(config.Tables))
}

// GenerateMySQL generates a MySQL/MariaDB migration file.
func GenerateMySQL(config *Config) error {
	return write(config, "MySQL/MariaDB", MySQL(config.Tables))
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return write(config, "SQLite", SQLite(config.Tables))
}

// Render joins statements into a migration script.
func Render(database string, statements []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "-- Event Store Migration for %s\n", database)
	fmt.Fprintf(&b, "-- Generated: %s\n", time.Now().Format(time.RFC3339))
	for _, stmt := range statements {
		b.WriteString("\n")
		b.WriteString(stmt)
		b.WriteString(";\n")
	}
	return b.String()
}

func write(config *Config, database string, statements []string) error {
	// Ensure output folder exists
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(Render(database, statements)), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}
	return nil
}
