// Package pupevents is the entry point of the pupevents library, an
// append-only event store that can refactor event streams.
//
// The functionality lives in the es package and its subpackages:
//
//	es                 - Core types (Event, ExpectedVersion, Logger, errors)
//	es/migration       - Replace / insert-before / insert-after migrations
//	es/readorder       - Read-order key materializer
//	es/store           - Event store facade, sessions, cache, persistence sweep
//	es/aggregate       - Event-sourced aggregate helpers
//	es/projection      - Full-store replays
//	es/adapters/memory - In-memory backend
//	es/adapters/{postgres,mysql,sqlite} - Relational backends
//	es/schema          - DDL generation
//
// Quick Start:
//
//  1. Generate the schema:
//     go run github.com/getpup/pupevents/cmd/migrate-gen -adapter sqlite -output migrations
//
//  2. Create a store and save events:
//     s := store.New(sqlite.NewBackend(db), store.DefaultConfig())
//     err := s.SaveEvents(ctx, events)
//
//  3. Refactor history:
//     s.ReplaceMigrations(migration.Replace("UserRenamed").With(migration.EventOfType("NameChanged")))
//     err = s.PersistMigrations(ctx)
//
// See the examples directory for complete working examples.
package pupevents

// Version returns the current version of the library.
func Version() string {
	return "0.1.0-dev"
}
