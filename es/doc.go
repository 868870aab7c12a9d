// Package es provides the core types of the event store.
//
// # Overview
//
// This package defines the types shared by every layer:
//   - Event: a domain event plus the bookkeeping the store assigns to it
//   - ExpectedVersion: the concurrency expectation of a backend write
//   - TypeRegistry: event type names mapped to compact ids
//   - Logger, Clock: injectable ambient services
//   - sentinel errors for concurrency, lookup and refactoring failures
//
// # Design Philosophy
//
// Append-only: stored rows are never updated except for their read-order key.
// History is refactored by appending events that replace an event or are
// inserted before or after one.
//
// Clean Architecture: core types are database-agnostic. Storage engines live
// in adapter packages (memory, postgres, mysql, sqlite) behind store.Backend.
//
// Migrations at read time: the store applies its migration list to every
// history it returns. PersistMigrations later writes the result so that reads
// no longer pay for it.
//
// # Quick Start
//
// 1. Generate the schema:
//
//	go run github.com/getpup/pupevents/cmd/migrate-gen -adapter postgres -output migrations
//
// 2. Apply it, or call EnsureSchema on the backend
//
// 3. Create a store:
//
//	import (
//	    "github.com/getpup/pupevents/es/adapters/postgres"
//	    "github.com/getpup/pupevents/es/store"
//	)
//
//	s := store.New(postgres.NewBackend(db), store.NewConfig(store.WithLogger(logger)))
//
// 4. Save events:
//
//	events := []es.Event{
//	    {
//	        AggregateID:      orderID,
//	        EventID:          uuid.New(),
//	        EventType:        "OrderCreated",
//	        EffectiveVersion: 1,
//	        Payload:          payload,
//	        CreatedAt:        time.Now(),
//	    },
//	}
//	err := s.SaveEvents(ctx, events)
//
// 5. Refactor history:
//
//	s.ReplaceMigrations(
//	    migration.Before("OrderShipped").Insert(migration.EventOfType("OrderPacked")),
//	)
//	history, err := s.GetAggregateHistory(ctx, orderID)
//
// # Optimistic Concurrency
//
// EffectiveVersion of the first saved event declares what the writer saw:
//   - Version 1 means a new aggregate; ErrAggregateAlreadyPersisted otherwise
//   - Version v > 1 requires the current effective version to be v-1
//   - Conflicts return ErrOptimisticConcurrency
//
// # Read Order
//
// Every row carries a decimal read-order key. Originals use their insertion
// order, inserted events get keys interpolated between their neighbours and
// replaced rows are negated. Reading positive keys in ascending order yields
// the effective history without re-running migrations.
package es
