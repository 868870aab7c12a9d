package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupevents/es"
	"github.com/getpup/pupevents/es/migration"
)

// PersistMigrations turns every event the active migrations introduce into
// a stored row, aggregate by aggregate in creation order.
//
// Each aggregate is handled under its lock in its own transaction, so the
// sweep can be interrupted through ctx between aggregates and always leaves
// the store consistent. Recoverable backend failures are retried up to
// MaxPersistAttempts; an aggregate that keeps failing is logged and skipped.
// Non-idempotent migrations, unsupported reorderings and other errors stop
// the sweep and are returned.
//
// Only one sweep runs per Store at a time. Sweeps from several processes
// against the same backend are not supported.
func (s *Store) PersistMigrations(ctx context.Context) error {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	migrations := s.Migrations()
	logger := s.logger()
	if len(migrations) == 0 {
		logger.Info(ctx, "no migrations to persist")
		return nil
	}

	ids, err := s.backend.StreamAggregateIDsInCreationOrder(ctx)
	if err != nil {
		return fmt.Errorf("failed to list aggregates: %w", err)
	}

	start := s.config.Clock.Now()
	lastReport := start
	var persisted, skipped int
	logger.Info(ctx, "persisting migrations started",
		"aggregates", len(ids),
		"migrations", len(migrations))

	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			logger.Info(ctx, "persisting migrations interrupted",
				"done", i,
				"aggregates", len(ids))
			return err
		}

		n, err := s.persistWithRetry(ctx, id, migrations)
		switch {
		case errors.Is(err, errSkipped):
			skipped++
		case err != nil:
			return fmt.Errorf("aggregate %s: %w", id, err)
		}
		persisted += n
		s.config.Metrics.inc(sweepAggregates)

		if now := s.config.Clock.Now(); now.Sub(lastReport) >= s.config.ProgressInterval {
			lastReport = now
			logger.Info(ctx, "persisting migrations progress",
				"done", i+1,
				"aggregates", len(ids),
				"persisted_events", persisted,
				"skipped", skipped)
		}
	}

	logger.Info(ctx, "persisting migrations finished",
		"aggregates", len(ids),
		"persisted_events", persisted,
		"skipped", skipped,
		"elapsed", s.config.Clock.Now().Sub(start).String())
	return nil
}

var errSkipped = errors.New("aggregate skipped")

func (s *Store) persistWithRetry(ctx context.Context, id uuid.UUID, migrations []migration.Migration) (int, error) {
	classifier, _ := s.backend.(RecoverableClassifier)
	logger := s.logger()

	for attempt := 1; ; attempt++ {
		n, err := s.persistAggregate(ctx, id, migrations)
		if err == nil {
			return n, nil
		}
		if classifier == nil || !classifier.IsRecoverable(err) {
			return 0, err
		}
		if attempt >= s.config.MaxPersistAttempts {
			s.config.Metrics.inc(sweepFailures)
			logger.Error(ctx, "persisting migrations failed permanently, skipping aggregate",
				"aggregate_id", id,
				"attempts", attempt,
				"error", err)
			return 0, errSkipped
		}

		s.config.Metrics.inc(sweepRetries)
		logger.Warn(ctx, "persisting migrations failed, retrying",
			"aggregate_id", id,
			"attempt", attempt,
			"error", err)
		select {
		case <-time.After(s.config.RetryDelay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// persistAggregate materializes the migrations of one aggregate and returns
// the number of events written.
func (s *Store) persistAggregate(ctx context.Context, id uuid.UUID, migrations []migration.Migration) (written int, err error) {
	release, err := s.locks.Lock(ctx, id)
	if err != nil {
		return 0, err
	}
	defer release()

	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && err == nil {
				err = rbErr
			}
		}
	}()

	if err := tx.LockAggregate(ctx, id); err != nil {
		return 0, err
	}
	stored, _, err := tx.GetAggregateHistory(ctx, id)
	if errors.Is(err, es.ErrAggregateNotFound) {
		// deleted since the sweep listed it
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var batches [][]es.Event
	mutated, err := migration.MutateWithCallback(migrations, stored, func(events []es.Event) error {
		batches = append(batches, events)
		written += len(events)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if written == 0 {
		return 0, nil
	}
	if err := migration.CheckIdempotent(migrations, mutated); err != nil {
		return 0, err
	}

	// One save per migration: each batch's read order is materialized
	// before the next migration's events are placed relative to it.
	for _, batch := range batches {
		if _, err := tx.SaveEvents(ctx, es.Any(), batch); err != nil {
			return 0, err
		}
	}

	after, _, err := tx.GetAggregateHistory(ctx, id)
	if err != nil {
		return 0, err
	}
	if err := sameSequence(mutated, after); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	committed = true

	s.cache.invalidate(id)
	s.config.Metrics.inc(cacheInvalidations)
	s.config.Metrics.add(persistedEvents, float64(written))
	return written, nil
}

// sameSequence checks that the stored order after persisting matches the
// migrated order it was derived from.
func sameSequence(want, got []es.Event) error {
	if len(want) != len(got) {
		return fmt.Errorf("persisted history has %d events, migrated history %d", len(got), len(want))
	}
	for i := range want {
		if want[i].EventID != got[i].EventID {
			return fmt.Errorf("persisted history diverges at position %d: %s (%s), want %s (%s)",
				i+1, got[i].EventID, got[i].EventType, want[i].EventID, want[i].EventType)
		}
	}
	return nil
}
