// Package runner provides optional tooling for replaying several projections
// concurrently. It is explicit and CLI-friendly: it does not schedule or
// restart anything on its own.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/getpup/pupevents/es/projection"
)

var (
	// ErrNoProjections indicates that no projections were provided to run.
	ErrNoProjections = errors.New("no projections provided")

	// ErrInvalidPartitionConfig indicates invalid partition configuration.
	ErrInvalidPartitionConfig = projection.ErrInvalidPartitionConfig
)

// ProjectionRunner pairs a projection with the processor that feeds it.
type ProjectionRunner struct {
	Projection projection.Projection
	Processor  projection.Processor
}

// Runner orchestrates multiple projections concurrently.
//
// Example:
//
//	replayer := projection.NewReplayer(eventStore, projection.DefaultReplayerConfig())
//
//	r := runner.New()
//	err := r.Run(ctx, []runner.ProjectionRunner{
//	    {Projection: &Balances{}, Processor: replayer},
//	    {Projection: &Statements{}, Processor: replayer},
//	})
type Runner struct{}

// New creates a new projection runner.
func New() *Runner {
	return &Runner{}
}

// Partitioned returns one runner entry per partition of source. Each entry
// gets its own projection instance from newProjection.
func Partitioned(source projection.EventSource, config projection.ReplayerConfig, total int, newProjection func(partition int) projection.Projection) ([]ProjectionRunner, error) {
	if total < 1 {
		return nil, fmt.Errorf("%w: total partitions must be at least 1, got %d", ErrInvalidPartitionConfig, total)
	}
	runners := make([]ProjectionRunner, total)
	for key := 0; key < total; key++ {
		c := config
		c.PartitionKey = key
		c.TotalPartitions = total
		runners[key] = ProjectionRunner{
			Projection: newProjection(key),
			Processor:  projection.NewReplayer(source, c),
		}
	}
	return runners, nil
}

// Run runs the projections concurrently and returns when all of them have
// finished, the context is canceled or any projection returns an error.
//
// If a projection returns an error, all other projections are canceled and the error
// is returned. This ensures fail-fast behavior.
func (r *Runner) Run(ctx context.Context, runners []ProjectionRunner) error {
	if len(runners) == 0 {
		return ErrNoProjections
	}

	// Validate configurations
	for i, runner := range runners {
		if runner.Projection == nil {
			return fmt.Errorf("projection at index %d is nil", i)
		}
		if runner.Processor == nil {
			return fmt.Errorf("processor at index %d is nil", i)
		}
	}

	// Create a context that we can cancel if any projection fails
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, len(runners))

	// Start each projection in its own goroutine
	for _, runner := range runners {
		wg.Add(1)
		go func(pr ProjectionRunner) {
			defer wg.Done()

			err := pr.Processor.Run(ctx, pr.Projection)

			// Only report errors that aren't from context cancellation
			if err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("projection %q failed: %w", pr.Projection.Name(), err)
			}
		}(runner)
	}

	// Wait for all projections to complete or for an error
	go func() {
		wg.Wait()
		close(errChan)
	}()

	// Return the first error, or nil once every projection is done
	select {
	case err := <-errChan:
		if err != nil {
			cancel() // Cancel all other projections
			return err
		}
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
