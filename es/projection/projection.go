// Package projection replays the migrated event stream of a store into
// read models.
//
// A Replayer walks every stored event once, in read order and with the
// store's migrations applied, and hands each event to a projection.
// Replays are idempotent from the store's point of view: nothing is
// checkpointed, and a projection rebuilt from scratch sees the same stream.
package projection

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/getpup/pupevents/es"
)

var (
	// ErrProjectionStopped indicates the projection was stopped due to an error.
	ErrProjectionStopped = errors.New("projection stopped")

	// ErrInvalidPartitionConfig indicates invalid partition configuration.
	ErrInvalidPartitionConfig = errors.New("invalid partition configuration")
)

// Projection defines the interface for event projection handlers.
type Projection interface {
	// Name returns the unique name of this projection.
	Name() string

	// Handle processes a single event.
	// Return an error to stop projection processing.
	Handle(ctx context.Context, event es.Event) error
}

// ScopedProjection is a projection that only receives some event types.
// Projections that do not implement it receive every event.
type ScopedProjection interface {
	Projection

	// EventTypes returns the event types this projection handles.
	// An empty list means all types.
	EventTypes() []string
}

// Processor runs a projection to completion.
type Processor interface {
	Run(ctx context.Context, projection Projection) error
}

// EventSource streams the migrated events of a store. *store.Store
// implements it.
type EventSource interface {
	StreamEvents(ctx context.Context, batchSize int, handler func(ctx context.Context, batch []es.Event) error) error
}

// PartitionStrategy defines how events are partitioned across projection instances.
type PartitionStrategy interface {
	// ShouldProcess returns true if this projection instance should process the given event.
	// aggregateID is the aggregate ID of the event.
	// partitionKey identifies this projection instance (e.g., "0" for first of 4 workers).
	// totalPartitions is the total number of projection instances.
	ShouldProcess(aggregateID string, partitionKey int, totalPartitions int) bool
}

// HashPartitionStrategy implements deterministic hash-based partitioning.
// Events are distributed across partitions based on a hash of the aggregate ID,
// so all events of an aggregate go to the same partition, in order.
type HashPartitionStrategy struct{}

// ShouldProcess implements PartitionStrategy using FNV-1a hashing.
func (HashPartitionStrategy) ShouldProcess(aggregateID string, partitionKey int, totalPartitions int) bool {
	if totalPartitions <= 1 {
		return true
	}

	h := fnv.New32a()
	h.Write([]byte(aggregateID))
	partition := int(h.Sum32() % uint32(totalPartitions))
	return partition == partitionKey
}

// ReplayerConfig configures a Replayer.
type ReplayerConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// PartitionStrategy determines which events this replayer handles
	PartitionStrategy PartitionStrategy

	// BatchSize is the number of events to read per batch
	BatchSize int

	// PartitionKey identifies this replayer instance (0-indexed)
	PartitionKey int

	// TotalPartitions is the total number of replayer instances
	TotalPartitions int
}

// DefaultReplayerConfig returns the default configuration.
func DefaultReplayerConfig() ReplayerConfig {
	return ReplayerConfig{
		BatchSize:         100,
		PartitionKey:      0,
		TotalPartitions:   1,
		PartitionStrategy: HashPartitionStrategy{},
	}
}

// Validate checks the partition settings.
func (c ReplayerConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidPartitionConfig, c.BatchSize)
	}
	if c.TotalPartitions < 1 {
		return fmt.Errorf("%w: total partitions must be at least 1, got %d", ErrInvalidPartitionConfig, c.TotalPartitions)
	}
	if c.PartitionKey < 0 || c.PartitionKey >= c.TotalPartitions {
		return fmt.Errorf("%w: partition key %d out of range [0, %d)", ErrInvalidPartitionConfig, c.PartitionKey, c.TotalPartitions)
	}
	return nil
}

// Replayer feeds the full event stream of a source to a projection.
type Replayer struct {
	source EventSource
	config ReplayerConfig
}

var _ Processor = (*Replayer)(nil)

// NewReplayer creates a replayer reading from source.
func NewReplayer(source EventSource, config ReplayerConfig) *Replayer {
	if config.PartitionStrategy == nil {
		config.PartitionStrategy = HashPartitionStrategy{}
	}
	return &Replayer{source: source, config: config}
}

// Run replays every event once and returns when the stream is exhausted.
// Returns ErrProjectionStopped if the projection handler returns an error.
func (r *Replayer) Run(ctx context.Context, projection Projection) error {
	if err := r.config.Validate(); err != nil {
		return err
	}

	var types map[string]bool
	if scoped, ok := projection.(ScopedProjection); ok && len(scoped.EventTypes()) > 0 {
		types = make(map[string]bool)
		for _, t := range scoped.EventTypes() {
			types[t] = true
		}
	}

	if r.config.Logger != nil {
		r.config.Logger.Info(ctx, "replay starting",
			"projection", projection.Name(),
			"partition_key", r.config.PartitionKey,
			"total_partitions", r.config.TotalPartitions)
	}

	handled := 0
	err := r.source.StreamEvents(ctx, r.config.BatchSize, func(ctx context.Context, batch []es.Event) error {
		for i := range batch {
			event := batch[i]
			if types != nil && !types[event.EventType] {
				continue
			}
			if !r.config.PartitionStrategy.ShouldProcess(
				event.AggregateID.String(),
				r.config.PartitionKey,
				r.config.TotalPartitions,
			) {
				continue
			}
			if err := projection.Handle(ctx, event); err != nil {
				return fmt.Errorf("%w: handler error at event %s: %w", ErrProjectionStopped, event.EventID, err)
			}
			handled++
		}
		return nil
	})
	if err != nil {
		if r.config.Logger != nil {
			r.config.Logger.Error(ctx, "replay failed",
				"projection", projection.Name(),
				"error", err)
		}
		return err
	}

	if r.config.Logger != nil {
		r.config.Logger.Info(ctx, "replay completed",
			"projection", projection.Name(),
			"handled", handled)
	}
	return nil
}
