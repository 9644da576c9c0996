package models

import (
	"context"
	"encoding/json"
	"time"
)

// DiscoverFunc enumerates the work items for a job. Items are returned as
// opaque JSON values that only the definition's process functions interpret.
type DiscoverFunc func(ctx context.Context, catalogID string, params map[string]interface{}) ([]json.RawMessage, error)

// ProcessFunc handles a single work item and returns an optional result map.
// An error marks the item failed without failing the batch.
type ProcessFunc func(ctx context.Context, item json.RawMessage, catalogID string, params map[string]interface{}) (map[string]interface{}, error)

// ProcessBatchFunc handles a whole batch in one call. Definitions that need
// the full slice (burst grouping, vectorized inference) set this instead of
// relying on per-item fan-out. Outcomes are recorded on the BatchResult.
type ProcessBatchFunc func(ctx context.Context, items []json.RawMessage, catalogID string, params map[string]interface{}, result *BatchResult) error

// FinalizeFunc aggregates completed batch results into the job result map
type FinalizeFunc func(ctx context.Context, batchResults []*JobBatch, catalogID string, params map[string]interface{}) (map[string]interface{}, error)

// JobDefinition describes a named parallel job: how to discover work,
// how to process it, and how to fold the outcomes into a final result.
type JobDefinition struct {
	Name         string
	Discover     DiscoverFunc
	Process      ProcessFunc
	ProcessBatch ProcessBatchFunc
	Finalize     FinalizeFunc

	// Partitioning and execution tuning
	BatchSize  int
	MaxWorkers int

	// Per-batch retry behavior for transient failures
	RetryOnFailure bool
	MaxRetries     int

	// Timeout applied to each batch attempt; zero means no batch timeout
	Timeout time.Duration
}

// Validate checks that the definition is runnable
func (d *JobDefinition) Validate() error {
	if d.Name == "" {
		return ErrDefinitionName
	}
	if d.Discover == nil {
		return ErrDefinitionDiscover
	}
	if d.Process == nil && d.ProcessBatch == nil {
		return ErrDefinitionProcess
	}
	return nil
}

// EffectiveBatchSize returns the configured batch size or the default
func (d *JobDefinition) EffectiveBatchSize() int {
	if d.BatchSize > 0 {
		return d.BatchSize
	}
	return DefaultBatchSize
}

// EffectiveMaxWorkers returns the configured worker count or the default
func (d *JobDefinition) EffectiveMaxWorkers() int {
	if d.MaxWorkers > 0 {
		return d.MaxWorkers
	}
	return DefaultMaxWorkers
}

// Defaults applied when a definition leaves tuning fields unset
const (
	DefaultBatchSize  = 100
	DefaultMaxWorkers = 4
)
