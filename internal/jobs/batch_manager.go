package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/aperture/internal/common"
	"github.com/ternarybob/aperture/internal/interfaces"
	"github.com/ternarybob/aperture/internal/models"
)

// progressPublishRate throttles intermediate progress snapshots so a fast
// batch loop does not flood the channel. Terminal snapshots bypass it.
var progressPublishRate = rate.Every(500 * time.Millisecond)

// BatchManager coordinates batch persistence and progress publication for
// one running job.
type BatchManager struct {
	store    interfaces.JobStore
	progress interfaces.ProgressChannel
	logger   arbor.ILogger
	limiter  *rate.Limiter
}

// NewBatchManager creates a batch manager bound to the given stores
func NewBatchManager(store interfaces.JobStore, progress interfaces.ProgressChannel, logger arbor.ILogger) *BatchManager {
	if logger == nil {
		logger = common.GetLogger()
	}
	return &BatchManager{
		store:    store,
		progress: progress,
		logger:   logger,
		limiter:  rate.NewLimiter(progressPublishRate, 1),
	}
}

// PartitionWork splits items into consecutive slices of at most batchSize.
// Order is preserved; the last slice holds the remainder.
func PartitionWork(items []json.RawMessage, batchSize int) [][]json.RawMessage {
	if batchSize <= 0 {
		batchSize = models.DefaultBatchSize
	}
	if len(items) == 0 {
		return nil
	}

	var partitions [][]json.RawMessage
	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		partitions = append(partitions, items[start:end])
	}
	return partitions
}

// CreateBatches partitions the discovered items and persists one PENDING
// batch per partition.
func (m *BatchManager) CreateBatches(ctx context.Context, job *models.Job, items []json.RawMessage, batchSize int) ([]*models.JobBatch, error) {
	partitions := PartitionWork(items, batchSize)
	if len(partitions) == 0 {
		return nil, nil
	}

	batches := make([]*models.JobBatch, len(partitions))
	for i, partition := range partitions {
		batches[i] = models.NewJobBatch(common.NewBatchID(), job.ID, job.CatalogID,
			job.Type, i+1, len(partitions), partition)
	}

	if err := m.store.CreateBatches(ctx, batches); err != nil {
		return nil, &TransientError{Op: "create batches", Err: err}
	}

	m.logger.Info().
		Str("job_id", job.ID).
		Int("batches", len(batches)).
		Int("items", len(items)).
		Msg("Work partitioned into batches")
	return batches, nil
}

// Claim attempts to take ownership of a batch. Returns nil when another
// worker already claimed it.
func (m *BatchManager) Claim(ctx context.Context, batchID, workerID string) (*models.JobBatch, error) {
	batch, err := m.store.ClaimBatch(ctx, batchID, workerID)
	if err != nil {
		return nil, &TransientError{Op: "claim batch", Err: err}
	}
	return batch, nil
}

// IsCancelled reports whether the batch's parent job already reached a
// terminal state, meaning the batch must not start processing
func (m *BatchManager) IsCancelled(ctx context.Context, batchID string) (bool, error) {
	batch, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return false, &TransientError{Op: "get batch", Err: err}
	}
	if batch == nil {
		return false, nil
	}
	job, err := m.store.GetJob(ctx, batch.ParentJobID)
	if err != nil {
		return false, &TransientError{Op: "get job", Err: err}
	}
	return job != nil && job.IsTerminal(), nil
}

// Complete marks a batch COMPLETED with its per-item counters
func (m *BatchManager) Complete(ctx context.Context, jobID, batchID string, result *models.BatchResult) error {
	if err := m.store.CompleteBatch(ctx, batchID, result); err != nil {
		return &TransientError{Op: "complete batch", Err: err}
	}
	m.publishAggregate(ctx, jobID, "processing")
	return nil
}

// Fail marks a batch FAILED with its error message
func (m *BatchManager) Fail(ctx context.Context, jobID, batchID, errMsg string) error {
	if err := m.store.FailBatch(ctx, batchID, errMsg); err != nil {
		return &TransientError{Op: "fail batch", Err: err}
	}
	m.publishAggregate(ctx, jobID, "processing")
	return nil
}

// CancelPending cancels all still-PENDING batches of a job
func (m *BatchManager) CancelPending(ctx context.Context, jobID string) (int, error) {
	return m.store.CancelPendingBatches(ctx, jobID)
}

// Aggregate returns the job-level batch summary
func (m *BatchManager) Aggregate(ctx context.Context, jobID string) (*models.AggregateProgress, error) {
	agg, err := m.store.AggregateBatchProgress(ctx, jobID)
	if err != nil {
		return nil, &TransientError{Op: "aggregate batch progress", Err: err}
	}
	return agg, nil
}

// publishAggregate pushes the current batch summary to the progress
// channel and mirrors it onto the job record. Rate-limited; failures are
// logged and absorbed.
func (m *BatchManager) publishAggregate(ctx context.Context, jobID, phase string) {
	if !m.limiter.Allow() {
		return
	}

	agg, err := m.store.AggregateBatchProgress(ctx, jobID)
	if err != nil {
		m.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to aggregate progress for publication")
		return
	}

	message := fmt.Sprintf("Processed %d/%d items (%d batches of %d done)",
		agg.ProcessedItems, agg.TotalItems, agg.CompletedBatches+agg.FailedBatches, agg.TotalBatches)
	m.progress.PublishProgress(ctx, jobID, agg.ProcessedItems, agg.TotalItems, message, phase)

	snapshot := models.ProgressSnapshot{
		Current: agg.ProcessedItems,
		Total:   agg.TotalItems,
		Percent: models.PercentComplete(agg.ProcessedItems, agg.TotalItems),
		Phase:   phase,
		Message: message,
	}
	if err := m.store.UpdateJobProgress(ctx, jobID, snapshot); err != nil {
		m.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to store progress snapshot")
	}
}

// PublishPhase publishes a named phase without batch counters
func (m *BatchManager) PublishPhase(ctx context.Context, jobID string, current, total int, message, phase string) {
	m.progress.PublishProgress(ctx, jobID, current, total, message, phase)
}
