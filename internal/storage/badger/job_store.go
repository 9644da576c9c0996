package badger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/aperture/internal/common"
	"github.com/ternarybob/aperture/internal/interfaces"
	"github.com/ternarybob/aperture/internal/models"
)

// JobStore persists jobs and batches in embedded Badger. A store-level
// mutex serializes batch claims, preserving the at-most-one-claim
// guarantee the Postgres backend gets from its conditional UPDATE.
type JobStore struct {
	db      *BadgerDB
	logger  arbor.ILogger
	claimMu sync.Mutex
}

// NewJobStore creates a Badger-backed job store
func NewJobStore(db *BadgerDB, logger arbor.ILogger) *JobStore {
	if logger == nil {
		logger = common.GetLogger()
	}
	return &JobStore{db: db, logger: logger}
}

// CreateJob inserts a new job record
func (s *JobStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if err := s.db.Store().Insert(job.ID, job); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID, returning (nil, nil) when absent
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// ListJobs returns jobs matching the filter, newest first
func (s *JobStore) ListJobs(ctx context.Context, filter interfaces.JobFilter) ([]*models.Job, error) {
	query := badgerhold.Where("ID").Ne("")

	if filter.CatalogID != "" {
		query = query.And("CatalogID").Eq(filter.CatalogID)
	}
	if filter.Type != "" {
		query = query.And("Type").Eq(filter.Type)
	}
	if filter.Status != "" {
		query = query.And("Status").Eq(filter.Status)
	}

	query = query.SortBy("CreatedAt").Reverse()
	if filter.Offset > 0 {
		query = query.Skip(filter.Offset)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// UpdateJobStatus moves a job to a new status, stamping completion for
// terminal states
func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string) error {
	job, err := s.mustGetJob(jobID)
	if err != nil {
		return err
	}

	status = models.NormalizeJobStatus(status)
	job.Status = status
	job.Error = errMsg
	job.UpdatedAt = time.Now().UTC()
	if status.IsTerminal() {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}

	if err := s.db.Store().Update(jobID, job); err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

// UpdateJobProgress stores the denormalized progress snapshot on the job
func (s *JobStore) UpdateJobProgress(ctx context.Context, jobID string, progress models.ProgressSnapshot) error {
	job, err := s.mustGetJob(jobID)
	if err != nil {
		return err
	}

	job.Progress = progress
	job.UpdatedAt = time.Now().UTC()

	if err := s.db.Store().Update(jobID, job); err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

// CompleteJob finalizes a job with its result or error
func (s *JobStore) CompleteJob(ctx context.Context, jobID string, status models.JobStatus, result map[string]interface{}, errMsg string) error {
	job, err := s.mustGetJob(jobID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	job.Status = models.NormalizeJobStatus(status)
	job.Result = result
	job.Error = errMsg
	job.UpdatedAt = now
	job.CompletedAt = &now

	if err := s.db.Store().Update(jobID, job); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// IsCancelled reports whether the job row is terminal FAILURE
func (s *JobStore) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job != nil && job.Status == models.JobStatusFailure, nil
}

// CreateBatches inserts all batches for a job
func (s *JobStore) CreateBatches(ctx context.Context, batches []*models.JobBatch) error {
	for _, batch := range batches {
		if batch.ID == "" {
			return fmt.Errorf("batch ID is required")
		}
		if err := s.db.Store().Insert(batch.ID, batch); err != nil {
			return fmt.Errorf("failed to insert batch %s: %w", batch.ID, err)
		}
	}
	return nil
}

// GetBatch fetches a batch by ID, returning (nil, nil) when absent
func (s *JobStore) GetBatch(ctx context.Context, batchID string) (*models.JobBatch, error) {
	var batch models.JobBatch
	if err := s.db.Store().Get(batchID, &batch); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &batch, nil
}

// ListBatches returns a job's batches ordered by batch number
func (s *JobStore) ListBatches(ctx context.Context, parentJobID string) ([]*models.JobBatch, error) {
	var batches []models.JobBatch
	query := badgerhold.Where("ParentJobID").Eq(parentJobID).SortBy("BatchNumber")
	if err := s.db.Store().Find(&batches, query); err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	result := make([]*models.JobBatch, len(batches))
	for i := range batches {
		result[i] = &batches[i]
	}
	return result, nil
}

// ClaimBatch transitions a PENDING batch to RUNNING under the claim mutex.
// Already-claimed batches return (nil, nil).
func (s *JobStore) ClaimBatch(ctx context.Context, batchID, workerID string) (*models.JobBatch, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, fmt.Errorf("batch %s not found", batchID)
	}
	if batch.Status != models.BatchStatusPending {
		return nil, nil
	}

	now := time.Now().UTC()
	batch.Status = models.BatchStatusRunning
	batch.WorkerID = workerID
	batch.StartedAt = &now
	batch.UpdatedAt = now

	if err := s.db.Store().Update(batchID, batch); err != nil {
		return nil, fmt.Errorf("failed to claim batch %s: %w", batchID, err)
	}
	return batch, nil
}

// CompleteBatch records per-item counters and marks the batch COMPLETED
func (s *JobStore) CompleteBatch(ctx context.Context, batchID string, result *models.BatchResult) error {
	batch, err := s.mustGetBatch(batchID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	batch.Status = models.BatchStatusCompleted
	batch.ProcessedCount = result.ProcessedCount
	batch.SuccessCount = result.SuccessCount
	batch.ErrorCount = result.ErrorCount
	batch.Results = result.Results
	batch.CompletedAt = &now
	batch.UpdatedAt = now

	if err := s.db.Store().Update(batchID, batch); err != nil {
		return fmt.Errorf("failed to complete batch: %w", err)
	}
	return nil
}

// FailBatch marks the batch FAILED with its error message
func (s *JobStore) FailBatch(ctx context.Context, batchID, errMsg string) error {
	batch, err := s.mustGetBatch(batchID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	batch.Status = models.BatchStatusFailed
	batch.ErrorMessage = errMsg
	batch.CompletedAt = &now
	batch.UpdatedAt = now

	if err := s.db.Store().Update(batchID, batch); err != nil {
		return fmt.Errorf("failed to fail batch: %w", err)
	}
	return nil
}

// CancelPendingBatches moves all still-PENDING batches of a job to CANCELLED
func (s *JobStore) CancelPendingBatches(ctx context.Context, parentJobID string) (int, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	batches, err := s.ListBatches(ctx, parentJobID)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	now := time.Now().UTC()
	for _, batch := range batches {
		if batch.Status != models.BatchStatusPending {
			continue
		}
		batch.Status = models.BatchStatusCancelled
		batch.CompletedAt = &now
		batch.UpdatedAt = now
		if err := s.db.Store().Update(batch.ID, batch); err != nil {
			return cancelled, fmt.Errorf("failed to cancel batch %s: %w", batch.ID, err)
		}
		cancelled++
	}
	return cancelled, nil
}

// AggregateBatchProgress folds batch counters into one job-level summary
func (s *JobStore) AggregateBatchProgress(ctx context.Context, parentJobID string) (*models.AggregateProgress, error) {
	batches, err := s.ListBatches(ctx, parentJobID)
	if err != nil {
		return nil, err
	}

	agg := &models.AggregateProgress{}
	for _, batch := range batches {
		agg.TotalBatches++
		agg.TotalItems += batch.ItemsCount
		agg.ProcessedItems += batch.ProcessedCount
		agg.SuccessItems += batch.SuccessCount
		agg.ErrorItems += batch.ErrorCount
		switch batch.Status {
		case models.BatchStatusCompleted:
			agg.CompletedBatches++
		case models.BatchStatusFailed:
			agg.FailedBatches++
		}
	}
	return agg, nil
}

// CleanupOldJobs removes terminal jobs and their batches older than maxAge
func (s *JobStore) CleanupOldJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	var jobs []models.Job
	query := badgerhold.Where("Status").In(models.JobStatusSuccess, models.JobStatusFailure)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return 0, fmt.Errorf("failed to find terminal jobs: %w", err)
	}

	removed := 0
	for i := range jobs {
		job := &jobs[i]
		if job.CompletedAt == nil || !job.CompletedAt.Before(cutoff) {
			continue
		}
		if err := s.db.Store().DeleteMatching(&models.JobBatch{},
			badgerhold.Where("ParentJobID").Eq(job.ID)); err != nil {
			return removed, fmt.Errorf("failed to delete batches for job %s: %w", job.ID, err)
		}
		if err := s.db.Store().Delete(job.ID, &models.Job{}); err != nil {
			return removed, fmt.Errorf("failed to delete job %s: %w", job.ID, err)
		}
		removed++
	}
	return removed, nil
}

// Close is a no-op; the BadgerDB connection is closed by the factory
func (s *JobStore) Close() error {
	return nil
}

func (s *JobStore) mustGetJob(jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job %s not found", jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStore) mustGetBatch(batchID string) (*models.JobBatch, error) {
	var batch models.JobBatch
	if err := s.db.Store().Get(batchID, &batch); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("batch %s not found", batchID)
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &batch, nil
}
