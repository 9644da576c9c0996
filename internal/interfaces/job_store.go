package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/aperture/internal/models"
)

// JobFilter narrows ListJobs results. Zero values match everything.
type JobFilter struct {
	CatalogID string
	Type      string
	Status    models.JobStatus
	Limit     int
	Offset    int
}

// JobStore persists jobs and their work batches. Implementations exist for
// PostgreSQL and embedded Badger; both provide the same claim semantics:
// ClaimBatch atomically moves exactly one PENDING batch to RUNNING.
type JobStore interface {
	// Job operations
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string) error
	UpdateJobProgress(ctx context.Context, jobID string, progress models.ProgressSnapshot) error
	CompleteJob(ctx context.Context, jobID string, status models.JobStatus, result map[string]interface{}, errMsg string) error

	// IsCancelled reports whether a job was cancelled out from under its
	// run: true when the job row is terminal FAILURE
	IsCancelled(ctx context.Context, jobID string) (bool, error)

	// Batch operations
	CreateBatches(ctx context.Context, batches []*models.JobBatch) error
	GetBatch(ctx context.Context, batchID string) (*models.JobBatch, error)
	ListBatches(ctx context.Context, parentJobID string) ([]*models.JobBatch, error)

	// ClaimBatch transitions a PENDING batch to RUNNING and stamps the
	// worker ID. Returns (nil, nil) when the batch was already claimed.
	ClaimBatch(ctx context.Context, batchID, workerID string) (*models.JobBatch, error)
	CompleteBatch(ctx context.Context, batchID string, result *models.BatchResult) error
	FailBatch(ctx context.Context, batchID, errMsg string) error
	CancelPendingBatches(ctx context.Context, parentJobID string) (int, error)

	// AggregateBatchProgress folds batch counters into a job-level summary
	AggregateBatchProgress(ctx context.Context, parentJobID string) (*models.AggregateProgress, error)

	// CleanupOldJobs removes terminal jobs (and their batches) older than maxAge
	CleanupOldJobs(ctx context.Context, maxAge time.Duration) (int, error)

	Close() error
}
