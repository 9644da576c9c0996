package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperture/internal/common"
	"github.com/ternarybob/aperture/internal/interfaces"
	"github.com/ternarybob/aperture/internal/models"
)

// JobStore persists jobs and batches in PostgreSQL. Batch claiming relies
// on a conditional UPDATE so at most one worker wins each batch.
type JobStore struct {
	db     *sql.DB
	logger arbor.ILogger
}

// NewJobStore creates a Postgres-backed job store
func NewJobStore(db *sql.DB, logger arbor.ILogger) *JobStore {
	if logger == nil {
		logger = common.GetLogger()
	}
	return &JobStore{db: db, logger: logger}
}

// DB exposes the underlying connection for components sharing it
func (s *JobStore) DB() *sql.DB {
	return s.db
}

// CreateJob inserts a new job record
func (s *JobStore) CreateJob(ctx context.Context, job *models.Job) error {
	params, err := marshalMap(job.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal job parameters: %w", err)
	}
	progress, err := json.Marshal(job.Progress)
	if err != nil {
		return fmt.Errorf("failed to marshal job progress: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, catalog_id, job_type, status, parameters, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, nullString(job.CatalogID), job.Type, string(job.Status), params, progress,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(catalog_id, ''), job_type, status,
		       COALESCE(parameters, 'null'), COALESCE(progress, 'null'),
		       COALESCE(result, 'null'), COALESCE(error, ''),
		       created_at, updated_at, completed_at
		FROM jobs WHERE id = $1`, jobID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, newest first
func (s *JobStore) ListJobs(ctx context.Context, filter interfaces.JobFilter) ([]*models.Job, error) {
	query := `
		SELECT id, COALESCE(catalog_id, ''), job_type, status,
		       COALESCE(parameters, 'null'), COALESCE(progress, 'null'),
		       COALESCE(result, 'null'), COALESCE(error, ''),
		       created_at, updated_at, completed_at
		FROM jobs WHERE 1=1`
	args := []interface{}{}

	if filter.CatalogID != "" {
		args = append(args, filter.CatalogID)
		query += fmt.Sprintf(" AND catalog_id = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND job_type = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus moves a job to a new status, stamping completion for
// terminal states
func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string) error {
	status = models.NormalizeJobStatus(status)

	var completedAt interface{}
	if status.IsTerminal() {
		completedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $2, error = NULLIF($3, ''), completed_at = $4, updated_at = NOW()
		WHERE id = $1`,
		jobID, string(status), errMsg, completedAt)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return requireRow(result, jobID)
}

// UpdateJobProgress stores the denormalized progress snapshot on the job
func (s *JobStore) UpdateJobProgress(ctx context.Context, jobID string, progress models.ProgressSnapshot) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress snapshot: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = $2, updated_at = NOW() WHERE id = $1`,
		jobID, data)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return requireRow(result, jobID)
}

// CompleteJob finalizes a job with its result or error
func (s *JobStore) CompleteJob(ctx context.Context, jobID string, status models.JobStatus, jobResult map[string]interface{}, errMsg string) error {
	status = models.NormalizeJobStatus(status)
	data, err := marshalMap(jobResult)
	if err != nil {
		return fmt.Errorf("failed to marshal job result: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $2, result = $3, error = NULLIF($4, ''),
		       completed_at = NOW(), updated_at = NOW()
		WHERE id = $1`,
		jobID, string(status), data, errMsg)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return requireRow(result, jobID)
}

// IsCancelled reports whether the job row is terminal FAILURE
func (s *JobStore) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	var cancelled bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1 AND status = $2)`,
		jobID, string(models.JobStatusFailure)).Scan(&cancelled)
	if err != nil {
		return false, fmt.Errorf("failed to check job cancellation: %w", err)
	}
	return cancelled, nil
}

// CreateBatches inserts all batches for a job in one transaction
func (s *JobStore) CreateBatches(ctx context.Context, batches []*models.JobBatch) error {
	if len(batches) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO job_batches (id, parent_job_id, catalog_id, job_type, batch_number,
		                         total_batches, status, work_items, items_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch insert: %w", err)
	}
	defer stmt.Close()

	for _, batch := range batches {
		items, err := json.Marshal(batch.WorkItems)
		if err != nil {
			return fmt.Errorf("failed to marshal work items for batch %s: %w", batch.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			batch.ID, batch.ParentJobID, nullString(batch.CatalogID), batch.JobType,
			batch.BatchNumber, batch.TotalBatches, string(batch.Status), items,
			batch.ItemsCount, batch.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert batch %s: %w", batch.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch insert: %w", err)
	}
	return nil
}

// GetBatch fetches a batch by ID
func (s *JobStore) GetBatch(ctx context.Context, batchID string) (*models.JobBatch, error) {
	row := s.db.QueryRowContext(ctx, batchSelect+` WHERE id = $1`, batchID)
	batch, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch %s: %w", batchID, err)
	}
	return batch, nil
}

// ListBatches returns a job's batches ordered by batch number
func (s *JobStore) ListBatches(ctx context.Context, parentJobID string) ([]*models.JobBatch, error) {
	rows, err := s.db.QueryContext(ctx,
		batchSelect+` WHERE parent_job_id = $1 ORDER BY batch_number`, parentJobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []*models.JobBatch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch row: %w", err)
		}
		batches = append(batches, batch)
	}
	return batches, rows.Err()
}

// ClaimBatch atomically transitions a PENDING batch to RUNNING. The
// conditional UPDATE guarantees at most one claimant; losers get (nil, nil).
func (s *JobStore) ClaimBatch(ctx context.Context, batchID, workerID string) (*models.JobBatch, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE job_batches
		SET status = $2, worker_id = $3, started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4
		RETURNING `+batchColumns, batchID, string(models.BatchStatusRunning), workerID,
		string(models.BatchStatusPending))

	batch, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch %s: %w", batchID, err)
	}
	return batch, nil
}

// CompleteBatch records per-item counters and marks the batch COMPLETED
func (s *JobStore) CompleteBatch(ctx context.Context, batchID string, batchResult *models.BatchResult) error {
	results, err := marshalMap(batchResult.Results)
	if err != nil {
		return fmt.Errorf("failed to marshal batch results: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE job_batches
		SET status = $2, processed_count = $3, success_count = $4, error_count = $5,
		    results = $6, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1`,
		batchID, string(models.BatchStatusCompleted),
		batchResult.ProcessedCount, batchResult.SuccessCount, batchResult.ErrorCount, results)
	if err != nil {
		return fmt.Errorf("failed to complete batch: %w", err)
	}
	return requireRow(result, batchID)
}

// FailBatch marks the batch FAILED with its error message
func (s *JobStore) FailBatch(ctx context.Context, batchID, errMsg string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE job_batches
		SET status = $2, error_message = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1`,
		batchID, string(models.BatchStatusFailed), errMsg)
	if err != nil {
		return fmt.Errorf("failed to fail batch: %w", err)
	}
	return requireRow(result, batchID)
}

// CancelPendingBatches moves all still-PENDING batches of a job to
// CANCELLED, returning how many were affected
func (s *JobStore) CancelPendingBatches(ctx context.Context, parentJobID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE job_batches
		SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE parent_job_id = $1 AND status = $3`,
		parentJobID, string(models.BatchStatusCancelled), string(models.BatchStatusPending))
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending batches: %w", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// AggregateBatchProgress folds batch counters into one job-level summary
func (s *JobStore) AggregateBatchProgress(ctx context.Context, parentJobID string) (*models.AggregateProgress, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = $2),
		       COUNT(*) FILTER (WHERE status = $3),
		       COALESCE(SUM(items_count), 0),
		       COALESCE(SUM(processed_count), 0),
		       COALESCE(SUM(success_count), 0),
		       COALESCE(SUM(error_count), 0)
		FROM job_batches WHERE parent_job_id = $1`,
		parentJobID, string(models.BatchStatusCompleted), string(models.BatchStatusFailed))

	var agg models.AggregateProgress
	err := row.Scan(&agg.TotalBatches, &agg.CompletedBatches, &agg.FailedBatches,
		&agg.TotalItems, &agg.ProcessedItems, &agg.SuccessItems, &agg.ErrorItems)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate batch progress: %w", err)
	}
	return &agg, nil
}

// CleanupOldJobs removes terminal jobs older than maxAge; batches cascade
func (s *JobStore) CleanupOldJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status = ANY($1) AND completed_at < NOW() - $2::interval`,
		pq.Array([]string{string(models.JobStatusSuccess), string(models.JobStatusFailure)}),
		fmt.Sprintf("%d seconds", int(maxAge.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up old jobs: %w", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// Close is a no-op; the *sql.DB is closed by the storage factory
func (s *JobStore) Close() error {
	return nil
}

const batchColumns = `id, parent_job_id, COALESCE(catalog_id, ''), job_type, batch_number,
	total_batches, status, COALESCE(work_items, 'null'), items_count,
	COALESCE(worker_id, ''), processed_count, success_count, error_count,
	COALESCE(results, 'null'), COALESCE(error_message, ''),
	started_at, completed_at, updated_at`

const batchSelect = `SELECT ` + batchColumns + ` FROM job_batches`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var status string
	var params, progress, result []byte
	var completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.CatalogID, &job.Type, &status,
		&params, &progress, &result, &job.Error,
		&job.CreatedAt, &job.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.Status = models.JobStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if err := unmarshalMap(params, &job.Parameters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job parameters: %w", err)
	}
	if err := json.Unmarshal(progress, &job.Progress); err != nil && string(progress) != "null" {
		return nil, fmt.Errorf("failed to unmarshal job progress: %w", err)
	}
	if err := unmarshalMap(result, &job.Result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job result: %w", err)
	}
	return &job, nil
}

func scanBatch(row rowScanner) (*models.JobBatch, error) {
	var batch models.JobBatch
	var status string
	var items, results []byte
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&batch.ID, &batch.ParentJobID, &batch.CatalogID, &batch.JobType,
		&batch.BatchNumber, &batch.TotalBatches, &status, &items, &batch.ItemsCount,
		&batch.WorkerID, &batch.ProcessedCount, &batch.SuccessCount, &batch.ErrorCount,
		&results, &batch.ErrorMessage, &startedAt, &completedAt, &batch.UpdatedAt)
	if err != nil {
		return nil, err
	}

	batch.Status = models.BatchStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		batch.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		batch.CompletedAt = &t
	}
	if string(items) != "null" {
		if err := json.Unmarshal(items, &batch.WorkItems); err != nil {
			return nil, fmt.Errorf("failed to unmarshal work items: %w", err)
		}
	}
	if err := unmarshalMap(results, &batch.Results); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch results: %w", err)
	}
	return &batch, nil
}

func marshalMap(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(data []byte, dest *map[string]interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, dest)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("record %s not found", id)
	}
	return nil
}
