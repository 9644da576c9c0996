package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperture/internal/common"
	"github.com/ternarybob/aperture/internal/interfaces"
	"github.com/ternarybob/aperture/internal/models"
)

const cancelledMessage = "Job cancelled by user"

// ControllerOptions tunes job lifecycle behavior
type ControllerOptions struct {
	// RetryDelay is the base delay between transient-failure retries;
	// attempt N waits RetryDelay*N
	RetryDelay time.Duration

	// DefaultMaxRetries applies when a definition enables retries without
	// setting its own limit
	DefaultMaxRetries int

	// ConsecutiveFailureThreshold is the failed-batch count that triggers
	// an automatic requeue instead of plain completion
	ConsecutiveFailureThreshold int

	// JobTimeout bounds a whole job run
	JobTimeout time.Duration
}

// DefaultControllerOptions mirrors the MAX_JOB_WORKERS-era defaults:
// 3 retries, 24h job timeout, requeue after 3 batch failures.
func DefaultControllerOptions() ControllerOptions {
	return ControllerOptions{
		RetryDelay:                  time.Second,
		DefaultMaxRetries:           3,
		ConsecutiveFailureThreshold: 3,
		JobTimeout:                  24 * time.Hour,
	}
}

// jobRun tracks one in-flight controller run
type jobRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller drives a job from PENDING through discovery, batching,
// dispatch, aggregation and finalization to its terminal state.
type Controller struct {
	registry *Registry
	store    interfaces.JobStore
	progress interfaces.ProgressChannel
	pool     *Pool
	opts     ControllerOptions
	logger   arbor.ILogger

	mu   sync.Mutex
	runs map[string]*jobRun
}

// NewController creates a job controller
func NewController(registry *Registry, store interfaces.JobStore, progress interfaces.ProgressChannel, pool *Pool, opts ControllerOptions, logger arbor.ILogger) *Controller {
	if logger == nil {
		logger = common.GetLogger()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 24 * time.Hour
	}
	if opts.ConsecutiveFailureThreshold <= 0 {
		opts.ConsecutiveFailureThreshold = 3
	}
	return &Controller{
		registry: registry,
		store:    store,
		progress: progress,
		pool:     pool,
		opts:     opts,
		logger:   logger,
		runs:     make(map[string]*jobRun),
	}
}

// Dispatch starts the controller run for a created job. The run loop only
// coordinates, so it gets its own goroutine; batch drivers go through the
// shared worker pool, leaving pool slots for actual work.
func (c *Controller) Dispatch(jobID string) error {
	c.mu.Lock()
	if _, exists := c.runs[jobID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("job %s is already running", jobID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.JobTimeout)
	run := &jobRun{cancel: cancel, done: make(chan struct{})}
	c.runs[jobID] = run
	c.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.runs, jobID)
			c.mu.Unlock()
			close(run.done)
		}()
		if err := c.Run(ctx, jobID); err != nil {
			c.logger.Debug().Str("job_id", jobID).Err(err).Msg("Job run finished with error")
		}
	}()
	return nil
}

// Active returns the IDs of jobs with an in-flight run, sorted
func (c *Controller) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.runs))
	for id := range c.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Cancel cancels a non-terminal job. The job row is marked FAILURE first so
// cancellation is observable through IsCancelled as soon as Cancel returns,
// then the run context is signalled and in-flight drivers wind down
// cooperatively at their next cancellation check.
func (c *Controller) Cancel(ctx context.Context, jobID string) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrCannotCancelTerminal, jobID, job.Status)
	}

	if _, err := c.store.CancelPendingBatches(ctx, jobID); err != nil {
		c.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to cancel pending batches")
	}
	if err := c.store.CompleteJob(ctx, jobID, models.JobStatusFailure, nil, cancelledMessage); err != nil {
		return err
	}
	c.progress.PublishCompletion(ctx, jobID, models.JobStatusFailure,
		map[string]interface{}{"error": cancelledMessage})

	c.mu.Lock()
	run, running := c.runs[jobID]
	c.mu.Unlock()
	if running {
		run.cancel()
		c.logger.Info().Str("job_id", jobID).Msg("Cancellation signalled to running job")
	} else {
		c.logger.Info().Str("job_id", jobID).Msg("Idle job cancelled")
	}
	return nil
}

// Run executes the full job lifecycle. The context expires at the job
// timeout and is cancelled by Cancel.
func (c *Controller) Run(ctx context.Context, jobID string) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.IsTerminal() {
		// Cancelled between creation and pickup
		c.logger.Debug().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("Job already terminal, nothing to run")
		return nil
	}

	def, err := c.registry.Get(job.Type)
	if err != nil {
		c.finalizeFailure(job.ID, err.Error())
		return err
	}

	bm := NewBatchManager(c.store, c.progress, c.logger)

	c.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Str("catalog_id", job.CatalogID).
		Msg("Job starting")

	if err := c.store.UpdateJobStatus(ctx, job.ID, models.JobStatusProgress, ""); err != nil {
		return err
	}
	bm.PublishPhase(ctx, job.ID, 0, 0, "Starting "+job.Type, "startup")

	// Discovery
	var items []json.RawMessage
	err = c.withRetry(ctx, def, "discover", func(attemptCtx context.Context) error {
		var derr error
		items, derr = def.Discover(attemptCtx, job.CatalogID, job.Parameters)
		return derr
	})
	if err != nil {
		return c.finalizeError(ctx, job, err)
	}

	c.logger.Info().Str("job_id", job.ID).Int("items", len(items)).Msg("Discovery complete")

	// Empty discovery completes immediately with zero counters
	if len(items) == 0 {
		result := map[string]interface{}{
			"total_items":   0,
			"processed":     0,
			"success_count": 0,
			"error_count":   0,
			"batches":       0,
			"status":        "completed",
			"message":       "No items to process",
		}
		if def.Finalize != nil {
			finalized, ferr := def.Finalize(ctx, nil, job.CatalogID, job.Parameters)
			if ferr != nil {
				return c.finalizeError(ctx, job, ferr)
			}
			mergeResult(result, finalized)
		}
		return c.finalizeSuccess(ctx, job, result)
	}

	// Batching: submitters may narrow the batch size per job
	batchSize := job.GetParamInt("batch_size", def.EffectiveBatchSize())
	batches, err := bm.CreateBatches(ctx, job, items, batchSize)
	if err != nil {
		return c.finalizeError(ctx, job, err)
	}
	bm.PublishPhase(ctx, job.ID, 0, len(items),
		fmt.Sprintf("Dispatching %d batches", len(batches)), "processing")

	// Dispatch
	if err := c.runBatches(ctx, job, def, bm, batches); err != nil {
		return c.finalizeError(ctx, job, err)
	}
	if ctx.Err() != nil {
		return c.finalizeError(ctx, job, ctx.Err())
	}

	// Aggregate
	agg, err := bm.Aggregate(ctx, job.ID)
	if err != nil {
		return c.finalizeError(ctx, job, err)
	}
	finalBatches, err := c.store.ListBatches(ctx, job.ID)
	if err != nil {
		return c.finalizeError(ctx, job, err)
	}

	result := map[string]interface{}{
		"total_items":    agg.TotalItems,
		"processed":      agg.ProcessedItems,
		"success_count":  agg.SuccessItems,
		"error_count":    agg.ErrorItems,
		"batches":        agg.TotalBatches,
		"failed_batches": agg.FailedBatches,
	}

	// Finalize over completed batches
	if def.Finalize != nil {
		completed := make([]*models.JobBatch, 0, len(finalBatches))
		for _, batch := range finalBatches {
			if batch.Status == models.BatchStatusCompleted {
				completed = append(completed, batch)
			}
		}
		bm.PublishPhase(ctx, job.ID, agg.ProcessedItems, agg.TotalItems, "Finalizing", "finalize")
		finalized, ferr := def.Finalize(ctx, completed, job.CatalogID, job.Parameters)
		if ferr != nil {
			return c.finalizeError(ctx, job, ferr)
		}
		mergeResult(result, finalized)
	}

	// Decision: failed batches at or past the threshold fail this job and
	// requeue a fresh one to retry the unfinished remainder
	if agg.FailedBatches >= c.opts.ConsecutiveFailureThreshold {
		newJobID, rerr := c.requeue(ctx, job, result)
		if rerr != nil {
			c.logger.Error().Str("job_id", job.ID).Err(rerr).Msg("Failed to requeue job")
			return c.finalizeError(ctx, job, rerr)
		}
		result["status"] = "requeued"
		result["new_job_id"] = newJobID
		reason := fmt.Sprintf("auto-requeued: %d batch failures", agg.FailedBatches)
		c.logger.Warn().
			Str("job_id", job.ID).
			Str("new_job_id", newJobID).
			Int("failed_batches", agg.FailedBatches).
			Msg("Batch failures hit threshold, job requeued")
		return c.finalizeRequeued(ctx, job, result, reason)
	}

	if agg.FailedBatches > 0 {
		result["status"] = "completed_with_errors"
	} else {
		result["status"] = "completed"
	}
	return c.finalizeSuccess(ctx, job, result)
}

// runBatches submits one driver per batch to the shared worker pool and
// waits for all of them to settle. The definition's MaxWorkers caps this
// job's fan-out on top of the pool's process-wide capacity.
func (c *Controller) runBatches(ctx context.Context, job *models.Job, def *models.JobDefinition, bm *BatchManager, batches []*models.JobBatch) error {
	workers := def.EffectiveMaxWorkers()
	sem := make(chan struct{}, workers)

	var mu sync.Mutex
	var fatal error
	handles := make([]*TaskHandle, 0, len(batches))

	for i, batch := range batches {
		if ctx.Err() != nil {
			break
		}
		mu.Lock()
		stop := fatal != nil
		mu.Unlock()
		if stop {
			break
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		batch := batch
		workerID := fmt.Sprintf("%s-w%d", job.ID, i%workers)
		handle, err := c.pool.Submit(batch.ID, func(taskCtx context.Context) error {
			defer func() { <-sem }()

			// The driver honors both the job run context and the pool's
			// own task context
			batchCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			detach := context.AfterFunc(taskCtx, cancel)
			defer detach()

			perr := c.processBatch(batchCtx, job, def, bm, batch, workerID)
			if perr != nil {
				mu.Lock()
				if fatal == nil {
					fatal = perr
				}
				mu.Unlock()
			}
			return perr
		})
		if err != nil {
			<-sem
			mu.Lock()
			if fatal == nil {
				fatal = err
			}
			mu.Unlock()
			break
		}
		handles = append(handles, handle)
	}

	for _, handle := range handles {
		<-handle.Done()
	}

	mu.Lock()
	defer mu.Unlock()
	return fatal
}

// processBatch claims and executes one batch, retrying transient failures
// with linear backoff. Returns an error only for conditions that must
// abort the whole job.
func (c *Controller) processBatch(ctx context.Context, job *models.Job, def *models.JobDefinition, bm *BatchManager, batch *models.JobBatch, workerID string) error {
	if ctx.Err() != nil {
		return nil
	}

	// Batch failure writes must land even when the run context is gone
	failCtx := context.WithoutCancel(ctx)

	if cancelled, cerr := bm.IsCancelled(ctx, batch.ID); cerr != nil {
		c.logger.Warn().Str("batch_id", batch.ID).Err(cerr).Msg("Failed to check batch cancellation")
	} else if cancelled {
		return ErrJobCancelled
	}

	claimed, err := bm.Claim(ctx, batch.ID, workerID)
	if err != nil {
		if ferr := bm.Fail(failCtx, job.ID, batch.ID, err.Error()); ferr != nil {
			c.logger.Warn().Str("batch_id", batch.ID).Err(ferr).Msg("Failed to record batch failure")
		}
		return nil
	}
	if claimed == nil {
		c.logger.Debug().
			Str("job_id", job.ID).
			Str("batch_id", batch.ID).
			Msg("Batch already claimed, skipping")
		return nil
	}

	maxRetries := 0
	if def.RetryOnFailure {
		maxRetries = def.MaxRetries
		if maxRetries <= 0 {
			maxRetries = c.opts.DefaultMaxRetries
		}
	}

	var result *models.BatchResult
	var attemptErr error
	for attempt := 1; ; attempt++ {
		result, attemptErr = c.runBatchAttempt(ctx, job, def, claimed)
		if attemptErr == nil {
			break
		}

		var fatal *FatalError
		if errors.As(attemptErr, &fatal) {
			if ferr := bm.Fail(failCtx, job.ID, batch.ID, attemptErr.Error()); ferr != nil {
				c.logger.Warn().Str("batch_id", batch.ID).Err(ferr).Msg("Failed to record batch failure")
			}
			return attemptErr
		}
		if ctx.Err() != nil || attempt > maxRetries || !IsRetryable(attemptErr) {
			break
		}

		delay := c.opts.RetryDelay * time.Duration(attempt)
		c.logger.Warn().
			Str("job_id", job.ID).
			Str("batch_id", batch.ID).
			Int("attempt", attempt).
			Str("delay", delay.String()).
			Err(attemptErr).
			Msg("Batch failed with retryable error, backing off")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			if ferr := bm.Fail(failCtx, job.ID, batch.ID, ctx.Err().Error()); ferr != nil {
				c.logger.Warn().Str("batch_id", batch.ID).Err(ferr).Msg("Failed to record batch failure")
			}
			return nil
		}
	}

	if attemptErr != nil {
		if ferr := bm.Fail(failCtx, job.ID, batch.ID, attemptErr.Error()); ferr != nil {
			c.logger.Warn().Str("batch_id", batch.ID).Err(ferr).Msg("Failed to record batch failure")
		}
		if errors.Is(attemptErr, context.Canceled) || errors.Is(attemptErr, ErrJobCancelled) {
			return ErrJobCancelled
		}
		return nil
	}

	if err := bm.Complete(ctx, job.ID, batch.ID, result); err != nil {
		c.logger.Warn().Str("batch_id", batch.ID).Err(err).Msg("Failed to record batch completion")
	}
	return nil
}

// runBatchAttempt executes one attempt of a batch under its timeout.
// Per-item errors are recorded on the result without failing the batch;
// batch-level processors fail wholesale.
func (c *Controller) runBatchAttempt(ctx context.Context, job *models.Job, def *models.JobDefinition, batch *models.JobBatch) (*models.BatchResult, error) {
	attemptCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	result := &models.BatchResult{}

	if def.ProcessBatch != nil {
		if err := def.ProcessBatch(attemptCtx, batch.WorkItems, job.CatalogID, job.Parameters, result); err != nil {
			return nil, err
		}
		return result, nil
	}

	for _, item := range batch.WorkItems {
		if attemptCtx.Err() != nil {
			return nil, attemptCtx.Err()
		}

		itemResult, err := def.Process(attemptCtx, item, job.CatalogID, job.Parameters)
		if err != nil {
			var fatal *FatalError
			if errors.As(err, &fatal) {
				return nil, err
			}
			if attemptCtx.Err() != nil {
				// Cancelled or timed out mid-item; not an item failure
				return nil, attemptCtx.Err()
			}
			result.RecordError(itemKey(item), err.Error())
			continue
		}
		result.RecordSuccess()
		for k, v := range itemResult {
			mergeCounter(result, k, v)
		}
	}
	return result, nil
}

// requeue creates a follow-up job resuming the unfinished work. The new
// job narrows tagging to untagged images and carries forward the count of
// items already handled.
func (c *Controller) requeue(ctx context.Context, job *models.Job, result map[string]interface{}) (string, error) {
	params := make(map[string]interface{}, len(job.Parameters)+1)
	for k, v := range job.Parameters {
		params[k] = v
	}
	params["tag_mode"] = "untagged_only"
	if tagged, ok := result["images_tagged"]; ok {
		params["images_tagged"] = tagged
	}

	newJob := models.NewJob(common.NewJobID(), job.CatalogID, job.Type, params)
	if err := c.store.CreateJob(ctx, newJob); err != nil {
		return "", &TransientError{Op: "create requeued job", Err: err}
	}
	if err := c.Dispatch(newJob.ID); err != nil {
		return "", err
	}
	return newJob.ID, nil
}

// withRetry wraps an operation in the transient-retry loop with the
// definition's retry budget.
func (c *Controller) withRetry(ctx context.Context, def *models.JobDefinition, op string, fn func(context.Context) error) error {
	maxRetries := def.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.opts.DefaultMaxRetries
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt > maxRetries || !IsRetryable(err) {
			return err
		}

		delay := c.opts.RetryDelay * time.Duration(attempt)
		c.logger.Warn().
			Str("op", op).
			Int("attempt", attempt).
			Str("delay", delay.String()).
			Err(err).
			Msg("Retryable failure, backing off")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// alreadyTerminal reports whether another path, usually an external
// cancel, already finalized the job. Terminal states are never overwritten.
func (c *Controller) alreadyTerminal(ctx context.Context, jobID string) bool {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return false
	}
	if job.IsTerminal() {
		c.logger.Debug().
			Str("job_id", jobID).
			Str("status", string(job.Status)).
			Msg("Job already terminal, skipping finalize")
		return true
	}
	return false
}

// finalizeSuccess completes a job and publishes its terminal payload
func (c *Controller) finalizeSuccess(ctx context.Context, job *models.Job, result map[string]interface{}) error {
	// Terminal writes survive a cancelled run context
	storeCtx := context.WithoutCancel(ctx)
	if c.alreadyTerminal(storeCtx, job.ID) {
		return nil
	}

	if err := c.store.CompleteJob(storeCtx, job.ID, models.JobStatusSuccess, result, ""); err != nil {
		return err
	}
	c.progress.PublishCompletion(storeCtx, job.ID, models.JobStatusSuccess, result)
	c.logger.Info().Str("job_id", job.ID).Str("job_type", job.Type).Msg("Job completed")
	return nil
}

// finalizeRequeued marks the requeued parent FAILURE with the requeue
// reason while keeping the run's counters on its result
func (c *Controller) finalizeRequeued(ctx context.Context, job *models.Job, result map[string]interface{}, reason string) error {
	storeCtx := context.WithoutCancel(ctx)
	if c.alreadyTerminal(storeCtx, job.ID) {
		return nil
	}

	if err := c.store.CompleteJob(storeCtx, job.ID, models.JobStatusFailure, result, reason); err != nil {
		return err
	}
	payload := make(map[string]interface{}, len(result)+1)
	for k, v := range result {
		payload[k] = v
	}
	payload["error"] = reason
	c.progress.PublishCompletion(storeCtx, job.ID, models.JobStatusFailure, payload)
	c.logger.Info().Str("job_id", job.ID).Str("job_type", job.Type).Msg("Job requeued")
	return nil
}

// finalizeError maps an execution error onto the job's terminal state
func (c *Controller) finalizeError(ctx context.Context, job *models.Job, err error) error {
	storeCtx := context.WithoutCancel(ctx)

	message := err.Error()
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, ErrJobCancelled):
		message = cancelledMessage
		err = ErrJobCancelled
	case errors.Is(err, context.DeadlineExceeded):
		message = fmt.Sprintf("Job timed out after %s", c.opts.JobTimeout)
		err = ErrJobTimeout
	}

	if cancelled, cerr := c.store.CancelPendingBatches(storeCtx, job.ID); cerr != nil {
		c.logger.Warn().Str("job_id", job.ID).Err(cerr).Msg("Failed to cancel pending batches")
	} else if cancelled > 0 {
		c.logger.Info().Str("job_id", job.ID).Int("batches", cancelled).Msg("Pending batches cancelled")
	}

	if c.alreadyTerminal(storeCtx, job.ID) {
		return err
	}

	if serr := c.store.CompleteJob(storeCtx, job.ID, models.JobStatusFailure, nil, message); serr != nil {
		c.logger.Error().Str("job_id", job.ID).Err(serr).Msg("Failed to record job failure")
	}
	c.progress.PublishCompletion(storeCtx, job.ID, models.JobStatusFailure,
		map[string]interface{}{"error": message})
	c.logger.Warn().Str("job_id", job.ID).Str("error", message).Msg("Job failed")
	return err
}

// finalizeFailure records a failure for a job that never started running
func (c *Controller) finalizeFailure(jobID, message string) {
	ctx := context.Background()
	if err := c.store.CompleteJob(ctx, jobID, models.JobStatusFailure, nil, message); err != nil {
		c.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to record job failure")
	}
	c.progress.PublishCompletion(ctx, jobID, models.JobStatusFailure,
		map[string]interface{}{"error": message})
}

// mergeResult copies src entries into dst, with src taking precedence
func mergeResult(dst, src map[string]interface{}) {
	for k, v := range src {
		dst[k] = v
	}
}

// mergeCounter folds a per-item result value into the batch result map,
// summing numeric values so item counters accumulate
func mergeCounter(result *models.BatchResult, key string, value interface{}) {
	if result.Results == nil {
		result.Results = make(map[string]interface{})
	}
	existing, ok := result.Results[key]
	if !ok {
		result.Results[key] = value
		return
	}

	switch ev := existing.(type) {
	case int:
		switch nv := value.(type) {
		case int:
			result.Results[key] = ev + nv
		case float64:
			result.Results[key] = float64(ev) + nv
		default:
			result.Results[key] = value
		}
	case float64:
		switch nv := value.(type) {
		case int:
			result.Results[key] = ev + float64(nv)
		case float64:
			result.Results[key] = ev + nv
		default:
			result.Results[key] = value
		}
	default:
		result.Results[key] = value
	}
}

// itemKey renders a work item for error reporting, trimming long payloads
func itemKey(item json.RawMessage) string {
	const max = 120
	s := string(item)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
