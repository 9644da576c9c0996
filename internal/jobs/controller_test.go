package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperture/internal/interfaces"
	"github.com/ternarybob/aperture/internal/models"
	"github.com/ternarybob/aperture/internal/progress"
)

// fakeJobStore is an in-memory JobStore with the same claim semantics as
// the real backends: a batch is claimed at most once.
type fakeJobStore struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	batches map[string]*models.JobBatch
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:    make(map[string]*models.Job),
		batches: make(map[string]*models.JobBatch),
	}
}

func (s *fakeJobStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *fakeJobStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	copied := *job
	return &copied, nil
}

func (s *fakeJobStore) ListJobs(ctx context.Context, filter interfaces.JobFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, job := range s.jobs {
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		copied := *job
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeJobStore) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	job.Status = models.NormalizeJobStatus(status)
	job.Error = errMsg
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *fakeJobStore) UpdateJobProgress(ctx context.Context, jobID string, snapshot models.ProgressSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.Progress = snapshot
	}
	return nil
}

func (s *fakeJobStore) CompleteJob(ctx context.Context, jobID string, status models.JobStatus, result map[string]interface{}, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	now := time.Now().UTC()
	job.Status = status
	job.Result = result
	job.Error = errMsg
	job.UpdatedAt = now
	job.CompletedAt = &now
	return nil
}

func (s *fakeJobStore) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	return ok && job.Status == models.JobStatusFailure, nil
}

func (s *fakeJobStore) CreateBatches(ctx context.Context, batches []*models.JobBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, batch := range batches {
		copied := *batch
		s.batches[batch.ID] = &copied
	}
	return nil
}

func (s *fakeJobStore) GetBatch(ctx context.Context, batchID string) (*models.JobBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return nil, nil
	}
	copied := *batch
	return &copied, nil
}

func (s *fakeJobStore) ListBatches(ctx context.Context, parentJobID string) ([]*models.JobBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.JobBatch
	for _, batch := range s.batches {
		if batch.ParentJobID == parentJobID {
			copied := *batch
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchNumber < out[j].BatchNumber })
	return out, nil
}

func (s *fakeJobStore) ClaimBatch(ctx context.Context, batchID, workerID string) (*models.JobBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
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
	copied := *batch
	return &copied, nil
}

func (s *fakeJobStore) CompleteBatch(ctx context.Context, batchID string, result *models.BatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s not found", batchID)
	}
	now := time.Now().UTC()
	batch.Status = models.BatchStatusCompleted
	batch.ProcessedCount = result.ProcessedCount
	batch.SuccessCount = result.SuccessCount
	batch.ErrorCount = result.ErrorCount
	batch.Results = result.Results
	batch.CompletedAt = &now
	batch.UpdatedAt = now
	return nil
}

func (s *fakeJobStore) FailBatch(ctx context.Context, batchID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s not found", batchID)
	}
	now := time.Now().UTC()
	batch.Status = models.BatchStatusFailed
	batch.ErrorMessage = errMsg
	batch.CompletedAt = &now
	batch.UpdatedAt = now
	return nil
}

func (s *fakeJobStore) CancelPendingBatches(ctx context.Context, parentJobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancelled := 0
	for _, batch := range s.batches {
		if batch.ParentJobID == parentJobID && batch.Status == models.BatchStatusPending {
			batch.Status = models.BatchStatusCancelled
			batch.UpdatedAt = time.Now().UTC()
			cancelled++
		}
	}
	return cancelled, nil
}

func (s *fakeJobStore) AggregateBatchProgress(ctx context.Context, parentJobID string) (*models.AggregateProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg := &models.AggregateProgress{}
	for _, batch := range s.batches {
		if batch.ParentJobID != parentJobID {
			continue
		}
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

func (s *fakeJobStore) CleanupOldJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	return 0, nil
}

func (s *fakeJobStore) Close() error { return nil }

type controllerEnv struct {
	store      *fakeJobStore
	channel    *progress.MemoryChannel
	pool       *Pool
	registry   *Registry
	controller *Controller
}

func newControllerEnv(t *testing.T, def *models.JobDefinition) *controllerEnv {
	return newControllerEnvWithPool(t, def, 2)
}

func newControllerEnvWithPool(t *testing.T, def *models.JobDefinition, poolWorkers int) *controllerEnv {
	t.Helper()

	logger := arbor.NewLogger()
	store := newFakeJobStore()
	channel := progress.NewMemoryChannel(logger)
	pool := NewPool(poolWorkers, logger)
	registry := NewRegistry()
	if err := registry.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	opts := ControllerOptions{
		RetryDelay:                  time.Millisecond,
		DefaultMaxRetries:           3,
		ConsecutiveFailureThreshold: 3,
		JobTimeout:                  time.Minute,
	}
	controller := NewController(registry, store, channel, pool, opts, logger)

	t.Cleanup(func() {
		pool.Shutdown(false, time.Second)
		channel.Close()
	})
	return &controllerEnv{store: store, channel: channel, pool: pool, registry: registry, controller: controller}
}

func (e *controllerEnv) createJob(t *testing.T, jobType string, params map[string]interface{}) *models.Job {
	t.Helper()
	job := models.NewJob("job_test_"+jobType, "cat_1", jobType, params)
	if err := e.store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	return job
}

func (e *controllerEnv) waitTerminal(t *testing.T, jobID string) *models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.store.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if job != nil && job.IsTerminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Job %s never reached a terminal state", jobID)
	return nil
}

func resultInt(t *testing.T, result map[string]interface{}, key string) int {
	t.Helper()
	switch v := result[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		t.Fatalf("Result key %q has unexpected type %T (%v)", key, result[key], result[key])
		return 0
	}
}

func TestController_EmptyDiscoveryCompletesImmediately(t *testing.T) {
	def := &models.JobDefinition{
		Name: "scan",
		Discover: func(ctx context.Context, catalogID string, params map[string]interface{}) ([]json.RawMessage, error) {
			return nil, nil
		},
		Process: func(ctx context.Context, item json.RawMessage, catalogID string, params map[string]interface{}) (map[string]interface{}, error) {
			t.Error("Process should not run for empty discovery")
			return nil, nil
		},
		BatchSize: 10,
	}
	env := newControllerEnv(t, def)
	job := env.createJob(t, "scan", nil)

	if err := env.controller.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	final := env.waitTerminal(t, job.ID)
	if final.Status != models.JobStatusSuccess {
		t.Fatalf("Expected SUCCESS, got %s (error: %s)", final.Status, final.Error)
	}
	for _, key := range []string{"total_items", "processed", "success_count", "error_count", "batches"} {
		if got := resultInt(t, final.Result, key); got != 0 {
			t.Errorf("Expected result[%q] = 0, got %d", key, got)
		}
	}

	batches, _ := env.store.ListBatches(context.Background(), job.ID)
	if len(batches) != 0 {
		t.Errorf("Expected no batches for empty discovery, got %d", len(batches))
	}
}

func TestController_PartialItemFailureStillSucceeds(t *testing.T) {
	def := &models.JobDefinition{
		Name: "scan",
		Discover: func(ctx context.Context, catalogID string, params map[string]interface{}) ([]json.RawMessage, error) {
			return rawItems(3), nil
		},
		Process: func(ctx context.Context, item json.RawMessage, catalogID string, params map[string]interface{}) (map[string]interface{}, error) {
			var parsed struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(item, &parsed); err != nil {
				return nil, err
			}
			if parsed.N == 1 {
				return nil, errors.New("unreadable file")
			}
			return map[string]interface{}{"total_files": 1}, nil
		},
		BatchSize:  10,
		MaxWorkers: 1,
	}
	env := newControllerEnv(t, def)
	job := env.createJob(t, "scan", nil)

	if err := env.controller.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	final := env.waitTerminal(t, job.ID)
	if final.Status != models.JobStatusSuccess {
		t.Fatalf("Expected SUCCESS despite item failure, got %s (error: %s)", final.Status, final.Error)
	}
	if got := resultInt(t, final.Result, "success_count"); got != 2 {
		t.Errorf("Expected success_count 2, got %d", got)
	}
	if got := resultInt(t, final.Result, "error_count"); got != 1 {
		t.Errorf("Expected error_count 1, got %d", got)
	}
	if got := resultInt(t, final.Result, "batches"); got != 1 {
		t.Errorf("Expected 1 batch, got %d", got)
	}
	if got, _ := final.Result["status"].(string); got != "completed" {
		t.Errorf("Expected result status 'completed', got %v", final.Result["status"])
	}

	batches, _ := env.store.ListBatches(context.Background(), job.ID)
	if len(batches) != 1 {
		t.Fatalf("Expected 1 batch, got %d", len(batches))
	}
	if batches[0].Status != models.BatchStatusCompleted {
		t.Errorf("Expected batch COMPLETED, got %s", batches[0].Status)
	}
	if batches[0].SuccessCount != 2 || batches[0].ErrorCount != 1 {
		t.Errorf("Expected batch counters 2/1, got %d/%d", batches[0].SuccessCount, batches[0].ErrorCount)
	}
}

func TestController_FailedBatchThresholdRequeues(t *testing.T) {
	def := &models.JobDefinition{
		Name: "auto_tag",
		Discover: func(ctx context.Context, catalogID string, params map[string]interface{}) ([]json.RawMessage, error) {
			// The requeued run narrows to untagged images; nothing is left
			if mode, _ := params["tag_mode"].(string); mode == "untagged_only" {
				return nil, nil
			}
			return rawItems(4), nil
		},
		ProcessBatch: func(ctx context.Context, items []json.RawMessage, catalogID string, params map[string]interface{}, result *models.BatchResult) error {
			var parsed struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(items[0], &parsed); err != nil {
				return err
			}
			if parsed.N >= 1 {
				return errors.New("inference backend rejected batch")
			}
			result.RecordSuccess()
			return nil
		},
		BatchSize:  1,
		MaxWorkers: 1,
	}
	env := newControllerEnv(t, def)
	job := env.createJob(t, "auto_tag", map[string]interface{}{"tag_backend": "openclip"})

	if err := env.controller.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	final := env.waitTerminal(t, job.ID)
	if final.Status != models.JobStatusFailure {
		t.Fatalf("Expected original job FAILURE after requeue, got %s", final.Status)
	}
	if final.Error != "auto-requeued: 3 batch failures" {
		t.Errorf("Expected requeue reason on job error, got %q", final.Error)
	}
	if got, _ := final.Result["status"].(string); got != "requeued" {
		t.Fatalf("Expected result status 'requeued', got %v", final.Result["status"])
	}
	if got := resultInt(t, final.Result, "failed_batches"); got != 3 {
		t.Errorf("Expected failed_batches 3 in result, got %d", got)
	}

	newJobID, _ := final.Result["new_job_id"].(string)
	if newJobID == "" {
		t.Fatal("Expected new_job_id in requeued result")
	}

	requeued := env.waitTerminal(t, newJobID)
	if got := requeued.GetParamString("tag_mode", ""); got != "untagged_only" {
		t.Errorf("Expected requeued job tag_mode 'untagged_only', got %q", got)
	}
	if got := requeued.GetParamString("tag_backend", ""); got != "openclip" {
		t.Errorf("Requeued job should carry original parameters, got tag_backend %q", got)
	}
	if requeued.Status != models.JobStatusSuccess {
		t.Errorf("Expected requeued job SUCCESS, got %s", requeued.Status)
	}

	batches, _ := env.store.ListBatches(context.Background(), job.ID)
	failed := 0
	for _, batch := range batches {
		if batch.Status == models.BatchStatusFailed {
			failed++
		}
	}
	if failed != 3 {
		t.Errorf("Expected 3 failed batches, got %d", failed)
	}
}

func TestController_TransientDiscoveryRetries(t *testing.T) {
	attempts := 0
	def := &models.JobDefinition{
		Name: "scan",
		Discover: func(ctx context.Context, catalogID string, params map[string]interface{}) ([]json.RawMessage, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("connection refused")
			}
			return nil, nil
		},
		Process: func(ctx context.Context, item json.RawMessage, catalogID string, params map[string]interface{}) (map[string]interface{}, error) {
			return nil, nil
		},
	}
	env := newControllerEnv(t, def)
	job := env.createJob(t, "scan", nil)

	if err := env.controller.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	final := env.waitTerminal(t, job.ID)
	if final.Status != models.JobStatusSuccess {
		t.Fatalf("Expected SUCCESS after retries, got %s (error: %s)", final.Status, final.Error)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 discovery attempts, got %d", attempts)
	}
}

func TestController_CancelRunningJob(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	invocations := 0
	def := &models.JobDefinition{
		Name: "scan",
		Discover: func(ctx context.Context, catalogID string, params map[string]interface{}) ([]json.RawMessage, error) {
			return rawItems(3), nil
		},
		Process: func(ctx context.Context, item json.RawMessage, catalogID string, params map[string]interface{}) (map[string]interface{}, error) {
			mu.Lock()
			invocations++
			mu.Unlock()
			once.Do(func() { close(started) })
			<-ctx.Done()
			return nil, ctx.Err()
		},
		BatchSize:  1,
		MaxWorkers: 1,
	}
	env := newControllerEnv(t, def)
	job := env.createJob(t, "scan", nil)

	if err := env.controller.Dispatch(job.ID); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	<-started

	if err := env.controller.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	// Cancellation is observable as soon as Cancel returns
	cancelled, err := env.store.IsCancelled(context.Background(), job.ID)
	if err != nil || !cancelled {
		t.Errorf("Expected IsCancelled true right after Cancel, got %v / %v", cancelled, err)
	}
	final, err := env.store.GetJob(context.Background(), job.ID)
	if err != nil || final == nil {
		t.Fatalf("GetJob failed after cancel: %v", err)
	}
	if final.Status != models.JobStatusFailure {
		t.Fatalf("Expected FAILURE right after cancel, got %s", final.Status)
	}
	if final.Error != "Job cancelled by user" {
		t.Errorf("Expected cancellation message, got %q", final.Error)
	}

	// The claimed batch settles; unstarted batches end CANCELLED and
	// their drivers never run
	deadline := time.Now().Add(5 * time.Second)
	for {
		batches, _ := env.store.ListBatches(context.Background(), job.ID)
		running := 0
		for _, batch := range batches {
			if batch.Status == models.BatchStatusRunning || batch.Status == models.BatchStatusPending {
				running++
			}
		}
		if len(batches) == 3 && running == 0 {
			if batches[0].Status != models.BatchStatusFailed {
				t.Errorf("Expected claimed batch FAILED, got %s", batches[0].Status)
			}
			for _, batch := range batches[1:] {
				if batch.Status != models.BatchStatusCancelled {
					t.Errorf("Expected batch %d CANCELLED, got %s", batch.BatchNumber, batch.Status)
				}
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Batches never settled after cancel: %d still open", running)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	got := invocations
	mu.Unlock()
	if got != 1 {
		t.Errorf("Expected only the first batch to process, got %d invocations", got)
	}

	// Cancelling a terminal job is rejected
	if err := env.controller.Cancel(context.Background(), job.ID); !errors.Is(err, ErrCannotCancelTerminal) {
		t.Errorf("Expected ErrCannotCancelTerminal, got %v", err)
	}
}

func TestController_CancelIdleJobFinalizesDirectly(t *testing.T) {
	def := testDefinition("scan")
	env := newControllerEnv(t, def)
	job := env.createJob(t, "scan", nil)

	if err := env.controller.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	final := env.waitTerminal(t, job.ID)
	if final.Status != models.JobStatusFailure || final.Error != "Job cancelled by user" {
		t.Errorf("Expected FAILURE with cancellation message, got %s / %q", final.Status, final.Error)
	}
}

func TestController_JobTimeout(t *testing.T) {
	def := &models.JobDefinition{
		Name: "scan",
		Discover: func(ctx context.Context, catalogID string, params map[string]interface{}) ([]json.RawMessage, error) {
			return rawItems(1), nil
		},
		Process: func(ctx context.Context, item json.RawMessage, catalogID string, params map[string]interface{}) (map[string]interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		BatchSize: 1,
	}
	env := newControllerEnv(t, def)
	env.controller.opts.JobTimeout = 50 * time.Millisecond
	job := env.createJob(t, "scan", nil)

	if err := env.controller.Dispatch(job.ID); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	final := env.waitTerminal(t, job.ID)
	if final.Status != models.JobStatusFailure {
		t.Fatalf("Expected FAILURE after timeout, got %s", final.Status)
	}
	if !strings.HasPrefix(final.Error, "Job timed out after") {
		t.Errorf("Expected timeout message, got %q", final.Error)
	}
}

func TestController_FatalErrorAbortsJob(t *testing.T) {
	def := &models.JobDefinition{
		Name: "scan",
		Discover: func(ctx context.Context, catalogID string, params map[string]interface{}) ([]json.RawMessage, error) {
			return rawItems(3), nil
		},
		Process: func(ctx context.Context, item json.RawMessage, catalogID string, params map[string]interface{}) (map[string]interface{}, error) {
			return nil, &FatalError{Err: errors.New("catalog schema corrupt")}
		},
		BatchSize:  1,
		MaxWorkers: 1,
	}
	env := newControllerEnv(t, def)
	job := env.createJob(t, "scan", nil)

	env.controller.Run(context.Background(), job.ID)

	final := env.waitTerminal(t, job.ID)
	if final.Status != models.JobStatusFailure {
		t.Fatalf("Expected FAILURE on fatal error, got %s", final.Status)
	}
	if !strings.Contains(final.Error, "catalog schema corrupt") {
		t.Errorf("Expected fatal error message, got %q", final.Error)
	}
}

// Scattered failures count the same as adjacent ones: with batches 1, 3
// and 5 of 7 failing, the total of 3 reaches the threshold and the job
// requeues.
func TestController_ScatteredBatchFailuresRequeue(t *testing.T) {
	def := &models.JobDefinition{
		Name: "auto_tag",
		Discover: func(ctx context.Context, catalogID string, params map[string]interface{}) ([]json.RawMessage, error) {
			if mode, _ := params["tag_mode"].(string); mode == "untagged_only" {
				return nil, nil
			}
			return rawItems(7), nil
		},
		ProcessBatch: func(ctx context.Context, items []json.RawMessage, catalogID string, params map[string]interface{}, result *models.BatchResult) error {
			var parsed struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(items[0], &parsed); err != nil {
				return err
			}
			if parsed.N%2 == 0 && parsed.N < 5 {
				return errors.New("inference backend rejected batch")
			}
			result.RecordSuccess()
			return nil
		},
		BatchSize:  1,
		MaxWorkers: 1,
	}
	env := newControllerEnv(t, def)
	job := env.createJob(t, "auto_tag", nil)

	if err := env.controller.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	final := env.waitTerminal(t, job.ID)
	if final.Status != models.JobStatusFailure {
		t.Fatalf("Expected FAILURE after requeue, got %s (result: %v)", final.Status, final.Result)
	}
	if final.Error != "auto-requeued: 3 batch failures" {
		t.Errorf("Expected requeue reason on job error, got %q", final.Error)
	}
	if got, _ := final.Result["status"].(string); got != "requeued" {
		t.Errorf("Expected result status 'requeued', got %v", final.Result["status"])
	}
	if got := resultInt(t, final.Result, "failed_batches"); got != 3 {
		t.Errorf("Expected failed_batches 3, got %d", got)
	}

	newJobID, _ := final.Result["new_job_id"].(string)
	if newJobID == "" {
		t.Fatal("Expected new_job_id in requeued result")
	}
	if requeued := env.waitTerminal(t, newJobID); requeued.Status != models.JobStatusSuccess {
		t.Errorf("Expected requeued job SUCCESS, got %s", requeued.Status)
	}
}

// One failed batch of three stays below the threshold: the job succeeds
// but its result flags the partial failure.
func TestController_CompletedWithErrors(t *testing.T) {
	def := &models.JobDefinition{
		Name: "scan",
		Discover: func(ctx context.Context, catalogID string, params map[string]interface{}) ([]json.RawMessage, error) {
			return rawItems(3), nil
		},
		ProcessBatch: func(ctx context.Context, items []json.RawMessage, catalogID string, params map[string]interface{}, result *models.BatchResult) error {
			var parsed struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(items[0], &parsed); err != nil {
				return err
			}
			if parsed.N == 1 {
				return errors.New("volume unmounted")
			}
			result.RecordSuccess()
			return nil
		},
		BatchSize:  1,
		MaxWorkers: 1,
	}
	env := newControllerEnv(t, def)
	job := env.createJob(t, "scan", nil)

	if err := env.controller.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	final := env.waitTerminal(t, job.ID)
	if final.Status != models.JobStatusSuccess {
		t.Fatalf("Expected SUCCESS below the failure threshold, got %s (error: %s)", final.Status, final.Error)
	}
	if got, _ := final.Result["status"].(string); got != "completed_with_errors" {
		t.Errorf("Expected result status 'completed_with_errors', got %v", final.Result["status"])
	}
	if got := resultInt(t, final.Result, "failed_batches"); got != 1 {
		t.Errorf("Expected failed_batches 1, got %d", got)
	}
}

// Batch drivers run on the shared pool, so its capacity bounds batch
// concurrency even when the definition asks for more workers.
func TestController_PoolCapacityBoundsBatchConcurrency(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	def := &models.JobDefinition{
		Name: "scan",
		Discover: func(ctx context.Context, catalogID string, params map[string]interface{}) ([]json.RawMessage, error) {
			return rawItems(4), nil
		},
		ProcessBatch: func(ctx context.Context, items []json.RawMessage, catalogID string, params map[string]interface{}, result *models.BatchResult) error {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			result.RecordSuccess()
			return nil
		},
		BatchSize:  1,
		MaxWorkers: 4,
	}
	env := newControllerEnvWithPool(t, def, 1)
	job := env.createJob(t, "scan", nil)

	if err := env.controller.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	final := env.waitTerminal(t, job.ID)
	if final.Status != models.JobStatusSuccess {
		t.Fatalf("Expected SUCCESS, got %s (error: %s)", final.Status, final.Error)
	}

	mu.Lock()
	got := peak
	mu.Unlock()
	if got != 1 {
		t.Errorf("Expected at most 1 concurrent batch driver on a 1-worker pool, got %d", got)
	}
}

// A batch_size parameter on the job overrides the definition's default
func TestController_BatchSizeParameter(t *testing.T) {
	def := &models.JobDefinition{
		Name: "scan",
		Discover: func(ctx context.Context, catalogID string, params map[string]interface{}) ([]json.RawMessage, error) {
			return rawItems(4), nil
		},
		Process: func(ctx context.Context, item json.RawMessage, catalogID string, params map[string]interface{}) (map[string]interface{}, error) {
			return nil, nil
		},
		BatchSize:  10,
		MaxWorkers: 1,
	}
	env := newControllerEnv(t, def)
	// JSON-decoded parameters arrive as float64
	job := env.createJob(t, "scan", map[string]interface{}{"batch_size": float64(2)})

	if err := env.controller.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	final := env.waitTerminal(t, job.ID)
	if final.Status != models.JobStatusSuccess {
		t.Fatalf("Expected SUCCESS, got %s (error: %s)", final.Status, final.Error)
	}
	if got := resultInt(t, final.Result, "batches"); got != 2 {
		t.Errorf("Expected 2 batches from batch_size=2, got %d", got)
	}
	batches, _ := env.store.ListBatches(context.Background(), job.ID)
	if len(batches) != 2 {
		t.Fatalf("Expected 2 batches, got %d", len(batches))
	}
	for _, batch := range batches {
		if batch.ItemsCount != 2 {
			t.Errorf("Expected 2 items in batch %d, got %d", batch.BatchNumber, batch.ItemsCount)
		}
	}
}
