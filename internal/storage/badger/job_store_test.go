package badger

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/aperture/internal/interfaces"
	"github.com/ternarybob/aperture/internal/models"
)

func newTestStore(t *testing.T) *JobStore {
	t.Helper()

	tmpDir, err := ioutil.TempDir("", "badger-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	options := badgerhold.DefaultOptions
	options.Dir = tmpDir
	options.ValueDir = tmpDir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	db := &BadgerDB{store: store}
	return NewJobStore(db, arbor.NewLogger())
}

func testBatchItems(n int) []json.RawMessage {
	items := make([]json.RawMessage, n)
	for i := range items {
		items[i] = json.RawMessage(`{}`)
	}
	return items
}

func TestJobLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := models.NewJob("job_1", "cat_1", "scan", map[string]interface{}{"path": "/photos"})
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	loaded, err := store.GetJob(ctx, "job_1")
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if loaded == nil {
		t.Fatal("Expected job, got nil")
	}
	if loaded.Status != models.JobStatusPending {
		t.Errorf("Expected PENDING, got %s", loaded.Status)
	}
	if loaded.GetParamString("path", "") != "/photos" {
		t.Errorf("Parameters not persisted: %v", loaded.Parameters)
	}

	if missing, err := store.GetJob(ctx, "job_nope"); err != nil || missing != nil {
		t.Errorf("Expected (nil, nil) for missing job, got %v / %v", missing, err)
	}

	if err := store.UpdateJobStatus(ctx, "job_1", models.JobStatusProgress, ""); err != nil {
		t.Fatalf("Failed to update status: %v", err)
	}
	if err := store.UpdateJobProgress(ctx, "job_1", models.ProgressSnapshot{Current: 5, Total: 10, Percent: 50, Phase: "processing"}); err != nil {
		t.Fatalf("Failed to update progress: %v", err)
	}

	loaded, _ = store.GetJob(ctx, "job_1")
	if loaded.Status != models.JobStatusProgress || loaded.Progress.Percent != 50 {
		t.Errorf("Unexpected state after update: %s / %d%%", loaded.Status, loaded.Progress.Percent)
	}
	if loaded.CompletedAt != nil {
		t.Error("Non-terminal job should not have CompletedAt")
	}

	result := map[string]interface{}{"total_items": 10}
	if err := store.CompleteJob(ctx, "job_1", models.JobStatusSuccess, result, ""); err != nil {
		t.Fatalf("Failed to complete job: %v", err)
	}

	loaded, _ = store.GetJob(ctx, "job_1")
	if loaded.Status != models.JobStatusSuccess {
		t.Errorf("Expected SUCCESS, got %s", loaded.Status)
	}
	if loaded.CompletedAt == nil {
		t.Error("Terminal job should have CompletedAt")
	}
	if loaded.Result["total_items"] == nil {
		t.Errorf("Result not persisted: %v", loaded.Result)
	}

	// STARTED normalizes to PROGRESS on status writes
	job2 := models.NewJob("job_2", "cat_1", "scan", nil)
	if err := store.CreateJob(ctx, job2); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateJobStatus(ctx, "job_2", models.JobStatusStarted, ""); err != nil {
		t.Fatal(err)
	}
	loaded, _ = store.GetJob(ctx, "job_2")
	if loaded.Status != models.JobStatusProgress {
		t.Errorf("Expected STARTED to normalize to PROGRESS, got %s", loaded.Status)
	}
}

func TestListJobsFiltering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	jobs := []*models.Job{
		models.NewJob("job_a", "cat_1", "scan", nil),
		models.NewJob("job_b", "cat_1", "auto_tag", nil),
		models.NewJob("job_c", "cat_2", "scan", nil),
	}
	for i, job := range jobs {
		// Spread creation times so newest-first ordering is deterministic
		job.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := store.CreateJob(ctx, job); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.UpdateJobStatus(ctx, "job_b", models.JobStatusProgress, ""); err != nil {
		t.Fatal(err)
	}

	all, err := store.ListJobs(ctx, interfaces.JobFilter{})
	if err != nil {
		t.Fatalf("Failed to list jobs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 jobs, got %d", len(all))
	}
	if all[0].ID != "job_c" {
		t.Errorf("Expected newest first, got %s", all[0].ID)
	}

	byCatalog, _ := store.ListJobs(ctx, interfaces.JobFilter{CatalogID: "cat_1"})
	if len(byCatalog) != 2 {
		t.Errorf("Expected 2 jobs for cat_1, got %d", len(byCatalog))
	}

	byType, _ := store.ListJobs(ctx, interfaces.JobFilter{Type: "scan"})
	if len(byType) != 2 {
		t.Errorf("Expected 2 scan jobs, got %d", len(byType))
	}

	byStatus, _ := store.ListJobs(ctx, interfaces.JobFilter{Status: models.JobStatusProgress})
	if len(byStatus) != 1 || byStatus[0].ID != "job_b" {
		t.Errorf("Unexpected status filter result: %v", byStatus)
	}

	limited, _ := store.ListJobs(ctx, interfaces.JobFilter{Limit: 1, Offset: 1})
	if len(limited) != 1 || limited[0].ID != "job_b" {
		t.Errorf("Unexpected limit/offset result: %v", limited)
	}
}

func TestBatchLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := models.NewJob("job_1", "cat_1", "scan", nil)
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	batches := []*models.JobBatch{
		models.NewJobBatch("batch_1", "job_1", "cat_1", "scan", 1, 2, testBatchItems(3)),
		models.NewJobBatch("batch_2", "job_1", "cat_1", "scan", 2, 2, testBatchItems(2)),
	}
	if err := store.CreateBatches(ctx, batches); err != nil {
		t.Fatalf("Failed to create batches: %v", err)
	}

	listed, err := store.ListBatches(ctx, "job_1")
	if err != nil {
		t.Fatalf("Failed to list batches: %v", err)
	}
	if len(listed) != 2 || listed[0].BatchNumber != 1 || listed[1].BatchNumber != 2 {
		t.Fatalf("Expected batches ordered by number, got %v", listed)
	}

	claimed, err := store.ClaimBatch(ctx, "batch_1", "worker_1")
	if err != nil {
		t.Fatalf("Failed to claim batch: %v", err)
	}
	if claimed == nil || claimed.Status != models.BatchStatusRunning || claimed.WorkerID != "worker_1" {
		t.Fatalf("Unexpected claimed batch: %+v", claimed)
	}
	if claimed.StartedAt == nil {
		t.Error("Claimed batch should have StartedAt")
	}

	// Second claim loses
	again, err := store.ClaimBatch(ctx, "batch_1", "worker_2")
	if err != nil {
		t.Fatalf("Re-claim errored: %v", err)
	}
	if again != nil {
		t.Errorf("Expected nil for already-claimed batch, got %+v", again)
	}

	result := &models.BatchResult{}
	result.RecordSuccess()
	result.RecordSuccess()
	result.RecordError(`{"n":2}`, "decode failed")
	if err := store.CompleteBatch(ctx, "batch_1", result); err != nil {
		t.Fatalf("Failed to complete batch: %v", err)
	}

	batch, _ := store.GetBatch(ctx, "batch_1")
	if batch.Status != models.BatchStatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", batch.Status)
	}
	if batch.ProcessedCount != 3 || batch.SuccessCount != 2 || batch.ErrorCount != 1 {
		t.Errorf("Unexpected counters: %d/%d/%d", batch.ProcessedCount, batch.SuccessCount, batch.ErrorCount)
	}

	if _, err := store.ClaimBatch(ctx, "batch_2", "worker_1"); err != nil {
		t.Fatal(err)
	}
	if err := store.FailBatch(ctx, "batch_2", "storage offline"); err != nil {
		t.Fatalf("Failed to fail batch: %v", err)
	}
	batch, _ = store.GetBatch(ctx, "batch_2")
	if batch.Status != models.BatchStatusFailed || batch.ErrorMessage != "storage offline" {
		t.Errorf("Unexpected failed batch: %+v", batch)
	}
}

func TestClaimBatchConcurrency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	batch := models.NewJobBatch("batch_1", "job_1", "cat_1", "scan", 1, 1, testBatchItems(1))
	if err := store.CreateBatches(ctx, []*models.JobBatch{batch}); err != nil {
		t.Fatal(err)
	}

	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			claimed, err := store.ClaimBatch(ctx, "batch_1", workerID)
			if err != nil {
				t.Errorf("Claim errored: %v", err)
				return
			}
			if claimed != nil {
				wins <- workerID
			}
		}("worker_" + string(rune('a'+i)))
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("Expected exactly one winning claim, got %d", len(winners))
	}

	claimed, _ := store.GetBatch(ctx, "batch_1")
	if claimed.WorkerID != winners[0] {
		t.Errorf("Stored worker %s does not match winner %s", claimed.WorkerID, winners[0])
	}
}

func TestCancelPendingBatches(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	batches := []*models.JobBatch{
		models.NewJobBatch("batch_1", "job_1", "cat_1", "scan", 1, 3, testBatchItems(1)),
		models.NewJobBatch("batch_2", "job_1", "cat_1", "scan", 2, 3, testBatchItems(1)),
		models.NewJobBatch("batch_3", "job_1", "cat_1", "scan", 3, 3, testBatchItems(1)),
	}
	if err := store.CreateBatches(ctx, batches); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimBatch(ctx, "batch_1", "worker_1"); err != nil {
		t.Fatal(err)
	}

	cancelled, err := store.CancelPendingBatches(ctx, "job_1")
	if err != nil {
		t.Fatalf("Failed to cancel batches: %v", err)
	}
	if cancelled != 2 {
		t.Errorf("Expected 2 cancelled batches, got %d", cancelled)
	}

	running, _ := store.GetBatch(ctx, "batch_1")
	if running.Status != models.BatchStatusRunning {
		t.Errorf("Claimed batch should stay RUNNING, got %s", running.Status)
	}
	for _, id := range []string{"batch_2", "batch_3"} {
		batch, _ := store.GetBatch(ctx, id)
		if batch.Status != models.BatchStatusCancelled {
			t.Errorf("Batch %s expected CANCELLED, got %s", id, batch.Status)
		}
	}
}

func TestAggregateBatchProgress(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	batches := []*models.JobBatch{
		models.NewJobBatch("batch_1", "job_1", "cat_1", "scan", 1, 3, testBatchItems(3)),
		models.NewJobBatch("batch_2", "job_1", "cat_1", "scan", 2, 3, testBatchItems(3)),
		models.NewJobBatch("batch_3", "job_1", "cat_1", "scan", 3, 3, testBatchItems(2)),
	}
	if err := store.CreateBatches(ctx, batches); err != nil {
		t.Fatal(err)
	}

	if _, err := store.ClaimBatch(ctx, "batch_1", "worker_1"); err != nil {
		t.Fatal(err)
	}
	result := &models.BatchResult{}
	result.RecordSuccess()
	result.RecordSuccess()
	result.RecordError(`{}`, "bad item")
	if err := store.CompleteBatch(ctx, "batch_1", result); err != nil {
		t.Fatal(err)
	}

	if _, err := store.ClaimBatch(ctx, "batch_2", "worker_1"); err != nil {
		t.Fatal(err)
	}
	if err := store.FailBatch(ctx, "batch_2", "boom"); err != nil {
		t.Fatal(err)
	}

	agg, err := store.AggregateBatchProgress(ctx, "job_1")
	if err != nil {
		t.Fatalf("Failed to aggregate: %v", err)
	}
	if agg.TotalBatches != 3 || agg.CompletedBatches != 1 || agg.FailedBatches != 1 {
		t.Errorf("Unexpected batch counts: %+v", agg)
	}
	if agg.TotalItems != 8 || agg.ProcessedItems != 3 || agg.SuccessItems != 2 || agg.ErrorItems != 1 {
		t.Errorf("Unexpected item counts: %+v", agg)
	}
	if agg.Done() {
		t.Error("Aggregate with pending batches should not be done")
	}
}

func TestIsCancelled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := models.NewJob("job_1", "cat_1", "scan", nil)
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	if cancelled, err := store.IsCancelled(ctx, "job_1"); err != nil || cancelled {
		t.Errorf("PENDING job should not read as cancelled: %v / %v", cancelled, err)
	}
	if cancelled, err := store.IsCancelled(ctx, "job_nope"); err != nil || cancelled {
		t.Errorf("Missing job should not read as cancelled: %v / %v", cancelled, err)
	}

	if err := store.CompleteJob(ctx, "job_1", models.JobStatusFailure, nil, "Job cancelled by user"); err != nil {
		t.Fatal(err)
	}
	if cancelled, err := store.IsCancelled(ctx, "job_1"); err != nil || !cancelled {
		t.Errorf("FAILURE job should read as cancelled: %v / %v", cancelled, err)
	}

	job2 := models.NewJob("job_2", "cat_1", "scan", nil)
	if err := store.CreateJob(ctx, job2); err != nil {
		t.Fatal(err)
	}
	if err := store.CompleteJob(ctx, "job_2", models.JobStatusSuccess, nil, ""); err != nil {
		t.Fatal(err)
	}
	if cancelled, _ := store.IsCancelled(ctx, "job_2"); cancelled {
		t.Error("SUCCESS job should not read as cancelled")
	}
}

func TestCleanupOldJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := models.NewJob("job_old", "cat_1", "scan", nil)
	recent := models.NewJob("job_recent", "cat_1", "scan", nil)
	pending := models.NewJob("job_pending", "cat_1", "scan", nil)
	for _, job := range []*models.Job{old, recent, pending} {
		if err := store.CreateJob(ctx, job); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.CreateBatches(ctx, []*models.JobBatch{
		models.NewJobBatch("batch_old", "job_old", "cat_1", "scan", 1, 1, testBatchItems(1)),
	}); err != nil {
		t.Fatal(err)
	}

	if err := store.CompleteJob(ctx, "job_old", models.JobStatusSuccess, nil, ""); err != nil {
		t.Fatal(err)
	}
	if err := store.CompleteJob(ctx, "job_recent", models.JobStatusFailure, nil, "boom"); err != nil {
		t.Fatal(err)
	}

	// Backdate the old job's completion past the retention window
	loaded, _ := store.GetJob(ctx, "job_old")
	backdated := time.Now().UTC().Add(-48 * time.Hour)
	loaded.CompletedAt = &backdated
	if err := store.db.Store().Update("job_old", loaded); err != nil {
		t.Fatal(err)
	}

	removed, err := store.CleanupOldJobs(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed job, got %d", removed)
	}

	if job, _ := store.GetJob(ctx, "job_old"); job != nil {
		t.Error("Old job should be deleted")
	}
	if batch, _ := store.GetBatch(ctx, "batch_old"); batch != nil {
		t.Error("Old job's batches should be deleted")
	}
	if job, _ := store.GetJob(ctx, "job_recent"); job == nil {
		t.Error("Recent terminal job should survive")
	}
	if job, _ := store.GetJob(ctx, "job_pending"); job == nil {
		t.Error("Non-terminal job should survive")
	}
}
