package models

import (
	"encoding/json"
	"time"
)

// BatchStatus represents the lifecycle state of a work batch
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "PENDING"
	BatchStatusRunning   BatchStatus = "RUNNING"
	BatchStatusCompleted BatchStatus = "COMPLETED"
	BatchStatusFailed    BatchStatus = "FAILED"
	BatchStatusCancelled BatchStatus = "CANCELLED"
)

// IsTerminal returns true for COMPLETED, FAILED and CANCELLED
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed || s == BatchStatusCancelled
}

// JobBatch is one partition of a job's discovered work items.
// Work items are opaque JSON values; only the owning job definition
// knows their shape.
type JobBatch struct {
	ID             string                 `json:"id" badgerhold:"key"`
	ParentJobID    string                 `json:"parent_job_id" badgerhold:"index"`
	CatalogID      string                 `json:"catalog_id,omitempty"`
	JobType        string                 `json:"job_type"`
	BatchNumber    int                    `json:"batch_number"`
	TotalBatches   int                    `json:"total_batches"`
	Status         BatchStatus            `json:"status" badgerhold:"index"`
	WorkItems      []json.RawMessage      `json:"work_items"`
	ItemsCount     int                    `json:"items_count"`
	WorkerID       string                 `json:"worker_id,omitempty"`
	ProcessedCount int                    `json:"processed_count"`
	SuccessCount   int                    `json:"success_count"`
	ErrorCount     int                    `json:"error_count"`
	Results        map[string]interface{} `json:"results,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// NewJobBatch creates a PENDING batch for the given slice of work items
func NewJobBatch(id, parentJobID, catalogID, jobType string, batchNumber, totalBatches int, items []json.RawMessage) *JobBatch {
	return &JobBatch{
		ID:           id,
		ParentJobID:  parentJobID,
		CatalogID:    catalogID,
		JobType:      jobType,
		BatchNumber:  batchNumber,
		TotalBatches: totalBatches,
		Status:       BatchStatusPending,
		WorkItems:    items,
		ItemsCount:   len(items),
		UpdatedAt:    time.Now().UTC(),
	}
}

// ItemError records a single work item failure inside a batch
type ItemError struct {
	Item  string `json:"item"`
	Error string `json:"error"`
}

// BatchResult accumulates per-item outcomes while a batch is processed
type BatchResult struct {
	ProcessedCount int                    `json:"processed_count"`
	SuccessCount   int                    `json:"success_count"`
	ErrorCount     int                    `json:"error_count"`
	Errors         []ItemError            `json:"errors,omitempty"`
	Results        map[string]interface{} `json:"results,omitempty"`
}

// RecordSuccess counts one successfully processed item
func (r *BatchResult) RecordSuccess() {
	r.ProcessedCount++
	r.SuccessCount++
}

// RecordError counts one failed item and keeps its error message
func (r *BatchResult) RecordError(item, errMsg string) {
	r.ProcessedCount++
	r.ErrorCount++
	r.Errors = append(r.Errors, ItemError{Item: item, Error: errMsg})
}

// MergeResult folds a key/value pair into the batch's result map
func (r *BatchResult) MergeResult(key string, value interface{}) {
	if r.Results == nil {
		r.Results = make(map[string]interface{})
	}
	r.Results[key] = value
}

// AggregateProgress summarizes batch completion across a whole job
type AggregateProgress struct {
	TotalBatches     int `json:"total_batches"`
	CompletedBatches int `json:"completed_batches"`
	FailedBatches    int `json:"failed_batches"`
	TotalItems       int `json:"total_items"`
	ProcessedItems   int `json:"processed_items"`
	SuccessItems     int `json:"success_items"`
	ErrorItems       int `json:"error_items"`
}

// Done reports whether every batch has reached a terminal state
func (a AggregateProgress) Done() bool {
	return a.CompletedBatches+a.FailedBatches >= a.TotalBatches
}
