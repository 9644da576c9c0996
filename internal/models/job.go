package models

import (
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending  JobStatus = "PENDING"
	JobStatusProgress JobStatus = "PROGRESS"
	JobStatusSuccess  JobStatus = "SUCCESS"
	JobStatusFailure  JobStatus = "FAILURE"

	// JobStatusStarted is accepted from legacy clients and treated as PROGRESS
	JobStatusStarted JobStatus = "STARTED"
)

// NormalizeJobStatus maps legacy status aliases onto the canonical set
func NormalizeJobStatus(s JobStatus) JobStatus {
	if s == JobStatusStarted {
		return JobStatusProgress
	}
	return s
}

// IsTerminal returns true for SUCCESS and FAILURE
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailure
}

// ProgressSnapshot is the denormalized progress stored on a job record
type ProgressSnapshot struct {
	Current int    `json:"current" badgerhold:"current"`
	Total   int    `json:"total"`
	Percent int    `json:"percent"`
	Phase   string `json:"phase,omitempty"`
	Message string `json:"message,omitempty"`
}

// Job represents a unit of catalog work tracked in the job store.
// Parameters are immutable after creation; requeues create a new job.
type Job struct {
	ID          string                 `json:"id" badgerhold:"key"`
	CatalogID   string                 `json:"catalog_id,omitempty" badgerhold:"index"`
	Type        string                 `json:"job_type" badgerhold:"index"`
	Status      JobStatus              `json:"status" badgerhold:"index"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Progress    ProgressSnapshot       `json:"progress"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// NewJob creates a PENDING job with the given type and parameters
func NewJob(id, catalogID, jobType string, params map[string]interface{}) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:         id,
		CatalogID:  catalogID,
		Type:       jobType,
		Status:     JobStatusPending,
		Parameters: params,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// MarkStarted transitions the job to PROGRESS
func (j *Job) MarkStarted() {
	j.Status = JobStatusProgress
	j.UpdatedAt = time.Now().UTC()
}

// MarkCompleted transitions the job to SUCCESS with a result payload
func (j *Job) MarkCompleted(result map[string]interface{}) {
	now := time.Now().UTC()
	j.Status = JobStatusSuccess
	j.Result = result
	j.UpdatedAt = now
	j.CompletedAt = &now
}

// MarkFailed transitions the job to FAILURE with an error message
func (j *Job) MarkFailed(errMsg string) {
	now := time.Now().UTC()
	j.Status = JobStatusFailure
	j.Error = errMsg
	j.UpdatedAt = now
	j.CompletedAt = &now
}

// IsTerminal returns true when the job has reached a final state
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// GetParamString returns a string parameter with a default fallback
func (j *Job) GetParamString(key, defaultValue string) string {
	if v, ok := j.Parameters[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultValue
}

// GetParamInt returns an int parameter with a default fallback.
// JSON round-trips deliver numbers as float64, so both are accepted.
func (j *Job) GetParamInt(key string, defaultValue int) int {
	if v, ok := j.Parameters[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return defaultValue
}

// GetParamBool returns a bool parameter with a default fallback
func (j *Job) GetParamBool(key string, defaultValue bool) bool {
	if v, ok := j.Parameters[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultValue
}
