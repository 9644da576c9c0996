package models

import (
	"encoding/json"
	"time"
)

// ProgressTimestampLayout is the wire format for progress timestamps:
// ISO-8601 with microseconds and no timezone suffix, always UTC.
const ProgressTimestampLayout = "2006-01-02T15:04:05.000000"

// ProgressPayload is the JSON document published on the progress channel
// and stored as the job's last-known progress snapshot.
type ProgressPayload struct {
	JobID     string                 `json:"job_id"`
	Status    JobStatus              `json:"status"`
	Progress  ProgressSnapshot       `json:"progress"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

// NewProgressPayload builds a payload for a running job
func NewProgressPayload(jobID string, current, total int, message, phase string) *ProgressPayload {
	return &ProgressPayload{
		JobID:  jobID,
		Status: JobStatusProgress,
		Progress: ProgressSnapshot{
			Current: current,
			Total:   total,
			Percent: PercentComplete(current, total),
			Phase:   phase,
			Message: message,
		},
		Timestamp: time.Now().UTC().Format(ProgressTimestampLayout),
	}
}

// NewCompletionPayload builds a terminal payload. For SUCCESS the result map
// is carried as-is; for FAILURE it holds {"error": message}.
func NewCompletionPayload(jobID string, status JobStatus, result map[string]interface{}) *ProgressPayload {
	return &ProgressPayload{
		JobID:  jobID,
		Status: status,
		Progress: ProgressSnapshot{
			Current: 100,
			Total:   100,
			Percent: 100,
		},
		Result:    result,
		Timestamp: time.Now().UTC().Format(ProgressTimestampLayout),
	}
}

// PercentComplete computes floor(100*current/total), clamped to [0,100].
// A zero total reports 0 so indeterminate phases render an empty bar.
func PercentComplete(current, total int) int {
	if total <= 0 {
		return 0
	}
	pct := current * 100 / total
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Encode serializes the payload for NOTIFY delivery and storage
func (p *ProgressPayload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodeProgressPayload parses a payload received from the channel
func DecodeProgressPayload(data []byte) (*ProgressPayload, error) {
	var payload ProgressPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	payload.Status = NormalizeJobStatus(payload.Status)
	return &payload, nil
}
