package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewBatchID generates a unique batch ID with the "batch_" prefix
// Format: batch_<uuid>
func NewBatchID() string {
	return "batch_" + uuid.New().String()
}

// NewImageID generates a unique image ID with the "img_" prefix
// Format: img_<uuid>
func NewImageID() string {
	return "img_" + uuid.New().String()
}

// NewWorkerID generates a unique worker ID with the "worker_" prefix
// Format: worker_<uuid>
func NewWorkerID() string {
	return "worker_" + uuid.New().String()
}
