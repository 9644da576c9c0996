package interfaces

import (
	"context"

	"github.com/ternarybob/aperture/internal/models"
)

// JobService is the inbound facade over the job execution core
type JobService interface {
	// Submit validates the job type, creates a PENDING job and dispatches it
	// to the worker pool. Returns the new job ID.
	Submit(ctx context.Context, jobType, catalogID string, params map[string]interface{}) (string, error)

	// Get returns the stored job record
	Get(ctx context.Context, jobID string) (*models.Job, error)

	// List returns jobs matching the filter, newest first
	List(ctx context.Context, filter JobFilter) ([]*models.Job, error)

	// Cancel requests cooperative cancellation of a non-terminal job
	Cancel(ctx context.Context, jobID string) error

	// Health reports execution backend status
	Health(ctx context.Context) map[string]interface{}
}
