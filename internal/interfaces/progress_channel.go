package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/aperture/internal/models"
)

// ProgressSubscription delivers progress payloads for one job. Updates is
// closed when the subscription is cancelled or the channel shuts down.
type ProgressSubscription interface {
	Updates() <-chan *models.ProgressPayload
	Close() error
}

// ProgressChannel publishes and serves job progress. Publish failures are
// absorbed by implementations (logged, reported via the bool return) so a
// progress outage never fails the job itself.
type ProgressChannel interface {
	// PublishProgress stores and broadcasts a running-progress payload
	PublishProgress(ctx context.Context, jobID string, current, total int, message, phase string) bool

	// PublishCompletion stores and broadcasts a terminal payload
	PublishCompletion(ctx context.Context, jobID string, status models.JobStatus, result map[string]interface{}) bool

	// GetLastProgress returns the most recent payload, or nil when none exists
	GetLastProgress(ctx context.Context, jobID string) (*models.ProgressPayload, error)

	// Subscribe opens a live feed for one job's progress events
	Subscribe(ctx context.Context, jobID string) (ProgressSubscription, error)

	// CleanupOld deletes stored progress older than maxAge, returning the count
	CleanupOld(ctx context.Context, maxAge time.Duration) (int, error)

	Close() error
}
