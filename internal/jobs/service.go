package jobs

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperture/internal/common"
	"github.com/ternarybob/aperture/internal/interfaces"
	"github.com/ternarybob/aperture/internal/models"
)

// Service is the inbound facade over the job execution core: validation,
// creation and dispatch on submit; lookups, cancellation and health.
type Service struct {
	registry   *Registry
	store      interfaces.JobStore
	controller *Controller
	pool       *Pool
	logger     arbor.ILogger
}

// NewService creates the job service facade
func NewService(registry *Registry, store interfaces.JobStore, controller *Controller, pool *Pool, logger arbor.ILogger) *Service {
	if logger == nil {
		logger = common.GetLogger()
	}
	return &Service{
		registry:   registry,
		store:      store,
		controller: controller,
		pool:       pool,
		logger:     logger,
	}
}

// Submit validates the job type, creates a PENDING job and dispatches it.
// Each submission creates a distinct job; resubmitting the same request
// yields a new job ID.
func (s *Service) Submit(ctx context.Context, jobType, catalogID string, params map[string]interface{}) (string, error) {
	if !s.registry.Has(jobType) {
		return "", fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}

	job := models.NewJob(common.NewJobID(), catalogID, jobType, params)
	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	if err := s.controller.Dispatch(job.ID); err != nil {
		s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusFailure, err.Error())
		return "", fmt.Errorf("failed to dispatch job: %w", err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", jobType).
		Str("catalog_id", catalogID).
		Msg("Job submitted")
	return job.ID, nil
}

// Get returns the stored job record
func (s *Service) Get(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, nil
}

// List returns jobs matching the filter, newest first
func (s *Service) List(ctx context.Context, filter interfaces.JobFilter) ([]*models.Job, error) {
	return s.store.ListJobs(ctx, filter)
}

// Cancel requests cooperative cancellation of a non-terminal job
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	return s.controller.Cancel(ctx, jobID)
}

// Health reports execution backend status. The backend name is kept as
// "threading" for wire compatibility with existing clients.
func (s *Service) Health(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{
		"status":      "healthy",
		"backend":     "threading",
		"max_workers": s.pool.Size(),
		"active_jobs": s.controller.Active(),
		"job_types":   s.registry.List(),
	}
}
