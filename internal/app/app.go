package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperture/internal/analysis"
	"github.com/ternarybob/aperture/internal/common"
	"github.com/ternarybob/aperture/internal/definitions"
	"github.com/ternarybob/aperture/internal/handlers"
	"github.com/ternarybob/aperture/internal/interfaces"
	"github.com/ternarybob/aperture/internal/jobs"
	"github.com/ternarybob/aperture/internal/progress"
	"github.com/ternarybob/aperture/internal/storage"
)

const shutdownDrainTimeout = 30 * time.Second

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Storage  *storage.Manager
	Progress interfaces.ProgressChannel

	// Job execution core
	Registry   *jobs.Registry
	Pool       *jobs.Pool
	Controller *jobs.Controller
	JobService interfaces.JobService

	// HTTP handlers
	JobHandler      *handlers.JobHandler
	ProgressHandler *handlers.ProgressWSHandler

	cleanup *cron.Cron
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	if logger == nil {
		logger = common.GetLogger()
	}

	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initProgress(); err != nil {
		app.Storage.Close()
		return nil, fmt.Errorf("failed to initialize progress channel: %w", err)
	}

	if err := app.initJobs(); err != nil {
		app.Progress.Close()
		app.Storage.Close()
		return nil, err
	}

	app.initHandlers()

	if err := app.initCleanup(); err != nil {
		logger.Warn().Err(err).Msg("Job cleanup schedule disabled")
	}

	logger.Info().
		Str("storage", cfg.Storage.Type).
		Str("progress_backend", cfg.Progress.Backend).
		Int("max_workers", cfg.Jobs.MaxWorkers).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage creates the configured storage backend
func (a *App) initStorage() error {
	manager, err := storage.NewManager(a.Logger, a.Config)
	if err != nil {
		return err
	}
	a.Storage = manager
	return nil
}

// initProgress selects the progress channel backend. The Postgres channel
// shares the storage connection; embedded storage always runs in-memory.
func (a *App) initProgress() error {
	switch a.Config.Progress.Backend {
	case "postgres":
		if a.Storage.DB() == nil {
			return fmt.Errorf("progress backend 'postgres' requires storage.type 'postgres'")
		}
		a.Progress = progress.NewPostgresChannel(a.Storage.DB(), a.Storage.DSN(), a.Logger)
		a.Logger.Debug().Msg("Postgres progress channel initialized")
	case "memory", "":
		a.Progress = progress.NewMemoryChannel(a.Logger)
		a.Logger.Debug().Msg("In-memory progress channel initialized")
	default:
		return fmt.Errorf("unsupported progress backend: %s", a.Config.Progress.Backend)
	}
	return nil
}

// initJobs wires the registry, worker pool, controller and service
func (a *App) initJobs() error {
	a.Registry = jobs.NewRegistry()
	if err := definitions.RegisterBuiltins(a.Registry, a.Storage.Catalog, analysis.NewExifReader()); err != nil {
		return fmt.Errorf("failed to register job definitions: %w", err)
	}
	a.Logger.Debug().Strs("job_types", a.Registry.List()).Msg("Job definitions registered")

	a.Pool = jobs.NewPool(a.Config.Jobs.MaxWorkers, a.Logger)

	opts := jobs.ControllerOptions{
		RetryDelay:                  a.Config.RetryDelay(),
		DefaultMaxRetries:           a.Config.Jobs.MaxRetries,
		ConsecutiveFailureThreshold: a.Config.Jobs.ConsecutiveFailureThreshold,
		JobTimeout:                  a.Config.JobTimeout(),
	}
	a.Controller = jobs.NewController(a.Registry, a.Storage.Jobs, a.Progress, a.Pool, opts, a.Logger)
	a.JobService = jobs.NewService(a.Registry, a.Storage.Jobs, a.Controller, a.Pool, a.Logger)
	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	a.JobHandler = handlers.NewJobHandler(a.JobService, a.Progress, a.Logger)
	a.ProgressHandler = handlers.NewProgressWSHandler(a.Progress, a.Logger)
}

// initCleanup schedules the terminal-job and progress garbage collector
func (a *App) initCleanup() error {
	schedule := a.Config.Jobs.CleanupSchedule
	if schedule == "" {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		maxAge := a.Config.CleanupMaxAge()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		removed, err := a.Storage.Jobs.CleanupOldJobs(ctx, maxAge)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Job cleanup failed")
		} else if removed > 0 {
			a.Logger.Info().Int("jobs", removed).Str("max_age", maxAge.String()).Msg("Old jobs removed")
		}

		purged, err := a.Progress.CleanupOld(ctx, maxAge)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Progress cleanup failed")
		} else if purged > 0 {
			a.Logger.Info().Int("entries", purged).Msg("Old progress entries removed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}

	c.Start()
	a.cleanup = c
	a.Logger.Debug().Str("schedule", schedule).Msg("Job cleanup scheduled")
	return nil
}

// Close shuts down all application resources in dependency order
func (a *App) Close() error {
	if a.cleanup != nil {
		ctx := a.cleanup.Stop()
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			a.Logger.Warn().Msg("Cleanup job still running at shutdown")
		}
	}

	if a.Pool != nil {
		a.Logger.Info().Msg("Draining worker pool")
		a.Pool.Shutdown(true, shutdownDrainTimeout)
	}

	if a.Progress != nil {
		if err := a.Progress.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close progress channel")
		}
	}

	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
