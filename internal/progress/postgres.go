package progress

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperture/internal/common"
	"github.com/ternarybob/aperture/internal/interfaces"
	"github.com/ternarybob/aperture/internal/models"
)

const (
	notifyChannelPrefix = "job_progress_"

	listenerMinReconnect = 2 * time.Second
	listenerMaxReconnect = 30 * time.Second

	// pollInterval drives the fallback poll that covers notifications lost
	// across listener reconnects
	pollInterval = 2 * time.Second
)

// PostgresChannel publishes progress through the job_progress table and
// pg_notify, both written in one transaction so listeners never observe a
// notification without its stored row.
type PostgresChannel struct {
	db     *sql.DB
	dsn    string
	logger arbor.ILogger
}

// NewPostgresChannel creates a Postgres-backed progress channel
func NewPostgresChannel(db *sql.DB, dsn string, logger arbor.ILogger) *PostgresChannel {
	if logger == nil {
		logger = common.GetLogger()
	}
	return &PostgresChannel{db: db, dsn: dsn, logger: logger}
}

// PublishProgress stores and broadcasts a running-progress payload.
// Failures are logged and reported via the return value; they never
// propagate into job execution.
func (c *PostgresChannel) PublishProgress(ctx context.Context, jobID string, current, total int, message, phase string) bool {
	payload := models.NewProgressPayload(jobID, current, total, message, phase)
	return c.publish(ctx, jobID, payload)
}

// PublishCompletion stores and broadcasts a terminal payload
func (c *PostgresChannel) PublishCompletion(ctx context.Context, jobID string, status models.JobStatus, result map[string]interface{}) bool {
	payload := models.NewCompletionPayload(jobID, status, result)
	return c.publish(ctx, jobID, payload)
}

func (c *PostgresChannel) publish(ctx context.Context, jobID string, payload *models.ProgressPayload) bool {
	data, err := payload.Encode()
	if err != nil {
		c.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to encode progress payload")
		return false
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		c.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to begin progress transaction")
		return false
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_progress (job_id, progress_data, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (job_id) DO UPDATE SET
			progress_data = EXCLUDED.progress_data,
			updated_at = EXCLUDED.updated_at`,
		jobID, data)
	if err != nil {
		c.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to upsert job progress")
		return false
	}

	_, err = tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannelPrefix+jobID, string(data))
	if err != nil {
		c.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to notify progress channel")
		return false
	}

	if err := tx.Commit(); err != nil {
		c.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to commit progress transaction")
		return false
	}
	return true
}

// GetLastProgress returns the most recent payload, or nil when none exists
func (c *PostgresChannel) GetLastProgress(ctx context.Context, jobID string) (*models.ProgressPayload, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT progress_data FROM job_progress WHERE job_id = $1`, jobID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job progress: %w", err)
	}
	return models.DecodeProgressPayload(data)
}

type postgresSubscription struct {
	updates chan *models.ProgressPayload
	cancel  context.CancelFunc
	once    sync.Once
	done    chan struct{}
}

func (s *postgresSubscription) Updates() <-chan *models.ProgressPayload {
	return s.updates
}

func (s *postgresSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// Subscribe opens a LISTEN on job_progress_<job_id> with a poll fallback.
// The subscription goroutine owns the listener and closes Updates on exit.
func (c *PostgresChannel) Subscribe(ctx context.Context, jobID string) (interfaces.ProgressSubscription, error) {
	listener := pq.NewListener(c.dsn, listenerMinReconnect, listenerMaxReconnect,
		func(event pq.ListenerEventType, err error) {
			if err != nil {
				c.logger.Warn().Str("job_id", jobID).Err(err).Msg("Progress listener event")
			}
		})

	channel := notifyChannelPrefix + jobID
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &postgresSubscription{
		updates: make(chan *models.ProgressPayload, subscriberBuffer),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go c.consume(subCtx, jobID, listener, sub)

	return sub, nil
}

func (c *PostgresChannel) consume(ctx context.Context, jobID string, listener *pq.Listener, sub *postgresSubscription) {
	defer func() {
		listener.Close()
		close(sub.updates)
		close(sub.done)
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastTimestamp string

	deliver := func(payload *models.ProgressPayload) {
		if payload == nil || payload.Timestamp == lastTimestamp {
			return
		}
		lastTimestamp = payload.Timestamp
		select {
		case sub.updates <- payload:
		case <-ctx.Done():
		}
	}

	// Seed with the stored snapshot so late subscribers see current state
	if payload, err := c.GetLastProgress(ctx, jobID); err == nil {
		deliver(payload)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// Reconnect marker: the poll tick covers anything missed
				continue
			}
			payload, err := models.DecodeProgressPayload([]byte(n.Extra))
			if err != nil {
				c.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to decode progress notification")
				continue
			}
			deliver(payload)
		case <-ticker.C:
			payload, err := c.GetLastProgress(ctx, jobID)
			if err != nil {
				c.logger.Warn().Str("job_id", jobID).Err(err).Msg("Progress poll failed")
				continue
			}
			deliver(payload)
		}
	}
}

// CleanupOld deletes stored progress older than maxAge
func (c *PostgresChannel) CleanupOld(ctx context.Context, maxAge time.Duration) (int, error) {
	result, err := c.db.ExecContext(ctx,
		`DELETE FROM job_progress WHERE updated_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int(maxAge.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up job progress: %w", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// Close is a no-op; the shared *sql.DB is owned by the storage layer
func (c *PostgresChannel) Close() error {
	return nil
}
