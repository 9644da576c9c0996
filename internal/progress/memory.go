package progress

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperture/internal/common"
	"github.com/ternarybob/aperture/internal/interfaces"
	"github.com/ternarybob/aperture/internal/models"
)

// subscriberBuffer bounds each subscriber's update channel. Slow consumers
// lose intermediate snapshots rather than blocking publishers.
const subscriberBuffer = 64

type memorySubscription struct {
	channel *MemoryChannel
	jobID   string
	updates chan *models.ProgressPayload
	once    sync.Once
}

func (s *memorySubscription) Updates() <-chan *models.ProgressPayload {
	return s.updates
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.channel.unsubscribe(s.jobID, s)
	})
	return nil
}

type storedPayload struct {
	payload   *models.ProgressPayload
	updatedAt time.Time
}

// MemoryChannel is the in-process progress backend used for db-less runs
// and tests. Payload semantics match the Postgres backend.
type MemoryChannel struct {
	mu          sync.RWMutex
	last        map[string]*storedPayload
	subscribers map[string][]*memorySubscription
	closed      bool
	logger      arbor.ILogger
}

// NewMemoryChannel creates an in-memory progress channel
func NewMemoryChannel(logger arbor.ILogger) *MemoryChannel {
	if logger == nil {
		logger = common.GetLogger()
	}
	return &MemoryChannel{
		last:        make(map[string]*storedPayload),
		subscribers: make(map[string][]*memorySubscription),
		logger:      logger,
	}
}

// PublishProgress stores and broadcasts a running-progress payload
func (c *MemoryChannel) PublishProgress(ctx context.Context, jobID string, current, total int, message, phase string) bool {
	payload := models.NewProgressPayload(jobID, current, total, message, phase)
	return c.publish(jobID, payload)
}

// PublishCompletion stores and broadcasts a terminal payload
func (c *MemoryChannel) PublishCompletion(ctx context.Context, jobID string, status models.JobStatus, result map[string]interface{}) bool {
	payload := models.NewCompletionPayload(jobID, status, result)
	return c.publish(jobID, payload)
}

func (c *MemoryChannel) publish(jobID string, payload *models.ProgressPayload) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.last[jobID] = &storedPayload{payload: payload, updatedAt: time.Now().UTC()}
	subs := make([]*memorySubscription, len(c.subscribers[jobID]))
	copy(subs, c.subscribers[jobID])
	c.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.updates <- payload:
		default:
			// Slow consumer: drop this snapshot, the next one supersedes it
		}
	}
	return true
}

// GetLastProgress returns the most recent payload, or nil when none exists
func (c *MemoryChannel) GetLastProgress(ctx context.Context, jobID string) (*models.ProgressPayload, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if stored, ok := c.last[jobID]; ok {
		return stored.payload, nil
	}
	return nil, nil
}

// Subscribe opens a live feed for one job's progress events
func (c *MemoryChannel) Subscribe(ctx context.Context, jobID string) (interfaces.ProgressSubscription, error) {
	sub := &memorySubscription{
		channel: c,
		jobID:   jobID,
		updates: make(chan *models.ProgressPayload, subscriberBuffer),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(sub.updates)
		return sub, nil
	}
	c.subscribers[jobID] = append(c.subscribers[jobID], sub)
	c.mu.Unlock()

	return sub, nil
}

func (c *MemoryChannel) unsubscribe(jobID string, sub *memorySubscription) {
	c.mu.Lock()
	found := false
	subs := c.subscribers[jobID]
	for i, s := range subs {
		if s == sub {
			c.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			found = true
			break
		}
	}
	if len(c.subscribers[jobID]) == 0 {
		delete(c.subscribers, jobID)
	}
	c.mu.Unlock()

	// Channel.Close already closed the updates channel for removed subs
	if found {
		close(sub.updates)
	}
}

// CleanupOld deletes stored progress older than maxAge
func (c *MemoryChannel) CleanupOld(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for jobID, stored := range c.last {
		if stored.updatedAt.Before(cutoff) {
			delete(c.last, jobID)
			removed++
		}
	}
	return removed, nil
}

// Close shuts down the channel and all subscriptions
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subscribers
	c.subscribers = make(map[string][]*memorySubscription)
	c.mu.Unlock()

	for _, jobSubs := range subs {
		for _, sub := range jobSubs {
			close(sub.updates)
		}
	}
	return nil
}
