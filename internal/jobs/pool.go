package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperture/internal/common"
)

// Task is a unit of work dispatched on the pool. The context is cancelled
// when the task is cancelled or the pool shuts down.
type Task func(ctx context.Context) error

// TaskHandle tracks one submitted task through its lifetime
type TaskHandle struct {
	JobID  string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Done returns a channel closed when the task finishes
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task's final error, valid after Done is closed
func (h *TaskHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel signals the task's context
func (h *TaskHandle) Cancel() {
	h.cancel()
}

type queuedTask struct {
	handle *TaskHandle
	ctx    context.Context
	task   Task
}

// Pool is a bounded worker pool with FIFO dispatch. Submission blocks when
// the queue is full, providing backpressure to callers.
type Pool struct {
	queue   chan *queuedTask
	workers int
	wg      sync.WaitGroup
	taskWg  sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  arbor.ILogger

	mu      sync.Mutex
	active  map[string]*TaskHandle
	stopped bool
}

// NewPool creates and starts a pool with the given number of workers
func NewPool(workers int, logger arbor.ILogger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = common.GetLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:   make(chan *queuedTask, workers*2),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		active:  make(map[string]*TaskHandle),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	logger.Debug().Int("workers", workers).Msg("Worker pool started")
	return p
}

// Submit queues a task for execution. Blocks when the queue is full and
// fails only when the pool is shutting down. Each job ID may be in flight
// at most once.
func (p *Pool) Submit(jobID string, task Task) (*TaskHandle, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	}
	if _, exists := p.active[jobID]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("job %s is already running", jobID)
	}

	taskCtx, taskCancel := context.WithCancel(p.ctx)
	handle := &TaskHandle{
		JobID:  jobID,
		cancel: taskCancel,
		done:   make(chan struct{}),
	}
	p.active[jobID] = handle
	p.taskWg.Add(1)
	p.mu.Unlock()

	select {
	case p.queue <- &queuedTask{handle: handle, ctx: taskCtx, task: task}:
		return handle, nil
	case <-p.ctx.Done():
		p.release(jobID)
		p.taskWg.Done()
		taskCancel()
		close(handle.done)
		return nil, ErrPoolShutdown
	}
}

// Cancel signals the running task for a job ID. Returns false when the
// job is not in flight.
func (p *Pool) Cancel(jobID string) bool {
	p.mu.Lock()
	handle, exists := p.active[jobID]
	p.mu.Unlock()

	if !exists {
		return false
	}
	handle.Cancel()
	return true
}

// Active returns the job IDs currently queued or running, sorted
func (p *Pool) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Size returns the pool's worker capacity
func (p *Pool) Size() int {
	return p.workers
}

// Shutdown stops accepting work. With wait=true it blocks until queued and
// in-flight tasks finish or the timeout expires; otherwise running tasks
// are cancelled immediately.
func (p *Pool) Shutdown(wait bool, timeout time.Duration) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	if !wait {
		p.cancel()
	}

	drained := make(chan struct{})
	go func() {
		p.taskWg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.logger.Debug().Msg("Worker pool drained")
	case <-time.After(timeout):
		p.logger.Warn().Msg("Worker pool shutdown timed out, cancelling remaining tasks")
	}

	p.cancel()
	p.wg.Wait()
	p.drainQueue()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case qt := <-p.queue:
			p.run(id, qt)
		case <-p.ctx.Done():
			return
		}
	}
}

// drainQueue closes out tasks that were queued but never picked up
func (p *Pool) drainQueue() {
	for {
		select {
		case qt := <-p.queue:
			qt.handle.mu.Lock()
			qt.handle.err = ErrPoolShutdown
			qt.handle.mu.Unlock()
			p.release(qt.handle.JobID)
			p.taskWg.Done()
			close(qt.handle.done)
		default:
			return
		}
	}
}

func (p *Pool) run(workerID int, qt *queuedTask) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("job_id", qt.handle.JobID).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Task panicked")
			qt.handle.mu.Lock()
			qt.handle.err = fmt.Errorf("task panicked: %v", r)
			qt.handle.mu.Unlock()
		}
		p.release(qt.handle.JobID)
		p.taskWg.Done()
		close(qt.handle.done)
	}()

	p.logger.Debug().
		Int("worker", workerID).
		Str("job_id", qt.handle.JobID).
		Msg("Task started")

	err := qt.task(qt.ctx)

	qt.handle.mu.Lock()
	qt.handle.err = err
	qt.handle.mu.Unlock()

	if err != nil {
		p.logger.Debug().
			Int("worker", workerID).
			Str("job_id", qt.handle.JobID).
			Err(err).
			Msg("Task finished with error")
	}
}

func (p *Pool) release(jobID string) {
	p.mu.Lock()
	delete(p.active, jobID)
	p.mu.Unlock()
}

var (
	defaultPool   *Pool
	defaultPoolMu sync.RWMutex
)

// DefaultPool returns the process-wide pool, creating it lazily with the
// given worker count on first use. Later calls ignore the argument.
func DefaultPool(workers int) *Pool {
	defaultPoolMu.RLock()
	if defaultPool != nil {
		defaultPoolMu.RUnlock()
		return defaultPool
	}
	defaultPoolMu.RUnlock()

	defaultPoolMu.Lock()
	defer defaultPoolMu.Unlock()

	// Double-check after acquiring write lock
	if defaultPool == nil {
		defaultPool = NewPool(workers, common.GetLogger())
	}
	return defaultPool
}

// ShutdownDefaultPool stops the process-wide pool if it was created
func ShutdownDefaultPool(wait bool, timeout time.Duration) {
	defaultPoolMu.Lock()
	pool := defaultPool
	defaultPool = nil
	defaultPoolMu.Unlock()

	if pool != nil {
		pool.Shutdown(wait, timeout)
	}
}
