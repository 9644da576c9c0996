package jobs

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Sentinel errors for the job execution core
var (
	// ErrUnknownJobType is returned when a submitted type has no registered definition
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrJobNotFound is returned when a job ID does not exist in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrCannotCancelTerminal is returned when cancelling a SUCCESS/FAILURE job
	ErrCannotCancelTerminal = errors.New("cannot cancel job in terminal state")

	// ErrJobCancelled is raised inside workers when cancellation is observed
	ErrJobCancelled = errors.New("job cancelled by user")

	// ErrBatchAlreadyClaimed signals a claim race lost to another worker
	ErrBatchAlreadyClaimed = errors.New("batch already claimed")

	// ErrJobTimeout signals the per-job watchdog fired
	ErrJobTimeout = errors.New("job timed out")

	// ErrPoolShutdown is returned by Submit after the pool has stopped
	ErrPoolShutdown = errors.New("worker pool is shut down")
)

// TransientError marks a store or infrastructure failure worth retrying
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks an item or batch failure that retrying cannot fix
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error in %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// FatalError aborts the whole job regardless of retry configuration
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal job error: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// transientPattern matches error text that indicates a recoverable
// infrastructure hiccup: connection drops, timeouts, lock contention.
var transientPattern = regexp.MustCompile(`connection|timeout|temporarily unavailable|deadlock|lock`)

// IsRetryable reports whether an error should be retried with backoff.
// Explicit TransientError always retries; FatalError and cancellation
// never retry; everything else is matched against the transient pattern.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var fatal *FatalError
	if errors.As(err, &fatal) {
		return false
	}
	if errors.Is(err, ErrJobCancelled) {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}

	return transientPattern.MatchString(strings.ToLower(err.Error()))
}
