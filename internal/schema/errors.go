package schema

import (
	"errors"
	"fmt"
)

// ProviderError is a classified failure from an LLM provider call.
// Transient errors (rate limits, timeouts, 5xx) are retried by the engine;
// permanent errors (invalid request, auth) are surfaced immediately.
type ProviderError struct {
	Transient bool
	Status    int // HTTP status when applicable, 0 otherwise
	Message   string
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Status > 0 {
		return fmt.Sprintf("provider error (%s, HTTP %d): %s", kind, e.Status, e.Message)
	}
	return fmt.Sprintf("provider error (%s): %s", kind, e.Message)
}

// IsTransient reports whether err is a retryable provider error.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient
}

// ToolExecutionError wraps a failure inside a tool's Execute.
// The engine never retries these; the failed result is appended to the
// transcript and the next model turn decides what to do.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// SchedulerPersistenceError means the job store could not be read or parsed.
// Fatal to scheduler startup; the rest of the runtime still comes up.
type SchedulerPersistenceError struct {
	Path string
	Err  error
}

func (e *SchedulerPersistenceError) Error() string {
	return fmt.Sprintf("scheduler store %s: %v", e.Path, e.Err)
}

func (e *SchedulerPersistenceError) Unwrap() error { return e.Err }

var (
	// ErrLockTimeout means a lock could not be acquired within the caller's timeout.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrLockInvalidated means a held lock was forcibly released (lease expired)
	// and the holder attempted to keep using it.
	ErrLockInvalidated = errors.New("lock invalidated: lease expired")

	// ErrLockReentrant means a holder requested a path it already holds.
	ErrLockReentrant = errors.New("lock already held by requester")

	// ErrSessionNotFound means a session key resolved to no stored session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrCapabilityDenied means a restricted agent requested a forbidden tool.
	// Recorded for audit; never shown to end users.
	ErrCapabilityDenied = errors.New("capability denied")

	// ErrSubagentCapacity means the global concurrent-subagent limit is reached.
	// Returned synchronously from spawn; never retried automatically.
	ErrSubagentCapacity = errors.New("subagent capacity reached")
)
