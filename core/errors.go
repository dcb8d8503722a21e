package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskTimeout is the cancellation cause of a task interrupted by the
	// TimeoutSupervisor.
	ErrTaskTimeout = errors.New("audit: transmission timed out")

	// ErrPoolShutdown is returned by WorkerPool.Submit once Shutdown was called.
	ErrPoolShutdown = errors.New("audit: worker pool is shut down")

	// ErrPoolTerminated is the cancellation cause of tasks still running when
	// the pool is force-terminated.
	ErrPoolTerminated = errors.New("audit: worker pool terminated")

	// ErrSenderPanic marks a Sender that panicked instead of returning an error.
	ErrSenderPanic = errors.New("audit: sender panicked")

	// ErrNoSender is returned when the audit context carries no Sender.
	ErrNoSender = errors.New("audit: no sender configured")
)

// AuditError wraps every failure of a single record transmission.
type AuditError struct {
	TaskID  TaskID
	Err     error
	Timeout bool
}

func (e *AuditError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("audit: sending record %s timed out: %v", e.TaskID, e.Err)
	}
	return fmt.Sprintf("audit: sending record %s failed: %v", e.TaskID, e.Err)
}

func (e *AuditError) Unwrap() error {
	return e.Err
}

// Is reports ErrTaskTimeout for timeout-induced failures even when the
// Sender returned an unrelated error after being interrupted.
func (e *AuditError) Is(target error) bool {
	return e.Timeout && target == ErrTaskTimeout
}

// IsTimeout reports whether err was caused by a timeout interrupt.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTaskTimeout)
}
