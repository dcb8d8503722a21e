package auditqueue

import (
	"time"

	"github.com/Swind/go-audit-queue/core"
)

// Re-export commonly used types from core so most callers need one import.

// Queue accepts rendered records for transmission.
type Queue = core.Queue

// QueueConfig configures NewQueue.
type QueueConfig = core.QueueConfig

// Sender transmits one record.
type Sender = core.Sender

// SenderFunc adapts a function to Sender.
type SenderFunc = core.SenderFunc

// ExceptionHandler receives asynchronous transmission failures.
type ExceptionHandler = core.ExceptionHandler

// ExceptionHandlerFunc adapts a function to ExceptionHandler.
type ExceptionHandlerFunc = core.ExceptionHandlerFunc

// AuditContext binds a Sender and an ExceptionHandler.
type AuditContext = core.AuditContext

// Diagnostics is the per-record diagnostic map.
type Diagnostics = core.Diagnostics

// AuditError wraps a failed transmission.
type AuditError = core.AuditError

var (
	ErrTaskTimeout    = core.ErrTaskTimeout
	ErrPoolShutdown   = core.ErrPoolShutdown
	ErrPoolTerminated = core.ErrPoolTerminated
	ErrNoSender       = core.ErrNoSender
)

var (
	DefaultQueueConfig   = core.DefaultQueueConfig
	WithDiagnostic       = core.WithDiagnostic
	WithDiagnostics      = core.WithDiagnostics
	DiagnosticsFrom      = core.DiagnosticsFrom
	NewDiagnosticHandler = core.NewDiagnosticHandler
	IsTimeout            = core.IsTimeout
)

// NewQueue builds the Queue variant selected by cfg.Async.
func NewQueue(cfg *QueueConfig) Queue {
	return core.NewQueue(cfg)
}

// NewTimeoutQueue returns a single-worker asynchronous queue that
// interrupts transmissions after timeout.
func NewTimeoutQueue(timeout time.Duration) Queue {
	return core.NewTimeoutQueue(timeout)
}
