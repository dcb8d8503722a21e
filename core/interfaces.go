package core

import (
	"context"
	"time"
)

// =============================================================================
// Collaborators: Sender, ExceptionHandler, AuditContext
// =============================================================================

// Sender transmits one rendered record. Send may block; implementations
// must return once ctx is done so that timeouts and forced shutdown can
// unblock a worker.
type Sender interface {
	Send(ctx context.Context, actx AuditContext, record string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, actx AuditContext, record string) error

func (f SenderFunc) Send(ctx context.Context, actx AuditContext, record string) error {
	return f(ctx, actx, record)
}

// ExceptionHandler receives failures of asynchronously dispatched records.
// It is called exactly once per failed record, from a worker goroutine, and
// must not block indefinitely.
type ExceptionHandler interface {
	HandleException(actx AuditContext, err error, record string)
}

// ExceptionHandlerFunc adapts a function to ExceptionHandler.
type ExceptionHandlerFunc func(actx AuditContext, err error, record string)

func (f ExceptionHandlerFunc) HandleException(actx AuditContext, err error, record string) {
	f(actx, err, record)
}

// AuditContext is the opaque handle passed through the queue. The queue only
// uses it to reach the Sender and the ExceptionHandler.
type AuditContext interface {
	Sender() Sender
	ExceptionHandler() ExceptionHandler
}

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task panics during execution.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context of the panicked task (carries its diagnostics)
	// - poolName: The name of the worker pool
	// - workerID: The ID of the worker, -1 for the synchronous path
	// - panicInfo: The panic value recovered from the task
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, poolName string, workerID int, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler logs panics through a Logger.
type DefaultPanicHandler struct {
	Logger Logger
}

// HandlePanic logs panic information at error level.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, poolName string, workerID int, panicInfo any, stackTrace []byte) {
	logger := h.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	logger.Error("audit task panicked",
		F("pool", poolName),
		F("worker", workerID),
		F("panic", panicInfo),
		F("stack", string(stackTrace)),
	)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// TaskOutcome classifies how a task ended.
type TaskOutcome int

const (
	TaskOutcomeSuccess TaskOutcome = iota
	TaskOutcomeFailure
	TaskOutcomeTimeout
)

func (o TaskOutcome) String() string {
	switch o {
	case TaskOutcomeSuccess:
		return "success"
	case TaskOutcomeFailure:
		return "failure"
	case TaskOutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Metrics defines the interface for collecting dispatch metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods should be non-blocking and fast to avoid impacting delivery.
type Metrics interface {
	// RecordTaskDuration records how long a transmission took and how it ended.
	RecordTaskDuration(poolName string, outcome TaskOutcome, duration time.Duration)

	// RecordTaskPanic records that a task panicked during execution.
	RecordTaskPanic(poolName string, panicInfo any)

	// RecordQueueDepth records the current number of queued tasks.
	RecordQueueDepth(poolName string, depth int)

	// RecordTaskRejected records that the pool refused a task, e.g. after
	// shutdown, and the record took the synchronous path instead.
	RecordTaskRejected(poolName string, reason string)

	// RecordTimeoutFired records that a task was interrupted by its timeout.
	RecordTimeoutFired(poolName string)

	// RecordShutdownForced records a shutdown that had to terminate workers;
	// discarded is the number of queued tasks that never ran.
	RecordShutdownForced(poolName string, discarded int)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordTaskDuration(poolName string, outcome TaskOutcome, duration time.Duration) {
}
func (m *NilMetrics) RecordTaskPanic(poolName string, panicInfo any)      {}
func (m *NilMetrics) RecordQueueDepth(poolName string, depth int)         {}
func (m *NilMetrics) RecordTaskRejected(poolName string, reason string)   {}
func (m *NilMetrics) RecordTimeoutFired(poolName string)                  {}
func (m *NilMetrics) RecordShutdownForced(poolName string, discarded int) {}

// =============================================================================
// QueueConfig: Configuration for the dispatch queue
// =============================================================================

const (
	DefaultPoolSize     = 1
	DefaultShutdownWait = 30 * time.Second
	defaultPoolName     = "audit"
)

// QueueConfig holds configuration options for NewQueue.
// All handlers are optional; if not provided, default implementations will be used.
type QueueConfig struct {
	// Async enables the worker pool. When false every record is sent on the
	// caller's goroutine.
	Async bool

	// Name labels logs and metrics. Defaults to "audit".
	Name string

	// PoolSize is the number of worker goroutines. Defaults to 1.
	PoolSize int

	// TaskTimeout interrupts a transmission running longer than this.
	// Zero or negative disables the timeout.
	TaskTimeout time.Duration

	// ShutdownWait bounds how long Shutdown waits for queued records to
	// drain before terminating the workers. Zero or negative means the
	// default of 30s, not "do not wait"; use WorkerPool.ShutdownNow to
	// terminate without waiting.
	ShutdownWait time.Duration

	// Logger defaults to a slog-backed logger.
	Logger Logger

	// Metrics defaults to NilMetrics.
	Metrics Metrics

	// PanicHandler defaults to DefaultPanicHandler using Logger.
	PanicHandler PanicHandler
}

// DefaultQueueConfig returns an asynchronous single-worker configuration
// without a task timeout.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		Async:        true,
		Name:         defaultPoolName,
		PoolSize:     DefaultPoolSize,
		ShutdownWait: DefaultShutdownWait,
	}
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Name == "" {
		c.Name = defaultPoolName
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.ShutdownWait <= 0 {
		c.ShutdownWait = DefaultShutdownWait
	}
	if c.Logger == nil {
		c.Logger = NewDefaultLogger()
	}
	if c.Metrics == nil {
		c.Metrics = &NilMetrics{}
	}
	if c.PanicHandler == nil {
		c.PanicHandler = &DefaultPanicHandler{Logger: c.Logger}
	}
	return c
}
