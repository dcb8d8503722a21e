package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// Queue accepts rendered audit records for transmission.
//
// Submit with an empty record is a no-op. Errors returned by Submit come
// only from synchronous transmission; asynchronous failures are reported to
// the ExceptionHandler of the record's AuditContext.
type Queue interface {
	Submit(ctx context.Context, actx AuditContext, record string) error
	Shutdown(ctx context.Context)
}

var (
	_ Queue = (*SynchronousQueue)(nil)
	_ Queue = (*AsynchronousQueue)(nil)
)

// NewQueue builds the Queue variant selected by cfg.Async. A nil cfg uses
// DefaultQueueConfig.
func NewQueue(cfg *QueueConfig) Queue {
	if cfg == nil {
		cfg = DefaultQueueConfig()
	}
	if !cfg.Async {
		return newSynchronousQueue(cfg.withDefaults())
	}
	return NewAsynchronousQueue(*cfg)
}

// NewTimeoutQueue returns a single-worker asynchronous queue whose
// transmissions are interrupted after timeout. A timeout <= 0 disables it.
func NewTimeoutQueue(timeout time.Duration) *AsynchronousQueue {
	cfg := DefaultQueueConfig()
	cfg.TaskTimeout = timeout
	return NewAsynchronousQueue(*cfg)
}

// =============================================================================
// SynchronousQueue
// =============================================================================

// syncWorkerID is the worker ID reported for panics recovered on the
// caller's goroutine.
const syncWorkerID = -1

// SynchronousQueue sends every record on the caller's goroutine.
type SynchronousQueue struct {
	name         string
	logger       Logger
	metrics      Metrics
	panicHandler PanicHandler
}

// NewSynchronousQueue creates a SynchronousQueue. A nil logger discards.
func NewSynchronousQueue(logger Logger) *SynchronousQueue {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return newSynchronousQueue(QueueConfig{Logger: logger}.withDefaults())
}

func newSynchronousQueue(cfg QueueConfig) *SynchronousQueue {
	return &SynchronousQueue{
		name:         cfg.Name,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		panicHandler: cfg.PanicHandler,
	}
}

// Submit blocks until the Sender returns and reports its error as an
// *AuditError.
func (q *SynchronousQueue) Submit(ctx context.Context, actx AuditContext, record string) error {
	if record == "" {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return q.send(ctx, NewTask(ctx, actx, record))
}

// Shutdown is a no-op.
func (q *SynchronousQueue) Shutdown(context.Context) {}

// send transmits task inline. A panicking Sender is reported to the
// PanicHandler with worker ID -1 and returned as ErrSenderPanic.
func (q *SynchronousQueue) send(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.metrics.RecordTaskPanic(q.name, r)
			q.panicHandler.HandlePanic(ctx, q.name, syncWorkerID, r, debug.Stack())
			err = wrapTaskError(ctx, task, fmt.Errorf("%w: %v", ErrSenderPanic, r))
		}
	}()
	if sendErr := transmit(ctx, task); sendErr != nil {
		return wrapTaskError(ctx, task, sendErr)
	}
	return nil
}

func transmit(ctx context.Context, task *Task) error {
	if task.Context == nil {
		return ErrNoSender
	}
	sender := task.Context.Sender()
	if sender == nil {
		return ErrNoSender
	}
	return sender.Send(ctx, task.Context, task.Record)
}

// wrapTaskError marks err as timeout-induced when ctx was interrupted by
// the TimeoutSupervisor.
func wrapTaskError(ctx context.Context, task *Task, err error) error {
	var auditErr *AuditError
	if errors.As(err, &auditErr) {
		return err
	}
	return &AuditError{
		TaskID:  task.ID,
		Err:     err,
		Timeout: errors.Is(context.Cause(ctx), ErrTaskTimeout),
	}
}

// =============================================================================
// AsynchronousQueue
// =============================================================================

// AsynchronousQueue hands records to a WorkerPool and returns immediately.
// Failures go to the record's ExceptionHandler. Once shut down, it keeps
// accepting records and sends them synchronously.
type AsynchronousQueue struct {
	name         string
	pool         *WorkerPool
	fallback     *SynchronousQueue
	shutdownWait time.Duration
	logger       Logger
	metrics      Metrics
	shutdownOnce sync.Once
}

// NewAsynchronousQueue creates the queue and starts its workers.
func NewAsynchronousQueue(cfg QueueConfig) *AsynchronousQueue {
	cfg = cfg.withDefaults()
	q := &AsynchronousQueue{
		name:         cfg.Name,
		shutdownWait: cfg.ShutdownWait,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
	q.fallback = newSynchronousQueue(cfg)
	q.pool = NewWorkerPool(cfg, q.run, q.complete)
	q.pool.Start(context.Background())
	return q
}

// Submit queues record for asynchronous transmission. The diagnostics on
// ctx travel with the record; ctx cancellation does not.
func (q *AsynchronousQueue) Submit(ctx context.Context, actx AuditContext, record string) error {
	if record == "" {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	task := NewTask(ctx, actx, record)
	err := q.pool.Submit(task)
	if errors.Is(err, ErrPoolShutdown) {
		loggerFor(ctx, q.logger).Debug("audit worker pool is shut down, sending record synchronously",
			F("pool", q.name),
			F("task_id", task.ID.String()),
		)
		return q.fallback.send(ctx, task)
	}
	return err
}

func (q *AsynchronousQueue) run(ctx context.Context, task *Task) error {
	return transmit(ctx, task)
}

func (q *AsynchronousQueue) complete(ctx context.Context, task *Task, err error) {
	if err == nil {
		return
	}
	err = wrapTaskError(ctx, task, err)

	var handler ExceptionHandler
	if task.Context != nil {
		handler = task.Context.ExceptionHandler()
	}
	if handler == nil {
		loggerFor(ctx, q.logger).Error("audit record could not be sent and no exception handler is configured",
			F("pool", q.name),
			F("task_id", task.ID.String()),
			F("error", err),
		)
		return
	}
	handler.HandleException(task.Context, err, task.Record)
}

// Shutdown stops accepting asynchronous work, waits up to the configured
// shutdown wait for queued records to be sent, then terminates the workers
// if they have not finished. Cancelling ctx cuts the wait short with the
// same effect, except that idle workers are stopped without a warning. The
// timeout clock is always stopped. Only the first call has an effect.
func (q *AsynchronousQueue) Shutdown(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.shutdownOnce.Do(func() {
		q.pool.Shutdown()

		waitCtx, cancel := context.WithTimeout(ctx, q.shutdownWait)
		defer cancel()

		if !q.pool.AwaitTermination(waitCtx) {
			active := q.pool.ActiveTaskCount()
			discarded := q.pool.ShutdownNow()
			if discarded == 0 && active == 0 {
				// Workers were idle and only had to exit; nothing was lost.
				q.logger.Debug("audit worker pool stopped before its workers exited",
					F("pool", q.name),
				)
				q.pool.StopTimeouts()
				return
			}
			fields := []Field{
				F("pool", q.name),
				F("shutdown_wait", q.shutdownWait),
				F("discarded", discarded),
			}
			if ctx.Err() != nil {
				q.logger.Warn("interrupted while flushing audit events, some events might have been lost",
					append(fields, F("error", ctx.Err()))...)
			} else {
				q.logger.Warn("timeout occurred when flushing audit events, some events might have been lost", fields...)
			}
			q.metrics.RecordShutdownForced(q.name, discarded)
		}

		q.pool.StopTimeouts()
	})
}

// Pool returns the underlying worker pool.
func (q *AsynchronousQueue) Pool() *WorkerPool {
	return q.pool
}

// Stats returns the worker pool statistics.
func (q *AsynchronousQueue) Stats() PoolStats {
	return q.pool.Stats()
}
