package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// CompletionFunc observes the result of a task after its timeout has been
// released. err is nil on success. ctx still carries the task diagnostics.
type CompletionFunc func(ctx context.Context, task *Task, err error)

// WorkerPool runs Tasks on a fixed set of worker goroutines fed by an
// unbounded FIFO queue. Each worker runs one task at a time; with more than
// one worker, completion order is not defined.
type WorkerPool struct {
	name     string
	workers  int
	queue    TaskQueue
	signal   chan struct{}
	run      TaskFunc
	complete CompletionFunc

	supervisor   *TimeoutSupervisor
	logger       Logger
	metrics      Metrics
	panicHandler PanicHandler
	history      *executionHistory

	metricActive   atomic.Int32
	metricRejected atomic.Int64

	// stateMu orders Submit against Shutdown: a task is either queued before
	// closing is closed or rejected.
	stateMu      sync.RWMutex
	shuttingDown bool
	started      bool
	closing      chan struct{}

	ctx        context.Context
	cancel     context.CancelCauseFunc
	wg         sync.WaitGroup
	terminated chan struct{}
	termOnce   sync.Once
}

// NewWorkerPool creates a pool that executes run for every submitted task
// and reports results to complete. The pool does nothing until Start.
func NewWorkerPool(cfg QueueConfig, run TaskFunc, complete CompletionFunc) *WorkerPool {
	if run == nil {
		panic("WorkerPool: run must not be nil")
	}
	cfg = cfg.withDefaults()
	if complete == nil {
		complete = func(context.Context, *Task, error) {}
	}

	return &WorkerPool{
		name:         cfg.Name,
		workers:      cfg.PoolSize,
		queue:        NewFIFOTaskQueue(),
		signal:       make(chan struct{}, cfg.PoolSize*2),
		run:          run,
		complete:     complete,
		supervisor:   NewTimeoutSupervisor(cfg.Name, cfg.TaskTimeout, cfg.Logger, cfg.Metrics),
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		panicHandler: cfg.PanicHandler,
		history:      newExecutionHistory(defaultTaskHistoryCapacity),
		closing:      make(chan struct{}),
		terminated:   make(chan struct{}),
	}
}

// Start starts all worker goroutines. Cancelling ctx force-terminates the
// pool like ShutdownNow, minus the queue drain.
func (p *WorkerPool) Start(ctx context.Context) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if p.started || p.shuttingDown {
		return
	}
	p.started = true

	p.ctx, p.cancel = context.WithCancelCause(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	go func() {
		p.wg.Wait()
		p.markTerminated()
	}()

	p.logger.Debug("audit worker pool started",
		F("pool", p.name),
		F("workers", p.workers),
		F("timeout", p.supervisor.Timeout()),
	)
}

// Submit queues task without blocking. It returns ErrPoolShutdown once
// Shutdown has been called.
func (p *WorkerPool) Submit(task *Task) error {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()

	if p.shuttingDown || (p.started && p.ctx.Err() != nil) {
		p.metricRejected.Add(1)
		p.metrics.RecordTaskRejected(p.name, "shutdown")
		return ErrPoolShutdown
	}

	p.queue.Push(task)
	p.metrics.RecordQueueDepth(p.name, p.queue.Len())

	select {
	case p.signal <- struct{}{}:
	default:
		// Signal channel full, but task is already queued
	}
	return nil
}

// getWork blocks until a task is available. It returns false once the pool
// is shutting down and the queue is empty, or when the pool is terminated.
func (p *WorkerPool) getWork() (*Task, bool) {
	for {
		if task, ok := p.queue.Pop(); ok {
			p.metrics.RecordQueueDepth(p.name, p.queue.Len())
			return task, true
		}

		select {
		case <-p.signal:
			continue
		case <-p.closing:
			if task, ok := p.queue.Pop(); ok {
				return task, true
			}
			return nil, false
		case <-p.ctx.Done():
			return nil, false
		}
	}
}

// workerLoop is the main loop for each worker
func (p *WorkerPool) workerLoop(id int) {
	defer p.wg.Done()

	for {
		task, ok := p.getWork()
		if !ok {
			return
		}
		p.execute(id, task)
	}
}

// execute runs task with a fresh diagnostic slot, so contexts kept from an
// earlier task never observe this one's diagnostics.
func (p *WorkerPool) execute(workerID int, task *Task) {
	p.metricActive.Add(1)
	defer p.metricActive.Add(-1)

	taskCtx, interrupt := context.WithCancelCause(p.ctx)
	defer interrupt(nil)
	slot := &diagnosticSlot{}
	taskCtx = withCurrentTask(slot.install(taskCtx, task.Diagnostics), task)
	defer slot.clear()

	startedAt := time.Now()
	var (
		err       error
		panicInfo any
		stack     []byte
	)

	func() {
		defer func() {
			if r := recover(); r != nil {
				panicInfo = r
				stack = debug.Stack()
				err = fmt.Errorf("%w: %v", ErrSenderPanic, r)
			}
		}()
		p.supervisor.Watch(taskCtx, task.ID, interrupt)
		defer p.supervisor.Release(task.ID)
		err = p.run(taskCtx, task)
	}()

	finishedAt := time.Now()
	outcome := TaskOutcomeSuccess
	if err != nil {
		outcome = TaskOutcomeFailure
		if errors.Is(context.Cause(taskCtx), ErrTaskTimeout) {
			outcome = TaskOutcomeTimeout
		}
	}

	p.metrics.RecordTaskDuration(p.name, outcome, finishedAt.Sub(startedAt))
	p.history.Add(TaskExecutionRecord{
		TaskID:     task.ID,
		PoolName:   p.name,
		WorkerID:   workerID,
		Outcome:    outcome,
		QueuedFor:  startedAt.Sub(task.SubmittedAt),
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Duration:   finishedAt.Sub(startedAt),
		Panicked:   panicInfo != nil,
	})
	if panicInfo != nil {
		p.reportPanic(taskCtx, workerID, panicInfo, stack)
	}

	p.finish(taskCtx, workerID, task, err)
}

// finish runs the completion callback, which must not take the worker down.
func (p *WorkerPool) finish(ctx context.Context, workerID int, task *Task, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.reportPanic(ctx, workerID, r, debug.Stack())
		}
	}()
	p.complete(ctx, task, err)
}

func (p *WorkerPool) reportPanic(ctx context.Context, workerID int, panicInfo any, stack []byte) {
	p.metrics.RecordTaskPanic(p.name, panicInfo)
	p.panicHandler.HandlePanic(ctx, p.name, workerID, panicInfo, stack)
}

// Shutdown stops accepting tasks. Queued and running tasks still complete.
// Shutdown does not wait; use AwaitTermination.
func (p *WorkerPool) Shutdown() {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if p.shuttingDown {
		return
	}
	p.shuttingDown = true
	close(p.closing)

	if !p.started {
		p.markTerminated()
	}
}

// AwaitTermination blocks until every worker has exited after Shutdown, or
// ctx is done. It reports whether the pool terminated.
func (p *WorkerPool) AwaitTermination(ctx context.Context) bool {
	if p.IsTerminated() {
		return true
	}
	select {
	case <-p.terminated:
		return true
	case <-ctx.Done():
		return false
	}
}

// ShutdownNow shuts the pool down, interrupts every running task with
// ErrPoolTerminated and discards queued tasks. It returns the number of
// discarded tasks. Workers exit as soon as their Sender honours the
// interrupt; ShutdownNow does not wait for them.
func (p *WorkerPool) ShutdownNow() int {
	p.Shutdown()

	discarded := len(p.queue.Drain())
	p.metrics.RecordQueueDepth(p.name, 0)

	p.stateMu.RLock()
	cancel := p.cancel
	p.stateMu.RUnlock()
	if cancel != nil {
		cancel(ErrPoolTerminated)
	}
	return discarded
}

// StopTimeouts stops the timeout clock and drops pending interrupts.
func (p *WorkerPool) StopTimeouts() {
	p.supervisor.Stop()
}

func (p *WorkerPool) markTerminated() {
	p.termOnce.Do(func() { close(p.terminated) })
}

// Name returns the pool name used in logs and metrics.
func (p *WorkerPool) Name() string {
	return p.name
}

// IsShutdown reports whether Shutdown has been called.
func (p *WorkerPool) IsShutdown() bool {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.shuttingDown
}

// IsTerminated reports whether every worker has exited.
func (p *WorkerPool) IsTerminated() bool {
	select {
	case <-p.terminated:
		return true
	default:
		return false
	}
}

// WorkerCount returns the number of workers
func (p *WorkerPool) WorkerCount() int {
	return p.workers
}

func (p *WorkerPool) QueuedTaskCount() int {
	return p.queue.Len()
}

func (p *WorkerPool) ActiveTaskCount() int {
	return int(p.metricActive.Load())
}

// Supervisor returns the pool's timeout supervisor.
func (p *WorkerPool) Supervisor() *TimeoutSupervisor {
	return p.supervisor
}

// Stats returns current observability data for this pool.
func (p *WorkerPool) Stats() PoolStats {
	p.stateMu.RLock()
	started, shuttingDown := p.started, p.shuttingDown
	p.stateMu.RUnlock()

	stats := PoolStats{
		ID:           p.name,
		Workers:      p.workers,
		Queued:       p.QueuedTaskCount(),
		Active:       p.ActiveTaskCount(),
		Watched:      p.supervisor.PendingCount(),
		Rejected:     p.metricRejected.Load(),
		Running:      started && !p.IsTerminated(),
		ShuttingDown: shuttingDown,
	}
	if last, ok := p.history.Last(); ok {
		stats.LastTaskAt = last.FinishedAt
	}
	return stats
}

// RecentTasks returns completed task execution records in newest-first order.
func (p *WorkerPool) RecentTasks(limit int) []TaskExecutionRecord {
	return p.history.Recent(limit)
}
