package core

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// timeoutEntry is one scheduled interrupt for an executing task.
type timeoutEntry struct {
	taskID    TaskID
	deadline  time.Time
	taskCtx   context.Context
	interrupt context.CancelCauseFunc
	index     int // for heap interface
}

// timeoutHeap implements heap.Interface ordered by deadline
type timeoutHeap []*timeoutEntry

func (h timeoutHeap) Len() int           { return len(h) }
func (h timeoutHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h timeoutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timeoutHeap) Push(x any) {
	n := len(*h)
	item := x.(*timeoutEntry)
	item.index = n
	*h = append(*h, item)
}

func (h *timeoutHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[0 : n-1]
	return item
}

func (h *timeoutHeap) Peek() *timeoutEntry {
	if len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}

// TimeoutSupervisor interrupts tasks that execute longer than a fixed
// timeout. A single clock goroutine serves every task of a pool.
//
// The pending table maps each executing task to its scheduled interrupt.
// Release (task finished) and the clock (deadline passed) both remove the
// entry under mu with compare-and-remove semantics, so exactly one of them
// wins: a finished task is never interrupted and a fired interrupt is never
// cancelled afterwards.
type TimeoutSupervisor struct {
	name    string
	timeout time.Duration
	logger  Logger
	metrics Metrics

	mu      sync.Mutex
	pq      timeoutHeap
	pending map[TaskID]*timeoutEntry
	stopped bool

	wakeup chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTimeoutSupervisor creates a supervisor. When timeout <= 0 it is
// disabled: Watch is a no-op and no clock goroutine is started.
func NewTimeoutSupervisor(name string, timeout time.Duration, logger Logger, metrics Metrics) *TimeoutSupervisor {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	if metrics == nil {
		metrics = &NilMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &TimeoutSupervisor{
		name:    name,
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
		pq:      make(timeoutHeap, 0),
		pending: make(map[TaskID]*timeoutEntry),
		wakeup:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	heap.Init(&s.pq)
	if s.Enabled() {
		go s.loop()
	} else {
		close(s.done)
	}
	return s
}

// Enabled reports whether a positive timeout is configured.
func (s *TimeoutSupervisor) Enabled() bool {
	return s.timeout > 0
}

// Timeout returns the configured timeout.
func (s *TimeoutSupervisor) Timeout() time.Duration {
	return s.timeout
}

// Watch schedules interrupt to fire for taskID once the timeout elapses.
// It must be called right before the task starts executing. taskCtx is
// only used to correlate the log line written when the interrupt fires.
func (s *TimeoutSupervisor) Watch(taskCtx context.Context, taskID TaskID, interrupt context.CancelCauseFunc) {
	if !s.Enabled() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	entry := &timeoutEntry{
		taskID:    taskID,
		deadline:  time.Now().Add(s.timeout),
		taskCtx:   taskCtx,
		interrupt: interrupt,
	}
	s.pending[taskID] = entry
	heap.Push(&s.pq, entry)

	if entry.index == 0 {
		select {
		case s.wakeup <- struct{}{}:
		default:
		}
	}
}

// Release removes the pending interrupt for taskID, if any. It must be
// called right after the task stops executing. It reports whether an
// interrupt was still pending, i.e. false when the interrupt already fired.
func (s *TimeoutSupervisor) Release(taskID TaskID) bool {
	if !s.Enabled() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pending[taskID]
	if !ok {
		return false
	}
	delete(s.pending, taskID)
	if entry.index >= 0 {
		heap.Remove(&s.pq, entry.index)
	}
	return true
}

// PendingCount returns the number of tasks currently watched.
func (s *TimeoutSupervisor) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *TimeoutSupervisor) loop() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		nextRun, ok := s.calculateNextRun()
		if !ok {
			// Nothing watched, wait for a wakeup
			nextRun = 1000 * time.Hour
		}

		timer.Reset(nextRun)

		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fireExpired()
		case <-s.wakeup:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
	}
}

// calculateNextRun returns the wait until the earliest deadline, and false
// when nothing is scheduled.
func (s *TimeoutSupervisor) calculateNextRun() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.pq.Peek()
	if item == nil {
		return 0, false
	}

	wait := time.Until(item.deadline)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// fireExpired interrupts every task whose deadline has passed. The
// interrupt runs while mu is held so Release cannot interleave with it.
func (s *TimeoutSupervisor) fireExpired() {
	s.mu.Lock()

	now := time.Now()
	var fired []*timeoutEntry

	for s.pq.Len() > 0 {
		item := s.pq.Peek()
		if item.deadline.After(now) {
			break
		}
		heap.Pop(&s.pq)

		if s.pending[item.taskID] != item {
			continue
		}
		delete(s.pending, item.taskID)
		item.interrupt(ErrTaskTimeout)
		fired = append(fired, item)
	}

	s.mu.Unlock()

	for _, item := range fired {
		s.metrics.RecordTimeoutFired(s.name)
		loggerFor(item.taskCtx, s.logger).Error("aborting audit transmission, timeout reached",
			F("pool", s.name),
			F("task_id", item.taskID.String()),
			F("timeout", s.timeout),
		)
	}
}

// Stop terminates the clock goroutine and drops every pending interrupt
// without firing it. Stop is idempotent.
func (s *TimeoutSupervisor) Stop() {
	s.cancel()

	s.mu.Lock()
	s.stopped = true
	s.pq = make(timeoutHeap, 0)
	heap.Init(&s.pq)
	clear(s.pending)
	s.mu.Unlock()

	<-s.done
}
