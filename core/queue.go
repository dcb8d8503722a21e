package core

import (
	"sync"
)

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// TaskQueue is the work queue feeding a WorkerPool.
type TaskQueue interface {
	Push(t *Task)
	Pop() (*Task, bool)
	Len() int
	IsEmpty() bool
	// Drain removes and returns every queued task.
	Drain() []*Task
}

// =============================================================================
// FIFOTaskQueue: unbounded FIFO queue
// =============================================================================

// FIFOTaskQueue never rejects a Push; it grows with available memory.
type FIFOTaskQueue struct {
	mu    sync.Mutex
	tasks []*Task
}

func NewFIFOTaskQueue() *FIFOTaskQueue {
	return &FIFOTaskQueue{
		tasks: make([]*Task, 0, defaultQueueCap),
	}
}

func (q *FIFOTaskQueue) Push(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
}

func (q *FIFOTaskQueue) Pop() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}

	item := q.tasks[0]
	// Zero out the element in the underlying array to prevent memory leak
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	q.maybeCompactLocked()

	return item, true
}

func (q *FIFOTaskQueue) maybeCompactLocked() {
	n := len(q.tasks)
	c := cap(q.tasks)

	if c < compactMinCap {
		return
	}
	if n == 0 {
		q.tasks = make([]*Task, 0, defaultQueueCap)
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	newCap := max(max(c/2, defaultQueueCap), n)

	newSlice := make([]*Task, n, newCap)
	copy(newSlice, q.tasks)
	q.tasks = newSlice
}

func (q *FIFOTaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *FIFOTaskQueue) IsEmpty() bool {
	return q.Len() == 0
}

func (q *FIFOTaskQueue) Drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.tasks
	q.tasks = make([]*Task, 0, defaultQueueCap)
	return drained
}
