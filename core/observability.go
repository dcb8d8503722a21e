package core

import "time"

// TaskExecutionRecord captures a completed transmission attempt.
type TaskExecutionRecord struct {
	TaskID     TaskID
	PoolName   string
	WorkerID   int
	Outcome    TaskOutcome
	QueuedFor  time.Duration
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Panicked   bool
}

// PoolStats represents runtime observability state for a worker pool.
type PoolStats struct {
	ID           string
	Workers      int
	Queued       int
	Active       int
	Watched      int
	Rejected     int64
	Running      bool
	ShuttingDown bool
	LastTaskAt   time.Time
}
