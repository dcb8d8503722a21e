package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskID identifies a single dispatched record.
type TaskID uuid.UUID

// GenerateTaskID returns a new random TaskID.
func GenerateTaskID() TaskID {
	return TaskID(uuid.New())
}

func (id TaskID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the zero value.
func (id TaskID) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

// Task is one unit of work: a rendered record bound to the audit context
// it was submitted with and the diagnostics captured at submit time.
// A Task is never modified after creation.
type Task struct {
	ID          TaskID
	Context     AuditContext
	Record      string
	Diagnostics Diagnostics
	SubmittedAt time.Time
}

// NewTask captures the diagnostics present on ctx and binds them to record.
func NewTask(ctx context.Context, actx AuditContext, record string) *Task {
	return &Task{
		ID:          GenerateTaskID(),
		Context:     actx,
		Record:      record,
		Diagnostics: DiagnosticsFrom(ctx),
		SubmittedAt: time.Now(),
	}
}

// TaskFunc is the body a worker runs for a Task. The context it receives
// is cancelled when the task is interrupted.
type TaskFunc func(ctx context.Context, task *Task) error

// =============================================================================
// Context Helper
// =============================================================================
type currentTaskKeyType struct{}

var currentTaskKey currentTaskKeyType

// CurrentTask returns the Task a worker is executing, or nil when ctx was not
// produced by a worker.
func CurrentTask(ctx context.Context) *Task {
	if v := ctx.Value(currentTaskKey); v != nil {
		return v.(*Task)
	}
	return nil
}

func withCurrentTask(ctx context.Context, task *Task) context.Context {
	return context.WithValue(ctx, currentTaskKey, task)
}
