package core

import (
	"context"
	"testing"
)

// TestTaskID_StringAndIsZero verifies TaskID zero-state and string behavior
// Given: A zero TaskID and a generated TaskID
// When: IsZero and String are called
// Then: Zero ID reports true and generated ID is non-zero with non-empty string
func TestTaskID_StringAndIsZero(t *testing.T) {
	// Arrange
	var zero TaskID

	// Act and Assert
	if !zero.IsZero() {
		t.Fatal("zero TaskID should report IsZero() == true")
	}

	// Act
	id := GenerateTaskID()

	// Assert
	if id.IsZero() {
		t.Fatal("generated TaskID should not be zero")
	}
	if id.String() == "" {
		t.Fatal("TaskID.String() should not be empty")
	}
	if GenerateTaskID() == id {
		t.Fatal("two generated TaskIDs are equal")
	}
}

// TestNewTask_CapturesDiagnostics verifies the submit-time snapshot
// Given: A context carrying a diagnostic
// When: A task is created and the caller's context is changed afterwards
// Then: The task keeps the value present at creation
func TestNewTask_CapturesDiagnostics(t *testing.T) {
	// Arrange
	ctx := WithDiagnostic(context.Background(), "request_id", "r-1")
	actx := &testAuditContext{}

	// Act
	task := NewTask(ctx, actx, "record")
	_ = WithDiagnostic(ctx, "request_id", "r-2")

	// Assert
	if task.Diagnostics["request_id"] != "r-1" {
		t.Errorf("Diagnostics[request_id] = %q, want r-1", task.Diagnostics["request_id"])
	}
	if task.Record != "record" || task.Context != actx {
		t.Errorf("task = %+v", task)
	}
	if task.SubmittedAt.IsZero() {
		t.Error("SubmittedAt is zero")
	}
}

// TestCurrentTask verifies extracting the executing task from context
// Given: A plain context and a context annotated by a worker
// When: CurrentTask is called
// Then: It returns nil for the plain context and the task otherwise
func TestCurrentTask(t *testing.T) {
	// Arrange, Act and Assert - plain context
	if got := CurrentTask(context.Background()); got != nil {
		t.Fatalf("CurrentTask(background) = %#v, want nil", got)
	}

	// Arrange
	task := NewTask(context.Background(), nil, "r")
	ctx := withCurrentTask(context.Background(), task)

	// Act and Assert
	if got := CurrentTask(ctx); got != task {
		t.Fatal("CurrentTask(ctx) did not return the task from context")
	}
}
