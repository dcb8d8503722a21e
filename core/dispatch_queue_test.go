package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// recordingSender remembers every record and the diagnostics it saw.
type recordingSender struct {
	mu      sync.Mutex
	records []string
	diags   []Diagnostics
	fail    func(record string) error
}

func (s *recordingSender) Send(ctx context.Context, _ AuditContext, record string) error {
	s.mu.Lock()
	s.records = append(s.records, record)
	s.diags = append(s.diags, DiagnosticsFrom(ctx))
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return fail(record)
	}
	return nil
}

func (s *recordingSender) Records() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.records...)
}

func (s *recordingSender) Diagnostics() []Diagnostics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Diagnostics(nil), s.diags...)
}

func newTestQueue(t *testing.T, cfg QueueConfig) *AsynchronousQueue {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = NewNoOpLogger()
	}
	q := NewAsynchronousQueue(cfg)
	t.Cleanup(func() { q.Shutdown(context.Background()) })
	return q
}

// TestAsynchronousQueue_FIFOExactlyOnce verifies delivery order and count
// Given: A single-worker asynchronous queue and a healthy sender
// When: 100 records are submitted and the queue is shut down
// Then: The sender saw every record exactly once in submission order and the handler was never called
func TestAsynchronousQueue_FIFOExactlyOnce(t *testing.T) {
	// Arrange
	sender := &recordingSender{}
	handler := newRecordingHandler()
	actx := &testAuditContext{sender: sender, handler: handler}
	q := newTestQueue(t, QueueConfig{PoolSize: 1})

	// Act
	for i := range 100 {
		if err := q.Submit(context.Background(), actx, fmt.Sprint(i)); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	q.Shutdown(context.Background())

	// Assert
	records := sender.Records()
	if len(records) != 100 {
		t.Fatalf("sent %d records, want 100", len(records))
	}
	for i, rec := range records {
		if rec != fmt.Sprint(i) {
			t.Fatalf("records[%d] = %s, want %d", i, rec, i)
		}
	}
	if n := len(handler.Failures()); n != 0 {
		t.Errorf("exception handler called %d times, want 0", n)
	}
}

// TestAsynchronousQueue_ConcurrentSubmitters verifies no record is lost under contention
// Given: A 4-worker queue
// When: 8 goroutines submit 50 records each
// Then: All 400 distinct records are sent once
func TestAsynchronousQueue_ConcurrentSubmitters(t *testing.T) {
	// Arrange
	sender := &recordingSender{}
	actx := &testAuditContext{sender: sender, handler: newRecordingHandler()}
	q := newTestQueue(t, QueueConfig{PoolSize: 4})

	// Act
	var g errgroup.Group
	for w := range 8 {
		g.Go(func() error {
			for i := range 50 {
				if err := q.Submit(context.Background(), actx, fmt.Sprintf("%d-%d", w, i)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	q.Shutdown(context.Background())

	// Assert
	seen := make(map[string]int)
	for _, rec := range sender.Records() {
		seen[rec]++
	}
	if len(seen) != 400 {
		t.Errorf("distinct records = %d, want 400", len(seen))
	}
	for rec, n := range seen {
		if n != 1 {
			t.Errorf("record %s sent %d times", rec, n)
		}
	}
}

// TestAsynchronousQueue_SenderErrorReachesHandler verifies failure routing
// Given: A sender that rejects one record
// When: That record and a good one are submitted
// Then: Submit returns nil and the handler is called once with the record and a wrapped error
func TestAsynchronousQueue_SenderErrorReachesHandler(t *testing.T) {
	// Arrange
	errCollector := errors.New("collector refused record")
	sender := &recordingSender{fail: func(record string) error {
		if record == "bad" {
			return errCollector
		}
		return nil
	}}
	handler := newRecordingHandler()
	actx := &testAuditContext{sender: sender, handler: handler}
	q := newTestQueue(t, QueueConfig{})

	// Act
	if err := q.Submit(context.Background(), actx, "bad"); err != nil {
		t.Fatalf("Submit() error = %v, want nil", err)
	}
	_ = q.Submit(context.Background(), actx, "good")
	q.Shutdown(context.Background())

	// Assert
	failures := handler.Failures()
	if len(failures) != 1 {
		t.Fatalf("handler calls = %d, want 1", len(failures))
	}
	if failures[0].record != "bad" {
		t.Errorf("record = %q, want bad", failures[0].record)
	}
	var auditErr *AuditError
	if !errors.As(failures[0].err, &auditErr) {
		t.Fatalf("error %T is not *AuditError", failures[0].err)
	}
	if !errors.Is(failures[0].err, errCollector) {
		t.Errorf("error = %v, want wrapping collector error", failures[0].err)
	}
	if IsTimeout(failures[0].err) {
		t.Error("IsTimeout() = true for a plain failure")
	}
}

// TestAsynchronousQueue_TimeoutInterruptsSender verifies the interrupt path end to end
// Given: A 50ms timeout and a sender that blocks until interrupted
// When: One record is submitted
// Then: The handler is called once, shortly after the timeout, with an error reporting the timeout
func TestAsynchronousQueue_TimeoutInterruptsSender(t *testing.T) {
	// Arrange
	sender := newBlockingSender()
	handler := newRecordingHandler()
	actx := &testAuditContext{sender: sender, handler: handler}
	logger := newRecordingLogger()
	q := newTestQueue(t, QueueConfig{TaskTimeout: 50 * time.Millisecond, Logger: logger})
	start := time.Now()

	// Act
	_ = q.Submit(context.Background(), actx, "slow")
	handler.waitCalls(t, 1, 2*time.Second)
	elapsed := time.Since(start)

	// Assert
	if elapsed < 50*time.Millisecond {
		t.Errorf("handler called after %v, before the timeout", elapsed)
	}
	if elapsed > time.Second {
		t.Errorf("handler called after %v, want shortly after 50ms", elapsed)
	}
	failures := handler.Failures()
	if !IsTimeout(failures[0].err) {
		t.Errorf("IsTimeout(%v) = false, want true", failures[0].err)
	}
	if !errors.Is(failures[0].err, context.Canceled) {
		t.Errorf("error = %v, want the sender's interruption error", failures[0].err)
	}
	waitEventually(t, time.Second, func() bool {
		return logger.count("error", "timeout reached") == 1
	})
	time.Sleep(20 * time.Millisecond)
	if n := len(handler.Failures()); n != 1 {
		t.Errorf("handler calls = %d, want exactly 1", n)
	}
}

// TestAsynchronousQueue_TimeoutDisabled verifies a blocked sender is left alone
// Given: Timeout disabled and a sender that blocks until released
// When: It has been blocked for 150ms
// Then: It has not been interrupted, and completes normally once released
func TestAsynchronousQueue_TimeoutDisabled(t *testing.T) {
	// Arrange
	sender := newBlockingSender()
	handler := newRecordingHandler()
	actx := &testAuditContext{sender: sender, handler: handler}
	q := newTestQueue(t, QueueConfig{TaskTimeout: 0})

	// Act
	_ = q.Submit(context.Background(), actx, "forever")
	<-sender.started
	time.Sleep(150 * time.Millisecond)

	// Assert
	if n := len(handler.Failures()); n != 0 {
		t.Fatalf("handler calls = %d, want 0", n)
	}
	close(sender.release)
	q.Shutdown(context.Background())
	if n := len(handler.Failures()); n != 0 {
		t.Errorf("handler calls after release = %d, want 0", n)
	}
}

// TestAsynchronousQueue_ShutdownDrainsInFlight verifies graceful drain
// Given: 3 workers busy with slow but finishing sends and 6 more queued
// When: Shutdown is called with a generous wait
// Then: All 9 records are sent, no warning is logged and nothing is forced
func TestAsynchronousQueue_ShutdownDrainsInFlight(t *testing.T) {
	// Arrange
	var sent atomic.Int32
	sender := SenderFunc(func(context.Context, AuditContext, string) error {
		time.Sleep(20 * time.Millisecond)
		sent.Add(1)
		return nil
	})
	logger := newRecordingLogger()
	metrics := NewTestMetrics()
	actx := &testAuditContext{sender: sender, handler: newRecordingHandler()}
	q := newTestQueue(t, QueueConfig{PoolSize: 3, ShutdownWait: 5 * time.Second, Logger: logger, Metrics: metrics})
	for range 9 {
		_ = q.Submit(context.Background(), actx, "r")
	}

	// Act
	q.Shutdown(context.Background())

	// Assert
	if sent.Load() != 9 {
		t.Errorf("sent = %d, want 9", sent.Load())
	}
	if logger.count("warn", "some events might have been lost") != 0 {
		t.Error("drain warning logged for a clean shutdown")
	}
	if len(metrics.ForcedShutdowns()) != 0 {
		t.Error("forced shutdown recorded for a clean shutdown")
	}
	if !q.Pool().IsTerminated() {
		t.Error("pool not terminated after Shutdown")
	}
}

// TestAsynchronousQueue_ShutdownTimesOut verifies the bounded wait
// Given: A sender stuck past the 100ms shutdown wait and 2 queued records behind it
// When: Shutdown is called
// Then: It returns after about 100ms, warns, records the forced shutdown and interrupts the stuck send
func TestAsynchronousQueue_ShutdownTimesOut(t *testing.T) {
	// Arrange
	sender := newBlockingSender()
	handler := newRecordingHandler()
	logger := newRecordingLogger()
	metrics := NewTestMetrics()
	actx := &testAuditContext{sender: sender, handler: handler}
	q := newTestQueue(t, QueueConfig{ShutdownWait: 100 * time.Millisecond, Logger: logger, Metrics: metrics})
	for range 3 {
		_ = q.Submit(context.Background(), actx, "stuck")
	}
	<-sender.started

	// Act
	start := time.Now()
	q.Shutdown(context.Background())
	elapsed := time.Since(start)

	// Assert
	if elapsed < 100*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("Shutdown took %v, want about 100ms", elapsed)
	}
	entry, ok := logger.find("warn", "timeout occurred when flushing audit events")
	if !ok {
		t.Fatal("no drain warning logged")
	}
	if entry.fields["discarded"] != 2 {
		t.Errorf("discarded field = %v, want 2", entry.fields["discarded"])
	}
	if got := metrics.ForcedShutdowns(); len(got) != 1 || got[0] != 2 {
		t.Errorf("forced shutdowns = %v, want [2]", got)
	}
	handler.waitCalls(t, 1, time.Second)
	if failures := handler.Failures(); IsTimeout(failures[0].err) {
		t.Errorf("forced interruption reported as timeout: %v", failures[0].err)
	}
}

// TestAsynchronousQueue_ShutdownContextCancelled verifies the caller can cut the wait short
// Given: A stuck sender and a long shutdown wait
// When: Shutdown is called with an already-cancelled context
// Then: It returns at once and logs the interrupted-flush warning
func TestAsynchronousQueue_ShutdownContextCancelled(t *testing.T) {
	// Arrange
	sender := newBlockingSender()
	logger := newRecordingLogger()
	actx := &testAuditContext{sender: sender, handler: newRecordingHandler()}
	q := newTestQueue(t, QueueConfig{ShutdownWait: time.Minute, Logger: logger})
	_ = q.Submit(context.Background(), actx, "stuck")
	<-sender.started
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Act
	start := time.Now()
	q.Shutdown(ctx)

	// Assert
	if time.Since(start) > time.Second {
		t.Errorf("Shutdown took %v with a cancelled context", time.Since(start))
	}
	if logger.count("warn", "interrupted while flushing audit events") != 1 {
		t.Error("interrupted-flush warning not logged")
	}
}

// TestAsynchronousQueue_ShutdownIdempotent verifies repeated calls are harmless
func TestAsynchronousQueue_ShutdownIdempotent(t *testing.T) {
	logger := newRecordingLogger()
	q := newTestQueue(t, QueueConfig{Logger: logger})

	q.Shutdown(context.Background())
	q.Shutdown(context.Background())

	if logger.count("warn", "flushing") != 0 {
		t.Error("idle shutdown logged a warning")
	}
}

// TestAsynchronousQueue_IdleShutdownWithCancelledContext verifies no false loss report
// Given: An idle queue with nothing queued or running
// When: Shutdown is called with an already-cancelled context, many times over
// Then: No warning is logged and no forced shutdown is recorded
func TestAsynchronousQueue_IdleShutdownWithCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := range 50 {
		// Arrange
		logger := newRecordingLogger()
		metrics := NewTestMetrics()
		q := NewAsynchronousQueue(QueueConfig{PoolSize: 2, Logger: logger, Metrics: metrics})

		// Act
		q.Shutdown(ctx)

		// Assert
		if n := logger.count("warn", "flushing audit events"); n != 0 {
			t.Fatalf("iteration %d: %d loss warnings for an idle queue", i, n)
		}
		if got := metrics.ForcedShutdowns(); len(got) != 0 {
			t.Fatalf("iteration %d: forced shutdowns = %v, want none", i, got)
		}
	}
}

// TestAsynchronousQueue_SubmitAfterShutdownFallsBack verifies records are never dropped
// Given: A queue that has been shut down
// When: A record is submitted and the sender fails
// Then: The record is sent on the caller's goroutine and the error is returned to the caller
func TestAsynchronousQueue_SubmitAfterShutdownFallsBack(t *testing.T) {
	// Arrange
	errDown := errors.New("collector down")
	sender := &recordingSender{fail: func(string) error { return errDown }}
	handler := newRecordingHandler()
	actx := &testAuditContext{sender: sender, handler: handler}
	q := newTestQueue(t, QueueConfig{})
	q.Shutdown(context.Background())

	// Act
	err := q.Submit(context.Background(), actx, "late")

	// Assert
	if !errors.Is(err, errDown) {
		t.Errorf("Submit() error = %v, want collector error", err)
	}
	if got := sender.Records(); len(got) != 1 || got[0] != "late" {
		t.Errorf("sent = %v, want [late]", got)
	}
	if n := len(handler.Failures()); n != 0 {
		t.Errorf("handler calls = %d, want 0 on the synchronous path", n)
	}
}

// TestAsynchronousQueue_DiagnosticsDoNotLeak verifies the snapshot hand-off
// Given: A single worker, a first record submitted with request_id and a second without
// When: The first send fails, times out or succeeds
// Then: The sender sees request_id only for the first record
func TestAsynchronousQueue_DiagnosticsDoNotLeak(t *testing.T) {
	cases := map[string]func(ctx context.Context) error{
		"success": func(context.Context) error { return nil },
		"failure": func(context.Context) error { return errors.New("refused") },
		"timeout": func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() },
	}

	for name, firstSend := range cases {
		t.Run(name, func(t *testing.T) {
			// Arrange
			var mu sync.Mutex
			var seen []Diagnostics
			sender := SenderFunc(func(ctx context.Context, _ AuditContext, record string) error {
				mu.Lock()
				seen = append(seen, DiagnosticsFrom(ctx))
				mu.Unlock()
				if record == "first" {
					return firstSend(ctx)
				}
				return nil
			})
			actx := &testAuditContext{sender: sender, handler: newRecordingHandler()}
			q := newTestQueue(t, QueueConfig{TaskTimeout: 30 * time.Millisecond})

			// Act
			_ = q.Submit(WithDiagnostic(context.Background(), "request_id", "r-1"), actx, "first")
			_ = q.Submit(context.Background(), actx, "second")
			q.Shutdown(context.Background())

			// Assert
			mu.Lock()
			defer mu.Unlock()
			if len(seen) != 2 {
				t.Fatalf("sends = %d, want 2", len(seen))
			}
			if seen[0]["request_id"] != "r-1" {
				t.Errorf("first send diagnostics = %v, want request_id=r-1", seen[0])
			}
			if len(seen[1]) != 0 {
				t.Errorf("second send diagnostics = %v, want none", seen[1])
			}
		})
	}
}

// TestQueue_EmptyRecordIsNoOp verifies both variants ignore empty records
func TestQueue_EmptyRecordIsNoOp(t *testing.T) {
	for _, async := range []bool{true, false} {
		t.Run(fmt.Sprintf("async=%v", async), func(t *testing.T) {
			sender := &recordingSender{}
			handler := newRecordingHandler()
			actx := &testAuditContext{sender: sender, handler: handler}
			q := NewQueue(&QueueConfig{Async: async, Logger: NewNoOpLogger()})

			if err := q.Submit(context.Background(), actx, ""); err != nil {
				t.Errorf("Submit(\"\") error = %v, want nil", err)
			}
			q.Shutdown(context.Background())

			if n := len(sender.Records()); n != 0 {
				t.Errorf("sender calls = %d, want 0", n)
			}
			if n := len(handler.Failures()); n != 0 {
				t.Errorf("handler calls = %d, want 0", n)
			}
		})
	}
}

// TestSynchronousQueue_PropagatesError verifies the synchronous path
// Given: A synchronous queue and a failing sender
// When: A record is submitted
// Then: Submit blocks for the send, returns an *AuditError and never calls the handler
func TestSynchronousQueue_PropagatesError(t *testing.T) {
	// Arrange
	errDown := errors.New("collector down")
	sender := &recordingSender{fail: func(string) error { return errDown }}
	handler := newRecordingHandler()
	actx := &testAuditContext{sender: sender, handler: handler}
	q := NewQueue(&QueueConfig{Async: false})

	// Act
	err := q.Submit(context.Background(), actx, "r")

	// Assert
	var auditErr *AuditError
	if !errors.As(err, &auditErr) || !errors.Is(err, errDown) {
		t.Errorf("Submit() error = %v, want *AuditError wrapping collector error", err)
	}
	if auditErr != nil && auditErr.TaskID.IsZero() {
		t.Error("AuditError.TaskID is zero")
	}
	if n := len(handler.Failures()); n != 0 {
		t.Errorf("handler calls = %d, want 0", n)
	}
	if _, ok := q.(*SynchronousQueue); !ok {
		t.Errorf("NewQueue(Async=false) = %T, want *SynchronousQueue", q)
	}
}

// TestSynchronousQueue_RecoversPanic verifies a panicking sender does not crash the caller
// Given: A synchronous queue with a panic handler and metrics
// When: The sender panics
// Then: Submit returns ErrSenderPanic and the panic is reported with worker ID -1
func TestSynchronousQueue_RecoversPanic(t *testing.T) {
	// Arrange
	panics := NewTestPanicHandler()
	metrics := NewTestMetrics()
	sender := SenderFunc(func(context.Context, AuditContext, string) error { panic("boom") })
	q := NewQueue(&QueueConfig{Async: false, PanicHandler: panics, Metrics: metrics, Logger: NewNoOpLogger()})
	ctx := WithDiagnostic(context.Background(), "request_id", "r-9")

	// Act
	err := q.Submit(ctx, &testAuditContext{sender: sender}, "r")

	// Assert
	if !errors.Is(err, ErrSenderPanic) {
		t.Errorf("Submit() error = %v, want ErrSenderPanic", err)
	}
	calls := panics.GetCalls()
	if len(calls) != 1 {
		t.Fatalf("panic handler calls = %d, want 1", len(calls))
	}
	if calls[0].WorkerID != -1 || calls[0].PanicInfo != "boom" || calls[0].PoolName != "audit" {
		t.Errorf("panic call = %+v, want worker -1, pool audit, panic boom", calls[0])
	}
	if calls[0].Diagnostics["request_id"] != "r-9" {
		t.Errorf("panic diagnostics = %v, want request_id=r-9", calls[0].Diagnostics)
	}
	if metrics.Panics() != 1 {
		t.Errorf("panic metric = %d, want 1", metrics.Panics())
	}
}

// TestSynchronousQueue_DefaultPanicHandlerLogs verifies the constructor default
func TestSynchronousQueue_DefaultPanicHandlerLogs(t *testing.T) {
	logger := newRecordingLogger()
	sender := SenderFunc(func(context.Context, AuditContext, string) error { panic("boom") })
	q := NewSynchronousQueue(logger)

	_ = q.Submit(context.Background(), &testAuditContext{sender: sender}, "r")

	entry, ok := logger.find("error", "audit task panicked")
	if !ok {
		t.Fatal("panic was not logged")
	}
	if entry.fields["worker"] != -1 {
		t.Errorf("worker field = %v, want -1", entry.fields["worker"])
	}
}

// TestAsynchronousQueue_NoSender verifies a missing sender is reported as a failure
func TestAsynchronousQueue_NoSender(t *testing.T) {
	handler := newRecordingHandler()
	q := newTestQueue(t, QueueConfig{})

	_ = q.Submit(context.Background(), &testAuditContext{handler: handler}, "r")
	handler.waitCalls(t, 1, time.Second)

	if err := handler.Failures()[0].err; !errors.Is(err, ErrNoSender) {
		t.Errorf("error = %v, want ErrNoSender", err)
	}
}

// TestAsynchronousQueue_NoHandlerLogs verifies failures without a handler are logged
func TestAsynchronousQueue_NoHandlerLogs(t *testing.T) {
	logger := newRecordingLogger()
	sender := SenderFunc(func(context.Context, AuditContext, string) error { return errors.New("refused") })
	q := newTestQueue(t, QueueConfig{Logger: logger})

	_ = q.Submit(context.Background(), &testAuditContext{sender: sender}, "r")
	q.Shutdown(context.Background())

	if logger.count("error", "no exception handler") != 1 {
		t.Error("failure without handler was not logged")
	}
}

// TestNewTimeoutQueue verifies the single-worker timeout constructor
func TestNewTimeoutQueue(t *testing.T) {
	q := NewTimeoutQueue(time.Second)
	defer q.Shutdown(context.Background())

	if q.Pool().WorkerCount() != 1 {
		t.Errorf("WorkerCount() = %d, want 1", q.Pool().WorkerCount())
	}
	if q.Pool().Supervisor().Timeout() != time.Second {
		t.Errorf("Timeout() = %v, want 1s", q.Pool().Supervisor().Timeout())
	}
}
