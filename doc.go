// Package auditqueue dispatches rendered audit records to a collector
// without blocking the code that produced them.
//
// Records are submitted to a Queue. The synchronous variant sends on the
// caller's goroutine and returns the transmission error. The asynchronous
// variant hands the record to a fixed-size worker pool; failures there are
// reported to the ExceptionHandler of the record's AuditContext.
//
// # Quick Start
//
// Initialize the global queue at application startup:
//
//	auditqueue.InitGlobalQueue(&auditqueue.QueueConfig{
//		Async:       true,
//		PoolSize:    2,
//		TaskTimeout: 5 * time.Second,
//	})
//	defer auditqueue.ShutdownGlobalQueue(context.Background())
//
// Create an AuditContext bound to a Sender:
//
//	actx := auditqueue.CreateAuditContext(syslog.NewTCPSender("collector:6514"))
//	actx.Audit(ctx, event)
//
// # Diagnostics
//
// Values attached with WithDiagnostic on the submitting context are copied
// into the task and are visible to the Sender and to any slog logger wrapped
// in NewDiagnosticHandler for the duration of the transmission. They are
// cleared before the worker picks up the next record.
//
// # Timeouts
//
// With TaskTimeout > 0 a single supervisor goroutine tracks running
// transmissions and cancels the context of any that run too long, with
// ErrTaskTimeout as the cause. Senders must honour ctx for the timeout to
// take effect.
//
// # Shutdown
//
// Shutdown stops accepting new work, waits up to ShutdownWait for queued
// records, then interrupts whatever is left. Records submitted afterwards
// are sent synchronously.
package auditqueue
