package auditqueue

import (
	"context"
	"sync"

	"github.com/Swind/go-audit-queue/audit"
	"github.com/Swind/go-audit-queue/core"
)

// =============================================================================
// Global Queue Helper (Singleton)
// =============================================================================

var (
	globalQueue core.Queue
	globalMu    sync.Mutex
)

// InitGlobalQueue creates the process-wide queue. A nil cfg uses
// DefaultQueueConfig. Calls after the first are ignored until
// ShutdownGlobalQueue.
func InitGlobalQueue(cfg *QueueConfig) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalQueue != nil {
		return
	}
	globalQueue = core.NewQueue(cfg)
}

// GetGlobalQueue returns the global queue.
// It panics if InitGlobalQueue has not been called.
func GetGlobalQueue() Queue {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalQueue == nil {
		panic("global audit queue not initialized. Call InitGlobalQueue() first.")
	}
	return globalQueue
}

// ShutdownGlobalQueue drains and stops the global queue.
func ShutdownGlobalQueue(ctx context.Context) {
	globalMu.Lock()
	q := globalQueue
	globalQueue = nil
	globalMu.Unlock()

	if q != nil {
		q.Shutdown(ctx)
	}
}

// CreateAuditContext returns an enabled audit context that submits through
// the global queue and transmits with sender.
func CreateAuditContext(sender Sender, opts ...audit.Option) *audit.DefaultContext {
	q := GetGlobalQueue()
	base := []audit.Option{
		audit.WithEnabled(true),
		audit.WithSender(sender),
		audit.WithQueue(q),
	}
	return audit.NewContext(append(base, opts...)...)
}
