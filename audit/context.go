// Package audit provides the default AuditContext: it holds the Sender,
// the ExceptionHandler and the Queue, renders audit messages and submits
// them for delivery.
package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/Swind/go-audit-queue/core"
	"github.com/Swind/go-audit-queue/handler"
)

// Option configures a DefaultContext.
type Option func(*DefaultContext)

// WithEnabled switches auditing on or off. Contexts start disabled.
func WithEnabled(enabled bool) Option {
	return func(c *DefaultContext) { c.enabled = enabled }
}

// WithSender sets the transport used for every record.
func WithSender(s core.Sender) Option {
	return func(c *DefaultContext) { c.sender = s }
}

// WithExceptionHandler sets the handler for asynchronous failures.
func WithExceptionHandler(h core.ExceptionHandler) Option {
	return func(c *DefaultContext) { c.handler = h }
}

// WithQueue sets the dispatch queue. The default is a SynchronousQueue.
func WithQueue(q core.Queue) Option {
	return func(c *DefaultContext) { c.queue = q }
}

// WithMarshaller sets how messages are rendered. The default is JSON.
func WithMarshaller(m Marshaller) Option {
	return func(c *DefaultContext) { c.marshaller = m }
}

// WithLogger sets the logger used by the default exception handler.
func WithLogger(l core.Logger) Option {
	return func(c *DefaultContext) { c.logger = l }
}

// DefaultContext is the standard core.AuditContext.
type DefaultContext struct {
	mu         sync.RWMutex
	enabled    bool
	sender     core.Sender
	handler    core.ExceptionHandler
	queue      core.Queue
	marshaller Marshaller
	logger     core.Logger
}

var _ core.AuditContext = (*DefaultContext)(nil)

// NewContext creates a DefaultContext.
func NewContext(opts ...Option) *DefaultContext {
	c := &DefaultContext{}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = core.NewDefaultLogger()
	}
	if c.handler == nil {
		c.handler = handler.NewLoggingExceptionHandler(c.logger)
	}
	if c.queue == nil {
		c.queue = core.NewSynchronousQueue(c.logger)
	}
	if c.marshaller == nil {
		c.marshaller = NewJSONMarshaller()
	}
	return c
}

// Sender implements core.AuditContext.
func (c *DefaultContext) Sender() core.Sender {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sender
}

// ExceptionHandler implements core.AuditContext.
func (c *DefaultContext) ExceptionHandler() core.ExceptionHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

// Queue returns the dispatch queue.
func (c *DefaultContext) Queue() core.Queue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queue
}

// IsEnabled reports whether Audit submits anything.
func (c *DefaultContext) IsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// SetEnabled switches auditing on or off at runtime.
func (c *DefaultContext) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// Audit renders each message and submits it to the queue. It does nothing
// while the context is disabled. With an asynchronous queue the returned
// error only reflects rendering and synchronous fallback failures.
func (c *DefaultContext) Audit(ctx context.Context, msgs ...any) error {
	c.mu.RLock()
	enabled, queue, marshaller := c.enabled, c.queue, c.marshaller
	c.mu.RUnlock()

	if !enabled {
		return nil
	}
	for _, msg := range msgs {
		record, err := marshaller.Marshal(msg)
		if err != nil {
			return fmt.Errorf("render audit message with %s: %w", marshaller.Name(), err)
		}
		if err := queue.Submit(ctx, c, record); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts the queue down.
func (c *DefaultContext) Close(ctx context.Context) {
	c.Queue().Shutdown(ctx)
}
