// Package logsink is a Sender that writes records to a logger instead of a
// collector. It is meant for development and for tests of the wiring.
package logsink

import (
	"context"

	"github.com/Swind/go-audit-queue/core"
)

// Sender logs each record at info level.
type Sender struct {
	logger core.Logger
}

var _ core.Sender = (*Sender)(nil)

// NewSender creates a Sender. A nil logger uses core.NewDefaultLogger.
func NewSender(logger core.Logger) *Sender {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Sender{logger: logger}
}

func (s *Sender) Send(ctx context.Context, _ core.AuditContext, record string) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}

	logger := s.logger
	if cl, ok := logger.(interface {
		WithContext(context.Context) core.Logger
	}); ok {
		logger = cl.WithContext(ctx)
	}

	fields := []core.Field{core.F("record", record)}
	if task := core.CurrentTask(ctx); task != nil {
		fields = append(fields, core.F("task_id", task.ID.String()))
	}
	logger.Info("audit record", fields...)
	return nil
}
