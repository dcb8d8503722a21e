// Package redisstream delivers audit records to a Redis stream with XADD.
package redisstream

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Swind/go-audit-queue/core"
)

const (
	DefaultStream = "audit:records"

	fieldRecord      = "record"
	fieldTaskID      = "task_id"
	fieldSubmittedAt = "submitted_at"
	diagnosticPrefix = "diag."
)

// Sender appends each record as one stream entry. Entries carry the record,
// the task ID and submit time when sent from a worker, and the task's
// diagnostics as "diag.<key>" fields.
type Sender struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

var _ core.Sender = (*Sender)(nil)

// Option configures a Sender.
type Option func(*Sender)

// WithStream sets the stream key. Defaults to "audit:records".
func WithStream(stream string) Option {
	return func(s *Sender) {
		if stream != "" {
			s.stream = stream
		}
	}
}

// WithMaxLen caps the stream length approximately (XADD MAXLEN ~).
// Zero leaves the stream uncapped.
func WithMaxLen(n int64) Option {
	return func(s *Sender) { s.maxLen = n }
}

// NewSender creates a Sender on client.
func NewSender(client redis.UniversalClient, opts ...Option) *Sender {
	s := &Sender{client: client, stream: DefaultStream}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send implements core.Sender. go-redis aborts the command when ctx is done.
func (s *Sender) Send(ctx context.Context, _ core.AuditContext, record string) error {
	values := []any{fieldRecord, record}
	if task := core.CurrentTask(ctx); task != nil {
		values = append(values,
			fieldTaskID, task.ID.String(),
			fieldSubmittedAt, task.SubmittedAt.UTC().Format(time.RFC3339Nano),
		)
	}

	diag := core.DiagnosticsFrom(ctx)
	keys := make([]string, 0, len(diag))
	for k := range diag {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values = append(values, diagnosticPrefix+k, diag[k])
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: values,
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("xadd %s: %w: %w", s.stream, err, context.Cause(ctx))
		}
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Stream returns the stream key.
func (s *Sender) Stream() string {
	return s.stream
}
