package core

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"sync"
)

// Diagnostics is correlation metadata attached to a logical operation,
// e.g. a request ID. It follows a record across the hand-off to a worker.
type Diagnostics map[string]string

type diagnosticsKeyType struct{}

var diagnosticsKey diagnosticsKeyType

// WithDiagnostic returns a copy of ctx carrying key=value in its diagnostics.
// The diagnostics already on ctx are not modified.
func WithDiagnostic(ctx context.Context, key, value string) context.Context {
	next := DiagnosticsFrom(ctx)
	if next == nil {
		next = make(Diagnostics, 1)
	}
	next[key] = value
	return context.WithValue(ctx, diagnosticsKey, next)
}

// WithDiagnostics returns a copy of ctx whose diagnostics are exactly d.
func WithDiagnostics(ctx context.Context, d Diagnostics) context.Context {
	return context.WithValue(ctx, diagnosticsKey, d.Clone())
}

// DiagnosticsFrom returns a copy of the diagnostics carried by ctx, or nil.
func DiagnosticsFrom(ctx context.Context) Diagnostics {
	if ctx == nil {
		return nil
	}
	switch v := ctx.Value(diagnosticsKey).(type) {
	case Diagnostics:
		return v.Clone()
	case *diagnosticSlot:
		return v.snapshot()
	default:
		return nil
	}
}

// Clone returns an independent copy. Cloning nil yields nil.
func (d Diagnostics) Clone() Diagnostics {
	if d == nil {
		return nil
	}
	out := make(Diagnostics, len(d))
	maps.Copy(out, d)
	return out
}

// diagnosticSlot is the per-task equivalent of a thread-local diagnostic
// context. A worker creates one for each task, installs the task's snapshot
// before running it and clears the slot when the task ends, whatever the
// outcome. Contexts derived from install read through the slot, so a
// context that outlives its task (for example one captured by a goroutine
// the Sender started) sees nothing once the slot is cleared, not even the
// diagnostics of later tasks on the same worker.
type diagnosticSlot struct {
	mu      sync.Mutex
	current Diagnostics
}

func (s *diagnosticSlot) install(ctx context.Context, d Diagnostics) context.Context {
	s.mu.Lock()
	s.current = d.Clone()
	s.mu.Unlock()
	return context.WithValue(ctx, diagnosticsKey, s)
}

func (s *diagnosticSlot) clear() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

func (s *diagnosticSlot) snapshot() Diagnostics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// =============================================================================
// DiagnosticHandler: slog integration
// =============================================================================

// DiagnosticHandler decorates a slog.Handler so every record logged with a
// context carries that context's diagnostics as attributes.
type DiagnosticHandler struct {
	next slog.Handler
}

// NewDiagnosticHandler wraps next.
func NewDiagnosticHandler(next slog.Handler) *DiagnosticHandler {
	return &DiagnosticHandler{next: next}
}

func (h *DiagnosticHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *DiagnosticHandler) Handle(ctx context.Context, r slog.Record) error {
	d := DiagnosticsFrom(ctx)
	if len(d) > 0 {
		keys := make([]string, 0, len(d))
		for k := range d {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			r.AddAttrs(slog.String(k, d[k]))
		}
	}
	return h.next.Handle(ctx, r)
}

func (h *DiagnosticHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &DiagnosticHandler{next: h.next.WithAttrs(attrs)}
}

func (h *DiagnosticHandler) WithGroup(name string) slog.Handler {
	return &DiagnosticHandler{next: h.next.WithGroup(name)}
}
