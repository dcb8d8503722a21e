// Package handler contains core.ExceptionHandler implementations.
package handler

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Swind/go-audit-queue/core"
)

// LoggingExceptionHandler logs every failed record at error level. When a
// limit is set, log lines beyond it are counted instead of written, and the
// next line that gets through reports how many were suppressed. Every
// failure is counted either way.
type LoggingExceptionHandler struct {
	logger     core.Logger
	limiter    *rate.Limiter
	failures   atomic.Int64
	timeouts   atomic.Int64
	suppressed atomic.Int64
}

// LoggingOption configures a LoggingExceptionHandler.
type LoggingOption func(*LoggingExceptionHandler)

// WithLogRate allows one failure log line per interval, with bursts of up
// to burst lines. A non-positive argument removes the limit.
func WithLogRate(interval time.Duration, burst int) LoggingOption {
	return func(h *LoggingExceptionHandler) {
		if interval <= 0 || burst <= 0 {
			h.limiter = nil
			return
		}
		h.limiter = rate.NewLimiter(rate.Every(interval), burst)
	}
}

// NewLoggingExceptionHandler creates a handler writing to logger. A nil
// logger uses core.NewDefaultLogger.
func NewLoggingExceptionHandler(logger core.Logger, opts ...LoggingOption) *LoggingExceptionHandler {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	h := &LoggingExceptionHandler{logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleException implements core.ExceptionHandler.
func (h *LoggingExceptionHandler) HandleException(_ core.AuditContext, err error, record string) {
	h.failures.Add(1)
	timedOut := core.IsTimeout(err)
	if timedOut {
		h.timeouts.Add(1)
	}

	if h.limiter != nil && !h.limiter.Allow() {
		h.suppressed.Add(1)
		return
	}

	fields := []core.Field{
		core.F("error", err),
		core.F("timeout", timedOut),
		core.F("record_bytes", len(record)),
	}
	if n := h.suppressed.Swap(0); n > 0 {
		fields = append(fields, core.F("suppressed", n))
	}
	h.logger.Error("failed to send audit record", fields...)
}

// Failures returns the number of failures handled so far.
func (h *LoggingExceptionHandler) Failures() int64 {
	return h.failures.Load()
}

// Timeouts returns how many of the failures were timeout-induced.
func (h *LoggingExceptionHandler) Timeouts() int64 {
	return h.timeouts.Load()
}
