package prometheus

import (
	"errors"
	"fmt"
	"time"

	"github.com/Swind/go-audit-queue/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "auditq"

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// MetricsExporter adapts core.Metrics to Prometheus collectors.
type MetricsExporter struct {
	taskDurationSeconds *prom.HistogramVec
	taskPanicTotal      *prom.CounterVec
	taskRejectedTotal   *prom.CounterVec
	queueDepth          *prom.GaugeVec
	timeoutsTotal       *prom.CounterVec
	shutdownForcedTotal *prom.CounterVec
	discardedTotal      *prom.CounterVec
}

var _ core.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for core.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "send_duration_seconds",
		Help:      "Audit record transmission duration in seconds.",
		Buckets:   buckets,
	}, []string{"pool", "outcome"})
	panicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "send_panic_total",
		Help:      "Total number of sender panics.",
	}, []string{"pool"})
	rejectedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_rejected_total",
		Help:      "Total number of records refused by the worker pool.",
	}, []string{"pool", "reason"})
	queueDepthVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Current number of queued audit records.",
	}, []string{"pool"})
	timeoutsVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "send_timeouts_total",
		Help:      "Total number of transmissions interrupted by the task timeout.",
	}, []string{"pool"})
	forcedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "shutdown_forced_total",
		Help:      "Total number of shutdowns that had to terminate workers.",
	}, []string{"pool"})
	discardedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "records_discarded_total",
		Help:      "Total number of queued records dropped by a forced shutdown.",
	}, []string{"pool"})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if panicVec, err = registerCollector(reg, panicVec); err != nil {
		return nil, err
	}
	if rejectedVec, err = registerCollector(reg, rejectedVec); err != nil {
		return nil, err
	}
	if queueDepthVec, err = registerCollector(reg, queueDepthVec); err != nil {
		return nil, err
	}
	if timeoutsVec, err = registerCollector(reg, timeoutsVec); err != nil {
		return nil, err
	}
	if forcedVec, err = registerCollector(reg, forcedVec); err != nil {
		return nil, err
	}
	if discardedVec, err = registerCollector(reg, discardedVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		taskDurationSeconds: durationVec,
		taskPanicTotal:      panicVec,
		taskRejectedTotal:   rejectedVec,
		queueDepth:          queueDepthVec,
		timeoutsTotal:       timeoutsVec,
		shutdownForcedTotal: forcedVec,
		discardedTotal:      discardedVec,
	}, nil
}

// RecordTaskDuration records transmission duration by outcome.
func (m *MetricsExporter) RecordTaskDuration(poolName string, outcome core.TaskOutcome, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDurationSeconds.WithLabelValues(normalizeLabel(poolName, "unknown"), outcome.String()).Observe(duration.Seconds())
}

// RecordTaskPanic records sender panic events.
func (m *MetricsExporter) RecordTaskPanic(poolName string, panicInfo any) {
	if m == nil {
		return
	}
	m.taskPanicTotal.WithLabelValues(normalizeLabel(poolName, "unknown")).Inc()
}

// RecordQueueDepth records queue depth.
func (m *MetricsExporter) RecordQueueDepth(poolName string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(poolName, "unknown")).Set(float64(depth))
}

// RecordTaskRejected records task rejection events.
func (m *MetricsExporter) RecordTaskRejected(poolName string, reason string) {
	if m == nil {
		return
	}
	m.taskRejectedTotal.WithLabelValues(normalizeLabel(poolName, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

// RecordTimeoutFired counts interrupted transmissions.
func (m *MetricsExporter) RecordTimeoutFired(poolName string) {
	if m == nil {
		return
	}
	m.timeoutsTotal.WithLabelValues(normalizeLabel(poolName, "unknown")).Inc()
}

// RecordShutdownForced counts forced shutdowns and the records they dropped.
func (m *MetricsExporter) RecordShutdownForced(poolName string, discarded int) {
	if m == nil {
		return
	}
	pool := normalizeLabel(poolName, "unknown")
	m.shutdownForcedTotal.WithLabelValues(pool).Inc()
	if discarded > 0 {
		m.discardedTotal.WithLabelValues(pool).Add(float64(discarded))
	}
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
