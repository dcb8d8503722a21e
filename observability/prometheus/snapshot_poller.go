package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-audit-queue/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// PoolSnapshotProvider provides current pool stats snapshots.
// *core.AsynchronousQueue and *core.WorkerPool both satisfy it.
type PoolSnapshotProvider interface {
	Stats() core.PoolStats
}

// SnapshotPoller periodically exports pool Stats() snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	poolsMu sync.RWMutex
	pools   map[string]PoolSnapshotProvider

	poolQueued       *prom.GaugeVec
	poolActive       *prom.GaugeVec
	poolWatched      *prom.GaugeVec
	poolWorkers      *prom.GaugeVec
	poolRejected     *prom.GaugeVec
	poolRunning      *prom.GaugeVec
	poolShuttingDown *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(namespace string, reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	gauge := func(name, help string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, []string{"pool"})
	}

	p := &SnapshotPoller{
		interval:         interval,
		pools:            make(map[string]PoolSnapshotProvider),
		poolQueued:       gauge("pool_queued", "Queued records per pool."),
		poolActive:       gauge("pool_active", "Records being sent per pool."),
		poolWatched:      gauge("pool_watched", "Transmissions with a pending timeout per pool."),
		poolWorkers:      gauge("pool_workers", "Worker count per pool."),
		poolRejected:     gauge("pool_rejected", "Rejected record count snapshot per pool."),
		poolRunning:      gauge("pool_running", "Pool running state (1=running, 0=stopped)."),
		poolShuttingDown: gauge("pool_shutting_down", "Pool shutdown state (1=shutting down or terminated, 0=accepting)."),
	}

	for _, g := range []**prom.GaugeVec{
		&p.poolQueued,
		&p.poolActive,
		&p.poolWatched,
		&p.poolWorkers,
		&p.poolRejected,
		&p.poolRunning,
		&p.poolShuttingDown,
	} {
		registered, err := registerCollector(reg, *g)
		if err != nil {
			return nil, err
		}
		*g = registered
	}

	return p, nil
}

// AddPool adds or replaces a pool snapshot provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "pool")
	p.poolsMu.Lock()
	p.pools[name] = provider
	p.poolsMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			// One last sample so the final state of a shut down pool is visible.
			p.collectOnce()
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.poolsMu.RLock()
	defer p.poolsMu.RUnlock()

	for name, provider := range p.pools {
		stats := provider.Stats()
		p.poolQueued.WithLabelValues(name).Set(float64(stats.Queued))
		p.poolActive.WithLabelValues(name).Set(float64(stats.Active))
		p.poolWatched.WithLabelValues(name).Set(float64(stats.Watched))
		p.poolWorkers.WithLabelValues(name).Set(float64(stats.Workers))
		p.poolRejected.WithLabelValues(name).Set(float64(stats.Rejected))
		p.poolRunning.WithLabelValues(name).Set(boolGauge(stats.Running))
		p.poolShuttingDown.WithLabelValues(name).Set(boolGauge(stats.ShuttingDown))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
