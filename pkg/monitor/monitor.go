// Package monitor periodically verifies that every enabled service can
// complete the MCP handshake and list its tools, and feeds the results back
// into the registry's health state.
package monitor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mcpgate/mcpgate/pkg/logger"
	"github.com/mcpgate/mcpgate/pkg/registry"
	"github.com/mcpgate/mcpgate/pkg/telemetry"
)

const (
	// DefaultPeriod is the probe cycle interval.
	DefaultPeriod = 30 * time.Second

	// DefaultProbeTimeout bounds one full three-step probe.
	DefaultProbeTimeout = 10 * time.Second

	// DefaultConcurrency bounds how many services are probed at once.
	DefaultConcurrency = 16
)

// Config tunes the monitor. Zero values select the defaults.
type Config struct {
	// GatewayBaseURL is the gateway's own listener, e.g. "http://127.0.0.1:8000".
	// Probes go through it so auth and rewrite are exercised end to end.
	GatewayBaseURL string

	Period       time.Duration
	ProbeTimeout time.Duration
	Concurrency  int64
}

// Monitor drives the periodic probe cycles.
type Monitor struct {
	store   *registry.Store
	metrics *telemetry.Metrics
	prober  *prober

	period  time.Duration
	timeout time.Duration
	sem     *semaphore.Weighted

	mu       sync.Mutex
	nextID   uint64
	inflight map[string]map[uint64]context.CancelFunc
}

// New creates a monitor probing through the gateway with the given
// credential source.
func New(cfg Config, store *registry.Store, creds CredentialSource, metrics *telemetry.Metrics) *Monitor {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Monitor{
		store:   store,
		metrics: metrics,
		prober: &prober{
			base:   cfg.GatewayBaseURL,
			client: &http.Client{},
			creds:  creds,
		},
		period:   cfg.Period,
		timeout:  cfg.ProbeTimeout,
		sem:      semaphore.NewWeighted(cfg.Concurrency),
		inflight: map[string]map[uint64]context.CancelFunc{},
	}
}

// Run probes all enabled services every period until ctx is cancelled. It
// also watches registry events so that disabling or removing a service
// cancels its in-flight probe.
func (m *Monitor) Run(ctx context.Context) {
	go m.watchEvents(ctx)

	// First cycle immediately so a fresh gateway converges fast.
	m.cycle(ctx)

	ticker := time.NewTicker(m.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cycle(ctx)
		}
	}
}

func (m *Monitor) cycle(ctx context.Context) {
	enabled := true
	for _, svc := range m.store.List(registry.ListFilter{Enabled: &enabled}) {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return
		}
		svc := svc
		go func() {
			defer m.sem.Release(1)
			m.probeAndRecord(ctx, svc)
		}()
	}
}

// ProbeNow probes a single service immediately, outside the periodic cycle.
// Used by the admin healthcheck endpoint.
func (m *Monitor) ProbeNow(ctx context.Context, path string) (registry.HealthState, error) {
	svc, err := m.store.GetByPath(path)
	if err != nil {
		return registry.HealthState{}, err
	}
	m.probeAndRecord(ctx, svc)
	svc, err = m.store.GetByPath(path)
	if err != nil {
		return registry.HealthState{}, err
	}
	return svc.Health, nil
}

func (m *Monitor) probeAndRecord(ctx context.Context, svc *registry.Service) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	id := m.register(svc.Path, cancel)
	defer m.unregister(svc.Path, id)

	start := time.Now()
	result := m.prober.run(probeCtx, svc)

	// A cancelled probe means the service was disabled or removed mid-flight;
	// its result no longer describes anything.
	if probeCtx.Err() == context.Canceled {
		logger.Debugw("probe cancelled, result discarded", "service", svc.Path)
		return
	}

	if m.metrics != nil {
		m.metrics.Probes.WithLabelValues(svc.Path, string(result.state.Status)).Inc()
		m.metrics.ProbeDuration.Observe(time.Since(start).Seconds())
	}

	if result.state.Status != registry.HealthHealthy {
		logger.Warnw("service probe failed",
			"service", svc.Path, "status", result.state.Status, "reason", result.state.Reason)
	}
	if err := m.store.UpdateHealth(svc.Path, result.state, result.tools); err != nil {
		logger.Debugw("health update dropped", "service", svc.Path, "error", err)
	}
}

// register tracks one probe's cancel func. Probes are keyed individually so
// an on-demand probe and a periodic probe of the same service never clobber
// each other's entries.
func (m *Monitor) register(path string, cancel context.CancelFunc) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	if m.inflight[path] == nil {
		m.inflight[path] = map[uint64]context.CancelFunc{}
	}
	m.inflight[path][id] = cancel
	return id
}

func (m *Monitor) unregister(path string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight[path], id)
	if len(m.inflight[path]) == 0 {
		delete(m.inflight, path)
	}
}

func (m *Monitor) cancelInflight(path string) {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.inflight[path]))
	for _, cancel := range m.inflight[path] {
		cancels = append(cancels, cancel)
	}
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (m *Monitor) watchEvents(ctx context.Context) {
	events := m.store.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case registry.EventRemoved:
				m.cancelInflight(ev.Path)
			case registry.EventEnabledChanged:
				if svc, err := m.store.GetByPath(ev.Path); err == nil && !svc.Enabled {
					m.cancelInflight(ev.Path)
				}
			}
		}
	}
}
