// Package health runs the background liveness loop over all registered agents.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/scriptmesh/internal/registry"
	"github.com/3cpo-dev/scriptmesh/internal/telemetry"
	"github.com/3cpo-dev/scriptmesh/pkg/api"
)

const (
	DefaultInterval = 60 * time.Second
	DefaultTimeout  = 3 * time.Second
)

// Registry is the subset of *registry.Store the monitor needs.
type Registry interface {
	Snapshot() []registry.Record
	Credential(rec registry.Record) (string, error)
	SetStatuses(results map[string]registry.Status)
}

// Monitor probes every agent once per interval and writes results to the registry's status cache.
type Monitor struct {
	agents   Registry
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	metrics  *telemetry.Collector
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithTimeout bounds each individual probe.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(m *Monitor) { m.client = c }
}

func WithMetrics(c *telemetry.Collector) Option {
	return func(m *Monitor) { m.metrics = c }
}

func New(agents Registry, opts ...Option) *Monitor {
	m := &Monitor{
		agents:   agents,
		client:   &http.Client{},
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start launches the loop. The first cycle runs immediately. Calling Start on
// a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
	log.Info().Dur("interval", m.interval).Dur("timeout", m.timeout).Msg("Health monitor started")
}

// Stop cancels the loop and waits for it to exit. Probes still in flight are
// abandoned and their results discarded.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Msg("Health monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.RunCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCycle probes every registered agent concurrently and records one result
// per agent. It returns early, writing nothing, if ctx is cancelled first.
// Results are stamped with the time the cycle read the registry, so a
// registration made after that point is never overwritten by this cycle.
func (m *Monitor) RunCycle(ctx context.Context) {
	checkedAt := m.now()
	agents := m.agents.Snapshot()
	if len(agents) == 0 {
		return
	}
	log.Debug().Int("agents", len(agents)).Msg("[Healthcheck] Pinging all registered agents")

	results := make([]registry.Status, len(agents))
	var wg sync.WaitGroup
	for i, rec := range agents {
		wg.Add(1)
		go func(i int, rec registry.Record) {
			defer wg.Done()
			results[i] = m.probe(ctx, rec, checkedAt)
		}(i, rec)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return
	}

	batch := make(map[string]registry.Status, len(agents))
	var online, offline, failed float64
	for i, rec := range agents {
		batch[rec.Name] = results[i]
		switch results[i].State {
		case registry.StateOnline:
			online++
		case registry.StateOffline:
			offline++
		default:
			failed++
		}
	}
	m.agents.SetStatuses(batch)

	m.metrics.Gauge("scriptmesh_agents_online", online, nil)
	m.metrics.Gauge("scriptmesh_agents_offline", offline, nil)
	m.metrics.Gauge("scriptmesh_agents_error", failed, nil)
}

func (m *Monitor) probe(ctx context.Context, rec registry.Record, checkedAt time.Time) registry.Status {
	start := time.Now()
	st := m.check(ctx, rec)
	st.CheckedAt = checkedAt
	m.metrics.Counter("scriptmesh_probe_total", 1, map[string]string{"agent": rec.Name, "state": string(st.State)})
	m.metrics.Timer("scriptmesh_probe_duration", time.Since(start), map[string]string{"agent": rec.Name})
	return st
}

func (m *Monitor) check(ctx context.Context, rec registry.Record) registry.Status {
	key, err := m.agents.Credential(rec)
	if err != nil {
		log.Error().Err(err).Str("agent", rec.Name).Msg("[Healthcheck] Cannot open credential")
		return registry.Status{State: registry.StateOffline}
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	url := strings.TrimSuffix(rec.URL, "/") + api.HeartbeatPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Warn().Err(err).Str("agent", rec.Name).Str("url", url).Msg("[Healthcheck] Bad heartbeat URL")
		return registry.Status{State: registry.StateOffline}
	}
	req.Header.Set(api.AuthHeader, key)

	resp, err := m.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			// monitor is shutting down; the result is discarded anyway
			return registry.Status{State: registry.StateOffline}
		}
		log.Warn().Err(err).Str("agent", rec.Name).Msg("[Healthcheck] Agent is offline or unreachable")
		return registry.Status{State: registry.StateOffline}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		log.Warn().
			Err(fmt.Errorf("heartbeat returned %s", resp.Status)).
			Str("agent", rec.Name).
			Int("status", resp.StatusCode).
			Msg("[Healthcheck] Agent reported an error")
		return registry.Status{State: registry.StateError, Code: resp.StatusCode}
	}
	log.Debug().Str("agent", rec.Name).Msg("[Healthcheck] Agent is online")
	return registry.Status{State: registry.StateOnline}
}
