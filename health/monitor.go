// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudtolocalllm/bridge/lib/clock"
	"github.com/cloudtolocalllm/bridge/lib/telemetry"
)

// Default probe scheduling. An endpoint is probed every ActiveInterval
// while reachable; once Unavailable the interval doubles per failed
// probe, capped at UnavailableMaxInterval, so a dead backend is not
// hammered.
const (
	DefaultActiveInterval         = 15 * time.Second
	DefaultUnavailableMaxInterval = 60 * time.Second
)

// Update notifies a subscriber of a quality transition.
type Update struct {
	Kind    Kind
	Old     Quality
	New     Quality
	Checked time.Time
}

// Monitor owns the health table. It is the single writer; the broker
// and relay read through Snapshot and Lookup. One probe loop runs per
// endpoint.
type Monitor struct {
	prober         Prober
	clock          clock.Clock
	logger         *slog.Logger
	activeInterval time.Duration
	maxBackoff     time.Duration

	// fetchModels, when set, refreshes the model list after every
	// successful probe of the local endpoint.
	fetchModels func(ctx context.Context, endpoint Endpoint) ([]string, error)

	mu          sync.RWMutex
	table       map[Kind]*Endpoint
	models      []string
	subscribers []chan Update
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// Endpoints is the configured endpoint set. Endpoints are never
	// removed at runtime, only marked Unavailable.
	Endpoints []Endpoint

	// Prober issues probes. Required.
	Prober Prober

	// Clock drives the probe loops. Defaults to clock.Real().
	Clock clock.Clock

	// Logger for probe outcomes.
	Logger *slog.Logger

	// ActiveInterval and UnavailableMaxInterval override the probe
	// scheduling defaults when positive.
	ActiveInterval         time.Duration
	UnavailableMaxInterval time.Duration

	// FetchModels, when set, is called after each successful probe of
	// the local endpoint to refresh the available model list.
	FetchModels func(ctx context.Context, endpoint Endpoint) ([]string, error)
}

// NewMonitor builds a Monitor over the configured endpoints. Every
// endpoint starts Unavailable until its first successful probe.
func NewMonitor(config MonitorConfig) (*Monitor, error) {
	if config.Prober == nil {
		return nil, fmt.Errorf("prober is required")
	}
	if len(config.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one endpoint is required")
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	activeInterval := config.ActiveInterval
	if activeInterval <= 0 {
		activeInterval = DefaultActiveInterval
	}
	maxBackoff := config.UnavailableMaxInterval
	if maxBackoff <= 0 {
		maxBackoff = DefaultUnavailableMaxInterval
	}

	table := make(map[Kind]*Endpoint, len(config.Endpoints))
	for _, endpoint := range config.Endpoints {
		if _, exists := table[endpoint.Kind]; exists {
			return nil, fmt.Errorf("duplicate endpoint kind %q", endpoint.Kind)
		}
		e := endpoint
		e.Quality = Unavailable
		table[endpoint.Kind] = &e
	}

	return &Monitor{
		prober:         config.Prober,
		clock:          clk,
		logger:         logger,
		activeInterval: activeInterval,
		maxBackoff:     maxBackoff,
		fetchModels:    config.FetchModels,
		table:          table,
	}, nil
}

// Run probes all endpoints until ctx is cancelled. Blocks; run it in
// its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	m.mu.RLock()
	kinds := make([]Kind, 0, len(m.table))
	for kind := range m.table {
		kinds = append(kinds, kind)
	}
	m.mu.RUnlock()

	for _, kind := range kinds {
		wg.Add(1)
		go func(kind Kind) {
			defer wg.Done()
			m.probeLoop(ctx, kind)
		}(kind)
	}
	wg.Wait()
}

// probeLoop probes one endpoint forever. The interval stretches while
// the endpoint is Unavailable and snaps back on recovery.
func (m *Monitor) probeLoop(ctx context.Context, kind Kind) {
	interval := m.activeInterval
	for {
		endpoint, ok := m.Lookup(kind)
		if !ok {
			return
		}

		result := m.prober.Probe(ctx, endpoint)
		quality := m.recordResult(kind, result)

		if result.Success && kind == KindLocal && m.fetchModels != nil {
			if models, err := m.fetchModels(ctx, endpoint); err == nil {
				m.setModels(models)
			} else {
				m.logger.Debug("model list refresh failed", "error", err)
			}
		}

		if quality == Unavailable {
			interval = min(interval*2, m.maxBackoff)
		} else {
			interval = m.activeInterval
		}

		select {
		case <-m.clock.After(interval):
		case <-ctx.Done():
			return
		}
	}
}

// recordResult folds one probe outcome into the table and returns the
// new quality. Quality transitions are logged and fanned out to
// subscribers; a full subscriber loses the update (it can re-read the
// snapshot) rather than stalling the probe loop.
func (m *Monitor) recordResult(kind Kind, result ProbeResult) Quality {
	m.mu.Lock()
	endpoint, ok := m.table[kind]
	if !ok {
		m.mu.Unlock()
		return Unavailable
	}

	old := endpoint.Quality
	endpoint.LastCheckedAt = m.clock.Now()
	if result.Success {
		endpoint.LastLatency = result.Latency
		endpoint.ConsecutiveFailures = 0
	} else {
		endpoint.ConsecutiveFailures++
	}
	endpoint.Quality = score(endpoint.LastLatency, endpoint.ConsecutiveFailures, result.Refused)
	quality := endpoint.Quality
	checked := endpoint.LastCheckedAt
	failures := endpoint.ConsecutiveFailures

	var subscribers []chan Update
	if quality != old {
		subscribers = append(subscribers, m.subscribers...)
	}
	m.mu.Unlock()

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	telemetry.ProbeDuration.WithLabelValues(string(kind), outcome).Observe(result.Latency.Seconds())
	telemetry.ConsecutiveFailures.WithLabelValues(string(kind)).Set(float64(failures))

	if quality != old {
		m.logger.Info("endpoint quality changed",
			"kind", kind,
			"from", old.String(),
			"to", quality.String(),
			"consecutive_failures", failures,
		)
		update := Update{Kind: kind, Old: old, New: quality, Checked: checked}
		for _, subscriber := range subscribers {
			select {
			case subscriber <- update:
			default:
			}
		}
	} else if !result.Success {
		m.logger.Debug("probe failed",
			"kind", kind,
			"consecutive_failures", failures,
			"error", result.Err,
		)
	}
	return quality
}

// Subscribe returns a channel of quality transitions. The channel is
// buffered; a slow consumer drops updates instead of blocking probes.
func (m *Monitor) Subscribe() <-chan Update {
	ch := make(chan Update, 8)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// Lookup returns a copy of one endpoint's current state.
func (m *Monitor) Lookup(kind Kind) (Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	endpoint, ok := m.table[kind]
	if !ok {
		return Endpoint{}, false
	}
	return *endpoint, true
}

// Snapshot returns a copy of the whole health table.
func (m *Monitor) Snapshot() map[Kind]Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := make(map[Kind]Endpoint, len(m.table))
	for kind, endpoint := range m.table {
		snapshot[kind] = *endpoint
	}
	return snapshot
}

// Models returns the most recent model list from the local endpoint.
func (m *Monitor) Models() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	models := make([]string, len(m.models))
	copy(models, m.models)
	return models
}

func (m *Monitor) setModels(models []string) {
	m.mu.Lock()
	m.models = models
	m.mu.Unlock()
}

// Record injects a synthetic probe result. The broker's request path
// uses this to fold in failures observed during actual forwarding
// (a refused upstream connection is evidence the next probe should
// not wait fifteen seconds to discover).
func (m *Monitor) Record(kind Kind, result ProbeResult) {
	m.recordResult(kind, result)
}
