// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudtolocalllm/bridge/lib/clock"
	"github.com/cloudtolocalllm/bridge/lib/telemetry"
)

var (
	// ErrDraining: the user's instance is winding down and takes no new
	// streams. Callers retry; the next EnsureInstance after termination
	// provisions a fresh instance.
	ErrDraining = errors.New("proxy instance is draining")

	// ErrInstanceNotFound: the instance ID does not name a live
	// instance.
	ErrInstanceNotFound = errors.New("no such proxy instance")
)

// Defaults for the reaper and provisioning readiness.
const (
	DefaultIdleTimeout       = 10 * time.Minute
	DefaultDrainGrace        = 30 * time.Second
	DefaultReapInterval      = time.Minute
	DefaultReadyTimeout      = 10 * time.Second
	DefaultReadyPollInterval = 250 * time.Millisecond
)

// Config configures a Supervisor.
type Config struct {
	// Backend runs the proxies. Required.
	Backend Backend

	// Upstream is the inference endpoint provisioned proxies forward
	// to. Required.
	Upstream string

	// Credential supplies per-user credential material for the proxy.
	// Optional.
	Credential func(userID string) []byte

	// OnReap is called after an instance is terminated and removed,
	// with the owning user ID. The daemon uses it to drop the user's
	// route state. Optional.
	OnReap func(userID string)

	IdleTimeout       time.Duration
	DrainGrace        time.Duration
	ReapInterval      time.Duration
	ReadyTimeout      time.Duration
	ReadyPollInterval time.Duration

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Supervisor owns the instance table.
type Supervisor struct {
	backend    Backend
	upstream   string
	credential func(userID string) []byte
	onReap     func(userID string)

	idleTimeout       time.Duration
	drainGrace        time.Duration
	reapInterval      time.Duration
	readyTimeout      time.Duration
	readyPollInterval time.Duration

	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	byUser    map[string]*Instance
	byID      map[string]*Instance
	userLocks map[string]*userLockEntry
}

// New creates a Supervisor.
func New(config Config) (*Supervisor, error) {
	if config.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if config.Upstream == "" {
		return nil, fmt.Errorf("upstream is required")
	}
	s := &Supervisor{
		backend:           config.Backend,
		upstream:          config.Upstream,
		credential:        config.Credential,
		onReap:            config.OnReap,
		idleTimeout:       config.IdleTimeout,
		drainGrace:        config.DrainGrace,
		reapInterval:      config.ReapInterval,
		readyTimeout:      config.ReadyTimeout,
		readyPollInterval: config.ReadyPollInterval,
		clock:             config.Clock,
		logger:            config.Logger,
		byUser:            make(map[string]*Instance),
		byID:              make(map[string]*Instance),
		userLocks:         make(map[string]*userLockEntry),
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = DefaultIdleTimeout
	}
	if s.drainGrace <= 0 {
		s.drainGrace = DefaultDrainGrace
	}
	if s.reapInterval <= 0 {
		s.reapInterval = DefaultReapInterval
	}
	if s.readyTimeout <= 0 {
		s.readyTimeout = DefaultReadyTimeout
	}
	if s.readyPollInterval <= 0 {
		s.readyPollInterval = DefaultReadyPollInterval
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// userLockEntry is a per-user provisioning mutex plus a count of the
// goroutines holding or waiting on it. The count keeps the table
// bounded: the entry is dropped as soon as the last goroutine for
// that user releases it, so the map never grows with the number of
// distinct users seen over the daemon's lifetime.
type userLockEntry struct {
	mu   sync.Mutex
	refs int
}

// acquireUserLock takes the per-user provisioning mutex, creating the
// entry on first use. Serializes EnsureInstance per user without a
// global provisioning lock. Pairs with releaseUserLock.
func (s *Supervisor) acquireUserLock(userID string) *userLockEntry {
	s.mu.Lock()
	entry, ok := s.userLocks[userID]
	if !ok {
		entry = &userLockEntry{}
		s.userLocks[userID] = entry
	}
	entry.refs++
	s.mu.Unlock()
	entry.mu.Lock()
	return entry
}

func (s *Supervisor) releaseUserLock(userID string, entry *userLockEntry) {
	entry.mu.Unlock()
	s.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(s.userLocks, userID)
	}
	s.mu.Unlock()
}

// EnsureInstance returns the user's Active instance, provisioning one
// if none exists. Concurrent calls for the same user converge on the
// same instance. A Draining instance is not reused: callers get
// ErrDraining until it is reaped.
func (s *Supervisor) EnsureInstance(ctx context.Context, userID string) (*Instance, error) {
	lock := s.acquireUserLock(userID)
	defer s.releaseUserLock(userID, lock)

	s.mu.Lock()
	existing := s.byUser[userID]
	s.mu.Unlock()

	if existing != nil {
		switch existing.State() {
		case Active:
			existing.touch(s.clock.Now())
			return existing, nil
		case Draining:
			return nil, fmt.Errorf("instance %s: %w", existing.ID, ErrDraining)
		case Terminated:
			// Reaped but not yet swept from the table; replace it.
			s.remove(existing)
		}
	}

	return s.provision(ctx, userID)
}

// provision runs under the user's lock.
func (s *Supervisor) provision(ctx context.Context, userID string) (*Instance, error) {
	instance := newInstance(userID, s.clock.Now())
	logger := s.logger.With("instance", instance.ID, "namespace", instance.Namespace)
	logger.Info("provisioning proxy instance")
	telemetry.InstancesByState.WithLabelValues(Provisioning.String()).Inc()

	spec := ProvisionSpec{
		Namespace: instance.Namespace,
		Upstream:  s.upstream,
	}
	if s.credential != nil {
		spec.Credential = s.credential(userID)
	}

	handle, err := ProvisionWithRetry(ctx, s.backend, s.clock, spec)
	if err != nil {
		telemetry.InstancesByState.WithLabelValues(Provisioning.String()).Dec()
		logger.Error("provisioning failed", "error", err)
		return nil, err
	}
	instance.Handle = handle

	if err := s.waitReady(ctx, handle); err != nil {
		telemetry.InstancesByState.WithLabelValues(Provisioning.String()).Dec()
		if terminateErr := s.backend.Terminate(ctx, handle); terminateErr != nil {
			logger.Warn("terminating unready instance failed", "error", terminateErr)
		}
		logger.Error("instance never became ready", "error", err)
		return nil, &ProvisionError{Namespace: instance.Namespace, Attempts: 1, cause: err}
	}

	instance.transition(Provisioning, Active)
	telemetry.InstancesByState.WithLabelValues(Provisioning.String()).Dec()
	telemetry.InstancesByState.WithLabelValues(Active.String()).Inc()

	s.mu.Lock()
	s.byUser[userID] = instance
	s.byID[instance.ID] = instance
	s.mu.Unlock()

	logger.Info("proxy instance active", "addr", handle.Addr)
	return instance, nil
}

// waitReady polls the backend health check until it passes or the
// readiness budget runs out.
func (s *Supervisor) waitReady(ctx context.Context, handle Handle) error {
	deadline := s.clock.After(s.readyTimeout)
	ticker := s.clock.NewTicker(s.readyPollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		lastErr = s.backend.HealthCheck(ctx, handle)
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("not ready within %v: %w", s.readyTimeout, lastErr)
		case <-ticker.C:
		}
	}
}

// Lookup returns the live instance with the given ID.
func (s *Supervisor) Lookup(instanceID string) (*Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, ok := s.byID[instanceID]
	return instance, ok
}

// RecordActivity bumps the instance's activity stamp. Called for every
// forwarded chunk.
func (s *Supervisor) RecordActivity(instanceID string) error {
	instance, ok := s.Lookup(instanceID)
	if !ok {
		return fmt.Errorf("%s: %w", instanceID, ErrInstanceNotFound)
	}
	instance.touch(s.clock.Now())
	return nil
}

// BeginStream registers a stream against the instance. Fails with
// ErrDraining unless the instance is Active.
func (s *Supervisor) BeginStream(instanceID string) error {
	instance, ok := s.Lookup(instanceID)
	if !ok {
		return fmt.Errorf("%s: %w", instanceID, ErrInstanceNotFound)
	}
	if !instance.beginStream() {
		return fmt.Errorf("instance %s: %w", instanceID, ErrDraining)
	}
	telemetry.StreamsActive.Inc()
	return nil
}

// EndStream deregisters a stream. It deliberately does not count as
// activity: a disconnecting client must not keep its instance alive.
func (s *Supervisor) EndStream(instanceID string) {
	instance, ok := s.Lookup(instanceID)
	if !ok {
		return
	}
	instance.endStream()
	telemetry.StreamsActive.Dec()
}

// Run drives the idle reaper until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reap(ctx)
		}
	}
}

// reap runs one cycle: idle Active instances start draining, expired
// Draining instances terminate.
func (s *Supervisor) reap(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	instances := make([]*Instance, 0, len(s.byID))
	for _, instance := range s.byID {
		instances = append(instances, instance)
	}
	s.mu.Unlock()

	for _, instance := range instances {
		if instance.beginDrainIfIdle(now, s.idleTimeout) {
			telemetry.InstancesByState.WithLabelValues(Active.String()).Dec()
			telemetry.InstancesByState.WithLabelValues(Draining.String()).Inc()
			s.logger.Info("instance idle, draining",
				"instance", instance.ID,
				"idle_since", instance.LastActivityAt())
			continue
		}
		terminated, forced := instance.terminateIfExpired(now, s.drainGrace)
		if !terminated {
			continue
		}
		if forced {
			s.logger.Warn("force-closing streams at drain deadline",
				"instance", instance.ID)
		}
		instance.forceClose()
		telemetry.InstancesByState.WithLabelValues(Draining.String()).Dec()
		if err := s.backend.Terminate(ctx, instance.Handle); err != nil {
			s.logger.Error("terminating instance failed",
				"instance", instance.ID, "error", err)
		}
		s.remove(instance)
		s.logger.Info("instance terminated", "instance", instance.ID)
		if s.onReap != nil {
			s.onReap(instance.OwnerUserID)
		}
	}
}

// remove sweeps a terminated instance out of the table.
func (s *Supervisor) remove(instance *Instance) {
	s.mu.Lock()
	if s.byUser[instance.OwnerUserID] == instance {
		delete(s.byUser, instance.OwnerUserID)
	}
	delete(s.byID, instance.ID)
	// The user's provisioning lock entry is refcounted separately and
	// removed by releaseUserLock once no goroutine holds it.
	s.mu.Unlock()
}

// Shutdown terminates every live instance. Streams are force-closed;
// this is daemon shutdown, not a drain.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	instances := make([]*Instance, 0, len(s.byID))
	for _, instance := range s.byID {
		instances = append(instances, instance)
	}
	s.mu.Unlock()

	for _, instance := range instances {
		previous := instance.shutdown()
		instance.forceClose()
		telemetry.InstancesByState.WithLabelValues(previous.String()).Dec()
		if err := s.backend.Terminate(ctx, instance.Handle); err != nil {
			s.logger.Error("terminating instance on shutdown failed",
				"instance", instance.ID, "error", err)
		}
		s.remove(instance)
	}
}

// InstanceInfo is one row of the status surface.
type InstanceInfo struct {
	ID           string
	Namespace    string
	State        State
	LastActivity time.Time
	InFlight     int
}

// Snapshot returns every live instance's identifiers and lifecycle
// position. User IDs do not appear, only namespaces.
func (s *Supervisor) Snapshot() []InstanceInfo {
	s.mu.Lock()
	instances := make([]*Instance, 0, len(s.byID))
	for _, instance := range s.byID {
		instances = append(instances, instance)
	}
	s.mu.Unlock()

	infos := make([]InstanceInfo, 0, len(instances))
	for _, instance := range instances {
		infos = append(infos, InstanceInfo{
			ID:           instance.ID,
			Namespace:    instance.Namespace,
			State:        instance.State(),
			LastActivity: instance.LastActivityAt(),
			InFlight:     instance.InFlight(),
		})
	}
	return infos
}
