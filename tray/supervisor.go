// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package tray

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudtolocalllm/bridge/lib/clock"
)

// Defaults for daemon supervision.
const (
	DefaultPingInterval = 10 * time.Second

	// DefaultMissThreshold is how many consecutive missed pings count
	// as a dead daemon. One miss can be a busy scheduler.
	DefaultMissThreshold = 2

	// DefaultRestartBudget bounds automatic restarts. A daemon that
	// keeps dying needs a human, not a fourth restart.
	DefaultRestartBudget = 3

	// DefaultHealthyReset is how long the daemon must stay healthy
	// after a restart before the budget refills.
	DefaultHealthyReset = 5 * time.Minute
)

// Launcher controls the daemon process.
type Launcher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Pinger checks daemon liveness. The production implementation sends
// a health_check over the daemon's IPC socket.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config configures a Supervisor.
type Config struct {
	// Launcher starts and stops the daemon. Required.
	Launcher Launcher

	// Pinger checks liveness. Required.
	Pinger Pinger

	// OnPersistentFailure fires once when the restart budget is spent,
	// so the UI can show a permanent error state. Optional.
	OnPersistentFailure func()

	PingInterval  time.Duration
	MissThreshold int
	RestartBudget int
	HealthyReset  time.Duration

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Supervisor runs the daemon and restarts it when it stops answering.
type Supervisor struct {
	launcher            Launcher
	pinger              Pinger
	onPersistentFailure func()

	pingInterval  time.Duration
	missThreshold int
	restartBudget int
	healthyReset  time.Duration

	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Supervisor.
func New(config Config) (*Supervisor, error) {
	if config.Launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if config.Pinger == nil {
		return nil, fmt.Errorf("pinger is required")
	}
	s := &Supervisor{
		launcher:            config.Launcher,
		pinger:              config.Pinger,
		onPersistentFailure: config.OnPersistentFailure,
		pingInterval:        config.PingInterval,
		missThreshold:       config.MissThreshold,
		restartBudget:       config.RestartBudget,
		healthyReset:        config.HealthyReset,
		clock:               config.Clock,
		logger:              config.Logger,
	}
	if s.pingInterval <= 0 {
		s.pingInterval = DefaultPingInterval
	}
	if s.missThreshold <= 0 {
		s.missThreshold = DefaultMissThreshold
	}
	if s.restartBudget <= 0 {
		s.restartBudget = DefaultRestartBudget
	}
	if s.healthyReset <= 0 {
		s.healthyReset = DefaultHealthyReset
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Run starts the daemon and supervises it until ctx is done, then
// stops it.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.launcher.Start(ctx); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	s.logger.Info("daemon started")

	ticker := s.clock.NewTicker(s.pingInterval)
	defer ticker.Stop()

	misses := 0
	restarts := 0
	lastRestart := s.clock.Now()
	failed := false

	for {
		select {
		case <-ctx.Done():
			if err := s.launcher.Stop(context.Background()); err != nil {
				s.logger.Warn("stopping daemon on shutdown", "error", err)
			}
			return nil
		case <-ticker.C:
		}

		if err := s.pinger.Ping(ctx); err == nil {
			misses = 0
			if failed {
				// The daemon came back on its own. Clear the failure
				// state and start supervising again from scratch.
				s.logger.Info("daemon recovered after persistent failure")
				failed = false
				restarts = 0
			}
			if restarts > 0 && s.clock.Now().Sub(lastRestart) >= s.healthyReset {
				s.logger.Info("daemon stable, restart budget reset")
				restarts = 0
			}
			continue
		} else if ctx.Err() != nil {
			continue
		} else {
			misses++
			s.logger.Warn("daemon missed health check", "misses", misses, "error", err)
		}

		if misses < s.missThreshold || failed {
			continue
		}

		if restarts >= s.restartBudget {
			failed = true
			s.logger.Error("daemon unresponsive and restart budget spent",
				"restarts", restarts)
			if s.onPersistentFailure != nil {
				s.onPersistentFailure()
			}
			continue
		}

		restarts++
		misses = 0
		lastRestart = s.clock.Now()
		s.logger.Warn("restarting daemon", "attempt", restarts, "budget", s.restartBudget)
		if err := s.launcher.Stop(ctx); err != nil {
			s.logger.Warn("stopping dead daemon", "error", err)
		}
		if err := s.launcher.Start(ctx); err != nil {
			s.logger.Error("restarting daemon failed", "error", err)
		}
	}
}
