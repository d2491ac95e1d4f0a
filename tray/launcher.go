// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package tray

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// stopWait is how long Stop gives the daemon after SIGTERM before
// SIGKILL.
const stopWait = 10 * time.Second

// ExecLauncher runs the daemon as a child process.
type ExecLauncher struct {
	// Command is the daemon binary. Required.
	Command string

	// Args passed to the daemon. Optional.
	Args []string

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
}

func (l *ExecLauncher) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Start spawns the daemon. The process is not tied to ctx; it runs
// until Stop.
func (l *ExecLauncher) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd != nil {
		return fmt.Errorf("daemon already running (pid %d)", l.cmd.Process.Pid)
	}

	cmd := exec.Command(l.Command, l.Args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning %s: %w", l.Command, err)
	}
	exited := make(chan struct{})
	l.cmd = cmd
	l.exited = exited
	l.logger().Info("daemon process started", "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		close(exited)
		l.mu.Lock()
		if l.cmd == cmd {
			l.cmd = nil
		}
		l.mu.Unlock()
		if err != nil {
			l.logger().Warn("daemon process exited", "error", err)
		}
	}()
	return nil
}

// Stop terminates the daemon, escalating to SIGKILL when it ignores
// SIGTERM. Stopping an already-dead daemon is not an error.
func (l *ExecLauncher) Stop(ctx context.Context) error {
	l.mu.Lock()
	cmd := l.cmd
	exited := l.exited
	l.mu.Unlock()
	if cmd == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return nil // already gone
	}
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(stopWait):
		l.logger().Warn("daemon ignored SIGTERM, killing", "pid", cmd.Process.Pid)
		return cmd.Process.Kill()
	}
}
