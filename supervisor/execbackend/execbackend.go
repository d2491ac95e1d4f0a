// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

// Package execbackend runs each user's proxy as a subprocess. The
// proxy's namespace, upstream, listen address, and credential material
// go to it as a CBOR document on stdin, so nothing sensitive ever
// appears in argv or the environment.
package execbackend

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/cloudtolocalllm/bridge/supervisor"
)

// Payload is the stdin document a freshly spawned proxy reads before
// serving.
type Payload struct {
	Namespace  string `cbor:"namespace"`
	Upstream   string `cbor:"upstream"`
	ListenAddr string `cbor:"listen_addr"`
	Credential []byte `cbor:"credential,omitempty"`
}

// terminateWait is how long Terminate gives a proxy after SIGTERM
// before escalating to SIGKILL.
const terminateWait = 5 * time.Second

// Backend spawns one proxy subprocess per provisioned instance. Each
// proxy listens on a unix socket under SocketDir named after its
// namespace.
type Backend struct {
	command   string
	args      []string
	socketDir string
	logger    *slog.Logger

	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// Config configures a Backend.
type Config struct {
	// Command is the proxy binary. Required.
	Command string

	// Args precede the generated arguments. Optional.
	Args []string

	// SocketDir holds the per-instance listen sockets. Required.
	SocketDir string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// New creates a Backend.
func New(config Config) (*Backend, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("proxy command is required")
	}
	if config.SocketDir == "" {
		return nil, fmt.Errorf("socket directory is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		command:   config.Command,
		args:      config.Args,
		socketDir: config.SocketDir,
		logger:    logger,
		procs:     make(map[int]*exec.Cmd),
	}, nil
}

// Provision starts the proxy and hands it its payload. The process is
// intentionally not tied to ctx: it must outlive the provisioning
// request.
func (b *Backend) Provision(ctx context.Context, spec supervisor.ProvisionSpec) (supervisor.Handle, error) {
	socketPath := filepath.Join(b.socketDir, fmt.Sprintf("proxy-%s.sock", spec.Namespace[:12]))

	cmd := exec.Command(b.command, b.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return supervisor.Handle{}, fmt.Errorf("opening proxy stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return supervisor.Handle{}, fmt.Errorf("starting proxy: %w", err)
	}

	payload := Payload{
		Namespace:  spec.Namespace,
		Upstream:   spec.Upstream,
		ListenAddr: socketPath,
		Credential: spec.Credential,
	}
	encodeErr := cbor.NewEncoder(stdin).Encode(payload)
	if closeErr := stdin.Close(); encodeErr == nil {
		encodeErr = closeErr
	}
	if encodeErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return supervisor.Handle{}, fmt.Errorf("writing proxy payload: %w", encodeErr)
	}

	pid := cmd.Process.Pid
	b.mu.Lock()
	b.procs[pid] = cmd
	b.mu.Unlock()

	// Collect the exit status so the process never zombies.
	go func() {
		err := cmd.Wait()
		b.mu.Lock()
		delete(b.procs, pid)
		b.mu.Unlock()
		if err != nil {
			b.logger.Warn("proxy process exited", "pid", pid, "error", err)
		}
	}()

	b.logger.Debug("proxy process started", "pid", pid, "socket", socketPath)
	return supervisor.Handle{Addr: socketPath, PID: pid}, nil
}

// Terminate asks the proxy to exit and escalates to SIGKILL if it
// lingers. A handle whose process already exited is not an error.
func (b *Backend) Terminate(ctx context.Context, handle supervisor.Handle) error {
	b.mu.Lock()
	cmd, ok := b.procs[handle.PID]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return nil // already gone
	}

	deadline := time.After(terminateWait)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		b.mu.Lock()
		_, alive := b.procs[handle.PID]
		b.mu.Unlock()
		if !alive {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			b.logger.Warn("proxy ignored SIGTERM, killing", "pid", handle.PID)
			return cmd.Process.Kill()
		case <-ticker.C:
		}
	}
}

// HealthCheck dials the proxy's listen socket. A proxy is ready once
// it accepts connections.
func (b *Backend) HealthCheck(ctx context.Context, handle supervisor.Handle) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", handle.Addr)
	if err != nil {
		return fmt.Errorf("proxy socket not accepting: %w", err)
	}
	return conn.Close()
}
