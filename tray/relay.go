// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package tray

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudtolocalllm/bridge/ipc"
	"github.com/cloudtolocalllm/bridge/lib/clock"
)

// Relay is the tray's IPC surface. Chat clients connect to the tray
// socket; window_control messages fan out to all of them, and
// service_control messages are forwarded to the daemon.
type Relay struct {
	server     *ipc.Server
	daemonPath string
	clock      clock.Clock
	logger     *slog.Logger
}

// RelayConfig configures a Relay.
type RelayConfig struct {
	// SocketPath is the tray's own listening socket. Required.
	SocketPath string

	// DaemonSocketPath is where service_control gets forwarded.
	// Required.
	DaemonSocketPath string

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewRelay creates a Relay. Call Start to begin serving.
func NewRelay(config RelayConfig) (*Relay, error) {
	if config.DaemonSocketPath == "" {
		return nil, fmt.Errorf("daemon socket path is required")
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	server, err := ipc.NewServer(ipc.ServerConfig{
		SocketPath: config.SocketPath,
		Clock:      clk,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	r := &Relay{
		server:     server,
		daemonPath: config.DaemonSocketPath,
		clock:      clk,
		logger:     logger,
	}
	server.Handle(ipc.TypeWindowControl, r.handleWindowControl)
	server.Handle(ipc.TypeServiceControl, r.handleServiceControl)
	return r, nil
}

// Start opens the tray socket.
func (r *Relay) Start() error { return r.server.Start() }

// Shutdown closes the tray socket and its connections.
func (r *Relay) Shutdown(ctx context.Context) error { return r.server.Shutdown(ctx) }

// BroadcastStatus pushes a status_report to every connected client.
// The supervisor calls this on persistent daemon failure; the daemon's
// own reports pass through the same path.
func (r *Relay) BroadcastStatus(payload ipc.StatusReportPayload) {
	message, err := ipc.New(ipc.TypeStatusReport, payload, r.clock.Now())
	if err != nil {
		r.logger.Error("building status report", "error", err)
		return
	}
	r.server.Broadcast(message)
}

// handleWindowControl fans the action out to every connected client.
// The sender's own connection receives it too; clients ignore actions
// they originated.
func (r *Relay) handleWindowControl(ctx context.Context, conn *ipc.Conn, message ipc.Message) (*ipc.Message, error) {
	var control ipc.WindowControlPayload
	if err := ipc.DecodePayload(message, &control); err != nil {
		return nil, err
	}
	switch control.Action {
	case ipc.WindowShow, ipc.WindowHide, ipc.WindowToggle:
	default:
		return nil, fmt.Errorf("unknown window action %q", control.Action)
	}
	// Fan out under a fresh ID: reusing the sender's ID would collide
	// with their pending ack, and the copies are fire-and-forget.
	fanned, err := ipc.New(ipc.TypeWindowControl, control, r.clock.Now())
	if err != nil {
		return nil, err
	}
	r.server.Broadcast(fanned)
	return nil, nil
}

// handleServiceControl forwards restart/quit to the daemon and relays
// the daemon's reply back to the requesting client.
func (r *Relay) handleServiceControl(ctx context.Context, conn *ipc.Conn, message ipc.Message) (*ipc.Message, error) {
	var control ipc.ServiceControlPayload
	if err := ipc.DecodePayload(message, &control); err != nil {
		return nil, err
	}
	switch control.Action {
	case ipc.ServiceRestart, ipc.ServiceQuit:
	default:
		return nil, fmt.Errorf("unknown service action %q", control.Action)
	}

	daemon, err := ipc.Dial(r.daemonPath, ipc.ConnConfig{Clock: r.clock, Logger: r.logger})
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable: %w", err)
	}
	defer daemon.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	forwarded, err := ipc.New(ipc.TypeServiceControl, control, r.clock.Now())
	if err != nil {
		return nil, err
	}
	reply, err := daemon.Request(ctx, forwarded)
	if err != nil {
		return nil, fmt.Errorf("forwarding %s: %w", control.Action, err)
	}
	reply.ID = message.ID
	return &reply, nil
}
