// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package tray

import (
	"context"
	"fmt"

	"github.com/cloudtolocalllm/bridge/ipc"
	"github.com/cloudtolocalllm/bridge/lib/clock"
)

// IPCPinger checks daemon liveness with a health_check request over
// the daemon's IPC socket. Each ping is its own connection: a wedged
// daemon that still holds old sockets open must not pass.
type IPCPinger struct {
	// SocketPath is the daemon's IPC socket. Required.
	SocketPath string

	// Clock drives the ack timeout. Defaults to clock.Real().
	Clock clock.Clock
}

// Ping dials, sends one health_check, and expects an acknowledged
// healthy reply.
func (p *IPCPinger) Ping(ctx context.Context) error {
	conn, err := ipc.Dial(p.SocketPath, ipc.ConnConfig{Clock: p.Clock})
	if err != nil {
		return fmt.Errorf("dialing daemon: %w", err)
	}
	defer conn.Close()

	clk := p.Clock
	if clk == nil {
		clk = clock.Real()
	}
	message, err := ipc.New(ipc.TypeHealthCheck, ipc.HealthCheckPayload{Service: "bridged"}, clk.Now())
	if err != nil {
		return err
	}
	reply, err := conn.Request(ctx, message)
	if err != nil {
		return err
	}
	var status ipc.HealthStatusPayload
	if err := ipc.DecodePayload(reply, &status); err != nil {
		return err
	}
	if status.Status == ipc.HealthDown {
		return fmt.Errorf("daemon reports %s", status.Status)
	}
	return nil
}
