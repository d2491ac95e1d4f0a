// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/cloudtolocalllm/bridge/lib/clock"
)

// reconnectSchedule is the fixed backoff between dial attempts. After
// the schedule is exhausted the final delay repeats indefinitely; the
// peer process is expected to come back eventually.
var reconnectSchedule = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}

// Dialer maintains a client connection to a peer's IPC socket,
// redialing forever while the peer is absent. The process on the other
// end may crash and restart independently at any time; the dialer's
// job is to make that invisible beyond a temporarily missing Conn.
type Dialer struct {
	socketPath string
	clock      clock.Clock
	logger     *slog.Logger
	handlers   map[string]HandlerFunc
	ackTimeout time.Duration

	// OnConnect is invoked with each freshly established Conn. The
	// callback must not block; the Conn stays valid until its Done
	// channel closes.
	OnConnect func(*Conn)
}

// DialerConfig configures a Dialer.
type DialerConfig struct {
	// SocketPath is the peer's Unix socket. Required.
	SocketPath string

	// Clock drives backoff waits. Defaults to clock.Real().
	Clock clock.Clock

	// Handlers for inbound messages on established connections.
	Handlers map[string]HandlerFunc

	// AckTimeout for requests on established connections.
	AckTimeout time.Duration

	// Logger for connect/disconnect events.
	Logger *slog.Logger
}

// NewDialer creates a Dialer. Call Run to start it.
func NewDialer(config DialerConfig) *Dialer {
	c := config.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		socketPath: config.SocketPath,
		clock:      c,
		logger:     logger,
		handlers:   config.Handlers,
		ackTimeout: config.AckTimeout,
	}
}

// Run dials and re-dials until ctx is cancelled. Each successful
// connection is handed to OnConnect; when it drops, the backoff
// schedule restarts from the beginning.
func (d *Dialer) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		netConn, err := net.Dial("unix", d.socketPath)
		if err != nil {
			delay := reconnectSchedule[min(attempt, len(reconnectSchedule)-1)]
			attempt++
			d.logger.Debug("ipc peer unreachable, retrying",
				"socket", d.socketPath, "delay", delay)
			select {
			case <-d.clock.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}

		attempt = 0
		conn := NewConn(netConn, ConnConfig{
			Clock:      d.clock,
			Handlers:   d.handlers,
			AckTimeout: d.ackTimeout,
			Logger:     d.logger,
		})
		d.logger.Info("ipc peer connected", "socket", d.socketPath)
		if d.OnConnect != nil {
			d.OnConnect(conn)
		}

		select {
		case <-conn.Done():
			d.logger.Info("ipc peer disconnected", "socket", d.socketPath)
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// Dial establishes a single connection without retry. Used by one-shot
// CLI clients.
func Dial(socketPath string, config ConnConfig) (*Conn, error) {
	netConn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, err
	}
	return NewConn(netConn, config), nil
}
