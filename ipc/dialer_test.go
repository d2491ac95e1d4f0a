// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudtolocalllm/bridge/lib/clock"
	"github.com/cloudtolocalllm/bridge/lib/testutil"
)

func TestDialerConnectsOnceThePeerAppears(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	socketPath := filepath.Join(testutil.SocketDir(t), "daemon.sock")

	connected := make(chan *Conn, 1)
	dialer := NewDialer(DialerConfig{SocketPath: socketPath, Clock: fake})
	dialer.OnConnect = func(conn *Conn) { connected <- conn }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		dialer.Run(ctx)
		close(done)
	}()

	// No peer yet: the dialer parks on the first backoff delay.
	fake.WaitForTimers(1)

	server, err := NewServer(ServerConfig{SocketPath: socketPath, Clock: fake})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Shutdown(context.Background())

	fake.Advance(time.Second)
	conn := testutil.RequireReceive(t, connected, 5*time.Second, "connection after peer appeared")

	cancel()
	testutil.RequireClosed(t, done, 5*time.Second, "Run returns on cancel")
	testutil.RequireClosed(t, conn.Done(), 5*time.Second, "conn closed on cancel")
}

func TestDialerBackoffRampsWhilePeerIsAbsent(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	socketPath := filepath.Join(testutil.SocketDir(t), "absent.sock")

	dialer := NewDialer(DialerConfig{SocketPath: socketPath, Clock: fake})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		dialer.Run(ctx)
		close(done)
	}()

	// Each failed attempt parks on After with the next scheduled delay:
	// 1s, 2s, 5s, then 5s repeating.
	for _, delay := range []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 5 * time.Second} {
		fake.WaitForTimers(1)
		fake.Advance(delay)
	}
	fake.WaitForTimers(1)

	cancel()
	testutil.RequireClosed(t, done, 5*time.Second, "Run returns on cancel")
}

func TestDialerReconnectsAfterPeerRestart(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	socketPath := filepath.Join(testutil.SocketDir(t), "daemon.sock")

	server, err := NewServer(ServerConfig{SocketPath: socketPath, Clock: fake})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	connected := make(chan *Conn, 2)
	dialer := NewDialer(DialerConfig{SocketPath: socketPath, Clock: fake})
	dialer.OnConnect = func(conn *Conn) { connected <- conn }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dialer.Run(ctx)

	first := testutil.RequireReceive(t, connected, 5*time.Second, "initial connection")

	// Peer restarts: the old connection dies, the dialer retries, and a
	// fresh server on the same socket picks it up.
	server.Shutdown(context.Background())
	testutil.RequireClosed(t, first.Done(), 5*time.Second, "old conn dies with the peer")

	fake.WaitForTimers(1)
	restarted, err := NewServer(ServerConfig{SocketPath: socketPath, Clock: fake})
	if err != nil {
		t.Fatalf("NewServer (restart): %v", err)
	}
	if err := restarted.Start(); err != nil {
		t.Fatalf("Start (restart): %v", err)
	}
	defer restarted.Shutdown(context.Background())
	fake.Advance(time.Second)

	testutil.RequireReceive(t, connected, 5*time.Second, "connection after peer restart")
}
