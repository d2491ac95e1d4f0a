// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudtolocalllm/bridge/lib/clock"
	"github.com/cloudtolocalllm/bridge/lib/testutil"
)

func startServer(t *testing.T, fake *clock.FakeClock, handlers map[string]HandlerFunc) *Server {
	t.Helper()
	server, err := NewServer(ServerConfig{
		SocketPath: filepath.Join(testutil.SocketDir(t), "daemon.sock"),
		Clock:      fake,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	for messageType, handler := range handlers {
		server.Handle(messageType, handler)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { server.Shutdown(context.Background()) })
	return server
}

func dialServer(t *testing.T, server *Server, fake *clock.FakeClock, handlers map[string]HandlerFunc) *Conn {
	t.Helper()
	conn, err := Dial(server.SocketPath(), ConnConfig{Clock: fake, Handlers: handlers})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServerDispatchesByMessageType(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	server := startServer(t, fake, map[string]HandlerFunc{
		TypeHealthCheck: func(ctx context.Context, conn *Conn, message Message) (*Message, error) {
			reply, err := Reply(message, TypeHealthCheck, HealthStatusPayload{Status: HealthOK}, fake.Now())
			if err != nil {
				return nil, err
			}
			return &reply, nil
		},
	})

	conn := dialServer(t, server, fake, nil)
	request, err := New(TypeHealthCheck, HealthCheckPayload{Service: "daemon"}, fake.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	reply, err := conn.Request(context.Background(), request)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var status HealthStatusPayload
	if err := DecodePayload(reply, &status); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if status.Status != HealthOK {
		t.Errorf("status = %q, want %q", status.Status, HealthOK)
	}
}

func TestServerRemovesStaleSocketOnStart(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	socketPath := filepath.Join(testutil.SocketDir(t), "daemon.sock")

	// A crashed predecessor leaves its socket file behind.
	if err := os.WriteFile(socketPath, nil, 0o660); err != nil {
		t.Fatalf("planting stale socket: %v", err)
	}

	server, err := NewServer(ServerConfig{SocketPath: socketPath, Clock: fake})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start over stale socket: %v", err)
	}
	defer server.Shutdown(context.Background())

	conn := dialServer(t, server, fake, nil)
	if conn == nil {
		t.Fatal("dial after stale-socket recovery failed")
	}
}

func TestBroadcastReachesEveryConnectedPeer(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	server := startServer(t, fake, nil)

	received := make(chan string, 4)
	handlers := map[string]HandlerFunc{
		TypeStatusReport: func(ctx context.Context, conn *Conn, message Message) (*Message, error) {
			var report StatusReportPayload
			if err := DecodePayload(message, &report); err != nil {
				return nil, err
			}
			received <- report.Route
			return nil, nil
		},
	}
	dialServer(t, server, fake, handlers)
	dialServer(t, server, fake, handlers)

	// Let the accept loop register both connections before broadcasting.
	time.Sleep(50 * time.Millisecond)

	report, err := New(TypeStatusReport, StatusReportPayload{Route: "cloud", Quality: "good"}, fake.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	server.Broadcast(report)

	for i := 0; i < 2; i++ {
		endpoint := testutil.RequireReceive(t, received, 5*time.Second, "broadcast to peer %d", i)
		if endpoint != "cloud" {
			t.Errorf("peer %d saw endpoint %q, want cloud", i, endpoint)
		}
	}
}

func TestShutdownClosesConnectionsAndSocket(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	server := startServer(t, fake, nil)
	conn := dialServer(t, server, fake, nil)

	time.Sleep(50 * time.Millisecond)
	if err := server.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	testutil.RequireClosed(t, conn.Done(), 5*time.Second, "connection closed on shutdown")
	if _, err := os.Stat(server.SocketPath()); !os.IsNotExist(err) {
		t.Errorf("socket file still present after shutdown: %v", err)
	}
}

func TestHandleAfterStartPanics(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	server := startServer(t, fake, nil)

	defer func() {
		if recover() == nil {
			t.Error("Handle after Start did not panic")
		}
	}()
	server.Handle(TypeHealthCheck, func(ctx context.Context, conn *Conn, message Message) (*Message, error) {
		return nil, nil
	})
}
