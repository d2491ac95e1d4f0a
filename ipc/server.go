// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/cloudtolocalllm/bridge/lib/clock"
)

// Server accepts IPC connections on a Unix socket and dispatches
// inbound messages to handlers registered by message type. Each
// accepted connection gets its own Conn; replies and stream chunks
// flow back over the same connection.
type Server struct {
	socketPath string
	clock      clock.Clock
	logger     *slog.Logger

	handlersMu sync.Mutex
	handlers   map[string]HandlerFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Conn]struct{}
	started  bool
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// SocketPath is the Unix socket to listen on. Required.
	SocketPath string

	// Clock for message timestamps and ack timeouts. Defaults to
	// clock.Real().
	Clock clock.Clock

	// Logger for accept/dispatch events.
	Logger *slog.Logger
}

// NewServer creates a server. Register handlers with Handle before
// calling Start.
func NewServer(config ServerConfig) (*Server, error) {
	if config.SocketPath == "" {
		return nil, fmt.Errorf("socket path is required")
	}
	c := config.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: config.SocketPath,
		clock:      c,
		logger:     logger,
		handlers:   make(map[string]HandlerFunc),
		conns:      make(map[*Conn]struct{}),
	}, nil
}

// Handle registers a handler for a message type. Panics on duplicate
// registration or registration after Start.
func (s *Server) Handle(messageType string, handler HandlerFunc) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	if s.started {
		panic("ipc.Server: Handle called after Start")
	}
	if _, exists := s.handlers[messageType]; exists {
		panic(fmt.Sprintf("ipc.Server: duplicate handler for %q", messageType))
	}
	s.handlers[messageType] = handler
}

// Start begins accepting connections. A stale socket file from a
// crashed predecessor is removed first; the live socket is chmodded so
// local peers can connect.
func (s *Server) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.handlersMu.Lock()
	s.started = true
	s.handlersMu.Unlock()

	s.logger.Info("ipc server started", "socket", s.socketPath)

	go s.acceptLoop(listener)
	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		netConn, err := listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("ipc accept failed", "error", err)
			}
			return
		}

		conn := NewConn(netConn, ConnConfig{
			Clock:    s.clock,
			Handlers: s.handlers,
			Logger:   s.logger,
		})

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go func() {
			<-conn.Done()
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// Broadcast sends a message to every connected peer. Used for
// unsolicited status reports. Send failures are logged, not returned:
// a dead peer is the dialer's problem to fix.
func (s *Server) Broadcast(message Message) {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Send(message); err != nil {
			s.logger.Debug("broadcast send failed", "type", message.Type, "error", err)
		}
	}
}

// Shutdown stops accepting and closes all live connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	conns := make([]*Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
		os.Remove(s.socketPath)
	}
	for _, conn := range conns {
		conn.Close()
	}
	return err
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string { return s.socketPath }
