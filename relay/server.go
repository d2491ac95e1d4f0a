// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cloudtolocalllm/bridge/authtoken"
	"github.com/cloudtolocalllm/bridge/health"
	"github.com/cloudtolocalllm/bridge/supervisor"
)

// TokenValidator checks bearer tokens. Implemented by
// *authtoken.Validator.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (authtoken.Claims, error)
}

// Router resolves a user's current route. Implemented by
// *broker.Broker.
type Router interface {
	ResolveRoute(userID string) (health.Endpoint, error)
}

// Instances is the slice of the supervisor the relay needs.
// Implemented by *supervisor.Supervisor.
type Instances interface {
	EnsureInstance(ctx context.Context, userID string) (*supervisor.Instance, error)
	BeginStream(instanceID string) error
	EndStream(instanceID string)
	RecordActivity(instanceID string) error
}

// Config configures a Server.
type Config struct {
	// Validator authenticates every request. Required.
	Validator TokenValidator

	// Router picks the route per request. Required.
	Router Router

	// Instances supplies per-user proxies for non-local routes.
	// Required.
	Instances Instances

	// SocketPath is the unix listener. At least one of SocketPath and
	// ListenAddr must be set.
	SocketPath string

	// ListenAddr is an optional TCP listener, e.g. ":8443" behind a
	// terminating load balancer.
	ListenAddr string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server accepts client requests on a unix socket and optionally TCP,
// and forwards them along the user's current route.
type Server struct {
	validator TokenValidator
	router    Router
	instances Instances
	logger    *slog.Logger

	socketPath string
	listenAddr string

	httpServer *http.Server

	// localClient reaches TCP upstreams (the local inference server).
	// Per-instance unix clients are built on demand and cached below.
	localClient *http.Client

	// instanceClients caches one HTTP client per proxy instance so
	// keep-alive connections are reused across requests. Entries are
	// dropped when the instance's Done channel closes.
	clientsMu       sync.Mutex
	instanceClients map[string]*http.Client

	mu        sync.Mutex
	listeners []net.Listener
}

// NewServer creates a Server.
func NewServer(config Config) (*Server, error) {
	if config.Validator == nil {
		return nil, fmt.Errorf("token validator is required")
	}
	if config.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if config.Instances == nil {
		return nil, fmt.Errorf("instance source is required")
	}
	if config.SocketPath == "" && config.ListenAddr == "" {
		return nil, fmt.Errorf("a socket path or listen address is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		validator:  config.Validator,
		router:     config.Router,
		instances:  config.Instances,
		logger:     logger,
		socketPath: config.SocketPath,
		listenAddr: config.ListenAddr,
		localClient: &http.Client{
			// Streams are long-lived; no overall timeout.
			Timeout: 0,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		instanceClients: make(map[string]*http.Client),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleProxy)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the relay's HTTP handler, for embedding in another
// server or in tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start opens the configured listeners and serves until Shutdown.
func (s *Server) Start() error {
	if s.socketPath != "" {
		// Remove a stale socket from a previous run.
		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale socket: %w", err)
		}
		listener, err := net.Listen("unix", s.socketPath)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", s.socketPath, err)
		}
		if err := os.Chmod(s.socketPath, 0o660); err != nil {
			listener.Close()
			return fmt.Errorf("setting socket permissions: %w", err)
		}
		s.serveOn(listener)
		s.logger.Info("relay listening", "socket", s.socketPath)
	}
	if s.listenAddr != "" {
		listener, err := net.Listen("tcp", s.listenAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", s.listenAddr, err)
		}
		s.serveOn(listener)
		s.logger.Info("relay listening", "addr", listener.Addr().String())
	}
	return nil
}

func (s *Server) serveOn(listener net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("relay serve failed", "error", err)
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight streams
// within ctx's budget.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.socketPath != "" {
		if removeErr := os.Remove(s.socketPath); removeErr != nil && !os.IsNotExist(removeErr) && err == nil {
			err = removeErr
		}
	}
	return err
}

// instanceClient returns the cached client for the instance, building
// it on first use. One transport per instance keeps its keep-alive
// connections reused across requests instead of leaking one per
// request; the entry and its idle connections are released when the
// instance goes away.
func (s *Server) instanceClient(instance *supervisor.Instance) *http.Client {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if client, ok := s.instanceClients[instance.ID]; ok {
		return client
	}
	client := unixClient(instance.Handle.Addr)
	s.instanceClients[instance.ID] = client
	transport := client.Transport.(*http.Transport)
	go func() {
		<-instance.Done()
		s.clientsMu.Lock()
		delete(s.instanceClients, instance.ID)
		s.clientsMu.Unlock()
		transport.CloseIdleConnections()
	}()
	return client
}

// unixClient builds a client whose every connection goes to the given
// unix socket, whatever host the URL names.
func unixClient(socketPath string) *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
			},
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
