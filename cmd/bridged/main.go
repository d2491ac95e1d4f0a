// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

// Bridged is the connection broker daemon. It probes the local
// inference server, the cloud relay, and the websocket tunnel; routes
// each authenticated user over the best available path; and supervises
// the per-user proxy instances that carry cloud traffic.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/cloudtolocalllm/bridge/authtoken"
	"github.com/cloudtolocalllm/bridge/broker"
	"github.com/cloudtolocalllm/bridge/health"
	"github.com/cloudtolocalllm/bridge/ipc"
	"github.com/cloudtolocalllm/bridge/lib/config"
	"github.com/cloudtolocalllm/bridge/relay"
	"github.com/cloudtolocalllm/bridge/supervisor"
	"github.com/cloudtolocalllm/bridge/supervisor/execbackend"
	"github.com/cloudtolocalllm/bridge/tunnel"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var tokenFile string
	var logLevel string

	flagSet := pflag.NewFlagSet("bridged", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (required)")
	flagSet.StringVar(&tokenFile, "token-file", "", "file holding the bearer token presented to the cloud relay")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if configPath == "" {
		return fmt.Errorf("--config is required")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger.Info("starting bridged",
		"relay_socket", cfg.Daemon.RelaySocket,
		"ipc_socket", cfg.Daemon.IPCSocket,
		"local", cfg.Endpoints.Local.Address)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokenSource := fileTokenSource(tokenFile)

	// Token validation for relay clients.
	keys, err := authtoken.NewKeyCache(authtoken.KeyCacheConfig{JWKSURL: cfg.Auth.JWKSURL})
	if err != nil {
		return fmt.Errorf("building key cache: %w", err)
	}
	validator, err := authtoken.NewValidator(authtoken.ValidatorConfig{
		Keys:     keys,
		Audience: cfg.Auth.Audience,
		Issuer:   cfg.Auth.Issuer,
		Skew:     config.Duration(cfg.Auth.ClockSkew),
	})
	if err != nil {
		return fmt.Errorf("building validator: %w", err)
	}

	// Tunnel client. Dialing only succeeds once a token is available;
	// until then it backs off like any other outage.
	tunnelClient, err := tunnel.NewClient(tunnel.Config{
		RelayURL:    cfg.Endpoints.Tunnel.Address,
		LocalURL:    cfg.Endpoints.Local.Address,
		TokenSource: tokenSource,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("building tunnel client: %w", err)
	}

	// Health monitoring across all three endpoint kinds.
	monitor, err := health.NewMonitor(health.MonitorConfig{
		Endpoints: []health.Endpoint{
			{Kind: health.KindLocal, Address: cfg.Endpoints.Local.Address, ProbePath: cfg.Endpoints.Local.ProbePath},
			{Kind: health.KindCloud, Address: cfg.Endpoints.Cloud.Address, ProbePath: cfg.Endpoints.Cloud.ProbePath},
			{Kind: health.KindTunnel, Address: cfg.Endpoints.Tunnel.Address},
		},
		Prober: health.MultiProber{
			health.KindLocal:  &health.HTTPProber{},
			health.KindCloud:  &health.HTTPProber{TokenSource: tokenSource},
			health.KindTunnel: &tunnel.HealthProber{Client: tunnelClient},
		},
		ActiveInterval:         config.Duration(cfg.Probe.ActiveInterval),
		UnavailableMaxInterval: config.Duration(cfg.Probe.UnavailableMaxInterval),
		FetchModels:            fetchOllamaModels,
		Logger:                 logger,
	})
	if err != nil {
		return fmt.Errorf("building health monitor: %w", err)
	}

	// IPC server for the tray and chat client.
	ipcServer, err := ipc.NewServer(ipc.ServerConfig{
		SocketPath: cfg.Daemon.IPCSocket,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("building ipc server: %w", err)
	}

	routes, err := broker.New(broker.Config{
		Health:       monitor,
		ConfirmCount: cfg.Broker.ConfirmCount,
		OnTransition: func(t broker.Transition) {
			logger.Info("route changed", "user", t.UserID, "from", string(t.From), "to", string(t.To))
			broadcastStatus(ipcServer, monitor, t)
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("building broker: %w", err)
	}

	backend, err := execbackend.New(execbackend.Config{
		Command:   cfg.Proxy.Command,
		SocketDir: cfg.Proxy.SocketDir,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("building proxy backend: %w", err)
	}
	instances, err := supervisor.New(supervisor.Config{
		Backend:     backend,
		Upstream:    cfg.Endpoints.Local.Address,
		OnReap:      routes.Drop,
		IdleTimeout: config.Duration(cfg.Proxy.IdleTimeout),
		DrainGrace:  config.Duration(cfg.Proxy.DrainGrace),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("building supervisor: %w", err)
	}

	relayServer, err := relay.NewServer(relay.Config{
		Validator:  validator,
		Router:     routes,
		Instances:  instances,
		SocketPath: cfg.Daemon.RelaySocket,
		ListenAddr: cfg.Daemon.RelayListen,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("building relay: %w", err)
	}

	coordinator := &ipcCoordinator{
		monitor:     monitor,
		routes:      routes,
		logger:      logger,
		quit:        stop,
		tokenSource: tokenSource,
	}
	coordinator.register(ipcServer)

	// Everything is constructed; start serving.
	if err := ipcServer.Start(); err != nil {
		return fmt.Errorf("starting ipc server: %w", err)
	}
	defer ipcServer.Shutdown(context.Background())

	if err := relayServer.Start(); err != nil {
		return fmt.Errorf("starting relay: %w", err)
	}
	defer relayServer.Shutdown(context.Background())

	admin := startAdmin(cfg.Daemon.AdminListen, monitor, routes, instances, logger)
	if admin != nil {
		defer admin.Shutdown(context.Background())
	}

	go monitor.Run(ctx)
	go routes.Run(ctx)
	go instances.Run(ctx)
	go tunnelClient.Run(ctx)

	<-ctx.Done()
	logger.Info("shutting down")
	instances.Shutdown(context.Background())
	return nil
}

// fileTokenSource reads the bearer token from path on every call, so a
// rotated token is picked up without a restart. An unset or unreadable
// path yields the empty token.
func fileTokenSource(path string) func() string {
	return func() string {
		if path == "" {
			return ""
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(raw))
	}
}

// broadcastStatus pushes an unsolicited status report to every IPC
// peer after a route transition.
func broadcastStatus(server *ipc.Server, monitor *health.Monitor, t broker.Transition) {
	quality := "unavailable"
	if endpoint, ok := monitor.Lookup(t.To); ok {
		quality = endpoint.Quality.String()
	}
	message, err := ipc.New(ipc.TypeStatusReport, ipc.StatusReportPayload{
		Route:   string(t.To),
		Quality: quality,
	}, t.At)
	if err != nil {
		return
	}
	server.Broadcast(message)
}

// startAdmin serves /metrics and /status on the loopback admin
// listener. Returns nil when no listener is configured.
func startAdmin(addr string, monitor *health.Monitor, routes *broker.Broker, instances *supervisor.Supervisor, logger *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, monitor, instances)
	})
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin listener failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("admin listener started", "addr", addr)
	return server
}
