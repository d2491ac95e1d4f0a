// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

// Bridge-tray keeps the daemon alive and bridges the system tray UI
// to it. It launches bridged, pings it over IPC, restarts it within a
// budget when it stops answering, and relays window and service
// control messages between UI processes and the daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/cloudtolocalllm/bridge/ipc"
	"github.com/cloudtolocalllm/bridge/lib/config"
	"github.com/cloudtolocalllm/bridge/tray"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var daemonCommand string
	var logLevel string

	flagSet := pflag.NewFlagSet("bridge-tray", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (required)")
	flagSet.StringVar(&daemonCommand, "daemon-command", "bridged", "daemon binary to launch and supervise")
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
	logger.Info("starting bridge-tray",
		"socket", cfg.Tray.Socket,
		"daemon_socket", cfg.Daemon.IPCSocket,
		"daemon_command", daemonCommand)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relay, err := tray.NewRelay(tray.RelayConfig{
		SocketPath:       cfg.Tray.Socket,
		DaemonSocketPath: cfg.Daemon.IPCSocket,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("building relay: %w", err)
	}
	if err := relay.Start(); err != nil {
		return fmt.Errorf("starting relay: %w", err)
	}
	defer relay.Shutdown(context.Background())

	supervisor, err := tray.New(tray.Config{
		Launcher: &tray.ExecLauncher{
			Command: daemonCommand,
			Args:    []string{"--config", configPath},
			Logger:  logger,
		},
		Pinger: &tray.IPCPinger{SocketPath: cfg.Daemon.IPCSocket},
		OnPersistentFailure: func() {
			relay.BroadcastStatus(ipc.StatusReportPayload{Quality: "unavailable"})
		},
		PingInterval:  config.Duration(cfg.Tray.PingInterval),
		RestartBudget: cfg.Tray.RestartBudget,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("building supervisor: %w", err)
	}

	return supervisor.Run(ctx)
}
