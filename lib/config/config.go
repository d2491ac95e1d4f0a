// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the bridge configuration from a single YAML
// file. There is no automatic discovery and no layered overrides: one
// file, validated up front, with documented defaults for everything
// optional.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration for the daemon and tray.
type Config struct {
	// Daemon configures the daemon's listeners.
	Daemon DaemonConfig `yaml:"daemon"`

	// Endpoints configures the probed endpoints.
	Endpoints EndpointsConfig `yaml:"endpoints"`

	// Probe configures health probing cadence.
	Probe ProbeConfig `yaml:"probe"`

	// Broker configures route switching.
	Broker BrokerConfig `yaml:"broker"`

	// Auth configures bearer token validation.
	Auth AuthConfig `yaml:"auth"`

	// Proxy configures per-user proxy instances.
	Proxy ProxyConfig `yaml:"proxy"`

	// Tray configures daemon supervision.
	Tray TrayConfig `yaml:"tray"`
}

// DaemonConfig configures the daemon's listeners.
type DaemonConfig struct {
	// RelaySocket is the unix socket for authenticated streaming
	// traffic.
	RelaySocket string `yaml:"relay_socket"`

	// RelayListen is an optional TCP listener for the same traffic.
	RelayListen string `yaml:"relay_listen,omitempty"`

	// IPCSocket is the unix socket for tray and chat-client IPC.
	IPCSocket string `yaml:"ipc_socket"`

	// AdminListen serves /metrics and /status. Loopback only.
	AdminListen string `yaml:"admin_listen"`
}

// EndpointConfig is one probed endpoint.
type EndpointConfig struct {
	// Address is the endpoint base URL.
	Address string `yaml:"address"`

	// ProbePath is the liveness path probed on the endpoint.
	ProbePath string `yaml:"probe_path"`
}

// EndpointsConfig names the three endpoint kinds.
type EndpointsConfig struct {
	Local  EndpointConfig `yaml:"local"`
	Cloud  EndpointConfig `yaml:"cloud"`
	Tunnel EndpointConfig `yaml:"tunnel"`
}

// ProbeConfig configures probing cadence. Durations are Go duration
// strings ("15s", "1m").
type ProbeConfig struct {
	// ActiveInterval between probes of a reachable endpoint.
	ActiveInterval string `yaml:"active_interval"`

	// UnavailableMaxInterval caps the probe backoff for an unavailable
	// endpoint.
	UnavailableMaxInterval string `yaml:"unavailable_max_interval"`
}

// BrokerConfig configures route switching.
type BrokerConfig struct {
	// ConfirmCount is how many consecutive evaluations must favor a
	// better endpoint before the broker leaves a working route.
	ConfirmCount int `yaml:"confirm_count"`
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	// Issuer tokens must come from.
	Issuer string `yaml:"issuer"`

	// Audience tokens must be minted for.
	Audience string `yaml:"audience"`

	// JWKSURL is the identity provider's published key set.
	JWKSURL string `yaml:"jwks_url"`

	// ClockSkew tolerated on expiry checks. At most one minute.
	ClockSkew string `yaml:"clock_skew,omitempty"`
}

// ProxyConfig configures per-user proxy instances.
type ProxyConfig struct {
	// Command is the proxy binary spawned per user.
	Command string `yaml:"command"`

	// SocketDir holds per-instance sockets.
	SocketDir string `yaml:"socket_dir"`

	// IdleTimeout before an instance starts draining.
	IdleTimeout string `yaml:"idle_timeout,omitempty"`

	// DrainGrace before a draining instance is terminated.
	DrainGrace string `yaml:"drain_grace,omitempty"`
}

// TrayConfig configures daemon supervision.
type TrayConfig struct {
	// Socket is the tray's own IPC socket.
	Socket string `yaml:"socket"`

	// PingInterval between liveness checks.
	PingInterval string `yaml:"ping_interval,omitempty"`

	// RestartBudget bounds automatic daemon restarts.
	RestartBudget int `yaml:"restart_budget,omitempty"`
}

// Default returns the configuration documented defaults.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			RelaySocket: "/run/bridge/relay.sock",
			IPCSocket:   "/run/bridge/ipc.sock",
			AdminListen: "127.0.0.1:9090",
		},
		Endpoints: EndpointsConfig{
			Local: EndpointConfig{
				Address:   "http://127.0.0.1:11434",
				ProbePath: "/api/version",
			},
			Cloud: EndpointConfig{
				Address:   "https://api.cloudtolocalllm.online",
				ProbePath: "/healthz",
			},
			Tunnel: EndpointConfig{
				Address: "wss://api.cloudtolocalllm.online/tunnel",
			},
		},
		Probe: ProbeConfig{
			ActiveInterval:         "15s",
			UnavailableMaxInterval: "60s",
		},
		Broker: BrokerConfig{ConfirmCount: 2},
		Auth: AuthConfig{
			ClockSkew: "60s",
		},
		Proxy: ProxyConfig{
			SocketDir:   "/run/bridge/proxies",
			IdleTimeout: "10m",
			DrainGrace:  "30s",
		},
		Tray: TrayConfig{
			Socket:        "/run/bridge/tray.sock",
			PingInterval:  "10s",
			RestartBudget: 3,
		},
	}
}

// Load reads path into the defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	config := Default()
	if err := yaml.Unmarshal(raw, config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks every field and names the offender in its error.
func (c *Config) Validate() error {
	if c.Daemon.RelaySocket == "" && c.Daemon.RelayListen == "" {
		return fmt.Errorf("daemon.relay_socket or daemon.relay_listen is required")
	}
	if c.Daemon.IPCSocket == "" {
		return fmt.Errorf("daemon.ipc_socket is required")
	}
	if c.Endpoints.Local.Address == "" {
		return fmt.Errorf("endpoints.local.address is required")
	}
	if err := validDuration("probe.active_interval", c.Probe.ActiveInterval); err != nil {
		return err
	}
	if err := validDuration("probe.unavailable_max_interval", c.Probe.UnavailableMaxInterval); err != nil {
		return err
	}
	if c.Broker.ConfirmCount < 1 {
		return fmt.Errorf("broker.confirm_count must be at least 1")
	}
	if c.Auth.Issuer == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.Auth.Audience == "" {
		return fmt.Errorf("auth.audience is required")
	}
	if c.Auth.JWKSURL == "" {
		return fmt.Errorf("auth.jwks_url is required")
	}
	if c.Auth.ClockSkew != "" {
		skew, err := time.ParseDuration(c.Auth.ClockSkew)
		if err != nil {
			return fmt.Errorf("auth.clock_skew: %w", err)
		}
		if skew > time.Minute {
			return fmt.Errorf("auth.clock_skew must not exceed 1m")
		}
	}
	if c.Proxy.Command == "" {
		return fmt.Errorf("proxy.command is required")
	}
	if c.Proxy.SocketDir == "" {
		return fmt.Errorf("proxy.socket_dir is required")
	}
	if err := validDuration("proxy.idle_timeout", c.Proxy.IdleTimeout); err != nil {
		return err
	}
	if err := validDuration("proxy.drain_grace", c.Proxy.DrainGrace); err != nil {
		return err
	}
	if c.Tray.Socket == "" {
		return fmt.Errorf("tray.socket is required")
	}
	if err := validDuration("tray.ping_interval", c.Tray.PingInterval); err != nil {
		return err
	}
	if c.Tray.RestartBudget < 1 {
		return fmt.Errorf("tray.restart_budget must be at least 1")
	}
	return nil
}

func validDuration(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	if _, err := time.ParseDuration(value); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}

// Duration parses an already-validated duration field.
func Duration(value string) time.Duration {
	parsed, _ := time.ParseDuration(value)
	return parsed
}
