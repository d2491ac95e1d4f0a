// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const validConfig = `
auth:
  issuer: https://auth.cloudtolocalllm.example
  audience: cloudtolocalllm-bridge
  jwks_url: https://auth.cloudtolocalllm.example/.well-known/jwks.json
proxy:
  command: /usr/libexec/bridge-proxy
`

func TestLoadAppliesDefaults(t *testing.T) {
	config, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if config.Probe.ActiveInterval != "15s" {
		t.Errorf("probe.active_interval = %q, want default 15s", config.Probe.ActiveInterval)
	}
	if config.Broker.ConfirmCount != 2 {
		t.Errorf("broker.confirm_count = %d, want default 2", config.Broker.ConfirmCount)
	}
	if config.Tray.RestartBudget != 3 {
		t.Errorf("tray.restart_budget = %d, want default 3", config.Tray.RestartBudget)
	}
	if got := Duration(config.Proxy.IdleTimeout); got != 10*time.Minute {
		t.Errorf("proxy.idle_timeout = %v, want 10m", got)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	config, err := Load(writeConfig(t, validConfig+`
probe:
  active_interval: 5s
  unavailable_max_interval: 30s
tray:
  socket: /tmp/tray.sock
  restart_budget: 1
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := Duration(config.Probe.ActiveInterval); got != 5*time.Second {
		t.Errorf("probe.active_interval = %v, want 5s", got)
	}
	if config.Tray.Socket != "/tmp/tray.sock" {
		t.Errorf("tray.socket = %q", config.Tray.Socket)
	}
	if config.Tray.RestartBudget != 1 {
		t.Errorf("tray.restart_budget = %d, want 1", config.Tray.RestartBudget)
	}
}

func TestValidateNamesTheBadField(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing issuer",
			mutate:  func(c *Config) { c.Auth.Issuer = "" },
			wantErr: "auth.issuer",
		},
		{
			name:    "missing audience",
			mutate:  func(c *Config) { c.Auth.Audience = "" },
			wantErr: "auth.audience",
		},
		{
			name:    "missing proxy command",
			mutate:  func(c *Config) { c.Proxy.Command = "" },
			wantErr: "proxy.command",
		},
		{
			name:    "malformed duration",
			mutate:  func(c *Config) { c.Probe.ActiveInterval = "fast" },
			wantErr: "probe.active_interval",
		},
		{
			name:    "excessive clock skew",
			mutate:  func(c *Config) { c.Auth.ClockSkew = "5m" },
			wantErr: "auth.clock_skew",
		},
		{
			name:    "zero confirm count",
			mutate:  func(c *Config) { c.Broker.ConfirmCount = 0 },
			wantErr: "broker.confirm_count",
		},
		{
			name: "no listeners at all",
			mutate: func(c *Config) {
				c.Daemon.RelaySocket = ""
				c.Daemon.RelayListen = ""
			},
			wantErr: "daemon.relay_socket",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			config := Default()
			config.Auth.Issuer = "https://auth.example"
			config.Auth.Audience = "bridge"
			config.Auth.JWKSURL = "https://auth.example/jwks.json"
			config.Proxy.Command = "/usr/libexec/bridge-proxy"
			tc.mutate(config)
			err := config.Validate()
			if err == nil {
				t.Fatal("Validate accepted a bad config")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not name %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "daemon: [not a mapping")); err == nil {
		t.Fatal("Load accepted malformed YAML")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load accepted a missing file")
	}
}
