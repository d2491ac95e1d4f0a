// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/cloudtolocalllm/bridge/lib/clock"
)

// DefaultProbeTimeout bounds a single probe. A probe never blocks its
// loop longer than this.
const DefaultProbeTimeout = 3 * time.Second

// Prober issues one probe against an endpoint. Implementations must
// honor the context deadline and must not panic on any network
// condition; every failure mode becomes a ProbeResult.
type Prober interface {
	Probe(ctx context.Context, endpoint Endpoint) ProbeResult
}

// HTTPProber probes endpoints with a lightweight GET against their
// probe path. The cloud relay requires a bearer token; TokenSource
// supplies it when set.
type HTTPProber struct {
	// Client is the HTTP client used for probes. Defaults to a client
	// with no overall timeout; per-probe deadlines come from the
	// context.
	Client *http.Client

	// Timeout bounds each probe. Defaults to DefaultProbeTimeout.
	Timeout time.Duration

	// TokenSource supplies the bearer token for endpoints that demand
	// one (the cloud relay). May be nil.
	TokenSource func() string

	// Clock measures probe latency. Defaults to clock.Real().
	Clock clock.Clock
}

// Probe issues a GET against the endpoint's probe URL and classifies
// the outcome. A non-2xx status is a failure; ECONNREFUSED is flagged
// Refused so the monitor can mark the endpoint Unavailable at once.
func (p *HTTPProber) Probe(ctx context.Context, endpoint Endpoint) ProbeResult {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.Real()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimSuffix(endpoint.Address, "/") + endpoint.ProbePath
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{Err: fmt.Errorf("building probe request: %w", err)}
	}
	if p.TokenSource != nil {
		if token := p.TokenSource(); token != "" {
			request.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := clk.Now()
	response, err := client.Do(request)
	if err != nil {
		return ProbeResult{
			Refused: errors.Is(err, syscall.ECONNREFUSED),
			Err:     err,
		}
	}
	defer response.Body.Close()

	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(response.Body, 4096))

	latency := clk.Now().Sub(start)
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return ProbeResult{
			Latency: latency,
			Err:     fmt.Errorf("probe status %d", response.StatusCode),
		}
	}
	return ProbeResult{Success: true, Latency: latency}
}

// MultiProber dispatches probes by endpoint kind, so HTTP endpoints
// and the websocket tunnel can be monitored by one Monitor.
type MultiProber map[Kind]Prober

func (m MultiProber) Probe(ctx context.Context, endpoint Endpoint) ProbeResult {
	prober, ok := m[endpoint.Kind]
	if !ok {
		return ProbeResult{Err: fmt.Errorf("no prober for endpoint kind %q", endpoint.Kind)}
	}
	return prober.Probe(ctx, endpoint)
}
