// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"fmt"

	"github.com/cloudtolocalllm/bridge/health"
)

// HealthProber feeds the tunnel's connection state into the health
// monitor. A connected tunnel probes as an instant success; anything
// else is a failure, never a refusal, so tunnel loss degrades through
// the normal failure streak rather than dropping straight to
// Unavailable while the client is mid-reconnect.
type HealthProber struct {
	Client *Client
}

func (p *HealthProber) Probe(ctx context.Context, endpoint health.Endpoint) health.ProbeResult {
	if p.Client.Connected() {
		return health.ProbeResult{Success: true}
	}
	return health.ProbeResult{Err: fmt.Errorf("tunnel not connected")}
}
