// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package health

import "time"

// Kind identifies which backend an endpoint is.
type Kind string

const (
	// KindLocal is the local inference server (an Ollama-compatible
	// HTTP API on the user's machine).
	KindLocal Kind = "local"

	// KindCloud is the cloud relay.
	KindCloud Kind = "cloud"

	// KindTunnel is the websocket tunnel exit.
	KindTunnel Kind = "tunnel"
)

// Quality is the derived health tier of an endpoint. The ordering
// matters: higher tiers compare greater, which is what the broker's
// hysteresis rule leans on.
type Quality int

const (
	Unavailable Quality = iota
	Degraded
	Good
	Excellent
)

// String returns the wire spelling used in status reports.
func (q Quality) String() string {
	switch q {
	case Excellent:
		return "excellent"
	case Good:
		return "good"
	case Degraded:
		return "degraded"
	default:
		return "unavailable"
	}
}

// Scoring thresholds. Excellent needs a fast
// round trip and a clean failure record, Good tolerates one recent
// failure, two to four consecutive failures are Degraded regardless of
// latency, five or a refusal are Unavailable.
const (
	excellentLatencyCeiling = 150 * time.Millisecond
	goodLatencyCeiling      = 500 * time.Millisecond
	degradedFailureFloor    = 2
	unavailableFailureFloor = 5
)

// Endpoint is one probed backend with its health telemetry. Values
// returned by Monitor snapshots are copies; only the Monitor mutates
// the live table.
type Endpoint struct {
	Kind    Kind
	Address string

	// ProbePath is appended to Address for probes ("/api/version" for
	// local Ollama, "/health" for the cloud relay).
	ProbePath string

	LastLatency         time.Duration
	LastCheckedAt       time.Time
	ConsecutiveFailures int
	Quality             Quality
}

// ProbeResult is the outcome of a single probe.
type ProbeResult struct {
	Success bool
	Latency time.Duration

	// Refused marks an explicit connection refusal, which is scored
	// Unavailable immediately rather than waiting out five failures.
	Refused bool

	// Err is the probe failure, for logging only. Timeouts and
	// connection errors are treated identically.
	Err error
}

// score derives the quality tier from latency and the failure streak.
func score(latency time.Duration, consecutiveFailures int, refused bool) Quality {
	switch {
	case refused || consecutiveFailures >= unavailableFailureFloor:
		return Unavailable
	case consecutiveFailures >= degradedFailureFloor:
		return Degraded
	case consecutiveFailures == 0 && latency < excellentLatencyCeiling:
		return Excellent
	case latency < goodLatencyCeiling:
		return Good
	default:
		return Degraded
	}
}
