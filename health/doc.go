// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

// Package health continuously assesses the reachability and latency of
// every configured connection endpoint: the local inference server,
// the cloud relay, and the tunnel exit.
//
// [Monitor] runs one probe loop per endpoint on an injected clock,
// recording each result into a single-writer health table that the
// connection broker reads lock-free snapshots of. Probe failures are
// never surfaced as errors; they degrade the endpoint's quality score
// and, at five consecutive failures or an outright refusal, mark it
// Unavailable. Unavailable endpoints are probed on an exponentially
// backed-off interval (capped at one minute) so a dead backend is not
// hammered.
//
// [HTTPProber] issues the real probes: GET against the endpoint's
// version or health path with a bounded timeout, with an optional
// bearer token for the cloud relay. Tests inject synthetic
// [ProbeResult]s through a fake [Prober].
package health
