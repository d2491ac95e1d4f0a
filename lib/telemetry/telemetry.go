// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry defines the daemon's Prometheus collectors. The
// daemon exposes them at /metrics on its admin listener; the health
// monitor, broker, supervisor, and IPC layer record into them.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProbeDuration tracks endpoint probe round trips, labeled by
	// endpoint kind and outcome.
	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_probe_duration_seconds",
			Help:    "Duration of endpoint health probes",
			Buckets: []float64{0.005, 0.025, 0.05, 0.15, 0.5, 1, 3},
		},
		[]string{"kind", "outcome"},
	)

	// ConsecutiveFailures reflects each endpoint's current failure
	// streak.
	ConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_probe_consecutive_failures",
			Help: "Current consecutive probe failures per endpoint",
		},
		[]string{"kind"},
	)

	// FailoversTotal counts broker route transitions.
	FailoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_failovers_total",
			Help: "Route transitions performed by the connection broker",
		},
		[]string{"from", "to"},
	)

	// InstancesByState reflects proxy instances per lifecycle state.
	InstancesByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_proxy_instances",
			Help: "Per-user proxy instances by lifecycle state",
		},
		[]string{"state"},
	)

	// ProvisionFailuresTotal counts failed proxy provisioning attempts.
	ProvisionFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_provision_failures_total",
			Help: "Failed proxy instance provisioning attempts",
		},
	)

	// AckTimeoutsTotal counts IPC exchanges that hit the ack timeout.
	AckTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_ipc_ack_timeouts_total",
			Help: "IPC requests that timed out waiting for acknowledgment",
		},
	)

	// StreamsActive reflects currently forwarding chat streams.
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_streams_active",
			Help: "Chat streams currently being forwarded",
		},
	)
)
