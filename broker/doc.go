// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker decides, per user, which endpoint carries their
// traffic: the local inference server, the cloud relay, or the
// websocket tunnel.
//
// [Broker.ResolveRoute] is a pure decision over the health monitor's
// current snapshot. Local wins when it is Good or better, then cloud,
// then the tunnel when it is at least Degraded. A usable active route
// is sticky: the broker switches away only when the active endpoint's
// quality sits a full tier below a candidate for two consecutive
// evaluations, or immediately when the active endpoint stops being
// usable at all. This keeps a flapping endpoint from bouncing users
// between routes on every probe.
//
// All endpoints unavailable is not terminal. The broker keeps
// re-evaluating as health updates arrive and recovers on its own.
package broker
