// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc implements the message protocol that connects the three
// independent processes: the chat client, the tunnel/proxy daemon, and
// the tray supervisor. Each communicating pair shares one Unix socket
// carrying length-prefixed JSON frames.
//
// The package is organized around the message flow:
//
//   - types.go: the Message envelope and the payload for each type
//   - frame.go: wire format (4-byte length prefix + JSON)
//   - conn.go: ordered writes, correlation-ID dispatch, ack timeouts
//   - server.go: Unix socket listener with per-type handlers
//   - dialer.go: client side with indefinite backoff reconnection
//
// Every message carries a unique ID; replies correlate through the
// same ID. A message sent with AckRequired must produce exactly one
// correlated reply within the ack timeout, or the sender treats the
// peer as unreachable and drops the connection. Messages on a single
// connection are delivered in send order; no ordering is guaranteed
// across connections.
//
// Any side that loses its socket reconnects on a 1s, 2s, 5s backoff
// (then 5s forever) while its peer is expected to be running. A
// missing peer never crashes or deadlocks the survivor.
package ipc
