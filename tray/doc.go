// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

// Package tray keeps the daemon alive and connects it to the desktop.
//
// [Supervisor] spawns the daemon process and pings it over IPC on an
// interval. Consecutive missed acks trigger a restart, up to a small
// budget; the budget refills after the daemon stays healthy for a
// while, and once it is spent the supervisor stops restarting and
// reports a persistent failure instead of flapping forever.
//
// [Relay] is the tray's IPC surface: it broadcasts window_control to
// the connected chat clients and forwards service_control to the
// daemon.
package tray
