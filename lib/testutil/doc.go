// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// select-with-timeout safety valve so individual tests never hang
// forever on a channel that a bug left unserviced. These are the only
// place the test suite uses real wall-clock timeouts; everything
// timer-driven in production code runs on lib/clock and is advanced
// deterministically.
//
// [SocketDir] creates a short-pathed temporary directory for Unix
// domain sockets. Socket paths are limited to 108 bytes (sun_path),
// and t.TempDir() can exceed that under deeply nested build sandboxes.
package testutil
