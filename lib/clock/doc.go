// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction so that every
// timer-driven loop in the daemon (health probes, the idle reaper,
// broker debounce, IPC ack timeouts, tray restart backoff) can be
// tested deterministically.
//
// Production code accepts a Clock instead of calling time.Now,
// time.After, time.NewTicker, or time.Sleep directly. Real() is the
// standard library behavior; Fake() stands still until Advance is
// called.
//
// Tests synchronize with goroutines under test via WaitForTimers,
// which blocks until the expected number of waiters are registered
// before the clock is advanced. This removes the registration race
// that otherwise forces tests to sleep.
package clock
