// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudtolocalllm/bridge/lib/clock"
	"github.com/cloudtolocalllm/bridge/lib/telemetry"
)

// Handle is a backend's reference to one running proxy.
type Handle struct {
	// Addr is where the proxy accepts forwarded traffic.
	Addr string

	// PID of the proxy process, when the backend runs subprocesses.
	PID int
}

// ProvisionSpec tells a backend what to start.
type ProvisionSpec struct {
	// Namespace is the user's one-way hash; the backend isolates the
	// proxy under it.
	Namespace string

	// Upstream is the inference endpoint the proxy forwards to.
	Upstream string

	// Credential is opaque material the proxy needs to reach its
	// upstream. Delivered out-of-band of argv and environment.
	Credential []byte
}

// Backend starts, checks, and stops proxy runtimes. Implementations
// must tolerate Terminate on an already-dead handle.
type Backend interface {
	Provision(ctx context.Context, spec ProvisionSpec) (Handle, error)
	Terminate(ctx context.Context, handle Handle) error
	HealthCheck(ctx context.Context, handle Handle) error
}

// ProvisionError wraps a provisioning failure with the attempt count
// it died on. The user ID never appears here; callers log the
// namespace hash.
type ProvisionError struct {
	Namespace string
	Attempts  int
	cause     error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning proxy %s failed after %d attempts: %v", e.Namespace, e.Attempts, e.cause)
}

func (e *ProvisionError) Unwrap() error { return e.cause }

// provisionBackoff is the wait before each retry attempt.
var provisionBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// ProvisionWithRetry calls backend.Provision up to len(backoff)+1
// times. Each failure increments the provision-failure counter; the
// final failure comes back as a *ProvisionError.
func ProvisionWithRetry(ctx context.Context, backend Backend, clk clock.Clock, spec ProvisionSpec) (Handle, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		handle, err := backend.Provision(ctx, spec)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		telemetry.ProvisionFailuresTotal.Inc()
		if attempt >= len(provisionBackoff) {
			break
		}
		select {
		case <-ctx.Done():
			return Handle{}, &ProvisionError{Namespace: spec.Namespace, Attempts: attempt + 1, cause: ctx.Err()}
		case <-clk.After(provisionBackoff[attempt]):
		}
	}
	return Handle{}, &ProvisionError{
		Namespace: spec.Namespace,
		Attempts:  len(provisionBackoff) + 1,
		cause:     lastErr,
	}
}
