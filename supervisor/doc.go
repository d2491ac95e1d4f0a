// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor owns the per-user proxy instances: one isolated
// proxy per authenticated user, provisioned on first use and reaped
// after idleness.
//
// [Supervisor.EnsureInstance] is the only way an instance comes into
// existence. It holds a per-user mutex across provisioning, so
// concurrent first requests for the same user converge on a single
// instance; a user never has more than one instance that is not
// Terminated. Instances move Provisioning -> Active -> Draining ->
// Terminated, every step a compare-and-transition, and never move
// backwards.
//
// The actual proxy runtime hides behind [Backend]. The production
// implementation lives in the execbackend subpackage and spawns one
// subprocess per user, handing it its namespace and credential
// material over stdin. Tests substitute an in-memory fake.
//
// The reaper goroutine walks the table once a minute: Active instances
// idle past the configured window start draining, and draining
// instances past the grace period are terminated, force-closing any
// streams that ignored the drain.
package supervisor
