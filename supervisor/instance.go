// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// State is an instance's lifecycle position. Transitions only move
// forward.
type State int

const (
	// Provisioning: the backend is starting the proxy; not yet
	// accepting streams.
	Provisioning State = iota

	// Active: serving streams.
	Active

	// Draining: no new streams; existing streams may finish within the
	// grace period.
	Draining

	// Terminated: resources released. Terminal.
	Terminated
)

func (s State) String() string {
	switch s {
	case Provisioning:
		return "provisioning"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Namespace derives the stable per-user namespace from the user
// identifier. One-way: logs and instance IDs carry this hash, never
// the raw user ID.
func Namespace(userID string) string {
	sum := blake3.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:16])
}

// Instance is one user's proxy. ID, OwnerUserID, Namespace, CreatedAt,
// and Handle are fixed at provisioning; the lifecycle fields are
// guarded by mu.
type Instance struct {
	ID          string
	OwnerUserID string
	Namespace   string
	CreatedAt   time.Time

	// Handle is the backend's reference to the running proxy.
	Handle Handle

	mu            sync.Mutex
	state         State
	lastActivity  time.Time
	drainingSince time.Time
	inflight      int

	// done closes when the instance's streams are force-closed at the
	// drain deadline. Forwarding loops select on it.
	done     chan struct{}
	doneOnce sync.Once
}

func newInstance(userID string, now time.Time) *Instance {
	namespace := Namespace(userID)
	return &Instance{
		ID:           fmt.Sprintf("%s-%d", namespace[:12], now.UnixNano()),
		OwnerUserID:  userID,
		Namespace:    namespace,
		CreatedAt:    now,
		state:        Provisioning,
		lastActivity: now,
		done:         make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// LastActivityAt returns the most recent activity stamp.
func (i *Instance) LastActivityAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastActivity
}

// InFlight returns the number of streams currently open against the
// instance.
func (i *Instance) InFlight() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.inflight
}

// Done closes when the instance force-closes its streams. A
// forwarding loop that sees Done must stop writing and end its stream.
func (i *Instance) Done() <-chan struct{} { return i.done }

// transition moves from -> to atomically; returns false if the
// instance is no longer in from.
func (i *Instance) transition(from, to State) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != from {
		return false
	}
	i.state = to
	return true
}

// touch bumps the activity stamp, monotonically.
func (i *Instance) touch(now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if now.After(i.lastActivity) {
		i.lastActivity = now
	}
}

func (i *Instance) forceClose() {
	i.doneOnce.Do(func() { close(i.done) })
}

// beginStream registers one stream; false unless the instance is
// Active.
func (i *Instance) beginStream() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != Active {
		return false
	}
	i.inflight++
	return true
}

func (i *Instance) endStream() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.inflight > 0 {
		i.inflight--
	}
}

// beginDrainIfIdle moves Active -> Draining when the instance has been
// idle for at least idleAfter.
func (i *Instance) beginDrainIfIdle(now time.Time, idleAfter time.Duration) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != Active || now.Sub(i.lastActivity) < idleAfter {
		return false
	}
	i.state = Draining
	i.drainingSince = now
	return true
}

// terminateIfExpired moves Draining -> Terminated once the grace
// period has fully passed. forced reports that streams were still in
// flight at the deadline.
func (i *Instance) terminateIfExpired(now time.Time, grace time.Duration) (terminated, forced bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != Draining || now.Sub(i.drainingSince) < grace {
		return false, false
	}
	i.state = Terminated
	return true, i.inflight > 0
}

// shutdown forces the instance to Terminated regardless of state and
// returns the state it left.
func (i *Instance) shutdown() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	previous := i.state
	i.state = Terminated
	return previous
}
