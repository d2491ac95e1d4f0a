// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudtolocalllm/bridge/health"
	"github.com/cloudtolocalllm/bridge/lib/clock"
	"github.com/cloudtolocalllm/bridge/lib/telemetry"
)

// ErrNoRoute is returned when no endpoint is currently usable for the
// user. Callers surface it and retry later; the broker keeps
// re-evaluating as health changes arrive.
var ErrNoRoute = errors.New("no usable route")

// DefaultConfirmCount is how many consecutive evaluations must agree
// before the broker abandons a still-usable active route.
const DefaultConfirmCount = 2

const shardCount = 16

// RouteState is the broker's per-user record.
type RouteState struct {
	UserID string

	// Active is the endpoint kind currently carrying the user's
	// traffic. Empty before the first successful resolution.
	Active health.Kind

	LastFailoverAt time.Time
	FailoverCount  int

	// confirms counts consecutive evaluations that favored switching
	// away from a usable active route.
	confirms      int
	confirmTarget health.Kind
}

// Transition describes one route change for a user.
type Transition struct {
	UserID string
	From   health.Kind // empty on first selection
	To     health.Kind
	At     time.Time
}

// HealthSource is the slice of the health monitor the broker needs.
type HealthSource interface {
	Snapshot() map[health.Kind]health.Endpoint
	Subscribe() <-chan health.Update
}

// Broker owns the per-user route table.
type Broker struct {
	health       HealthSource
	clock        clock.Clock
	logger       *slog.Logger
	confirmCount int

	// OnTransition, when set, is invoked for every route change,
	// including the first selection. Called without shard locks held.
	onTransition func(Transition)

	shards [shardCount]shard
}

type shard struct {
	mu     sync.Mutex
	states map[string]*RouteState
}

// Config configures a Broker.
type Config struct {
	// Health supplies endpoint snapshots and updates. Required.
	Health HealthSource

	// ConfirmCount overrides DefaultConfirmCount when positive.
	ConfirmCount int

	// OnTransition receives every route change. Optional.
	OnTransition func(Transition)

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// New creates a Broker.
func New(config Config) (*Broker, error) {
	if config.Health == nil {
		return nil, fmt.Errorf("health source is required")
	}
	confirmCount := config.ConfirmCount
	if confirmCount <= 0 {
		confirmCount = DefaultConfirmCount
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		health:       config.Health,
		clock:        clk,
		logger:       logger,
		confirmCount: confirmCount,
		onTransition: config.OnTransition,
	}
	for i := range b.shards {
		b.shards[i].states = make(map[string]*RouteState)
	}
	return b, nil
}

func (b *Broker) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &b.shards[h.Sum32()%shardCount]
}

// usable reports whether an endpoint can carry traffic at all: Good or
// better for local and cloud, Degraded or better for the tunnel (a
// degraded tunnel still beats no route).
func usable(endpoint health.Endpoint) bool {
	switch endpoint.Kind {
	case health.KindTunnel:
		return endpoint.Quality >= health.Degraded
	default:
		return endpoint.Quality >= health.Good
	}
}

// candidate picks the best usable endpoint by preference order.
func candidate(snapshot map[health.Kind]health.Endpoint) (health.Endpoint, bool) {
	for _, kind := range []health.Kind{health.KindLocal, health.KindCloud, health.KindTunnel} {
		endpoint, ok := snapshot[kind]
		if ok && usable(endpoint) {
			return endpoint, true
		}
	}
	return health.Endpoint{}, false
}

// ResolveRoute returns the endpoint that should carry userID's traffic
// right now, creating route state on first use. It reads the health
// snapshot and updates only the user's own record.
func (b *Broker) ResolveRoute(userID string) (health.Endpoint, error) {
	snapshot := b.health.Snapshot()

	s := b.shardFor(userID)
	s.mu.Lock()
	state, ok := s.states[userID]
	if !ok {
		state = &RouteState{UserID: userID}
		s.states[userID] = state
	}
	endpoint, transition, err := b.evaluate(state, snapshot)
	s.mu.Unlock()

	if transition != nil {
		b.announce(*transition)
	}
	if err != nil {
		return health.Endpoint{}, err
	}
	return endpoint, nil
}

// evaluate runs one routing decision for state against snapshot. The
// caller holds the state's shard lock. A non-nil Transition means the
// active route changed.
func (b *Broker) evaluate(state *RouteState, snapshot map[health.Kind]health.Endpoint) (health.Endpoint, *Transition, error) {
	best, ok := candidate(snapshot)
	if !ok {
		// Nothing usable. Keep the record (and its failover history)
		// so recovery picks up where the user left off.
		state.confirms = 0
		return health.Endpoint{}, nil, ErrNoRoute
	}

	active, activeKnown := snapshot[state.Active]
	if state.Active == "" || !activeKnown || !usable(active) {
		// First selection, or the active route is gone. Switch now.
		transition := b.switchTo(state, best)
		return best, transition, nil
	}

	if best.Kind == state.Active {
		state.confirms = 0
		return active, nil, nil
	}

	// The active route still works but a preferred endpoint exists.
	// Only abandon a working route for a clearly better one, and only
	// after it stays better across consecutive evaluations.
	if best.Quality >= active.Quality+1 {
		if state.confirmTarget != best.Kind {
			state.confirmTarget = best.Kind
			state.confirms = 0
		}
		state.confirms++
		if state.confirms >= b.confirmCount {
			transition := b.switchTo(state, best)
			return best, transition, nil
		}
		return active, nil, nil
	}

	state.confirms = 0
	return active, nil, nil
}

// switchTo records a route change on state and returns the transition
// to announce once the shard lock is released.
func (b *Broker) switchTo(state *RouteState, to health.Endpoint) *Transition {
	from := state.Active
	now := b.clock.Now()
	state.Active = to.Kind
	state.confirms = 0
	state.confirmTarget = ""
	if from != "" {
		state.FailoverCount++
		state.LastFailoverAt = now
		telemetry.FailoversTotal.WithLabelValues(string(from), string(to.Kind)).Inc()
	}
	return &Transition{UserID: state.UserID, From: from, To: to.Kind, At: now}
}

func (b *Broker) announce(transition Transition) {
	b.logger.Info("route changed",
		"user", transition.UserID,
		"from", string(transition.From),
		"to", string(transition.To))
	if b.onTransition != nil {
		b.onTransition(transition)
	}
}

// Run re-evaluates every tracked user whenever endpoint health
// changes, so failovers happen and status reports go out even while a
// user has no request in flight. Blocks until ctx is done.
func (b *Broker) Run(ctx context.Context) {
	updates := b.health.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.logger.Debug("re-evaluating routes",
				"kind", string(update.Kind),
				"quality", update.New.String())
			b.reevaluateAll()
		}
	}
}

func (b *Broker) reevaluateAll() {
	snapshot := b.health.Snapshot()
	var transitions []Transition
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		for _, state := range s.states {
			// ErrNoRoute is not terminal here: the state keeps its
			// last active kind, so recovery on a later update counts
			// as a failover and gets announced.
			_, transition, _ := b.evaluate(state, snapshot)
			if transition != nil {
				transitions = append(transitions, *transition)
			}
		}
		s.mu.Unlock()
	}
	for _, transition := range transitions {
		b.announce(transition)
	}
}

// Lookup returns a copy of the user's route state.
func (b *Broker) Lookup(userID string) (RouteState, bool) {
	s := b.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[userID]
	if !ok {
		return RouteState{}, false
	}
	return *state, true
}

// Drop removes the user's route state. The supervisor calls this when
// the user's proxy instance is reaped after the idle window.
func (b *Broker) Drop(userID string) {
	s := b.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, userID)
}
