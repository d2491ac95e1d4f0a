// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudtolocalllm/bridge/health"
	"github.com/cloudtolocalllm/bridge/lib/clock"
	"github.com/cloudtolocalllm/bridge/lib/testutil"
)

// fakeHealth is an in-memory HealthSource the tests poke directly.
type fakeHealth struct {
	mu        sync.Mutex
	endpoints map[health.Kind]health.Endpoint
	updates   chan health.Update
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{
		endpoints: make(map[health.Kind]health.Endpoint),
		updates:   make(chan health.Update, 8),
	}
}

func (f *fakeHealth) set(kind health.Kind, quality health.Quality) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints[kind] = health.Endpoint{Kind: kind, Quality: quality}
}

func (f *fakeHealth) Snapshot() map[health.Kind]health.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot := make(map[health.Kind]health.Endpoint, len(f.endpoints))
	for kind, endpoint := range f.endpoints {
		snapshot[kind] = endpoint
	}
	return snapshot
}

func (f *fakeHealth) Subscribe() <-chan health.Update { return f.updates }

func newTestBroker(t *testing.T, source HealthSource, transitions chan Transition) *Broker {
	t.Helper()
	config := Config{
		Health: source,
		Clock:  clock.Fake(time.Unix(1000, 0)),
	}
	if transitions != nil {
		config.OnTransition = func(tr Transition) { transitions <- tr }
	}
	b, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestPrefersLocalOverBetterCloud(t *testing.T) {
	source := newFakeHealth()
	source.set(health.KindLocal, health.Good)
	source.set(health.KindCloud, health.Excellent)
	b := newTestBroker(t, source, nil)

	endpoint, err := b.ResolveRoute("user-1")
	if err != nil {
		t.Fatalf("ResolveRoute: %v", err)
	}
	if endpoint.Kind != health.KindLocal {
		t.Fatalf("got %s, want local despite cloud being Excellent", endpoint.Kind)
	}
}

func TestFailoverWhenLocalBecomesUnusable(t *testing.T) {
	source := newFakeHealth()
	source.set(health.KindLocal, health.Excellent)
	source.set(health.KindCloud, health.Good)
	transitions := make(chan Transition, 4)
	b := newTestBroker(t, source, transitions)

	if _, err := b.ResolveRoute("user-1"); err != nil {
		t.Fatalf("initial ResolveRoute: %v", err)
	}
	testutil.RequireReceive(t, transitions, 2*time.Second, "first selection")

	source.set(health.KindLocal, health.Unavailable)
	endpoint, err := b.ResolveRoute("user-1")
	if err != nil {
		t.Fatalf("ResolveRoute after local failure: %v", err)
	}
	if endpoint.Kind != health.KindCloud {
		t.Fatalf("got %s, want cloud", endpoint.Kind)
	}

	tr := testutil.RequireReceive(t, transitions, 2*time.Second, "failover transition")
	if tr.From != health.KindLocal || tr.To != health.KindCloud {
		t.Errorf("got transition %s->%s, want local->cloud", tr.From, tr.To)
	}

	state, ok := b.Lookup("user-1")
	if !ok {
		t.Fatal("route state missing after failover")
	}
	if state.FailoverCount != 1 {
		t.Errorf("got FailoverCount %d, want 1", state.FailoverCount)
	}
	if state.LastFailoverAt.IsZero() {
		t.Error("LastFailoverAt not stamped")
	}
}

func TestFirstSelectionIsNotAFailover(t *testing.T) {
	source := newFakeHealth()
	source.set(health.KindLocal, health.Good)
	b := newTestBroker(t, source, nil)

	if _, err := b.ResolveRoute("user-1"); err != nil {
		t.Fatalf("ResolveRoute: %v", err)
	}
	state, _ := b.Lookup("user-1")
	if state.FailoverCount != 0 {
		t.Errorf("got FailoverCount %d after first selection, want 0", state.FailoverCount)
	}
}

func TestAllUnavailableIsNotTerminal(t *testing.T) {
	source := newFakeHealth()
	source.set(health.KindLocal, health.Unavailable)
	source.set(health.KindCloud, health.Unavailable)
	source.set(health.KindTunnel, health.Unavailable)
	b := newTestBroker(t, source, nil)

	if _, err := b.ResolveRoute("user-1"); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("got %v, want ErrNoRoute", err)
	}

	source.set(health.KindCloud, health.Good)
	endpoint, err := b.ResolveRoute("user-1")
	if err != nil {
		t.Fatalf("ResolveRoute after recovery: %v", err)
	}
	if endpoint.Kind != health.KindCloud {
		t.Fatalf("got %s, want cloud", endpoint.Kind)
	}
}

func TestSwitchBackNeedsConsecutiveConfirmations(t *testing.T) {
	source := newFakeHealth()
	source.set(health.KindCloud, health.Good)
	b := newTestBroker(t, source, nil)

	// User lands on cloud while local is down.
	if _, err := b.ResolveRoute("user-1"); err != nil {
		t.Fatalf("initial ResolveRoute: %v", err)
	}

	// Local comes back a full tier above cloud. One evaluation is not
	// enough to abandon a working route.
	source.set(health.KindLocal, health.Excellent)
	endpoint, err := b.ResolveRoute("user-1")
	if err != nil {
		t.Fatalf("ResolveRoute: %v", err)
	}
	if endpoint.Kind != health.KindCloud {
		t.Fatalf("switched after one evaluation, got %s", endpoint.Kind)
	}

	endpoint, err = b.ResolveRoute("user-1")
	if err != nil {
		t.Fatalf("ResolveRoute: %v", err)
	}
	if endpoint.Kind != health.KindLocal {
		t.Fatalf("got %s after two confirming evaluations, want local", endpoint.Kind)
	}

	state, _ := b.Lookup("user-1")
	if state.FailoverCount != 1 {
		t.Errorf("got FailoverCount %d, want 1 (switch back counts)", state.FailoverCount)
	}
}

func TestTieKeepsActiveRoute(t *testing.T) {
	source := newFakeHealth()
	source.set(health.KindCloud, health.Good)
	b := newTestBroker(t, source, nil)

	if _, err := b.ResolveRoute("user-1"); err != nil {
		t.Fatalf("initial ResolveRoute: %v", err)
	}

	// Local is usable but no better than the active route. Stay put,
	// however many times we evaluate.
	source.set(health.KindLocal, health.Good)
	for i := 0; i < 5; i++ {
		endpoint, err := b.ResolveRoute("user-1")
		if err != nil {
			t.Fatalf("ResolveRoute: %v", err)
		}
		if endpoint.Kind != health.KindCloud {
			t.Fatalf("evaluation %d moved to %s on a tie", i, endpoint.Kind)
		}
	}
}

func TestDegradedTunnelIsLastResort(t *testing.T) {
	source := newFakeHealth()
	source.set(health.KindLocal, health.Degraded)
	source.set(health.KindCloud, health.Degraded)
	source.set(health.KindTunnel, health.Degraded)
	b := newTestBroker(t, source, nil)

	endpoint, err := b.ResolveRoute("user-1")
	if err != nil {
		t.Fatalf("ResolveRoute: %v", err)
	}
	if endpoint.Kind != health.KindTunnel {
		t.Fatalf("got %s, want tunnel (only endpoint usable while Degraded)", endpoint.Kind)
	}
}

func TestRunFailsOverIdleUsersOnHealthUpdates(t *testing.T) {
	source := newFakeHealth()
	source.set(health.KindLocal, health.Good)
	source.set(health.KindCloud, health.Good)
	transitions := make(chan Transition, 4)
	b := newTestBroker(t, source, transitions)

	if _, err := b.ResolveRoute("user-1"); err != nil {
		t.Fatalf("ResolveRoute: %v", err)
	}
	testutil.RequireReceive(t, transitions, 2*time.Second, "first selection")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()

	// Local dies with no request in flight. The health update alone
	// must move the user to cloud.
	source.set(health.KindLocal, health.Unavailable)
	source.updates <- health.Update{Kind: health.KindLocal, New: health.Unavailable}

	tr := testutil.RequireReceive(t, transitions, 2*time.Second, "failover transition")
	if tr.From != health.KindLocal || tr.To != health.KindCloud {
		t.Errorf("got transition %s->%s, want local->cloud", tr.From, tr.To)
	}

	cancel()
	testutil.RequireClosed(t, done, 2*time.Second, "Run returns on cancel")
}

func TestDropRemovesRouteState(t *testing.T) {
	source := newFakeHealth()
	source.set(health.KindLocal, health.Good)
	b := newTestBroker(t, source, nil)

	if _, err := b.ResolveRoute("user-1"); err != nil {
		t.Fatalf("ResolveRoute: %v", err)
	}
	b.Drop("user-1")
	if _, ok := b.Lookup("user-1"); ok {
		t.Fatal("route state survived Drop")
	}
}
