// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cloudtolocalllm/bridge/lib/clock"
	"github.com/cloudtolocalllm/bridge/lib/testutil"
)

// startRelay runs a websocket endpoint that hands accepted
// connections to the test.
func startRelay(t *testing.T) (relayURL string, conns chan *websocket.Conn, sawToken *atomic.Value) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	conns = make(chan *websocket.Conn, 4)
	sawToken = &atomic.Value{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawToken.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http"), conns, sawToken
}

func startClient(t *testing.T, relayURL, localURL string) (*Client, context.CancelFunc) {
	t.Helper()
	client, err := NewClient(Config{
		RelayURL:    relayURL,
		LocalURL:    localURL,
		TokenSource: func() string { return "tunnel-token" },
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "client Run returns")
	})
	return client, cancel
}

// readFrame reads one frame with a deadline.
func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return frame
}

func TestDialPresentsBearerAndAnswersPings(t *testing.T) {
	relayURL, conns, sawToken := startRelay(t)
	client, _ := startClient(t, relayURL, "http://127.0.0.1:1")

	conn := testutil.RequireReceive(t, conns, 5*time.Second, "relay accepts the dial")
	defer conn.Close()
	if got := sawToken.Load(); got != "Bearer tunnel-token" {
		t.Errorf("dial carried Authorization %q, want the bearer token", got)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !client.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client never reported Connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := conn.WriteJSON(Frame{Type: FramePing, ID: "ping-1"}); err != nil {
		t.Fatalf("sending ping: %v", err)
	}
	pong := readFrame(t, conn)
	if pong.Type != FramePong || pong.ID != "ping-1" {
		t.Fatalf("got %s/%s, want pong/ping-1", pong.Type, pong.ID)
	}
}

func TestForwardsRequestAndStreamsResponse(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, `{"message":{"content":"tok-%d"},"done":false}`+"\n", i)
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer local.Close()

	relayURL, conns, _ := startRelay(t)
	startClient(t, relayURL, local.URL)
	conn := testutil.RequireReceive(t, conns, 5*time.Second, "relay accepts the dial")
	defer conn.Close()

	request := Frame{
		Type:   FrameRequest,
		ID:     "req-1",
		Method: http.MethodPost,
		Path:   "/api/chat",
		Body:   []byte(`{"model":"llama3","stream":true}`),
	}
	if err := conn.WriteJSON(request); err != nil {
		t.Fatalf("sending request frame: %v", err)
	}

	response := readFrame(t, conn)
	if response.Type != FrameResponse || response.ID != "req-1" {
		t.Fatalf("got %s/%s first, want response/req-1", response.Type, response.ID)
	}
	if response.Status != http.StatusOK {
		t.Fatalf("got status %d, want 200", response.Status)
	}

	var payload []byte
	for {
		chunk := readFrame(t, conn)
		if chunk.Type != FrameChunk {
			t.Fatalf("got frame type %s mid-stream, want chunk", chunk.Type)
		}
		if chunk.ID != "req-1" {
			t.Fatalf("chunk for %q, want req-1", chunk.ID)
		}
		payload = append(payload, chunk.Body...)
		if chunk.Done {
			break
		}
	}
	for i := 0; i < 3; i++ {
		if !strings.Contains(string(payload), fmt.Sprintf("tok-%d", i)) {
			t.Errorf("streamed body missing tok-%d", i)
		}
	}
}

func TestLocalFailureProducesErrorFrame(t *testing.T) {
	relayURL, conns, _ := startRelay(t)
	// Nothing listens on the local port.
	startClient(t, relayURL, "http://127.0.0.1:1")
	conn := testutil.RequireReceive(t, conns, 5*time.Second, "relay accepts the dial")
	defer conn.Close()

	if err := conn.WriteJSON(Frame{Type: FrameRequest, ID: "req-1", Method: http.MethodGet, Path: "/api/tags"}); err != nil {
		t.Fatalf("sending request frame: %v", err)
	}
	frame := readFrame(t, conn)
	if frame.Type != FrameError || frame.ID != "req-1" {
		t.Fatalf("got %s/%s, want error/req-1", frame.Type, frame.ID)
	}
	if frame.Error == "" {
		t.Error("error frame with empty message")
	}
}

func TestReconnectBackoffRampsThenResets(t *testing.T) {
	var dials atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		// Refuse the upgrade; every dial fails.
		http.Error(w, "not today", http.StatusForbidden)
	}))
	defer server.Close()

	fake := clock.Fake(time.Unix(1000, 0))
	client, err := NewClient(Config{
		RelayURL:    "ws" + strings.TrimPrefix(server.URL, "http"),
		LocalURL:    "http://127.0.0.1:11434",
		TokenSource: func() string { return "t" },
		Clock:       fake,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(ctx)
	}()

	// Each failed dial waits 1s, 2s, then 5s forever.
	for _, wait := range []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 5 * time.Second} {
		fake.WaitForTimers(1)
		fake.Advance(wait)
	}
	fake.WaitForTimers(1)

	if got := dials.Load(); got != 5 {
		t.Errorf("got %d dial attempts, want 5", got)
	}
	cancel()
	fake.Advance(5 * time.Second)
	testutil.RequireClosed(t, done, 5*time.Second, "Run returns on cancel")
}

func TestFlappingRelayDoesNotAccumulateGoroutines(t *testing.T) {
	relayURL, conns, _ := startRelay(t)

	fake := clock.Fake(time.Unix(1000, 0))
	client, err := NewClient(Config{
		RelayURL:    relayURL,
		LocalURL:    "http://127.0.0.1:11434",
		TokenSource: func() string { return "t" },
		Clock:       fake,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(ctx)
	}()

	// Flap the relay: accept each session, then drop it immediately.
	// Each drop parks the client on a 1s reconnect wait.
	const cycles = 8
	var baseline int
	for i := 0; i < cycles; i++ {
		conn := testutil.RequireReceive(t, conns, 5*time.Second, "session %d established", i)
		conn.Close()
		fake.WaitForTimers(1)
		if i == 0 {
			baseline = runtime.NumGoroutine()
		}
		fake.Advance(time.Second)
	}

	// Every dropped session's watcher goroutine must have exited.
	deadline := time.Now().Add(5 * time.Second)
	for runtime.NumGoroutine() > baseline+2 {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines grew from %d to %d across %d relay flaps",
				baseline, runtime.NumGoroutine(), cycles)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	fake.Advance(time.Second)
	testutil.RequireClosed(t, done, 5*time.Second, "Run returns on cancel")
}
