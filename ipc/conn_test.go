// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/cloudtolocalllm/bridge/lib/clock"
	"github.com/cloudtolocalllm/bridge/lib/testutil"
)

// connPair builds two connected Conns over an in-memory pipe. The
// second end carries the given handlers.
func connPair(t *testing.T, fake *clock.FakeClock, handlers map[string]HandlerFunc) (client, server *Conn) {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	client = NewConn(clientEnd, ConnConfig{Clock: fake})
	server = NewConn(serverEnd, ConnConfig{Clock: fake, Handlers: handlers})
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestRequestProducesOneCorrelatedReply(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	client, _ := connPair(t, fake, map[string]HandlerFunc{
		TypeHealthCheck: func(ctx context.Context, conn *Conn, message Message) (*Message, error) {
			reply, err := Reply(message, TypeHealthCheck, HealthStatusPayload{Status: HealthOK}, fake.Now())
			if err != nil {
				return nil, err
			}
			return &reply, nil
		},
	})

	request, err := New(TypeHealthCheck, HealthCheckPayload{Service: "daemon"}, fake.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reply, err := client.Request(context.Background(), request)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if reply.ID != request.ID {
		t.Errorf("reply ID %q, want %q", reply.ID, request.ID)
	}
	var status HealthStatusPayload
	if err := DecodePayload(reply, &status); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if status.Status != HealthOK {
		t.Errorf("status = %q, want %q", status.Status, HealthOK)
	}
}

func TestRequestAckTimeoutMarksPeerUnreachable(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	stall := make(chan struct{})
	defer close(stall)
	client, _ := connPair(t, fake, map[string]HandlerFunc{
		TypeServiceControl: func(ctx context.Context, conn *Conn, message Message) (*Message, error) {
			<-stall
			return nil, nil
		},
	})

	request, err := New(TypeServiceControl, ServiceControlPayload{Action: ServiceRestart, Service: "daemon"}, fake.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), request)
		result <- err
	}()

	// One waiter: the ack timeout.
	fake.WaitForTimers(1)
	fake.Advance(DefaultAckTimeout)

	err = testutil.RequireReceive(t, result, 5*time.Second, "request outcome")
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("Request error = %v, want ErrAckTimeout", err)
	}

	// The connection must be torn down: the peer is unreachable.
	testutil.RequireClosed(t, client.Done(), 5*time.Second, "connection closed after ack timeout")
}

func TestAutoAckWhenHandlerReturnsNothing(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	client, _ := connPair(t, fake, map[string]HandlerFunc{
		TypeWindowControl: func(ctx context.Context, conn *Conn, message Message) (*Message, error) {
			return nil, nil
		},
	})

	request, err := New(TypeWindowControl, WindowControlPayload{Action: WindowToggle}, fake.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	reply, err := client.Request(context.Background(), request)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if reply.Type != TypeAck {
		t.Errorf("reply type = %q, want %q", reply.Type, TypeAck)
	}
}

func TestHandlerErrorBecomesErrorReply(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	client, _ := connPair(t, fake, map[string]HandlerFunc{
		TypeServiceControl: func(ctx context.Context, conn *Conn, message Message) (*Message, error) {
			return nil, errors.New("unknown service")
		},
	})

	request, err := New(TypeServiceControl, ServiceControlPayload{Action: ServiceQuit, Service: "nope"}, fake.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = client.Request(context.Background(), request)
	if err == nil || !strings.Contains(err.Error(), "unknown service") {
		t.Fatalf("Request error = %v, want peer error naming the cause", err)
	}
}

func TestUnknownTypeWithAckRequiredGetsErrorReply(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	client, _ := connPair(t, fake, map[string]HandlerFunc{})

	request, err := New("no_such_type", nil, fake.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = client.Request(context.Background(), request)
	if err == nil || !strings.Contains(err.Error(), "unrecognized message type") {
		t.Fatalf("Request error = %v, want unrecognized-type error", err)
	}
}

func TestStreamDeliversChunksInOrderUntilDone(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	client, _ := connPair(t, fake, map[string]HandlerFunc{
		TypeStreamRequest: func(ctx context.Context, conn *Conn, message Message) (*Message, error) {
			go func() {
				for i := 0; i < 3; i++ {
					chunk, _ := Reply(message, TypeStreamChunk, StreamChunkPayload{
						Text: fmt.Sprintf("chunk-%d", i),
						Done: i == 2,
					}, fake.Now())
					conn.Send(chunk)
				}
			}()
			return nil, nil
		},
	})

	request, err := New(TypeStreamRequest, StreamRequestPayload{Model: "llama3", Message: "hi"}, fake.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	chunks, err := client.Stream(context.Background(), request)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	for i := 0; i < 3; i++ {
		chunk := testutil.RequireReceive(t, chunks, 5*time.Second, "chunk %d", i)
		var payload StreamChunkPayload
		if err := DecodePayload(chunk, &payload); err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		want := fmt.Sprintf("chunk-%d", i)
		if payload.Text != want {
			t.Errorf("chunk %d = %q, want %q (order violated)", i, payload.Text, want)
		}
		if payload.Done != (i == 2) {
			t.Errorf("chunk %d done = %v", i, payload.Done)
		}
	}

	// Channel closes after the done chunk.
	select {
	case _, open := <-chunks:
		if open {
			t.Error("stream channel delivered past the done chunk")
		}
	case <-time.After(5 * time.Second):
		t.Error("stream channel did not close after done chunk")
	}
}

func TestSlowStreamConsumerLosesNoChunks(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	const total = 40 // well past the stream channel buffer
	client, _ := connPair(t, fake, map[string]HandlerFunc{
		TypeStreamRequest: func(ctx context.Context, conn *Conn, message Message) (*Message, error) {
			go func() {
				for i := 0; i < total; i++ {
					chunk, _ := Reply(message, TypeStreamChunk, StreamChunkPayload{
						Text: fmt.Sprintf("chunk-%d", i),
						Done: i == total-1,
					}, fake.Now())
					conn.Send(chunk)
				}
			}()
			return nil, nil
		},
	})

	request, err := New(TypeStreamRequest, StreamRequestPayload{Model: "llama3", Message: "hi"}, fake.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	chunks, err := client.Stream(context.Background(), request)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	// Drain slower than the producer fills the buffer. The clock
	// never advances, so a delivery deadline cannot excuse a loss:
	// every chunk must arrive, in order.
	for i := 0; i < total; i++ {
		time.Sleep(2 * time.Millisecond)
		chunk := testutil.RequireReceive(t, chunks, 5*time.Second, "chunk %d", i)
		var payload StreamChunkPayload
		if err := DecodePayload(chunk, &payload); err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		want := fmt.Sprintf("chunk-%d", i)
		if payload.Text != want {
			t.Errorf("chunk %d = %q, want %q", i, payload.Text, want)
		}
	}
}

func TestStreamCancelledByCaller(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	client, _ := connPair(t, fake, map[string]HandlerFunc{
		TypeStreamRequest: func(ctx context.Context, conn *Conn, message Message) (*Message, error) {
			// Acknowledge, then never send a chunk.
			return nil, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	request, err := New(TypeStreamRequest, StreamRequestPayload{Model: "llama3", Message: "hi"}, fake.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	chunks, err := client.Stream(ctx, request)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	cancel()
	select {
	case _, open := <-chunks:
		if open {
			t.Error("cancelled stream delivered a chunk")
		}
	case <-time.After(5 * time.Second):
		t.Error("cancelled stream did not close")
	}
}
