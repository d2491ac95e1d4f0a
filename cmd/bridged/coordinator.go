// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cloudtolocalllm/bridge/broker"
	"github.com/cloudtolocalllm/bridge/health"
	"github.com/cloudtolocalllm/bridge/ipc"
)

// ipcUserID is the route-table identity for chat traffic arriving over
// the local IPC socket. IPC peers are same-host processes; they share
// one route.
const ipcUserID = "ipc-local"

// ipcCoordinator wires the daemon's IPC handlers: health checks, chat
// streams, and service control.
type ipcCoordinator struct {
	monitor *health.Monitor
	routes  *broker.Broker
	logger  *slog.Logger

	// quit requests daemon shutdown; service_control quit/restart call
	// it after acknowledging.
	quit func()

	// chatClient reaches the routed endpoint for IPC chat streams. No
	// overall timeout: chat streams are long-lived.
	chatClient *http.Client

	// tokenSource supplies the bearer token for non-local routes.
	tokenSource func() string
}

func (c *ipcCoordinator) register(server *ipc.Server) {
	if c.chatClient == nil {
		c.chatClient = &http.Client{Timeout: 0}
	}
	server.Handle(ipc.TypeHealthCheck, c.handleHealthCheck)
	server.Handle(ipc.TypeStreamRequest, c.handleStreamRequest)
	server.Handle(ipc.TypeServiceControl, c.handleServiceControl)
}

// handleHealthCheck reports the daemon's own view of connectivity: ok
// while any endpoint can carry traffic, degraded when none can.
func (c *ipcCoordinator) handleHealthCheck(ctx context.Context, conn *ipc.Conn, message ipc.Message) (*ipc.Message, error) {
	status := ipc.HealthDegraded
	for _, endpoint := range c.monitor.Snapshot() {
		if endpoint.Quality > health.Unavailable {
			status = ipc.HealthOK
			break
		}
	}
	reply, err := ipc.Reply(message, ipc.TypeHealthCheck, ipc.HealthStatusPayload{Status: status}, time.Now())
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// handleServiceControl acknowledges and then stops the daemon. Restart
// is the process manager's job; quit and restart both end with a clean
// exit here.
func (c *ipcCoordinator) handleServiceControl(ctx context.Context, conn *ipc.Conn, message ipc.Message) (*ipc.Message, error) {
	var control ipc.ServiceControlPayload
	if err := ipc.DecodePayload(message, &control); err != nil {
		return nil, fmt.Errorf("bad service_control payload: %w", err)
	}
	switch control.Action {
	case ipc.ServiceRestart, ipc.ServiceQuit:
	default:
		return nil, fmt.Errorf("unknown service action %q", control.Action)
	}
	c.logger.Info("service control received", "action", control.Action, "service", control.Service)

	// Ack first, then exit: the auto-ack rides on the handler return,
	// so the shutdown is deferred a beat.
	go func() {
		time.Sleep(100 * time.Millisecond)
		c.quit()
	}()
	return nil, nil
}

// chatRequest is the Ollama-compatible chat request body.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatChunk is one NDJSON line of a streamed chat response.
type chatChunk struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
}

// handleStreamRequest starts a chat stream over the current route and
// feeds the response back as correlated stream_chunk messages. The
// handler itself returns immediately; the auto-ack tells the client
// the stream is accepted.
func (c *ipcCoordinator) handleStreamRequest(ctx context.Context, conn *ipc.Conn, message ipc.Message) (*ipc.Message, error) {
	var request ipc.StreamRequestPayload
	if err := ipc.DecodePayload(message, &request); err != nil {
		return nil, fmt.Errorf("bad stream_request payload: %w", err)
	}
	if request.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	endpoint, err := c.routes.ResolveRoute(ipcUserID)
	if err != nil {
		return nil, fmt.Errorf("no endpoint available: %w", err)
	}

	go c.streamChat(conn, message, endpoint, request)
	return nil, nil
}

func (c *ipcCoordinator) streamChat(conn *ipc.Conn, request ipc.Message, endpoint health.Endpoint, payload ipc.StreamRequestPayload) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-conn.Done()
		cancel()
	}()

	body, err := json.Marshal(chatRequest{
		Model:    payload.Model,
		Messages: []chatMessage{{Role: "user", Content: payload.Message}},
		Stream:   true,
	})
	if err != nil {
		c.sendStreamError(conn, request, err)
		return
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.Address+"/api/chat", bytes.NewReader(body))
	if err != nil {
		c.sendStreamError(conn, request, err)
		return
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if endpoint.Kind != health.KindLocal && c.tokenSource != nil {
		if token := c.tokenSource(); token != "" {
			httpRequest.Header.Set("Authorization", "Bearer "+token)
		}
	}

	response, err := c.chatClient.Do(httpRequest)
	if err != nil {
		c.sendStreamError(conn, request, err)
		return
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		c.sendStreamError(conn, request, fmt.Errorf("endpoint returned %s", response.Status))
		return
	}

	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			c.sendStreamError(conn, request, fmt.Errorf("bad chunk from endpoint: %w", err))
			return
		}
		out, err := ipc.Reply(request, ipc.TypeStreamChunk, ipc.StreamChunkPayload{
			Text: chunk.Message.Content,
			Done: chunk.Done,
		}, time.Now())
		if err != nil {
			return
		}
		if err := conn.Send(out); err != nil {
			return
		}
		if chunk.Done {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.sendStreamError(conn, request, err)
		return
	}
	// The endpoint closed the stream without a done chunk; synthesize
	// one so the client does not hang.
	out, err := ipc.Reply(request, ipc.TypeStreamChunk, ipc.StreamChunkPayload{Done: true}, time.Now())
	if err == nil {
		conn.Send(out)
	}
}

func (c *ipcCoordinator) sendStreamError(conn *ipc.Conn, request ipc.Message, cause error) {
	c.logger.Warn("ipc chat stream failed", "error", cause)
	out, err := ipc.Reply(request, ipc.TypeError, ipc.ErrorPayload{Error: cause.Error()}, time.Now())
	if err != nil {
		return
	}
	conn.Send(out)
}
