// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import "time"

// Frame types carried over the tunnel websocket.
const (
	// FrameRequest: relay -> client, forward this HTTP request to the
	// local inference server.
	FrameRequest = "request"

	// FrameResponse: client -> relay, status and headers for a
	// request. Body follows as chunk frames.
	FrameResponse = "response"

	// FrameChunk: client -> relay, one piece of a response body. The
	// final chunk sets Done.
	FrameChunk = "chunk"

	// FramePing / FramePong: relay-level liveness. The relay pings;
	// the client answers with the same ID.
	FramePing = "ping"
	FramePong = "pong"

	// FrameError: client -> relay, the request failed before or during
	// the response. Terminal for its ID.
	FrameError = "error"
)

// Frame is one tunnel message. ID correlates a request with its
// response, chunks, and errors.
type Frame struct {
	Type      string            `json:"type"`
	ID        string            `json:"id"`
	Method    string            `json:"method,omitempty"`
	Path      string            `json:"path,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body,omitempty"`
	Status    int               `json:"status,omitempty"`
	Done      bool              `json:"done,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
