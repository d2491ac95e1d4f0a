// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types recognized on the wire.
const (
	// TypeHealthCheck asks a peer whether a named service is alive.
	// The reply reuses the same type with a HealthStatusPayload.
	TypeHealthCheck = "health_check"

	// TypeStatusReport announces the active route and its quality.
	// Emitted by the daemon on every broker transition so the tray and
	// chat UI reflect connectivity changes immediately.
	TypeStatusReport = "status_report"

	// TypeWindowControl asks the chat client to show, hide, or toggle
	// its window. Sent by the tray.
	TypeWindowControl = "window_control"

	// TypeServiceControl asks a peer to restart or quit a service.
	TypeServiceControl = "service_control"

	// TypeStreamRequest starts a chat stream. The daemon replies with
	// a sequence of TypeStreamChunk messages correlated by ID, the
	// last carrying Done=true.
	TypeStreamRequest = "stream_request"

	// TypeStreamChunk is one chunk of a streamed chat response.
	TypeStreamChunk = "stream_chunk"

	// TypeAck acknowledges a message that has no natural reply.
	TypeAck = "ack"

	// TypeError is a correlated failure reply. The payload is an
	// ErrorPayload naming the failure.
	TypeError = "error"
)

// Message is the envelope for every frame on an IPC socket.
type Message struct {
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	AckRequired bool            `json:"ack_required,omitempty"`
}

// HealthCheckPayload asks after a named service.
type HealthCheckPayload struct {
	Service string `json:"service"`
}

// Health statuses carried in a HealthStatusPayload.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthDown     = "down"
)

// HealthStatusPayload is the reply to a health check.
type HealthStatusPayload struct {
	Status string `json:"status"`
}

// StatusReportPayload announces the active route and its quality.
// Route is "local", "cloud", or "tunnel" (empty when no route is
// available); Quality is "excellent", "good", "degraded", or
// "unavailable".
type StatusReportPayload struct {
	Route   string `json:"route"`
	Quality string `json:"quality"`
}

// Window control actions.
const (
	WindowShow   = "show"
	WindowHide   = "hide"
	WindowToggle = "toggle"
)

// WindowControlPayload carries a window action for the chat client.
type WindowControlPayload struct {
	Action string `json:"action"`
}

// Service control actions.
const (
	ServiceRestart = "restart"
	ServiceQuit    = "quit"
)

// ServiceControlPayload asks a peer to restart or quit a service.
type ServiceControlPayload struct {
	Action  string `json:"action"`
	Service string `json:"service"`
}

// StreamRequestPayload starts a chat stream against a model.
type StreamRequestPayload struct {
	Model   string `json:"model"`
	Message string `json:"message"`
}

// StreamChunkPayload is one piece of a streamed response. Done marks
// the final chunk of the stream.
type StreamChunkPayload struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// ErrorPayload is a correlated failure reply.
type ErrorPayload struct {
	Error string `json:"error"`
}

// New builds a Message of the given type with a fresh correlation ID.
// The payload is marshaled to JSON; a nil payload leaves the field
// empty.
func New(messageType string, payload any, now time.Time) (Message, error) {
	message := Message{
		Type:      messageType,
		ID:        uuid.NewString(),
		Timestamp: now,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshaling %s payload: %w", messageType, err)
		}
		message.Payload = data
	}
	return message, nil
}

// Reply builds a reply to request: same correlation ID, new type and
// payload.
func Reply(request Message, messageType string, payload any, now time.Time) (Message, error) {
	reply, err := New(messageType, payload, now)
	if err != nil {
		return Message{}, err
	}
	reply.ID = request.ID
	return reply, nil
}

// DecodePayload unmarshals a message payload into out, naming the
// message type in any error.
func DecodePayload(message Message, out any) error {
	if err := json.Unmarshal(message.Payload, out); err != nil {
		return fmt.Errorf("decoding %s payload: %w", message.Type, err)
	}
	return nil
}
