// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// frameHeaderLength is the size of the length prefix.
const frameHeaderLength = 4

// maxFrameLength bounds a single message. 1 MB is generous for chat
// payloads and keeps a misbehaving peer from ballooning memory.
const maxFrameLength = 1 << 20

// WriteFrame writes one framed message to w: a 4-byte big-endian
// length prefix followed by the JSON-encoded message.
func WriteFrame(w io.Writer, message Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding message %s: %w", message.Type, err)
	}
	if len(data) > maxFrameLength {
		return fmt.Errorf("message %s exceeds frame limit: %d bytes", message.Type, len(data))
	}
	var header [frameHeaderLength]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one framed message from r. Returns an error for
// truncated streams, oversized frames, or malformed JSON.
func ReadFrame(r io.Reader) (Message, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameLength {
		return Message{}, fmt.Errorf("frame length %d exceeds maximum %d", length, maxFrameLength)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("reading frame body: %w", err)
	}
	var message Message
	if err := json.Unmarshal(body, &message); err != nil {
		return Message{}, fmt.Errorf("decoding frame: %w", err)
	}
	if message.Type == "" {
		return Message{}, fmt.Errorf("frame missing message type")
	}
	return message, nil
}
