// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cloudtolocalllm/bridge/lib/clock"
	"github.com/cloudtolocalllm/bridge/lib/telemetry"
)

// ErrAckTimeout reports that a peer did not acknowledge an
// ack-required message within the timeout. The sender treats the peer
// as unreachable; the connection is closed and the dialer (if any)
// begins reconnecting.
var ErrAckTimeout = errors.New("ipc: ack timeout, peer unreachable")

// ErrConnClosed reports that the connection closed before an exchange
// completed.
var ErrConnClosed = errors.New("ipc: connection closed")

// DefaultAckTimeout bounds how long a sender waits for a correlated
// reply to an ack-required message.
const DefaultAckTimeout = 5 * time.Second

// HandlerFunc processes one inbound message. Return a reply to send it
// correlated with the request, nil to send nothing (an ack is
// generated automatically when the request demanded one), or an error
// to send a correlated TypeError reply.
//
// Streaming handlers return (nil, nil), letting the auto-generated ack
// tell the requester the stream has started, and then send correlated
// chunk messages through conn.
type HandlerFunc func(ctx context.Context, conn *Conn, message Message) (*Message, error)

// Conn is one end of an IPC socket. A single writer goroutine
// preserves send order; the reader dispatches inbound messages either
// to a pending correlation (replies, stream chunks) or to the
// registered handler for the message type.
type Conn struct {
	netConn    net.Conn
	clock      clock.Clock
	ackTimeout time.Duration
	logger     *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan Message
	handlers map[string]HandlerFunc
	closed   bool

	done chan struct{}
}

// ConnConfig configures a Conn.
type ConnConfig struct {
	// Clock drives ack timeouts and message timestamps. Defaults to
	// clock.Real().
	Clock clock.Clock

	// AckTimeout overrides DefaultAckTimeout when positive.
	AckTimeout time.Duration

	// Handlers maps message types to handlers for inbound traffic.
	// May be nil for a client that only issues requests.
	Handlers map[string]HandlerFunc

	// Logger for protocol events.
	Logger *slog.Logger
}

// NewConn wraps netConn and starts its reader. The caller owns the
// Conn and must Close it.
func NewConn(netConn net.Conn, config ConnConfig) *Conn {
	c := &Conn{
		netConn:    netConn,
		clock:      config.Clock,
		ackTimeout: config.AckTimeout,
		logger:     config.Logger,
		pending:    make(map[string]chan Message),
		handlers:   config.Handlers,
		done:       make(chan struct{}),
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.ackTimeout <= 0 {
		c.ackTimeout = DefaultAckTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	go c.readLoop()
	return c
}

// Done is closed when the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send writes one message without waiting for any reply. Writes from
// concurrent goroutines are serialized, preserving send order.
func (c *Conn) Send(message Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteFrame(c.netConn, message); err != nil {
		return fmt.Errorf("sending %s: %w", message.Type, err)
	}
	return nil
}

// Request sends an ack-required message and waits for exactly one
// correlated reply. Returns ErrAckTimeout (and closes the connection)
// when no reply arrives within the ack timeout.
func (c *Conn) Request(ctx context.Context, message Message) (Message, error) {
	message.AckRequired = true
	replies, err := c.register(message.ID, 1)
	if err != nil {
		return Message{}, err
	}
	defer c.unregister(message.ID)

	if err := c.Send(message); err != nil {
		return Message{}, err
	}

	select {
	case reply := <-replies:
		if reply.Type == TypeError {
			var failure ErrorPayload
			if err := DecodePayload(reply, &failure); err != nil {
				return Message{}, err
			}
			return Message{}, fmt.Errorf("ipc: peer error: %s", failure.Error)
		}
		return reply, nil
	case <-c.clock.After(c.ackTimeout):
		telemetry.AckTimeoutsTotal.Inc()
		c.Close()
		return Message{}, ErrAckTimeout
	case <-c.done:
		return Message{}, ErrConnClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Stream sends a stream_request and returns a channel of correlated
// chunk messages. The channel closes when the final chunk (Done=true)
// arrives, the context is cancelled, or the connection drops. The
// first chunk is subject to the ack timeout; later chunks are bounded
// only by the context.
func (c *Conn) Stream(ctx context.Context, message Message) (<-chan Message, error) {
	message.AckRequired = true
	replies, err := c.register(message.ID, 16)
	if err != nil {
		return nil, err
	}

	if err := c.Send(message); err != nil {
		c.unregister(message.ID)
		return nil, err
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		defer c.unregister(message.ID)

		first := true
		for {
			var timeout <-chan time.Time
			if first {
				timeout = c.clock.After(c.ackTimeout)
			}
			select {
			case chunk := <-replies:
				first = false
				// The auto-ack only signals that the stream started;
				// consumers see chunks and errors.
				if chunk.Type == TypeAck {
					continue
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
				var payload StreamChunkPayload
				if chunk.Type == TypeStreamChunk && DecodePayload(chunk, &payload) == nil && payload.Done {
					return
				}
				if chunk.Type == TypeError {
					return
				}
			case <-timeout:
				c.logger.Warn("stream start not acknowledged", "id", message.ID)
				c.Close()
				return
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the connection down and fails all pending exchanges.
// Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.netConn.Close()
	close(c.done)
	return err
}

func (c *Conn) register(id string, buffer int) (chan Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnClosed
	}
	if _, exists := c.pending[id]; exists {
		return nil, fmt.Errorf("ipc: duplicate correlation id %s", id)
	}
	ch := make(chan Message, buffer)
	c.pending[id] = ch
	return ch, nil
}

func (c *Conn) unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Conn) readLoop() {
	defer c.Close()
	for {
		message, err := ReadFrame(c.netConn)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Debug("ipc read ended", "error", err)
			}
			return
		}

		c.mu.Lock()
		replies, correlated := c.pending[message.ID]
		c.mu.Unlock()

		if correlated {
			c.deliver(replies, message)
			continue
		}

		go c.dispatch(message)
	}
}

// deliver hands a correlated message to its waiting channel. A full
// buffer means the consumer is behind, not gone: stream chunks carry
// chat text, so deliver blocks up to the ack timeout rather than
// silently losing the message. Only a consumer stalled for the whole
// timeout forfeits the message, and that is logged.
func (c *Conn) deliver(replies chan Message, message Message) {
	select {
	case replies <- message:
		return
	default:
	}
	select {
	case replies <- message:
	case <-c.clock.After(c.ackTimeout):
		c.logger.Warn("dropping reply, consumer stalled past deadline",
			"type", message.Type, "id", message.ID)
	case <-c.done:
	}
}

// dispatch routes an uncorrelated inbound message to its handler.
func (c *Conn) dispatch(message Message) {
	handler := c.handlers[message.Type]
	if handler == nil {
		c.logger.Warn("no handler for message type", "type", message.Type)
		if message.AckRequired {
			c.replyError(message, fmt.Sprintf("unrecognized message type %q", message.Type))
		}
		return
	}

	reply, err := handler(context.Background(), c, message)
	if err != nil {
		c.replyError(message, err.Error())
		return
	}
	if reply != nil {
		reply.ID = message.ID
		if err := c.Send(*reply); err != nil {
			c.logger.Warn("sending reply", "type", reply.Type, "error", err)
		}
		return
	}
	if message.AckRequired {
		ack, err := Reply(message, TypeAck, nil, c.clock.Now())
		if err == nil {
			err = c.Send(ack)
		}
		if err != nil {
			c.logger.Warn("sending ack", "id", message.ID, "error", err)
		}
	}
}

func (c *Conn) replyError(message Message, text string) {
	failure, err := Reply(message, TypeError, ErrorPayload{Error: text}, c.clock.Now())
	if err == nil {
		err = c.Send(failure)
	}
	if err != nil {
		c.logger.Warn("sending error reply", "id", message.ID, "error", err)
	}
}
