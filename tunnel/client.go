// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

// Package tunnel maintains the websocket connection to the cloud
// relay that lets remote clients reach the local inference server
// when no direct path exists.
//
// The relay sends request frames; the client replays them against the
// local endpoint and streams the response back as chunk frames, so a
// generating model is visible token by token on the far side. The
// connection authenticates with a bearer token at dial time and
// reconnects on a short backoff whenever it drops.
package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cloudtolocalllm/bridge/lib/clock"
)

// reconnectSchedule ramps the redial delay; the final entry repeats.
var reconnectSchedule = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}

// chunkSize is the body slice carried per chunk frame.
const chunkSize = 16 * 1024

// Config configures a Client.
type Config struct {
	// RelayURL is the cloud relay's websocket endpoint
	// (wss://host/tunnel). Required.
	RelayURL string

	// LocalURL is the local inference server base URL. Required.
	LocalURL string

	// TokenSource supplies the bearer token presented at dial time.
	// Required.
	TokenSource func() string

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// HTTPClient reaches the local endpoint. Defaults to a client with
	// no overall timeout.
	HTTPClient *http.Client

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client is the daemon's end of the tunnel.
type Client struct {
	relayURL    string
	localURL    string
	tokenSource func() string
	dialer      *websocket.Dialer
	httpClient  *http.Client
	clock       clock.Clock
	logger      *slog.Logger

	// writeMu serializes websocket writes; chunk frames from multiple
	// in-flight requests interleave but never tear.
	writeMu sync.Mutex
	conn    *websocket.Conn

	connected atomic.Bool
}

// NewClient creates a Client.
func NewClient(config Config) (*Client, error) {
	if config.RelayURL == "" {
		return nil, fmt.Errorf("relay URL is required")
	}
	if config.LocalURL == "" {
		return nil, fmt.Errorf("local URL is required")
	}
	if config.TokenSource == nil {
		return nil, fmt.Errorf("token source is required")
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 0}
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		relayURL:    config.RelayURL,
		localURL:    strings.TrimSuffix(config.LocalURL, "/"),
		tokenSource: config.TokenSource,
		dialer:      dialer,
		httpClient:  httpClient,
		clock:       clk,
		logger:      logger,
	}, nil
}

// Connected reports whether a tunnel session is currently up. The
// health monitor's tunnel prober reads this.
func (c *Client) Connected() bool { return c.connected.Load() }

// Run dials the relay and serves frames until ctx is done,
// reconnecting with backoff after every drop. The backoff resets once
// a session is established.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		delay := reconnectSchedule[min(attempt, len(reconnectSchedule)-1)]
		if err != nil {
			c.logger.Warn("tunnel session ended", "error", err, "retry_in", delay)
		}
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(delay):
		}
		if err == nil {
			attempt = 0
		}
	}
}

// session runs one connect-serve cycle. A nil error means the session
// was established and later dropped; the caller restarts the backoff.
func (c *Client) session(ctx context.Context) error {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.tokenSource())

	conn, response, err := c.dialer.DialContext(ctx, c.relayURL, headers)
	if err != nil {
		if response != nil {
			return fmt.Errorf("dialing relay: %w (status %d)", err, response.StatusCode)
		}
		return fmt.Errorf("dialing relay: %w", err)
	}
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	c.connected.Store(true)
	c.logger.Info("tunnel established", "relay", c.relayURL)

	sessionDone := make(chan struct{})
	defer func() {
		close(sessionDone)
		c.connected.Store(false)
		c.writeMu.Lock()
		c.conn = nil
		c.writeMu.Unlock()
		conn.Close()
	}()

	// Tear the read loop down when ctx ends; ReadJSON has no context.
	// The watcher exits with the session, so reconnect cycles do not
	// pile these up.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-sessionDone:
		}
	}()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("tunnel read failed", "error", err)
			return nil
		}
		switch frame.Type {
		case FramePing:
			c.send(Frame{Type: FramePong, ID: frame.ID, Timestamp: c.clock.Now()})
		case FrameRequest:
			go c.serveRequest(ctx, frame)
		default:
			c.logger.Warn("unknown tunnel frame", "type", frame.Type, "id", frame.ID)
		}
	}
}

// serveRequest replays one relayed request against the local endpoint
// and streams the response back.
func (c *Client) serveRequest(ctx context.Context, frame Frame) {
	var body io.Reader
	if len(frame.Body) > 0 {
		body = bytes.NewReader(frame.Body)
	}
	request, err := http.NewRequestWithContext(ctx, frame.Method, c.localURL+frame.Path, body)
	if err != nil {
		c.sendError(frame.ID, fmt.Sprintf("building request: %v", err))
		return
	}
	for key, value := range frame.Headers {
		request.Header.Set(key, value)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.sendError(frame.ID, fmt.Sprintf("local endpoint: %v", err))
		return
	}
	defer response.Body.Close()

	headers := make(map[string]string, len(response.Header))
	for key, values := range response.Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}
	if err := c.send(Frame{
		Type:      FrameResponse,
		ID:        frame.ID,
		Status:    response.StatusCode,
		Headers:   headers,
		Timestamp: c.clock.Now(),
	}); err != nil {
		return
	}

	// Stream the body as it arrives instead of buffering it whole; a
	// generating model can take minutes to finish.
	buffer := make([]byte, chunkSize)
	for {
		n, readErr := response.Body.Read(buffer)
		if n > 0 {
			chunk := Frame{
				Type:      FrameChunk,
				ID:        frame.ID,
				Body:      append([]byte(nil), buffer[:n]...),
				Timestamp: c.clock.Now(),
			}
			if err := c.send(chunk); err != nil {
				return
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				c.sendError(frame.ID, fmt.Sprintf("reading local response: %v", readErr))
				return
			}
			c.send(Frame{Type: FrameChunk, ID: frame.ID, Done: true, Timestamp: c.clock.Now()})
			return
		}
	}
}

func (c *Client) sendError(id, message string) {
	c.send(Frame{Type: FrameError, ID: id, Error: message, Timestamp: c.clock.Now()})
}

func (c *Client) send(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("tunnel is down")
	}
	return c.conn.WriteJSON(frame)
}
