// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloudtolocalllm/bridge/authtoken"
	"github.com/cloudtolocalllm/bridge/broker"
	"github.com/cloudtolocalllm/bridge/health"
	"github.com/cloudtolocalllm/bridge/supervisor"
)

// hopByHopHeaders must not be forwarded in either direction.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func isHopByHop(header string) bool {
	return hopByHopHeaders[http.CanonicalHeaderKey(header)]
}

// bearerToken extracts the bearer token, or "" when absent.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return auth[len(prefix):]
}

// handleProxy authenticates, routes, and forwards one request.
// Authentication happens before anything else: no route is resolved
// and no instance is provisioned for a request that fails it.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	token := bearerToken(r)
	if token == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="bridge"`)
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	claims, err := s.validator.Validate(r.Context(), token)
	if err != nil {
		var authErr *authtoken.AuthError
		reason := "invalid_token"
		if errors.As(err, &authErr) {
			reason = string(authErr.Kind)
		}
		s.logger.Warn("rejected request", "reason", reason, "path", r.URL.Path)
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="bridge", error=%q`, reason))
		http.Error(w, reason, http.StatusUnauthorized)
		return
	}

	route, err := s.router.ResolveRoute(claims.UserID)
	if err != nil {
		if errors.Is(err, broker.ErrNoRoute) {
			w.Header().Set("Retry-After", "5")
			http.Error(w, "no endpoint available", http.StatusServiceUnavailable)
			return
		}
		s.logger.Error("route resolution failed", "error", err)
		http.Error(w, "routing failed", http.StatusInternalServerError)
		return
	}

	if route.Kind == health.KindLocal {
		s.forward(w, r, s.localClient, route.Address, nil)
		s.logger.Info("request complete",
			"route", string(route.Kind),
			"path", r.URL.Path,
			"duration", time.Since(started))
		return
	}

	// Cloud and tunnel traffic goes through the user's own proxy. The
	// instance is keyed by the validated claim subject; nothing the
	// client sends can select another user's instance.
	instance, err := s.instances.EnsureInstance(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, supervisor.ErrDraining) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "proxy instance is draining, retry shortly", http.StatusServiceUnavailable)
			return
		}
		var provisionErr *supervisor.ProvisionError
		if errors.As(err, &provisionErr) {
			s.logger.Error("provisioning failed", "namespace", provisionErr.Namespace)
			w.Header().Set("Retry-After", "5")
			http.Error(w, "no endpoint available", http.StatusServiceUnavailable)
			return
		}
		s.logger.Error("instance lookup failed", "error", err)
		http.Error(w, "proxy unavailable", http.StatusBadGateway)
		return
	}
	if err := s.instances.BeginStream(instance.ID); err != nil {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "proxy instance is draining, retry shortly", http.StatusServiceUnavailable)
		return
	}
	defer s.instances.EndStream(instance.ID)

	s.forward(w, r, s.instanceClient(instance), "http://proxy", instance)
	s.logger.Info("request complete",
		"route", string(route.Kind),
		"instance", instance.ID,
		"path", r.URL.Path,
		"duration", time.Since(started))
}

// forward relays r to base over client and streams the response back.
// A non-nil instance gets an activity bump per chunk and has its
// force-close signal honored.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, client *http.Client, base string, instance *supervisor.Instance) {
	upstream, err := url.Parse(strings.TrimSuffix(base, "/") + r.URL.Path)
	if err != nil {
		http.Error(w, "bad upstream path", http.StatusBadGateway)
		return
	}
	upstream.RawQuery = r.URL.RawQuery

	ctx := r.Context()
	if instance != nil {
		// The drain deadline force-closes lingering streams; tie the
		// upstream request to it so the copy loop unblocks.
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-instance.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	request, err := http.NewRequestWithContext(ctx, r.Method, upstream.String(), r.Body)
	if err != nil {
		http.Error(w, "building upstream request", http.StatusInternalServerError)
		return
	}
	for key, values := range r.Header {
		if isHopByHop(key) {
			continue
		}
		// The bearer token authenticated the client to us; upstreams
		// never see it.
		if http.CanonicalHeaderKey(key) == "Authorization" {
			continue
		}
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}

	response, err := client.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			// Client went away or the instance force-closed; nothing
			// useful to write.
			return
		}
		s.logger.Warn("upstream request failed", "upstream", upstream.String(), "error", err)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer response.Body.Close()

	for key, values := range response.Header {
		if isHopByHop(key) {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(response.StatusCode)

	if isStreaming(response.Header.Get("Content-Type")) {
		s.streamBody(w, response.Body, instance)
		return
	}
	if _, err := io.Copy(w, response.Body); err != nil {
		s.logger.Warn("response copy interrupted", "error", err)
	}
}

// isStreaming reports whether the upstream response should be flushed
// chunk by chunk: Ollama's newline-delimited JSON and SSE.
func isStreaming(contentType string) bool {
	return strings.Contains(contentType, "application/x-ndjson") ||
		strings.Contains(contentType, "text/event-stream")
}

// streamBody copies body to w, flushing after every read so tokens
// reach the client as the model emits them.
func (s *Server) streamBody(w http.ResponseWriter, body io.Reader, instance *supervisor.Instance) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("response writer cannot flush; falling back to buffered copy")
		io.Copy(w, body)
		return
	}
	flusher.Flush()

	buffer := make([]byte, 4096)
	for {
		n, err := body.Read(buffer)
		if n > 0 {
			if _, writeErr := w.Write(buffer[:n]); writeErr != nil {
				// Client disconnected mid-stream. The deferred
				// EndStream runs; the instance does not stay "active"
				// on a dead stream's behalf.
				return
			}
			flusher.Flush()
			if instance != nil {
				s.instances.RecordActivity(instance.ID)
			}
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Warn("upstream stream interrupted", "error", err)
			}
			return
		}
	}
}
