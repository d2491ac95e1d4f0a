// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay is the daemon's authenticated streaming boundary.
//
// Every request carries a bearer token; validation happens before any
// route is resolved and before any proxy instance exists, and a
// rejected token is terminal for the request. On success the broker
// picks the route: local requests go straight to the inference
// endpoint, cloud and tunnel requests go through the user's own proxy
// instance, looked up strictly by the validated token subject.
// Responses are forwarded chunk by chunk with an explicit flush per
// chunk, so newline-delimited JSON and SSE streams reach the client as
// the model produces them.
package relay
