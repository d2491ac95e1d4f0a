// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

// Package authtoken validates the bearer tokens that cloud- and
// tunnel-path clients present before any proxying happens.
//
// [Validator] checks a JWT's signature against the identity provider's
// published JWKS keys, verifies audience, issuer, and expiry (with a
// small clock-skew allowance), and extracts the token subject as the
// stable user identifier. [KeyCache] fetches and caches the JWKS on a
// TTL; when a signature fails against every cached key the cache is
// refreshed once before the token is rejected, which tolerates key
// rotation without a validation outage.
//
// Every failure is a typed [*AuthError] and is terminal for the
// request that presented the token. Rejection never falls back to
// local routing: a rejected cloud token must not become an
// unauthenticated local session.
package authtoken
