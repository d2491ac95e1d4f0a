// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package authtoken

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/cloudtolocalllm/bridge/lib/clock"
)

// DefaultClockSkew is the allowance applied to the not-before check,
// covering clock drift between the provider and this machine. Expiry
// gets no allowance; an expired token is rejected outright.
const DefaultClockSkew = 60 * time.Second

// Claims is the validated content of a bearer token. Transient: never
// persisted and never cached past ExpiresAt.
type Claims struct {
	// UserID is the token subject, the stable per-user identifier the
	// broker and supervisor key everything on.
	UserID string

	Audience  []string
	ExpiresAt time.Time
	Scopes    []string
}

// Validator verifies bearer tokens against a key cache, an expected
// audience, and an expected issuer. Stateless beyond the key cache.
type Validator struct {
	keys     *KeyCache
	audience string
	issuer   string
	skew     time.Duration
	clock    clock.Clock
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	// Keys supplies the verification keys. Required.
	Keys *KeyCache

	// Audience the token must be minted for. Required.
	Audience string

	// Issuer the token must come from. Required.
	Issuer string

	// Skew overrides DefaultClockSkew when positive.
	Skew time.Duration

	// Clock for expiry checks. Defaults to clock.Real().
	Clock clock.Clock
}

// NewValidator builds a Validator.
func NewValidator(config ValidatorConfig) (*Validator, error) {
	if config.Keys == nil {
		return nil, fmt.Errorf("key cache is required")
	}
	if config.Audience == "" {
		return nil, fmt.Errorf("audience is required")
	}
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	skew := config.Skew
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Validator{
		keys:     config.Keys,
		audience: config.Audience,
		issuer:   config.Issuer,
		skew:     skew,
		clock:    clk,
	}, nil
}

// tokenClaims is the raw claim set decoded from the wire.
type tokenClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// Validate checks raw and returns its claims, or a *AuthError. The
// signature is tried against every cached key (kid-matching keys
// first); if all fail, the key cache is refreshed once before the
// token is rejected, tolerating provider key rotation.
func (v *Validator) Validate(ctx context.Context, raw string) (Claims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())

	claims := &tokenClaims{}
	token, parts, err := parser.ParseUnverified(raw, claims)
	if err != nil {
		return Claims{}, authError(KindMalformed, err)
	}
	if token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
		return Claims{}, authError(KindMalformed, fmt.Errorf("unexpected algorithm %q", token.Method.Alg()))
	}

	keyID, _ := token.Header["kid"].(string)
	signingString := strings.Join(parts[0:2], ".")
	signature := parts[2]

	keys, err := v.keys.Keys(ctx)
	if err != nil {
		return Claims{}, authError(KindBadSignature, fmt.Errorf("no verification keys: %w", err))
	}

	if !verifyAny(token, signingString, signature, keys, keyID) {
		// Rotation tolerance: one forced refresh before rejecting.
		keys, err = v.keys.Refresh(ctx)
		if err != nil || !verifyAny(token, signingString, signature, keys, keyID) {
			return Claims{}, authError(KindBadSignature, fmt.Errorf("signature does not match any published key"))
		}
	}

	now := v.clock.Now()
	if claims.ExpiresAt == nil {
		return Claims{}, authError(KindMalformed, fmt.Errorf("token has no expiry"))
	}
	// Expiry is strict: a token expired one second ago is rejected.
	// The skew allowance covers cross-machine drift on not-before
	// only; widening the expiry window would let a dead token reach
	// the cloud path and provision an instance for it.
	if now.After(claims.ExpiresAt.Time) {
		return Claims{}, authError(KindExpired, fmt.Errorf("expired at %s", claims.ExpiresAt.Time.Format(time.RFC3339)))
	}
	if claims.NotBefore != nil && now.Add(v.skew).Before(claims.NotBefore.Time) {
		return Claims{}, authError(KindExpired, fmt.Errorf("not valid before %s", claims.NotBefore.Time.Format(time.RFC3339)))
	}

	if !containsAudience(claims.Audience, v.audience) {
		return Claims{}, authError(KindWrongAudience, fmt.Errorf("audience %v does not include %q", []string(claims.Audience), v.audience))
	}
	if claims.Issuer != v.issuer {
		return Claims{}, authError(KindMalformed, fmt.Errorf("issuer %q, expected %q", claims.Issuer, v.issuer))
	}
	if claims.Subject == "" {
		return Claims{}, authError(KindMalformed, fmt.Errorf("token has no subject"))
	}

	return Claims{
		UserID:    claims.Subject,
		Audience:  claims.Audience,
		ExpiresAt: claims.ExpiresAt.Time,
		Scopes:    strings.Fields(claims.Scope),
	}, nil
}

// verifyAny tries the signature against each key, preferring the key
// whose kid matches the token header.
func verifyAny(token *jwt.Token, signingString, signature string, keys []PublicKey, keyID string) bool {
	ordered := make([]PublicKey, 0, len(keys))
	for _, key := range keys {
		if keyID != "" && key.KeyID == keyID {
			ordered = append([]PublicKey{key}, ordered...)
		} else {
			ordered = append(ordered, key)
		}
	}
	for _, key := range ordered {
		if token.Method.Verify(signingString, signature, key.Key) == nil {
			return true
		}
	}
	return false
}

func containsAudience(audience jwt.ClaimStrings, expected string) bool {
	for _, entry := range audience {
		if entry == expected {
			return true
		}
	}
	return false
}
