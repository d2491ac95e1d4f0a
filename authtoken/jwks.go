// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package authtoken

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/cloudtolocalllm/bridge/lib/clock"
)

// DefaultKeyTTL is how long a fetched JWKS is trusted before a
// background refresh.
const DefaultKeyTTL = time.Hour

// PublicKey is one cached verification key.
type PublicKey struct {
	KeyID string
	Key   *rsa.PublicKey
}

// KeyCache fetches the identity provider's JWKS and caches the parsed
// RSA keys on a TTL.
type KeyCache struct {
	jwksURL string
	client  *http.Client
	ttl     time.Duration
	clock   clock.Clock

	mu        sync.Mutex
	keys      []PublicKey
	fetchedAt time.Time
}

// KeyCacheConfig configures a KeyCache.
type KeyCacheConfig struct {
	// JWKSURL is the provider's published key set endpoint. Required.
	JWKSURL string

	// Client for JWKS fetches. Defaults to http.DefaultClient.
	Client *http.Client

	// TTL overrides DefaultKeyTTL when positive.
	TTL time.Duration

	// Clock for TTL bookkeeping. Defaults to clock.Real().
	Clock clock.Clock
}

// NewKeyCache creates an empty cache; the first Keys call fetches.
func NewKeyCache(config KeyCacheConfig) (*KeyCache, error) {
	if config.JWKSURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	client := config.Client
	if client == nil {
		client = http.DefaultClient
	}
	ttl := config.TTL
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &KeyCache{
		jwksURL: config.JWKSURL,
		client:  client,
		ttl:     ttl,
		clock:   clk,
	}, nil
}

// Keys returns the cached key set, fetching when the cache is empty or
// stale. A failed refresh with a non-empty cache returns the stale
// keys: a transient JWKS outage must not reject every token.
func (c *KeyCache) Keys(ctx context.Context) ([]PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.keys) > 0 && c.clock.Now().Sub(c.fetchedAt) < c.ttl {
		return c.keys, nil
	}

	keys, err := c.fetch(ctx)
	if err != nil {
		if len(c.keys) > 0 {
			return c.keys, nil
		}
		return nil, err
	}
	c.keys = keys
	c.fetchedAt = c.clock.Now()
	return c.keys, nil
}

// Refresh forcibly refetches the key set. Called when a signature
// fails against every cached key, which is what key rotation looks
// like from here.
func (c *KeyCache) Refresh(ctx context.Context) ([]PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.keys = keys
	c.fetchedAt = c.clock.Now()
	return c.keys, nil
}

// jwks is the provider's published key set document.
type jwks struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Use string `json:"use"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (c *KeyCache) fetch(ctx context.Context) ([]PublicKey, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building jwks request: %w", err)
	}
	response, err := c.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("fetching jwks: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned %d", response.StatusCode)
	}

	var document jwks
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return nil, fmt.Errorf("decoding jwks: %w", err)
	}

	var keys []PublicKey
	for _, entry := range document.Keys {
		if entry.Kty != "RSA" {
			continue
		}
		key, err := parseRSAKey(entry.N, entry.E)
		if err != nil {
			return nil, fmt.Errorf("parsing jwks key %q: %w", entry.Kid, err)
		}
		keys = append(keys, PublicKey{KeyID: entry.Kid, Key: key})
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("jwks contains no RSA keys")
	}
	return keys, nil
}

func parseRSAKey(modulus, exponent string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(modulus)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(exponent)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 1 {
		return nil, fmt.Errorf("implausible exponent %d", e)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
