// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package authtoken

import "fmt"

// ErrorKind classifies a validation failure. All kinds are terminal
// for the current request.
type ErrorKind string

const (
	// KindExpired: the token's expiry (minus skew allowance) has passed.
	KindExpired ErrorKind = "expired"

	// KindBadSignature: no published key verifies the signature, even
	// after one cache refresh.
	KindBadSignature ErrorKind = "bad_signature"

	// KindWrongAudience: the token was minted for a different API.
	KindWrongAudience ErrorKind = "wrong_audience"

	// KindMalformed: the token is structurally invalid, uses an
	// unexpected algorithm, or names the wrong issuer.
	KindMalformed ErrorKind = "malformed"
)

// AuthError is a typed token rejection.
type AuthError struct {
	Kind  ErrorKind
	cause error
}

func (e *AuthError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("auth: %s: %v", e.Kind, e.cause)
	}
	return fmt.Sprintf("auth: %s", e.Kind)
}

func (e *AuthError) Unwrap() error { return e.cause }

func authError(kind ErrorKind, cause error) *AuthError {
	return &AuthError{Kind: kind, cause: cause}
}
