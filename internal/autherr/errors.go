// Package autherr defines the typed error taxonomy shared by the
// discovery cache, key material manager, and token verifier.
package autherr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an Error so callers can decide how to react without
// string-matching messages.
type Kind string

const (
	// BadInput marks a programmer error: an empty token, empty URI, or
	// other required argument that was never supposed to be empty.
	BadInput Kind = "bad_input"

	// TokenMissing marks an absent or non-bearer Authorization header.
	TokenMissing Kind = "token_missing"

	// TokenMalformed marks a string that is not a well-formed JWT
	// compact serialization.
	TokenMalformed Kind = "token_malformed"

	// TokenInvalid marks a syntactically valid JWT that failed
	// signature verification, claim-to-provider binding, or required
	// claim presence.
	TokenInvalid Kind = "token_invalid"

	// TokenExpired marks a correctly signed token whose exp claim is in
	// the past. Carries Exp/Now/Iss/Aud/Token for diagnostics.
	TokenExpired Kind = "token_expired"

	// KeyNotFound marks a kid with no matching ClientKeySet.
	KeyNotFound Kind = "key_not_found"

	// DiscoveryFailed marks a non-2xx response fetching a discovery
	// document or JWKS endpoint.
	DiscoveryFailed Kind = "discovery_failed"

	// Unreachable marks a connection-level failure (refused, timed
	// out) talking to an upstream provider.
	Unreachable Kind = "unreachable"

	// ConfigError marks a fatal startup configuration problem, such as
	// an empty provider list.
	ConfigError Kind = "config_error"
)

// Error is the concrete error type returned by every public operation in
// this module. It never wraps itself across component boundaries — the
// discovery cache and key material manager raise their own kinds and
// the token verifier maps the ones it catches.
type Error struct {
	Kind    Kind
	Message string

	// Diagnostics populated only for Kind == TokenExpired.
	Exp, Now time.Time
	Iss, Aud string
	Token    string

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// NewExpired constructs a TokenExpired error carrying the diagnostics
// callers need to decide whether to prompt re-authentication.
func NewExpired(exp, now time.Time, iss, aud, token string, cause error) *Error {
	return &Error{
		Kind:    TokenExpired,
		Message: "token expired",
		Exp:     exp,
		Now:     now,
		Iss:     iss,
		Aud:     aud,
		Token:   token,
		Err:     cause,
	}
}
