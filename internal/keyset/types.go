package keyset

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/icanbwell/oidc-auth-lib/internal/authconfig"
	"github.com/icanbwell/oidc-auth-lib/internal/discovery"
)

// JWK is a single JSON Web Key. Only the fields this library needs to
// resolve a verification key are typed; algorithm-specific parameters
// beyond RSA (n, e) and oct (k) are not modeled since this spec only
// ever synthesizes or verifies against those two key types.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`

	// RSA
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// oct (HMAC; synthesized locally from AuthConfig.HMACSecret, and also
	// decoded from a fetched JWKS if the provider publishes one)
	K string `json:"k,omitempty"`
}

// ResolveKey turns this JWK into the concrete key type
// github.com/golang-jwt/jwt/v5 expects from a Keyfunc: *rsa.PublicKey
// for RSA keys, []byte for oct (HMAC) keys.
func (k JWK) ResolveKey() (any, error) {
	switch k.Kty {
	case "RSA":
		return k.rsaPublicKey()
	case "oct":
		secret, err := base64.RawURLEncoding.DecodeString(k.K)
		if err != nil {
			return nil, fmt.Errorf("jwk %s: decoding oct secret: %w", k.Kid, err)
		}
		return secret, nil
	default:
		return nil, fmt.Errorf("jwk %s: unsupported key type %q", k.Kid, k.Kty)
	}
}

func (k JWK) rsaPublicKey() (any, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("jwk %s: decoding modulus: %w", k.Kid, err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("jwk %s: decoding exponent: %w", k.Kid, err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

// KeySet is an unordered collection of JWKs.
type KeySet struct {
	Keys []JWK
}

// ClientKeySet is the per-provider bundle built during initialization:
// the owning AuthConfig (a value copy — a one-way reference, not a
// cycle), the provider's discovery document (nil for HMAC-only
// providers), its resolved KeySet, and the set of kid strings it owns.
type ClientKeySet struct {
	Config    authconfig.AuthConfig
	Discovery *discovery.Document
	Keys      KeySet
	KIDs      map[string]struct{}
}

// KeyByKID returns the JWK with the given kid within this provider's
// set, if any.
func (c *ClientKeySet) KeyByKID(kid string) (JWK, bool) {
	for _, k := range c.Keys.Keys {
		if k.Kid == kid {
			return k, true
		}
	}
	return JWK{}, false
}
