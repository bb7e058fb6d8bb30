// Package authconfig exposes the immutable list of configured identity
// providers. How that list is sourced — environment variables, a YAML
// file, or something the caller builds by hand — is deliberately
// pluggable; the core only ever depends on the ConfigProvider
// interface.
package authconfig

import "github.com/icanbwell/oidc-auth-lib/internal/autherr"

// AuthConfig is one configured identity provider. Instances are created
// once at process start and never mutated afterward.
type AuthConfig struct {
	// ProviderID is an opaque identifier, unique across the configured
	// set. Used for logging, as the DecodedToken's ProviderID, and to
	// derive the default synthesized HMAC kid ("<ProviderID>-hs256").
	ProviderID string

	// Audience is the expected aud (or client_id fallback) claim.
	Audience string

	// Issuer, if set, must match the token's iss claim for this
	// provider to match.
	Issuer string

	// WellKnownURI, if set, is fetched for discovery + JWKS.
	WellKnownURI string

	// SigningAlgorithms is the set of JWS algorithms this provider's
	// tokens may be signed with, e.g. {"RS256"} or {"RS256", "HS256"}.
	SigningAlgorithms map[string]struct{}

	// HMACSecret and HMACKeyID configure a synthesized symmetric JWK
	// when HS256 is in SigningAlgorithms.
	HMACSecret string
	HMACKeyID  string
}

// AllowsAlgorithm reports whether alg is in this provider's configured
// SigningAlgorithms set.
func (c AuthConfig) AllowsAlgorithm(alg string) bool {
	_, ok := c.SigningAlgorithms[alg]
	return ok
}

// ConfigProvider exposes the ordered (order is for observability only;
// correctness never depends on it) sequence of configured providers.
type ConfigProvider interface {
	ListAuthConfigs() ([]AuthConfig, error)
}

// StaticProvider is the trivial ConfigProvider: a fixed, pre-built list.
// Useful for tests and for callers who already have AuthConfig values
// from their own configuration layer.
type StaticProvider struct {
	Configs []AuthConfig
}

// ListAuthConfigs implements ConfigProvider.
func (p StaticProvider) ListAuthConfigs() ([]AuthConfig, error) {
	if len(p.Configs) == 0 {
		return nil, autherr.New(autherr.ConfigError, "no auth providers configured")
	}
	return p.Configs, nil
}
