// Package verifier implements bearer-token extraction, JWT decoding,
// and full signature + claim verification against the providers
// aggregated by the key material manager.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/icanbwell/oidc-auth-lib/internal/authconfig"
	"github.com/icanbwell/oidc-auth-lib/internal/autherr"
	"github.com/icanbwell/oidc-auth-lib/internal/keyset"
)

// TokenVerifier is stateless apart from its reference to the key
// material manager (and, through its Configs(), the configured provider
// list used for claim-to-provider binding). Safe for concurrent use;
// construct once per process.
type TokenVerifier struct {
	manager  *keyset.Manager
	location *time.Location
}

// Option configures a TokenVerifier at construction time.
type Option func(*TokenVerifier)

// WithLocation overrides the timezone used to format exp/now in
// TokenExpired diagnostics. Defaults to America/New_York.
func WithLocation(loc *time.Location) Option {
	return func(v *TokenVerifier) { v.location = loc }
}

// NewTokenVerifier constructs a TokenVerifier bound to the given
// KeyMaterialManager.
func NewTokenVerifier(manager *keyset.Manager, opts ...Option) *TokenVerifier {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	v := &TokenVerifier{manager: manager, location: loc}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Decode implements the "decode" operation: with verifySignature=false
// it is the pure, unverified payload decode (package-level Decode).
// With verifySignature=true it requires the key material manager to be
// initialized, looks up the signing key by kid, and returns the claims
// only if the signature verifies.
func (v *TokenVerifier) Decode(ctx context.Context, token string, verifySignature bool) (Claims, error) {
	if !verifySignature {
		claims, ok, err := Decode(token)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return claims, nil
	}

	if err := v.manager.EnsureInitialized(ctx); err != nil {
		return nil, err
	}

	kid, err := headerKid(token)
	if err != nil {
		return nil, err
	}

	cks, ok := v.manager.ClientKeySetForKid(kid)
	if !ok {
		return nil, autherr.New(autherr.KeyNotFound, fmt.Sprintf("verifier: no ClientKeySet for kid %q", kid))
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(token, claims, keyfuncFor(cks))
	if err != nil {
		return nil, classifyJWTError(err, claims, token, cks.Config.Issuer, cks.Config.Audience, v.location)
	}

	return Claims(claims), nil
}

// Verify runs the full verification sequence — initialization,
// signature check scoped to the token's kid, claim extraction, and
// claim-to-provider binding — and returns a DecodedToken on success.
func (v *TokenVerifier) Verify(ctx context.Context, token string) (*DecodedToken, error) {
	if token == "" {
		return nil, autherr.New(autherr.BadInput, "verifier: empty token")
	}

	if err := v.manager.EnsureInitialized(ctx); err != nil {
		return nil, err
	}

	kid, err := headerKid(token)
	if err != nil {
		return nil, autherr.Wrap(autherr.TokenInvalid, "verifier: extracting kid", err)
	}

	cks, ok := v.manager.ClientKeySetForKid(kid)
	if !ok {
		return nil, autherr.New(autherr.TokenInvalid, fmt.Sprintf("verifier: no matching JWKS for kid %q", kid))
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(token, claims, keyfuncFor(cks))
	if err != nil {
		return nil, classifyJWTError(err, claims, token, cks.Config.Issuer, cks.Config.Audience, v.location)
	}

	iss, _ := claims["iss"].(string)
	aud, audPresent := audienceOrClientID(claims)

	if !audPresent || aud == "" {
		return nil, autherr.New(autherr.TokenInvalid, "verifier: token has neither aud nor client_id")
	}

	// Claim-to-provider binding, independent of which provider's key
	// signed the token — this is what stops a token validly signed by
	// provider A but carrying provider B's audience from being accepted
	// as a B token.
	bound, err := bindProvider(v.manager.Configs(), iss, aud)
	if err != nil {
		return nil, err
	}

	// exp/nbf were already enforced by jwt.ParseWithClaims above —
	// golang-jwt validates them as part of Parse. iat is not checked:
	// golang-jwt v5 validates it only when parsing WithIssuedAt().
	sub, _ := claims["sub"].(string)
	return &DecodedToken{
		Claims:     Claims(claims),
		ProviderID: bound.ProviderID,
		Audience:   aud,
		Issuer:     iss,
		Subject:    sub,
	}, nil
}

// audienceOrClientID reads "aud" and falls back to "client_id" when aud
// is absent, supporting AWS Cognito access tokens. "aud" may be a
// single string or, per RFC 7519, an array of strings; the first entry
// is used.
func audienceOrClientID(claims jwt.MapClaims) (string, bool) {
	switch aud := claims["aud"].(type) {
	case string:
		if aud != "" {
			return aud, true
		}
	case []any:
		for _, a := range aud {
			if s, ok := a.(string); ok && s != "" {
				return s, true
			}
		}
	}
	if clientID, ok := claims["client_id"].(string); ok && clientID != "" {
		return clientID, true
	}
	return "", false
}

func bindProvider(configs []authconfig.AuthConfig, iss, aud string) (authconfig.AuthConfig, error) {
	for _, cfg := range configs {
		if cfg.Audience != aud {
			continue
		}
		if cfg.Issuer != "" && cfg.Issuer != iss {
			continue
		}
		return cfg, nil
	}
	return authconfig.AuthConfig{}, autherr.New(autherr.TokenInvalid,
		fmt.Sprintf("verifier: token (iss=%q aud=%q) does not match any configured auth provider", iss, aud))
}

// keyfuncFor returns a jwt.Keyfunc scoped to the ClientKeySet that owns
// the token's kid. Restricting to that provider's configured signing
// algorithms — rather than accepting whatever algorithm the token
// header claims — is what prevents algorithm-confusion attacks, since
// each provider's acceptable algorithm set is driven by its own
// configuration instead of one global secret.
func keyfuncFor(cks *keyset.ClientKeySet) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		jwk, ok := cks.KeyByKID(kid)
		if !ok {
			return nil, fmt.Errorf("verifier: kid %q not present in its provider's key set", kid)
		}
		if !cks.Config.AllowsAlgorithm(t.Method.Alg()) {
			return nil, fmt.Errorf("verifier: algorithm %q not permitted for provider %s", t.Method.Alg(), cks.Config.ProviderID)
		}
		return jwk.ResolveKey()
	}
}

// classifyJWTError maps a golang-jwt parse/verify error to the
// taxonomy: expiration is surfaced distinctly (TokenExpired) so callers
// can prompt re-authentication instead of rejecting outright; every
// other verification failure is TokenInvalid. claims may be partially
// populated even on error — golang-jwt decodes the payload before
// running time-based validation — so the exp used for diagnostics is
// read from it rather than recomputed.
func classifyJWTError(err error, claims jwt.MapClaims, token, iss, aud string, loc *time.Location) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		now := time.Now().In(loc)
		exp := now
		if expClaim, claimErr := claims.GetExpirationTime(); claimErr == nil && expClaim != nil {
			exp = expClaim.Time.In(loc)
		}
		return autherr.NewExpired(exp, now, iss, aud, token, err)
	}
	return autherr.Wrap(autherr.TokenInvalid, "verifier: token verification failed", err)
}
