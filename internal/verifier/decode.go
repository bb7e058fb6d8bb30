package verifier

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/icanbwell/oidc-auth-lib/internal/autherr"
)

// Claims is the decoded JWT payload.
type Claims map[string]any

// Decode base64url-decodes the payload segment of a compact JWT without
// verifying its signature. A pure function of token: same input always
// yields the same output, no state is read or written.
//
// A string that is not a three-segment compact JWT is not an error —
// the caller may simply be probing whether a value looks like a token —
// so this returns (nil, false) rather than an error in that case.
func Decode(token string) (Claims, bool, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, false, nil
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, true, autherr.Wrap(autherr.TokenMalformed, "verifier: decoding JWT payload", err)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, true, autherr.Wrap(autherr.TokenMalformed, "verifier: parsing JWT payload JSON", err)
	}

	return claims, true, nil
}

func headerKid(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", autherr.New(autherr.TokenMalformed, "verifier: not a compact JWT")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", autherr.Wrap(autherr.TokenInvalid, "verifier: decoding JOSE header", err)
	}

	var header struct {
		Kid string `json:"kid"`
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return "", autherr.Wrap(autherr.TokenInvalid, "verifier: parsing JOSE header", err)
	}
	if header.Kid == "" {
		return "", autherr.New(autherr.TokenInvalid, "verifier: JOSE header missing kid")
	}

	return header.Kid, nil
}
