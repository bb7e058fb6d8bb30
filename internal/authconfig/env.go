package authconfig

import (
	"os"
	"strconv"
	"strings"

	"github.com/icanbwell/oidc-auth-lib/internal/autherr"
)

// env is a thin os.Getenv wrapper with a fallback, used throughout this
// provider instead of a config-templating library, since there is
// nothing here beyond "read a var, fall back to a default."
func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// EnvProvider builds the AuthConfig list from a numbered sequence of
// environment variables:
//
//	AUTH_PROVIDER_COUNT=2
//	AUTH_PROVIDER_1_ID=okta
//	AUTH_PROVIDER_1_AUDIENCE=my-api
//	AUTH_PROVIDER_1_ISSUER=https://example.okta.com
//	AUTH_PROVIDER_1_WELL_KNOWN_URI=https://example.okta.com/.well-known/openid-configuration
//	AUTH_PROVIDER_1_ALGORITHMS=RS256
//	AUTH_PROVIDER_1_HMAC_SECRET=...   (optional, requires HS256 in ALGORITHMS)
//	AUTH_PROVIDER_1_HMAC_KEY_ID=...   (optional)
//
// Explicit env reads at startup, no reflection-based binding.
type EnvProvider struct {
	// Prefix defaults to "AUTH_PROVIDER" if empty.
	Prefix string
}

// ListAuthConfigs implements ConfigProvider.
func (p EnvProvider) ListAuthConfigs() ([]AuthConfig, error) {
	prefix := p.Prefix
	if prefix == "" {
		prefix = "AUTH_PROVIDER"
	}

	countStr := env(prefix+"_COUNT", "0")
	count, err := strconv.Atoi(countStr)
	if err != nil || count <= 0 {
		return nil, autherr.New(autherr.ConfigError, prefix+"_COUNT must be a positive integer")
	}

	configs := make([]AuthConfig, 0, count)
	for i := 1; i <= count; i++ {
		base := prefix + "_" + strconv.Itoa(i)

		algCSV := env(base+"_ALGORITHMS", "RS256")
		algs := make(map[string]struct{})
		for _, a := range strings.Split(algCSV, ",") {
			a = strings.TrimSpace(a)
			if a != "" {
				algs[a] = struct{}{}
			}
		}

		cfg := AuthConfig{
			ProviderID:        env(base+"_ID", "provider-"+strconv.Itoa(i)),
			Audience:          env(base+"_AUDIENCE", ""),
			Issuer:            env(base+"_ISSUER", ""),
			WellKnownURI:      env(base+"_WELL_KNOWN_URI", ""),
			SigningAlgorithms: algs,
			HMACSecret:        env(base+"_HMAC_SECRET", ""),
			HMACKeyID:         env(base+"_HMAC_KEY_ID", ""),
		}

		if cfg.Audience == "" {
			return nil, autherr.New(autherr.ConfigError, base+"_AUDIENCE is required")
		}

		configs = append(configs, cfg)
	}

	return configs, nil
}
