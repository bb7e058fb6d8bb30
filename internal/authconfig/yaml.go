package authconfig

import (
	"fmt"
	"os"

	"github.com/icanbwell/oidc-auth-lib/internal/autherr"
	"gopkg.in/yaml.v3"
)

// yamlProviderEntry mirrors the on-disk shape of one provider record.
type yamlProviderEntry struct {
	ID                string   `yaml:"id"`
	Audience          string   `yaml:"audience"`
	Issuer            string   `yaml:"issuer,omitempty"`
	WellKnownURI      string   `yaml:"well_known_uri,omitempty"`
	SigningAlgorithms []string `yaml:"signing_algorithms,omitempty"`
	HMACSecret        string   `yaml:"hmac_secret,omitempty"`
	HMACKeyID         string   `yaml:"hmac_key_id,omitempty"`
}

type yamlDocument struct {
	Providers []yamlProviderEntry `yaml:"providers"`
}

// YAMLProvider loads AuthConfig records from a YAML file: read the
// whole file, unmarshal, validate non-empty and required fields,
// return a ConfigError on any problem.
type YAMLProvider struct {
	Path string
}

// ListAuthConfigs implements ConfigProvider.
func (p YAMLProvider) ListAuthConfigs() ([]AuthConfig, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, autherr.Wrap(autherr.ConfigError, fmt.Sprintf("reading config file %s", p.Path), err)
	}

	var doc yamlDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, autherr.Wrap(autherr.ConfigError, "parsing config file", err)
	}

	if len(doc.Providers) == 0 {
		return nil, autherr.New(autherr.ConfigError, "no auth providers configured")
	}

	configs := make([]AuthConfig, 0, len(doc.Providers))
	seen := make(map[string]struct{}, len(doc.Providers))
	for _, entry := range doc.Providers {
		if entry.ID == "" {
			return nil, autherr.New(autherr.ConfigError, "provider entry missing id")
		}
		if _, dup := seen[entry.ID]; dup {
			return nil, autherr.New(autherr.ConfigError, fmt.Sprintf("duplicate provider id %q", entry.ID))
		}
		seen[entry.ID] = struct{}{}

		if entry.Audience == "" {
			return nil, autherr.New(autherr.ConfigError, fmt.Sprintf("provider %q: audience is required", entry.ID))
		}

		algs := make(map[string]struct{}, len(entry.SigningAlgorithms))
		if len(entry.SigningAlgorithms) == 0 {
			algs["RS256"] = struct{}{}
		}
		for _, a := range entry.SigningAlgorithms {
			algs[a] = struct{}{}
		}

		configs = append(configs, AuthConfig{
			ProviderID:        entry.ID,
			Audience:          entry.Audience,
			Issuer:            entry.Issuer,
			WellKnownURI:      entry.WellKnownURI,
			SigningAlgorithms: algs,
			HMACSecret:        entry.HMACSecret,
			HMACKeyID:         entry.HMACKeyID,
		})
	}

	return configs, nil
}
