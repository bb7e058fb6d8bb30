// Package keyset implements the key material manager: it orchestrates
// discovery + JWKS retrieval across all configured providers, aggregates
// them into a set of ClientKeySets, and indexes them by kid for O(1)
// lookup.
package keyset

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/icanbwell/oidc-auth-lib/internal/authconfig"
	"github.com/icanbwell/oidc-auth-lib/internal/autherr"
	"github.com/icanbwell/oidc-auth-lib/internal/discovery"
	"github.com/rs/zerolog/log"
)

const defaultTimeout = 10 * time.Second

// Manager is the KeyMaterialManager. Zero value is not usable; build
// with NewManager.
type Manager struct {
	configProvider authconfig.ConfigProvider
	discoveryCache *discovery.Cache
	httpClient     *http.Client
	timeout        time.Duration

	// State mutex: guards loaded/initializing/doneCh only. Never held
	// across HTTP I/O.
	mu           sync.Mutex
	loaded       bool
	initializing bool
	doneCh       chan struct{}

	// Serializes Refresh against concurrent Refresh calls; does not by
	// itself serialize against EnsureInitialized (that's the state
	// mutex's job) — Refresh waits out any in-flight initialization
	// before clearing state.
	refreshMu sync.Mutex

	// Installed once per (re)initialization by the single active
	// initializer, read lock-free afterward via atomic pointer swap.
	keySets  atomic.Pointer[[]*ClientKeySet]
	kidIndex atomic.Pointer[map[string]*ClientKeySet]
	configs  atomic.Pointer[[]authconfig.AuthConfig]
}

// NewManager constructs a Manager. A nil httpClient uses http.DefaultClient.
func NewManager(cp authconfig.ConfigProvider, dc *discovery.Cache, httpClient *http.Client) *Manager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Manager{
		configProvider: cp,
		discoveryCache: dc,
		httpClient:     httpClient,
		timeout:        defaultTimeout,
		doneCh:         make(chan struct{}),
	}
}

// EnsureInitialized is idempotent: the first caller performs full
// initialization; concurrent callers wait on a completion event; callers
// after success return immediately. On initialization failure, waiters
// are woken so the next caller can retry rather than deadlocking.
func (m *Manager) EnsureInitialized(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.loaded {
			m.mu.Unlock()
			return nil
		}
		if m.initializing {
			wait := m.doneCh
			m.mu.Unlock()
			select {
			case <-wait:
				continue // re-check loaded; initializer may have failed
			case <-ctx.Done():
				return autherr.Wrap(autherr.Unreachable, "keyset: cancelled waiting for initialization", ctx.Err())
			}
		}

		m.initializing = true
		m.doneCh = make(chan struct{})
		m.mu.Unlock()
		break
	}

	// Outside all locks: discovery + JWKS fetches for every provider.
	err := m.initialize(ctx)

	m.mu.Lock()
	if err == nil {
		m.loaded = true
	}
	m.initializing = false
	close(m.doneCh)
	m.mu.Unlock()

	return err
}

// ClientKeySetForKid is a pure lookup after initialization: a single
// lock-free map read, since the map is installed once (or replaced
// wholesale by Refresh) and never mutated in place.
func (m *Manager) ClientKeySetForKid(kid string) (*ClientKeySet, bool) {
	idx := m.kidIndex.Load()
	if idx == nil {
		return nil, false
	}
	cks, ok := (*idx)[kid]
	return cks, ok
}

// Configs returns the configured AuthConfig list stored by the most
// recent initialization attempt (it is stored as soon as the provider
// list is read, before any key material loads), for the
// claim-to-provider binding loop in
// verifier.Verify. Requires EnsureInitialized to have been called at
// least once.
func (m *Manager) Configs() []authconfig.AuthConfig {
	c := m.configs.Load()
	if c == nil {
		return nil
	}
	return *c
}

// Refresh clears the discovery cache and reinitializes. The previously
// installed ClientKeySets stay in place until reinitialization installs
// their replacement, so concurrent lookups see either the old or the new
// set. Serialized behind a dedicated refresh mutex; waits for any
// in-progress initialization to complete first (or until ctx is done).
// No HTTP I/O is performed while holding the state mutex.
func (m *Manager) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.mu.Lock()
	for m.initializing {
		wait := m.doneCh
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return autherr.Wrap(autherr.Unreachable, "keyset: cancelled waiting for initialization", ctx.Err())
		}
		m.mu.Lock()
	}
	m.loaded = false
	m.mu.Unlock()

	m.discoveryCache.Clear()

	return m.EnsureInitialized(ctx)
}

// WarmupAsync pre-warms the cache in the background using an exponential
// backoff retry, so a service can start accepting traffic before its
// first request without risking that first request blocking on a slow
// upstream IdP. Errors are logged, not returned — this is best-effort;
// EnsureInitialized remains the source of truth for callers that must
// block.
func (m *Manager) WarmupAsync(ctx context.Context) {
	go func() {
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0 // retry indefinitely until ctx is cancelled
		bo.MaxInterval = 60 * time.Second
		bo.InitialInterval = 5 * time.Second

		op := func() error {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return m.EnsureInitialized(ctx)
		}

		if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
			log.Warn().Err(err).Msg("keyset: background warmup gave up")
			return
		}
		log.Info().Msg("keyset: background warmup succeeded")
	}()
}

func (m *Manager) initialize(ctx context.Context) error {
	configs, err := m.configProvider.ListAuthConfigs()
	if err != nil {
		return err
	}
	m.configs.Store(&configs)

	var all []*ClientKeySet

	for _, cfg := range configs {
		if cfg.WellKnownURI != "" {
			cks, err := m.loadDiscoveredKeySet(ctx, cfg)
			if err != nil {
				return err
			}
			all = append(all, cks)
		}
	}

	for _, cfg := range configs {
		if cfg.AllowsAlgorithm("HS256") && cfg.HMACSecret != "" {
			all = append(all, buildHMACKeySet(cfg))
		}
	}

	m.install(all)
	return nil
}

func (m *Manager) loadDiscoveredKeySet(ctx context.Context, cfg authconfig.AuthConfig) (*ClientKeySet, error) {
	doc, err := m.discoveryCache.Get(ctx, cfg.WellKnownURI)
	if err != nil {
		return nil, err
	}
	if doc.JWKSURI == "" {
		return nil, autherr.New(autherr.DiscoveryFailed,
			fmt.Sprintf("provider %s: discovery document missing jwks_uri", cfg.ProviderID))
	}

	keys, err := m.fetchJWKS(ctx, doc.JWKSURI)
	if err != nil {
		return nil, err
	}

	// De-duplicate by kid within this provider's own set before
	// cross-provider exclusivity is enforced by install().
	seen := make(map[string]struct{}, len(keys))
	deduped := make([]JWK, 0, len(keys))
	for _, k := range keys {
		if k.Kid == "" {
			continue
		}
		if _, dup := seen[k.Kid]; dup {
			log.Warn().Str("provider", cfg.ProviderID).Str("kid", k.Kid).
				Msg("duplicate kid within provider's own JWKS, dropping")
			continue
		}
		seen[k.Kid] = struct{}{}
		deduped = append(deduped, k)
	}

	kids := make(map[string]struct{}, len(deduped))
	for _, k := range deduped {
		kids[k.Kid] = struct{}{}
	}

	return &ClientKeySet{
		Config:    cfg,
		Discovery: doc,
		Keys:      KeySet{Keys: deduped},
		KIDs:      kids,
	}, nil
}

func (m *Manager) fetchJWKS(ctx context.Context, uri string) ([]JWK, error) {
	reqCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, autherr.Wrap(autherr.BadInput, "keyset: building JWKS request", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, autherr.Wrap(autherr.Unreachable, fmt.Sprintf("keyset: fetching JWKS %s", uri), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, autherr.New(autherr.DiscoveryFailed,
			fmt.Sprintf("keyset: JWKS %s returned status %d: %s", uri, resp.StatusCode, string(body)))
	}

	var parsed struct {
		Keys []JWK `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, autherr.Wrap(autherr.DiscoveryFailed, "keyset: decoding JWKS", err)
	}

	return parsed.Keys, nil
}

func buildHMACKeySet(cfg authconfig.AuthConfig) *ClientKeySet {
	kid := cfg.HMACKeyID
	if kid == "" {
		kid = cfg.ProviderID + "-hs256"
	}

	jwk := JWK{
		Kty: "oct",
		Kid: kid,
		Alg: "HS256",
		K:   encodeSecret(cfg.HMACSecret),
	}

	return &ClientKeySet{
		Config: cfg,
		Keys:   KeySet{Keys: []JWK{jwk}},
		KIDs:   map[string]struct{}{kid: {}},
	}
}

func encodeSecret(secret string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(secret))
}

// install enforces provider exclusivity: if a kid appears in two
// providers, the first one encountered (discovery-based providers in
// AuthConfig order, then HMAC-synthesized providers in AuthConfig order
// — the same order initialize() builds `all` in) owns it; the duplicate
// is dropped from the later provider's KIDs set and logged.
func (m *Manager) install(list []*ClientKeySet) {
	kidIndex := make(map[string]*ClientKeySet)

	for _, cks := range list {
		for kid := range cks.KIDs {
			if existing, claimed := kidIndex[kid]; claimed {
				log.Warn().Str("kid", kid).
					Str("owner", existing.Config.ProviderID).
					Str("duplicate_provider", cks.Config.ProviderID).
					Msg("kid already claimed by another provider, dropping duplicate")
				delete(cks.KIDs, kid)
				continue
			}
			kidIndex[kid] = cks
		}
	}

	m.keySets.Store(&list)
	m.kidIndex.Store(&kidIndex)
}
