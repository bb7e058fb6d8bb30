package keyset

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/icanbwell/oidc-auth-lib/internal/authconfig"
	"github.com/icanbwell/oidc-auth-lib/internal/autherr"
	"github.com/icanbwell/oidc-auth-lib/internal/discovery"
)

type mockProviderServer struct {
	srv              *httptest.Server
	discoveryFetches int64
	jwksFetches      int64
	kid              string
}

func newMockProviderServer(t *testing.T, kid string) *mockProviderServer {
	t.Helper()
	m := &mockProviderServer{kid: kid}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&m.discoveryFetches, 1)
		fmt.Fprintf(w, `{"issuer":"%s","jwks_uri":"%s/jwks"}`, m.issuer(), m.srv.URL)
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&m.jwksFetches, 1)
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generating key: %v", err)
		}
		n := base64.RawURLEncoding.EncodeToString(key.N.Bytes())
		e := base64.RawURLEncoding.EncodeToString([]byte{1, 0, 1})
		fmt.Fprintf(w, `{"keys":[{"kty":"RSA","kid":"%s","use":"sig","alg":"RS256","n":"%s","e":"%s"}]}`, m.kid, n, e)
	})

	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockProviderServer) issuer() string  { return m.srv.URL }
func (m *mockProviderServer) wellKnown() string {
	return m.srv.URL + "/.well-known/openid-configuration"
}

func newManager(cfgs []authconfig.AuthConfig) *Manager {
	return NewManager(authconfig.StaticProvider{Configs: cfgs}, discovery.NewCache(nil), http.DefaultClient)
}

// TestEnsureInitialized_ConcurrentCollapsesFetches asserts that N
// concurrent EnsureInitialized calls (equivalently, concurrent
// first-time verifications) against P providers fetch each provider's
// discovery and JWKS endpoint exactly once.
func TestEnsureInitialized_ConcurrentCollapsesFetches(t *testing.T) {
	p1 := newMockProviderServer(t, "key1")
	p2 := newMockProviderServer(t, "key2")

	mgr := newManager([]authconfig.AuthConfig{
		{ProviderID: "p1", Audience: "aud1", Issuer: p1.issuer(), WellKnownURI: p1.wellKnown(), SigningAlgorithms: map[string]struct{}{"RS256": {}}},
		{ProviderID: "p2", Audience: "aud2", Issuer: p2.issuer(), WellKnownURI: p2.wellKnown(), SigningAlgorithms: map[string]struct{}{"RS256": {}}},
	})

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = mgr.EnsureInitialized(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if p1.discoveryFetches != 1 || p1.jwksFetches != 1 {
		t.Fatalf("p1 fetches: discovery=%d jwks=%d, want 1/1", p1.discoveryFetches, p1.jwksFetches)
	}
	if p2.discoveryFetches != 1 || p2.jwksFetches != 1 {
		t.Fatalf("p2 fetches: discovery=%d jwks=%d, want 1/1", p2.discoveryFetches, p2.jwksFetches)
	}

	if cks, ok := mgr.ClientKeySetForKid("key1"); !ok || cks.Config.ProviderID != "p1" {
		t.Fatalf("expected key1 bound to p1, got %+v ok=%v", cks, ok)
	}
	if cks, ok := mgr.ClientKeySetForKid("key2"); !ok || cks.Config.ProviderID != "p2" {
		t.Fatalf("expected key2 bound to p2, got %+v ok=%v", cks, ok)
	}
}

// TestClientKeySetForKid_Exclusivity asserts that when two providers
// publish JWKS containing the same kid, exactly one ClientKeySet ends
// up owning it and no other ClientKeySet's KIDs set contains it.
func TestClientKeySetForKid_Exclusivity(t *testing.T) {
	p1 := newMockProviderServer(t, "shared")
	p2 := newMockProviderServer(t, "shared")

	mgr := newManager([]authconfig.AuthConfig{
		{ProviderID: "p1", Audience: "aud1", Issuer: p1.issuer(), WellKnownURI: p1.wellKnown(), SigningAlgorithms: map[string]struct{}{"RS256": {}}},
		{ProviderID: "p2", Audience: "aud2", Issuer: p2.issuer(), WellKnownURI: p2.wellKnown(), SigningAlgorithms: map[string]struct{}{"RS256": {}}},
	})

	if err := mgr.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	owner, ok := mgr.ClientKeySetForKid("shared")
	if !ok {
		t.Fatalf("expected shared kid to resolve to exactly one owner")
	}
	if owner.Config.ProviderID != "p1" {
		t.Fatalf("expected first provider (p1) to own the shared kid, got %s", owner.Config.ProviderID)
	}

	keySets := *mgr.keySets.Load()
	owners := 0
	for _, cks := range keySets {
		if _, has := cks.KIDs["shared"]; has {
			owners++
		}
	}
	if owners != 1 {
		t.Fatalf("expected exactly 1 ClientKeySet to claim kid=shared, got %d", owners)
	}
}

func TestEnsureInitialized_SecondCallIsNoop(t *testing.T) {
	p1 := newMockProviderServer(t, "key1")
	mgr := newManager([]authconfig.AuthConfig{
		{ProviderID: "p1", Audience: "aud1", Issuer: p1.issuer(), WellKnownURI: p1.wellKnown(), SigningAlgorithms: map[string]struct{}{"RS256": {}}},
	})

	if err := mgr.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mgr.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p1.discoveryFetches != 1 || p1.jwksFetches != 1 {
		t.Fatalf("expected 1 fetch each across two calls, got discovery=%d jwks=%d", p1.discoveryFetches, p1.jwksFetches)
	}
}

func TestRefresh_PicksUpRotatedKeys(t *testing.T) {
	p1 := newMockProviderServer(t, "key-v1")
	mgr := newManager([]authconfig.AuthConfig{
		{ProviderID: "p1", Audience: "aud1", Issuer: p1.issuer(), WellKnownURI: p1.wellKnown(), SigningAlgorithms: map[string]struct{}{"RS256": {}}},
	})

	if err := mgr.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := mgr.ClientKeySetForKid("key-v1"); !ok {
		t.Fatalf("expected key-v1 to be present before rotation")
	}

	p1.kid = "key-v2"
	if err := mgr.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := mgr.ClientKeySetForKid("key-v1"); ok {
		t.Fatalf("expected key-v1 to be gone after refresh")
	}
	if _, ok := mgr.ClientKeySetForKid("key-v2"); !ok {
		t.Fatalf("expected key-v2 to be present after refresh")
	}
}

func TestInitialize_HMACKeySetSynthesized(t *testing.T) {
	mgr := newManager([]authconfig.AuthConfig{
		{
			ProviderID:        "dev",
			Audience:          "dev-aud",
			SigningAlgorithms: map[string]struct{}{"HS256": {}},
			HMACSecret:        "super-secret",
		},
	})

	if err := mgr.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cks, ok := mgr.ClientKeySetForKid("dev-hs256")
	if !ok {
		t.Fatalf("expected synthesized kid dev-hs256")
	}
	jwk, ok := cks.KeyByKID("dev-hs256")
	if !ok || jwk.Kty != "oct" {
		t.Fatalf("expected oct JWK, got %+v ok=%v", jwk, ok)
	}
	key, err := jwk.ResolveKey()
	if err != nil {
		t.Fatalf("resolving key: %v", err)
	}
	secret, ok := key.([]byte)
	if !ok || string(secret) != "super-secret" {
		t.Fatalf("expected decoded secret 'super-secret', got %v", key)
	}
}

func TestInitialize_MissingJWKSURI_DiscoveryFailed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"issuer": "https://issuer"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mgr := newManager([]authconfig.AuthConfig{
		{ProviderID: "p1", Audience: "aud1", WellKnownURI: srv.URL + "/.well-known/openid-configuration"},
	})

	err := mgr.EnsureInitialized(context.Background())
	if !autherr.Is(err, autherr.DiscoveryFailed) {
		t.Fatalf("expected DiscoveryFailed, got %v", err)
	}
}

func TestEnsureInitialized_NoProviders_ConfigError(t *testing.T) {
	mgr := NewManager(authconfig.StaticProvider{}, discovery.NewCache(nil), http.DefaultClient)
	err := mgr.EnsureInitialized(context.Background())
	if !autherr.Is(err, autherr.ConfigError) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}
