// Package discovery implements a per-URI singleflight cache of OIDC
// discovery documents.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/icanbwell/oidc-auth-lib/internal/autherr"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Document is the raw decoded discovery JSON. Only Issuer and JWKSURI
// are semantically required by this library; everything else is opaque
// passthrough carried for callers that want it.
type Document struct {
	Issuer  string         `json:"issuer"`
	JWKSURI string         `json:"jwks_uri"`
	Raw     map[string]any `json:"-"`
}

// UnmarshalJSON decodes into both the typed fields and Raw, so callers
// can inspect provider-specific discovery fields without this package
// needing to know about them.
func (d *Document) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	d.Raw = raw
	if v, ok := raw["issuer"].(string); ok {
		d.Issuer = v
	}
	if v, ok := raw["jwks_uri"].(string); ok {
		d.JWKSURI = v
	}
	return nil
}

// defaultTimeout bounds every discovery fetch so no lock (global or
// per-URI) is ever held waiting on a stalled upstream.
const defaultTimeout = 10 * time.Second

// Cache fetches and memoizes OIDC discovery documents per well-known
// URI. At most one HTTP GET is in flight per URI at any instant; all
// concurrent callers for the same URI observe the one fetched result.
// Entries live until Clear() or process exit — there is no TTL and no
// respect for HTTP caching headers, by design.
type Cache struct {
	httpClient *http.Client
	timeout    time.Duration

	mu      sync.RWMutex
	entries map[string]*Document

	group singleflight.Group
}

// NewCache constructs a Cache. A nil httpClient uses http.DefaultClient.
func NewCache(httpClient *http.Client) *Cache {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Cache{
		httpClient: httpClient,
		timeout:    defaultTimeout,
		entries:    make(map[string]*Document),
	}
}

// Get returns the cached discovery document for uri, performing an HTTP
// GET only on the first request for that URI. Concurrent callers for
// the same uri share a single in-flight fetch via
// golang.org/x/sync/singleflight.Group, which never holds any
// cache-wide lock across the HTTP call.
func (c *Cache) Get(ctx context.Context, uri string) (*Document, error) {
	if uri == "" {
		return nil, autherr.New(autherr.BadInput, "discovery: empty well-known URI")
	}

	c.mu.RLock()
	if doc, ok := c.entries[uri]; ok {
		c.mu.RUnlock()
		return doc, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(uri, func() (any, error) {
		// Re-check: an earlier Do() for this same uri may have finished
		// and populated the entry between our fast-path miss above and
		// this call; singleflight only coalesces calls that overlap in
		// time, so without this a late caller would fetch again.
		c.mu.RLock()
		if doc, ok := c.entries[uri]; ok {
			c.mu.RUnlock()
			return doc, nil
		}
		c.mu.RUnlock()

		doc, ferr := c.fetch(ctx, uri)
		if ferr != nil {
			return nil, ferr
		}

		c.mu.Lock()
		c.entries[uri] = doc
		c.mu.Unlock()

		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

func (c *Cache) fetch(ctx context.Context, uri string) (*Document, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, autherr.Wrap(autherr.BadInput, "discovery: building request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("uri", uri).Msg("discovery fetch unreachable")
		return nil, autherr.Wrap(autherr.Unreachable, fmt.Sprintf("discovery: fetching %s", uri), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, autherr.New(autherr.DiscoveryFailed,
			fmt.Sprintf("discovery: %s returned status %d: %s", uri, resp.StatusCode, string(body)))
	}

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, autherr.Wrap(autherr.DiscoveryFailed, "discovery: decoding response", err)
	}

	log.Debug().Str("uri", uri).Str("issuer", doc.Issuer).Msg("discovery document fetched")
	return &doc, nil
}

// Clear empties the cache. Used by Manager.Refresh and by tests.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Document)
}

// Size returns the number of cached entries (tests).
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
