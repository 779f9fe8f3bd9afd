package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwksEntry is one entry in a published key set. Only the RSA members are
// mapped; keys of other types are skipped when the set is parsed.
type jwksEntry struct {
	KeyType   string `json:"kty"`
	KeyID     string `json:"kid"`
	Use       string `json:"use"`
	Algorithm string `json:"alg"`
	Modulus   string `json:"n"`
	Exponent  string `json:"e"`
}

// jwkSet is the document a JWKS endpoint serves.
type jwkSet struct {
	Keys []jwksEntry `json:"keys"`
}

// keyCacheTTL bounds how long verification keys are reused before the
// endpoint is consulted again.
const keyCacheTTL = 5 * time.Minute

// idpHTTPTimeout caps a single fetch against the identity provider, for
// both key sets and discovery documents.
const idpHTTPTimeout = 10 * time.Second

// keyCache holds an identity provider's RSA public keys, reloaded from the
// JWKS endpoint when the TTL lapses or an unknown kid shows up. The
// unknown-kid reload is what picks up key rotation: providers publish new
// kids before signing with them.
type keyCache struct {
	endpoint   string
	maxAge     time.Duration
	httpClient *http.Client

	mu          sync.RWMutex // guards byKid and refreshedAt
	byKid       map[string]*rsa.PublicKey
	refreshedAt time.Time
}

// newKeyCache builds a cache over the given endpoint. maxAge controls how
// long a fetched key set stays fresh.
func newKeyCache(endpoint string, maxAge time.Duration) *keyCache {
	return &keyCache{
		endpoint:   endpoint,
		maxAge:     maxAge,
		httpClient: &http.Client{Timeout: idpHTTPTimeout},
		byKid:      make(map[string]*rsa.PublicKey),
	}
}

// Key returns the public key for kid, reloading the set first when the
// entry is missing or stale.
func (c *keyCache) Key(kid string) (*rsa.PublicKey, error) {
	if key, ok := c.lookup(kid); ok {
		return key, nil
	}

	if err := c.reload(); err != nil {
		return nil, fmt.Errorf("reload key set: %w", err)
	}

	c.mu.RLock()
	key, ok := c.byKid[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no key published for kid %q", kid)
	}
	return key, nil
}

// lookup returns the cached key for kid if it is present and fresh.
func (c *keyCache) lookup(kid string) (*rsa.PublicKey, bool) {
	c.mu.RLock()
	stale := time.Since(c.refreshedAt) > c.maxAge
	key, ok := c.byKid[kid]
	c.mu.RUnlock()
	if stale {
		return nil, false
	}
	return key, ok
}

// reload replaces the cached key set with whatever the endpoint currently
// publishes. Unusable entries are dropped rather than failing the reload,
// so one malformed key cannot lock every caller out.
func (c *keyCache) reload() error {
	resp, err := c.httpClient.Get(c.endpoint)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint status %d", resp.StatusCode)
	}

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks document: %w", err)
	}

	fresh := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.KeyType != "RSA" {
			continue
		}
		pub, err := rsaFromJWK(k)
		if err != nil {
			continue
		}
		fresh[k.KeyID] = pub
	}

	c.mu.Lock()
	c.byKid = fresh
	c.refreshedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// rsaFromJWK rebuilds an RSA public key from its base64url-encoded modulus
// and exponent.
func rsaFromJWK(k jwksEntry) (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.Exponent)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}, nil
}

// remoteKeyFunc adapts a keyCache into a jwt.Keyfunc. The kid check runs
// before any network traffic, so a malformed token cannot trigger a fetch.
func remoteKeyFunc(endpoint string) jwt.Keyfunc {
	cache := newKeyCache(endpoint, keyCacheTTL)
	return func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token header missing kid")
		}
		return cache.Key(kid)
	}
}
