package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Discovery is the subset of an OpenID Connect discovery document the
// server consumes, as served from /.well-known/openid-configuration.
type Discovery struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// Discover fetches and validates the discovery document for issuerURL. Any
// compliant provider works: Keycloak, Auth0, Okta, Azure AD, Google.
func Discover(issuerURL string) (*Discovery, error) {
	wellKnown := strings.TrimRight(issuerURL, "/") + "/.well-known/openid-configuration"

	client := &http.Client{Timeout: idpHTTPTimeout}
	resp, err := client.Get(wellKnown)
	if err != nil {
		return nil, fmt.Errorf("fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery endpoint status %d", resp.StatusCode)
	}

	doc := &Discovery{}
	if err := json.NewDecoder(resp.Body).Decode(doc); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	if doc.Issuer != "" && doc.Issuer != strings.TrimRight(issuerURL, "/") {
		return nil, fmt.Errorf("discovery issuer %q does not match %q", doc.Issuer, issuerURL)
	}
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("discovery document has no jwks_uri")
	}
	return doc, nil
}

// KeyFunc returns a jwt.Keyfunc backed by the document's JWKS endpoint,
// with the standard cache TTL and key-rotation handling.
func (d *Discovery) KeyFunc() jwt.Keyfunc {
	return remoteKeyFunc(d.JWKSURI)
}
