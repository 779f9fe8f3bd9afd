package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Identity is the authenticated caller: the token subject plus the roles
// the role gates check.
type Identity struct {
	ID    string
	Roles []string
}

// identityKey is the context key the caller identity travels under.
type identityKey struct{}

// WithIdentity returns a context carrying ident.
func WithIdentity(ctx context.Context, ident Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, ident)
}

// IdentityFromContext returns the caller identity. Anonymous requests get
// the zero value.
func IdentityFromContext(ctx context.Context) Identity {
	ident, _ := ctx.Value(identityKey{}).(Identity)
	return ident
}

// Claims are the token claims the booking service reads: the registered
// set plus the roles RequireAnyRole gates on.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// JWTOptions configures the JWT middleware.
type JWTOptions struct {
	// Issuer and Audience are enforced on every token when set.
	Issuer   string
	Audience string
	// JWKSURL overrides OIDC discovery of the verification keys.
	JWKSURL string
	// SigningKey switches verification to a static HS256 secret for tests
	// and local development. Never set in production.
	SigningKey []byte
	// Skipper bypasses authentication for requests it returns true for.
	// Health checks and metrics scrapes pass SkipPublic here.
	Skipper func(echo.Context) bool
}

// JWT authenticates requests with a bearer token and places the caller
// identity on the request context. Verification keys come from cfg.JWKSURL,
// or from OIDC discovery against cfg.Issuer when no URL is given. The key
// func and parser options are built once, so the key cache persists across
// requests.
func JWT(cfg JWTOptions) echo.MiddlewareFunc {
	keyFunc := resolveKeyFunc(cfg)
	opts := parserOptions(cfg)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			tokenStr, err := bearerToken(c.Request())
			if err != nil {
				return err
			}

			claims := &Claims{}
			tok, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !tok.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired bearer token")
			}

			req := c.Request()
			identCtx := WithIdentity(req.Context(), Identity{
				ID:    claims.Subject,
				Roles: claims.Roles,
			})
			c.SetRequest(req.WithContext(identCtx))
			return next(c)
		}
	}
}

// resolveKeyFunc picks the verification strategy: the static HMAC secret
// when one is configured, otherwise RSA keys from the provider's JWKS
// endpoint.
func resolveKeyFunc(cfg JWTOptions) jwt.Keyfunc {
	if key := cfg.SigningKey; len(key) > 0 {
		return func(*jwt.Token) (interface{}, error) { return key, nil }
	}
	jwksURL := cfg.JWKSURL
	if jwksURL == "" && cfg.Issuer != "" {
		if doc, err := Discover(cfg.Issuer); err == nil {
			jwksURL = doc.JWKSURI
		}
	}
	return remoteKeyFunc(jwksURL)
}

// parserOptions builds the validation options applied to every token.
func parserOptions(cfg JWTOptions) []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "RS256"})}
	if iss := cfg.Issuer; iss != "" {
		opts = append(opts, jwt.WithIssuer(iss))
	}
	if aud := cfg.Audience; aud != "" {
		opts = append(opts, jwt.WithAudience(aud))
	}
	return opts
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return token, nil
}

// DevUserID is the subject DevIdentity assigns to unauthenticated requests.
// It is a stable, parseable UUID so dev requests can own appointments and
// availability windows like any real staff account.
const DevUserID = "00000000-0000-0000-0000-000000000001"

// DevIdentity grants tokenless requests a fixed admin identity. It exists
// for local development only. Requests that do present a token pass through
// untouched, and optional skippers keep public paths anonymous.
func DevIdentity(skippers ...func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, skip := range skippers {
				if skip(c) {
					return next(c)
				}
			}

			if req := c.Request(); req.Header.Get("Authorization") == "" {
				identCtx := WithIdentity(req.Context(), Identity{
					ID:    DevUserID,
					Roles: []string{RoleAdmin},
				})
				c.SetRequest(req.WithContext(identCtx))
			}
			return next(c)
		}
	}
}
