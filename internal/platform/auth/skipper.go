package auth

import "github.com/labstack/echo/v4"

// openPaths are the endpoints that stay reachable without credentials.
// Load balancer probes and the Prometheus scraper send no bearer token.
var openPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// SkipPublic reports whether the matched route is public. Wire it as the
// Skipper on JWTOptions, or pass it to DevIdentity, so probes bypass auth.
// Exact matches only; anything nested under /health is still protected.
func SkipPublic(c echo.Context) bool {
	return openPaths[c.Path()]
}
