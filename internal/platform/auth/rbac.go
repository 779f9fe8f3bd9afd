package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RoleAdmin passes every role gate. RequireAnyRole treats it as a wildcard so
// admin accounts never need to be listed route by route.
const RoleAdmin = "admin"

// RequireAnyRole returns middleware that rejects the request with 403 unless
// the caller holds at least one of the listed roles. Roles are read from
// the request context, so one of the auth middlewares must run first.
func RequireAnyRole(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]struct{}, len(roles)+1)
	allowed[RoleAdmin] = struct{}{}
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	denied := "required role: " + strings.Join(roles, " or ")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, held := range IdentityFromContext(c.Request().Context()).Roles {
				if _, ok := allowed[held]; ok {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, denied)
		}
	}
}
