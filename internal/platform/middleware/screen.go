package middleware

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// headerValueLimit caps any single header value.
const headerValueLimit = 8192

var (
	// Classic probe shapes. Parameters reach the database through pgx
	// placeholders, so a match is logged rather than blocked.
	sqlProbe = regexp.MustCompile(`(?i)('+\s*;\s*DROP\b|UNION\s+SELECT\b|'\s+OR\s+1\s*=\s*1|1\s*=\s*1)`)

	// Markup that has no business in a scheduling query string.
	scriptProbe = regexp.MustCompile(`(?i)(<script|javascript\s*:|on\w+\s*=)`)
)

// Screen inspects the request line and headers for injection attempts and
// rejects anything suspicious with a 400 before it reaches a handler.
func Screen() echo.MiddlewareFunc {
	return ScreenWithLogger(zerolog.Nop())
}

// ScreenWithLogger is Screen with a logger for the SQL probe warnings.
func ScreenWithLogger(log zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if reason := screenPath(c.Request().URL); reason != "" {
				return blockRequest(c, reason)
			}
			if reason := screenHeaders(c.Request().Header); reason != "" {
				return blockRequest(c, reason)
			}
			if reason := screenQuery(c, log); reason != "" {
				return blockRequest(c, reason)
			}
			return next(c)
		}
	}
}

// screenPath flags traversal sequences and null bytes in the request path.
// RawPath is only populated when it differs from the decoded form, and an
// attack can hide in either, so both are checked.
func screenPath(u *url.URL) string {
	forms := []string{u.Path}
	if u.RawPath != "" {
		forms = append(forms, u.RawPath)
	}
	for _, p := range forms {
		if hasTraversal(p) {
			return "path traversal detected"
		}
		if hasNullByte(p) {
			return "null byte injection detected"
		}
	}
	return ""
}

// screenHeaders rejects oversized values and CR/LF smuggling.
func screenHeaders(h http.Header) string {
	for name, values := range h {
		for _, val := range values {
			if len(val) > headerValueLimit {
				return "header value exceeds maximum size: " + name
			}
			if strings.ContainsAny(val, "\r\n") {
				return "header injection detected: " + name
			}
		}
	}
	return ""
}

// screenQuery checks parameter names and values. Script markup and null
// bytes block the request; SQL probe shapes only raise a warning.
func screenQuery(c echo.Context, log zerolog.Logger) string {
	for name, values := range c.QueryParams() {
		if hasNullByte(name) {
			return "null byte injection detected in query parameter"
		}
		if scriptProbe.MatchString(name) {
			return "script injection detected in query parameter"
		}
		for _, val := range values {
			if hasNullByte(val) {
				return "null byte injection detected in query parameter"
			}
			if sqlProbe.MatchString(val) {
				log.Warn().
					Str("param", name).
					Str("path", c.Request().URL.Path).Str("remote_ip", c.RealIP()).
					Msg("query parameter matches a SQL probe shape")
			}
			if scriptProbe.MatchString(val) {
				return "script injection detected in query parameter"
			}
		}
	}
	return ""
}

// hasTraversal reports dot-dot sequences in plain, percent-encoded, and
// double-encoded form.
func hasTraversal(s string) bool {
	lc := strings.ToLower(s)
	return strings.Contains(s, "..") ||
		strings.Contains(lc, "%2e%2e") ||
		strings.Contains(lc, "%252e")
}

func hasNullByte(s string) bool {
	return strings.ContainsRune(s, 0) || strings.Contains(strings.ToLower(s), "%00")
}

func blockRequest(c echo.Context, reason string) error {
	return errorJSON(c, http.StatusBadRequest, "VALIDATION_ERROR", reason)
}
