package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// defaultBodyLimit applies when the configured size cannot be parsed.
const defaultBodyLimit = 1 << 20

// BodyLimit rejects request bodies larger than the given size. Scheduling
// payloads are small JSON documents, so one limit covers every endpoint.
//
// Sizes read like "512K", "1M", or "2G"; a bare number means bytes. A
// declared Content-Length over the limit is refused with a 413 before the
// handler runs; bodies without a declared length are cut off mid-read.
func BodyLimit(limit string) echo.MiddlewareFunc {
	maxBytes := parseSizeLimit(limit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			if req.ContentLength > maxBytes {
				return errorJSON(c, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
					fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", maxBytes))
			}

			req.Body = &cappedBody{ReadCloser: req.Body, remaining: maxBytes}
			return next(c)
		}
	}
}

// cappedBody fails the read that crosses the limit. It allows one byte past
// the cap per read so an exact-size body still reaches EOF cleanly.
type cappedBody struct {
	io.ReadCloser
	remaining int64
	tripped   bool
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.tripped {
		return 0, errBodyTooLarge()
	}

	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.ReadCloser.Read(p)
	b.remaining -= int64(n)

	if b.remaining < 0 {
		b.tripped = true
		return 0, errBodyTooLarge()
	}
	return n, err
}

func errBodyTooLarge() error {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
}

// parseSizeLimit converts "512K" style sizes to bytes. Unparseable or
// negative values fall back to 1 MB rather than failing startup.
func parseSizeLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return defaultBodyLimit
	}

	factor := int64(1)
	units := [...]struct {
		suffix string
		factor int64
	}{
		{"KB", 1 << 10}, {"MB", 1 << 20}, {"GB", 1 << 30},
		{"K", 1 << 10}, {"M", 1 << 20}, {"G", 1 << 30},
	}
	for _, unit := range units {
		if rest, ok := strings.CutSuffix(s, unit.suffix); ok {
			s, factor = rest, unit.factor
			break
		}
	}

	size, err := strconv.ParseInt(s, 10, 64)
	if err != nil || size < 0 {
		return defaultBodyLimit
	}
	return size * factor
}
