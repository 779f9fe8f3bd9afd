package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger emits one structured line per request: warn for client errors,
// error for server errors, info for everything else.
func Logger(log zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			reqID, _ := c.Get(requestIDKey).(string)

			err := next(c)
			latency := time.Since(start)

			res := c.Response()
			status := res.Status
			if err != nil && !res.Committed {
				// The error handler has not run yet, so report the status
				// it will produce instead of the stale default.
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}

			var evt *zerolog.Event
			switch {
			case status >= http.StatusInternalServerError:
				evt = log.Error()
			case status >= http.StatusBadRequest:
				evt = log.Warn()
			default:
				evt = log.Info()
			}
			if err != nil {
				evt = evt.Err(err)
			}

			evt.
				Str("request_id", reqID).
				Str("method", req.Method).Str("path", req.URL.Path).
				Int("status", status).
				Int64("bytes_out", res.Size).
				Dur("latency", latency).
				Str("remote_ip", c.RealIP()).Str("user_agent", req.UserAgent()).
				Msg("request")

			return err
		}
	}
}
