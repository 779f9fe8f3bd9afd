package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Timeout caps how long a handler may run by putting a deadline on the
// request context. Handlers that overrun are abandoned and the client
// receives a 504; handlers that need longer (bulk availability expansion)
// derive their own context from the request.
func Timeout(d time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			tctx, cancel := context.WithTimeout(req.Context(), d)
			defer cancel()
			c.SetRequest(req.WithContext(tctx))

			// Buffered so an abandoned handler can still deliver its
			// result and exit instead of leaking.
			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-tctx.Done():
				if tctx.Err() != context.DeadlineExceeded {
					// Client went away; nothing useful left to write.
					return tctx.Err()
				}
				if c.Response().Committed {
					// Too late for a status line once bytes are out.
					return nil
				}
				return errorJSON(c, http.StatusGatewayTimeout, "TIMEOUT",
					"request processing exceeded the allowed time limit")
			}
		}
	}
}
