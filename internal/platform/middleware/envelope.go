package middleware

import "github.com/labstack/echo/v4"

// errorJSON writes the envelope middleware uses when it rejects a request
// before any handler runs. The code/message shape matches the domain error
// payload so clients parse both the same way.
func errorJSON(c echo.Context, status int, code, message string) error {
	return c.JSON(status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}
