// Package page parses the limit/offset window of a list request and wraps
// one page of results in the envelope every list endpoint returns.
package page

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	// DefaultLimit is the page size used when the client does not ask for one.
	DefaultLimit = 20
	// MaxLimit caps the page size a client can request.
	MaxLimit = 100
)

// Window is the slice of a list the caller asked for.
type Window struct {
	Limit  int
	Offset int
}

// FromRequest reads limit and offset from the request query. Missing, junk
// or out-of-range values fall back to the defaults rather than erroring, so
// a list endpoint always has a usable window.
func FromRequest(c echo.Context) Window {
	w := Window{Limit: DefaultLimit}
	if n, err := strconv.Atoi(c.QueryParam("limit")); err == nil && n > 0 {
		w.Limit = min(n, MaxLimit)
	}
	if n, err := strconv.Atoi(c.QueryParam("offset")); err == nil && n > 0 {
		w.Offset = n
	}
	return w
}

// Envelope is the JSON wrapper for one page of results.
type Envelope struct {
	Data    any  `json:"data"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// Wrap builds the envelope for one page. total is the full result count,
// not the page length; has_more reports whether another page exists past
// this window.
func Wrap(data any, total int, w Window) *Envelope {
	return &Envelope{
		Data:    data,
		Total:   total,
		Limit:   w.Limit,
		Offset:  w.Offset,
		HasMore: w.Offset+w.Limit < total,
	}
}
