package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/bookline/bookline/internal/platform/auth"
)

// AccessRecord is one entry in the API access trail: who touched which
// resource, from where, and what the request did to it.
type AccessRecord struct {
	RequestID string
	ActorID   string
	Roles     []string
	Resource  string // "appointments", "availability", "providers", "services"
	EntityID  string
	Action    string // "read", "create", "update" or "delete"
	Method    string
	Path      string
	RemoteIP  string
	Agent     string
	Status    int
	At        time.Time
}

// AccessSink persists trail records. The middleware treats it as a
// best-effort destination: a failing sink is logged and never fails the
// request it describes.
type AccessSink interface {
	Record(rec AccessRecord) error
}

// AccessSinkFunc adapts a plain function to AccessSink.
type AccessSinkFunc func(rec AccessRecord) error

func (f AccessSinkFunc) Record(rec AccessRecord) error { return f(rec) }

// Audit returns middleware that writes an access trail for every /api/v1
// request. Each record names the authenticated account, the resource and
// entity taken from the path, and the response status. Records always go
// to the structured log; an optional sink additionally persists them.
func Audit(log zerolog.Logger, sinks ...AccessSink) echo.MiddlewareFunc {
	var sink AccessSink
	if len(sinks) > 0 {
		sink = sinks[0]
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !auditable(c.Request().URL.Path) {
				return next(c)
			}

			// The handler runs first; the record wants the final status.
			err := next(c)

			rec := newAccessRecord(c)
			if sink != nil {
				if sinkErr := sink.Record(rec); sinkErr != nil {
					log.Error().Err(sinkErr).
						Str("request_id", rec.RequestID).
						Msg("access trail sink failed")
				}
			}
			logAccess(log, rec)
			return err
		}
	}
}

// newAccessRecord assembles the trail record for a finished request.
func newAccessRecord(c echo.Context) AccessRecord {
	req := c.Request()
	ident := auth.IdentityFromContext(req.Context())
	resource, entityID := splitResourcePath(req.URL.Path)
	reqID, _ := c.Get(requestIDKey).(string)

	return AccessRecord{
		RequestID: reqID,
		ActorID:   ident.ID,
		Roles:     ident.Roles,

		Resource: resource,
		EntityID: entityID,
		Action:   actionForMethod(req.Method),
		Method:   req.Method,
		Path:     req.URL.Path,

		RemoteIP: c.RealIP(),
		Agent:    req.UserAgent(),
		Status:   c.Response().Status,
		At:       time.Now().UTC(),
	}
}

func logAccess(log zerolog.Logger, rec AccessRecord) {
	log.Info().
		Str("type", "audit").
		Str("request_id", rec.RequestID).
		Str("user_id", rec.ActorID).
		Strs("user_roles", rec.Roles).
		Str("resource", rec.Resource).
		Str("entity_id", rec.EntityID).
		Str("action", rec.Action).
		Str("method", rec.Method).
		Str("path", rec.Path).
		Str("remote_ip", rec.RemoteIP).
		Int("status", rec.Status).
		Msg("resource_access")
}

// auditable limits the trail to the versioned API. Health probes and
// metrics scrapes are noise here.
func auditable(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

// methodActions maps mutating HTTP methods onto trail actions. Anything
// absent counts as a read.
var methodActions = map[string]string{
	http.MethodPost:   "create",
	http.MethodPut:    "update",
	http.MethodPatch:  "update",
	http.MethodDelete: "delete",
}

func actionForMethod(method string) string {
	if action, ok := methodActions[method]; ok {
		return action
	}
	return "read"
}

// splitResourcePath pulls the resource name and, when the next segment is
// an id, the entity out of an API path:
//
//	/api/v1/appointments               ("appointments", "")
//	/api/v1/appointments/<id>          ("appointments", "<id>")
//	/api/v1/appointments/<id>/cancel   ("appointments", "<id>")
//
// Named subcollections like /providers/search carry no entity id.
func splitResourcePath(path string) (resource, entityID string) {
	rest := strings.TrimPrefix(path, "/api/v1/")
	head, tail, _ := strings.Cut(rest, "/")
	if head == "" {
		return "unknown", ""
	}
	if id, _, _ := strings.Cut(tail, "/"); isEntityID(id) {
		return head, id
	}
	return head, ""
}

// isEntityID reports whether a path segment is a UUID. Entity routes use
// UUIDs everywhere in this API, so anything else is a verb or filter.
func isEntityID(s string) bool {
	return uuid.Validate(s) == nil
}
