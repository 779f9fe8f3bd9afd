package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/bookline/bookline/internal/platform/auth"
)

// trailSink captures records handed to the middleware. Tests run a single
// request at a time, so no locking is needed.
type trailSink struct {
	records []AccessRecord
	fail    error
}

func (s *trailSink) Record(rec AccessRecord) error {
	s.records = append(s.records, rec)
	return s.fail
}

// asUser stamps an authenticated identity onto the request context, the
// same way the auth middleware does for a verified token.
func asUser(userID string, roles ...string) func(*http.Request) *http.Request {
	return func(req *http.Request) *http.Request {
		ctx := auth.WithIdentity(req.Context(), auth.Identity{ID: userID, Roles: roles})
		return req.WithContext(ctx)
	}
}

// runAudited pushes one request through the audit middleware into a
// trivially succeeding handler. Recorded entries land in the sink.
func runAudited(t *testing.T, sink *trailSink, method, path string, mods ...func(*http.Request) *http.Request) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, path, http.NoBody)
	for _, mod := range mods {
		req = mod(req)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set(requestIDKey, "req-1432")

	h := Audit(zerolog.Nop(), sink)(func(c echo.Context) error {
		return c.String(http.StatusOK, "done")
	})
	if err := h(c); err != nil {
		return err
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	return nil
}

func TestAudit_RecordsTheCallerIdentity(t *testing.T) {
	sink := &trailSink{}
	id := uuid.NewString()

	err := runAudited(t, sink, http.MethodGet, "/api/v1/appointments/"+id,
		asUser("acct-7788", "provider", "manager"),
		func(req *http.Request) *http.Request {
			req.Header.Set("User-Agent", "bookline-app/2.3")
			return req
		},
	)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if len(sink.records) != 1 {
		t.Fatalf("recorded %d records, want 1", len(sink.records))
	}

	rec := sink.records[0]
	if rec.ActorID != "acct-7788" {
		t.Errorf("ActorID = %q", rec.ActorID)
	}
	if len(rec.Roles) != 2 {
		t.Errorf("Roles = %v, want both roles", rec.Roles)
	}
	if rec.Resource != "appointments" || rec.EntityID != id {
		t.Errorf("resource/entity = %q/%q", rec.Resource, rec.EntityID)
	}
	if rec.Action != "read" {
		t.Errorf("Action = %q, want read", rec.Action)
	}
	if rec.RequestID != "req-1432" {
		t.Errorf("RequestID = %q", rec.RequestID)
	}
	if rec.Status != http.StatusOK {
		t.Errorf("Status = %d", rec.Status)
	}
	if rec.Agent != "bookline-app/2.3" {
		t.Errorf("Agent = %q", rec.Agent)
	}
	if rec.RemoteIP == "" {
		t.Error("RemoteIP is empty")
	}
	if rec.At.IsZero() {
		t.Error("At is zero")
	}
}

func TestAudit_ActionAndEntityFollowTheRequest(t *testing.T) {
	id := uuid.NewString()
	cases := []struct {
		name     string
		method   string
		path     string
		action   string
		resource string
		entity   string
	}{
		{"collection create", http.MethodPost, "/api/v1/appointments", "create", "appointments", ""},
		{"entity read", http.MethodGet, "/api/v1/appointments/" + id, "read", "appointments", id},
		{"entity update", http.MethodPut, "/api/v1/availability/" + id, "update", "availability", id},
		{"entity delete", http.MethodDelete, "/api/v1/providers/" + id, "delete", "providers", id},
		{"verb subroute keeps the entity", http.MethodPost, "/api/v1/appointments/" + id + "/cancel", "create", "appointments", id},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &trailSink{}
			if err := runAudited(t, sink, tc.method, tc.path, asUser("acct-3307", "manager")); err != nil {
				t.Fatalf("Audit: %v", err)
			}
			if len(sink.records) != 1 {
				t.Fatalf("recorded %d records, want 1", len(sink.records))
			}
			got := sink.records[0]
			if got.Action != tc.action || got.Resource != tc.resource || got.EntityID != tc.entity {
				t.Errorf("record = (%s, %s, %q), want (%s, %s, %q)",
					got.Action, got.Resource, got.EntityID, tc.action, tc.resource, tc.entity)
			}
		})
	}
}

func TestAudit_AnonymousRequestsRecordEmptyIdentity(t *testing.T) {
	sink := &trailSink{}
	if err := runAudited(t, sink, http.MethodGet, "/api/v1/services"); err != nil {
		t.Fatalf("Audit: %v", err)
	}
	rec := sink.records[0]
	if rec.ActorID != "" || len(rec.Roles) != 0 {
		t.Errorf("anonymous record carries identity: %q %v", rec.ActorID, rec.Roles)
	}
}

func TestAudit_IgnoresNonAPIPaths(t *testing.T) {
	sink := &trailSink{}
	for _, path := range []string{"/health", "/metrics", "/", "/api/v1"} {
		if err := runAudited(t, sink, http.MethodGet, path); err != nil {
			t.Fatalf("Audit(%s): %v", path, err)
		}
	}
	if len(sink.records) != 0 {
		t.Errorf("recorded %d records for unaudited paths", len(sink.records))
	}
}

func TestAudit_SinkFailureDoesNotFailTheRequest(t *testing.T) {
	sink := &trailSink{fail: errors.New("trail store offline")}
	err := runAudited(t, sink, http.MethodGet, "/api/v1/appointments", asUser("acct-1015", "provider"))
	if err != nil {
		t.Fatalf("request failed alongside the sink: %v", err)
	}
	if len(sink.records) != 1 {
		t.Errorf("record not handed to the failing sink")
	}
}

func TestAudit_LogsWithoutASink(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments", http.NoBody)
	req = asUser("acct-9921", "provider")(req)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := Audit(log)(func(c echo.Context) error {
		return c.String(http.StatusOK, "done")
	})
	if err := h(c); err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	line := buf.String()
	for _, want := range []string{
		`"type":"audit"`,
		`"resource":"appointments"`,
		`"user_id":"acct-9921"`,
		`"action":"read"`,
		"resource_access",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("audit log line missing %s:\n%s", want, line)
		}
	}
}

func TestAuditable(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/api/v1/appointments", true},
		{"/api/v1/appointments/abc", true},
		{"/api/v1/availability", true},
		{"/health", false},
		{"/", false},
		{"/api/v1", false}, // prefix requires the trailing slash
	}
	for _, tc := range cases {
		if got := auditable(tc.path); got != tc.want {
			t.Errorf("auditable(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestActionForMethod(t *testing.T) {
	writes := map[string]string{
		http.MethodPost:   "create",
		http.MethodPut:    "update",
		http.MethodPatch:  "update",
		http.MethodDelete: "delete",
	}
	for method, want := range writes {
		if got := actionForMethod(method); got != want {
			t.Errorf("actionForMethod(%s) = %q, want %q", method, got, want)
		}
	}

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		if got := actionForMethod(method); got != "read" {
			t.Errorf("actionForMethod(%s) = %q, want read", method, got)
		}
	}
}

func TestSplitResourcePath(t *testing.T) {
	id := uuid.NewString()
	cases := []struct {
		path       string
		wantRes    string
		wantEntity string
	}{
		{"/api/v1/appointments", "appointments", ""},
		{"/api/v1/appointments/" + id, "appointments", id},
		{"/api/v1/appointments/" + id + "/cancel", "appointments", id},
		{"/api/v1/availability/" + id, "availability", id},
		{"/api/v1/providers/search", "providers", ""}, // verb segment, not an entity
		{"/api/v1/", "unknown", ""},
	}
	for _, tc := range cases {
		res, entity := splitResourcePath(tc.path)
		if res != tc.wantRes || entity != tc.wantEntity {
			t.Errorf("splitResourcePath(%q) = (%q, %q), want (%q, %q)",
				tc.path, res, entity, tc.wantRes, tc.wantEntity)
		}
	}
}

func TestIsEntityID(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{uuid.NewString(), true},
		{"3b241101-e2bb-4255-8caf-4136c566a962", true},
		{"upcoming", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := isEntityID(tc.in); got != tc.want {
			t.Errorf("isEntityID(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestAccessSinkFunc(t *testing.T) {
	var got AccessRecord
	fn := AccessSinkFunc(func(rec AccessRecord) error {
		got = rec
		return nil
	})

	if err := fn.Record(AccessRecord{ActorID: "acct-2044"}); err != nil {
		t.Fatalf("Record error: %v", err)
	}
	if got.ActorID != "acct-2044" {
		t.Error("adapter did not forward the record")
	}
}
