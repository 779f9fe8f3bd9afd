package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

// newContextWithRoles builds an echo context whose request context carries
// an identity holding roles, mimicking what the auth middleware leaves
// behind.
func newContextWithRoles(roles []string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if roles != nil {
		req = req.WithContext(WithIdentity(req.Context(), Identity{Roles: roles}))
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

var passHandler = func(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func TestRequireAnyRole_RoleMatrix(t *testing.T) {
	cases := []struct {
		name    string
		held    []string
		gate    []string
		allowed bool
	}{
		{"exact role", []string{"provider"}, []string{"provider", "manager"}, true},
		{"second listed role", []string{"manager"}, []string{"provider", "manager"}, true},
		{"admin passes any gate", []string{"admin"}, []string{"provider"}, true},
		{"unlisted role", []string{"client"}, []string{"provider", "manager"}, false},
		{"no roles in context", nil, []string{"manager"}, false},
		{"empty role slice", []string{}, []string{"manager"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, rec := newContextWithRoles(tc.held)
			err := RequireAnyRole(tc.gate...)(passHandler)(c)

			if tc.allowed {
				if err != nil {
					t.Fatalf("request denied: %v", err)
				}
				if rec.Code != http.StatusOK {
					t.Fatalf("code = %d, want %d", rec.Code, http.StatusOK)
				}
				return
			}

			var he *echo.HTTPError
			if !errors.As(err, &he) {
				t.Fatalf("err = %v, want *echo.HTTPError", err)
			}
			if he.Code != http.StatusForbidden {
				t.Fatalf("code = %d, want %d", he.Code, http.StatusForbidden)
			}
		})
	}
}

func TestRequireAnyRole_DenialNamesTheMissingRoles(t *testing.T) {
	c, _ := newContextWithRoles([]string{"client"})
	err := RequireAnyRole("provider", "manager")(passHandler)(c)

	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want *echo.HTTPError", err)
	}
	msg, _ := he.Message.(string)
	if !strings.Contains(msg, "provider") || !strings.Contains(msg, "manager") {
		t.Fatalf("message = %q, want both role names in it", msg)
	}
}

func TestIdentityFromContext(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{ID: "acct-5512", Roles: []string{"manager"}})

	ident := IdentityFromContext(ctx)
	if ident.ID != "acct-5512" {
		t.Fatalf("identity id = %q, want %q", ident.ID, "acct-5512")
	}
	if len(ident.Roles) != 1 || ident.Roles[0] != "manager" {
		t.Fatalf("roles = %v, want [manager]", ident.Roles)
	}

	if got := IdentityFromContext(context.Background()); got.ID != "" || got.Roles != nil {
		t.Fatalf("identity on a bare context = %+v, want zero value", got)
	}
}
