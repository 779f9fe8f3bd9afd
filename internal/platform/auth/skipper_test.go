package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

// requestForPath builds a context whose matched route is path, which is what
// SkipPublic keys on.
func requestForPath(path string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath(path)
	return c
}

func TestSkipPublic(t *testing.T) {
	cases := []struct {
		path string
		skip bool
	}{
		{"/health", true},
		{"/health/db", true},
		{"/metrics", true},
		{"/", false},
		{"/api/v1/appointments", false},
		{"/api/v1/providers", false},
		{"/api/v1/availability", false},
		{"/api/v1/admin/usage", false},
		// only exact matches are public
		{"/health/extra", false},
	}

	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			if got := SkipPublic(requestForPath(tc.path)); got != tc.skip {
				t.Fatalf("SkipPublic(%s) = %v, want %v", tc.path, got, tc.skip)
			}
		})
	}
}

func TestJWT_PublicPathBypassesAuth(t *testing.T) {
	c := requestForPath("/health")

	called := false
	h := JWT(JWTOptions{SigningKey: hmacTestKey, Skipper: SkipPublic})(func(c echo.Context) error {
		called = true
		// The bypass must not mint an identity for the probe.
		if ident := IdentityFromContext(c.Request().Context()); ident.ID != "" {
			t.Errorf("identity id = %q on an unauthenticated probe", ident.ID)
		}
		return c.NoContent(http.StatusOK)
	})

	if err := h(c); err != nil {
		t.Fatalf("tokenless health probe rejected: %v", err)
	}
	if !called {
		t.Fatal("handler never ran")
	}
}

func TestJWT_ProtectedPathStillRequiresToken(t *testing.T) {
	c := requestForPath("/api/v1/appointments")

	h := JWT(JWTOptions{SigningKey: hmacTestKey, Skipper: SkipPublic})(func(c echo.Context) error {
		t.Fatal("handler ran without credentials")
		return nil
	})
	wantUnauthorized(t, h(c))
}

func TestJWT_NilSkipperProtectsEverything(t *testing.T) {
	// Without a skipper even the health endpoint needs a token.
	c := requestForPath("/health")

	h := JWT(JWTOptions{SigningKey: hmacTestKey})(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err == nil {
		t.Fatal("tokenless request passed with no skipper configured")
	}
}

func TestJWT_SkipperLeavesRealLoginsAlone(t *testing.T) {
	token := mintToken(t, freshClaims("acct-2041", "provider"), hmacTestKey)

	c := requestForPath("/api/v1/appointments")
	c.Request().Header.Set("Authorization", "Bearer "+token)

	called := false
	h := JWT(JWTOptions{SigningKey: hmacTestKey, Skipper: SkipPublic})(func(c echo.Context) error {
		called = true
		if ident := IdentityFromContext(c.Request().Context()); ident.ID != "acct-2041" {
			t.Errorf("identity id = %q, want %q", ident.ID, "acct-2041")
		}
		return c.NoContent(http.StatusOK)
	})

	if err := h(c); err != nil {
		t.Fatalf("valid login rejected: %v", err)
	}
	if !called {
		t.Fatal("handler never ran")
	}
}

func TestDevIdentity_SkippedPathGetsNoIdentity(t *testing.T) {
	c := requestForPath("/metrics")

	called := false
	h := DevIdentity(SkipPublic)(func(c echo.Context) error {
		called = true
		if ident := IdentityFromContext(c.Request().Context()); ident.ID != "" {
			t.Errorf("identity id = %q, want empty on a skipped path", ident.ID)
		}
		return c.NoContent(http.StatusOK)
	})

	if err := h(c); err != nil {
		t.Fatalf("metrics scrape rejected: %v", err)
	}
	if !called {
		t.Fatal("handler never ran")
	}
}

func TestDevIdentity_DefaultsApplyWithoutSkipper(t *testing.T) {
	c := requestForPath("/api/v1/appointments")

	h := DevIdentity()(func(c echo.Context) error {
		if ident := IdentityFromContext(c.Request().Context()); ident.ID != DevUserID {
			t.Errorf("identity id = %q, want %q", ident.ID, DevUserID)
		}
		return c.NoContent(http.StatusOK)
	})

	if err := h(c); err != nil {
		t.Fatalf("dev request rejected: %v", err)
	}
}
