package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHasAtLeast(t *testing.T) {
	if !HasAtLeast([]string{"viewer"}, RoleViewer) {
		t.Fatalf("viewer should satisfy viewer")
	}
	if HasAtLeast([]string{"viewer"}, RoleEditor) {
		t.Fatalf("viewer should not satisfy editor")
	}
	if !HasAtLeast([]string{" Admin "}, RoleEditor) {
		t.Fatalf("admin should satisfy editor")
	}
	if HasAtLeast([]string{"operator"}, RoleViewer) {
		t.Fatalf("unknown role should not satisfy viewer")
	}
	if HasAtLeast([]string{"admin"}, "superuser") {
		t.Fatalf("unknown required role should never be satisfied")
	}
}

func TestRequiredRoleForRequest(t *testing.T) {
	cases := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/runs", RoleViewer},
		{http.MethodGet, "/runs/r1/steps", RoleViewer},
		{http.MethodPost, "/runs", RoleEditor},
		{http.MethodPost, "/runs/r1/start", RoleEditor},
		{http.MethodPost, "/runs/r1/advance", RoleEditor},
		{http.MethodPost, "/runs/r1/hold", RoleEditor},
		{http.MethodPost, "/runs/r1/complete", RoleEditor},
		{http.MethodPost, "/runs/r1/resume", RoleAdmin},
		{http.MethodPost, "/runs/r1/abort/", RoleAdmin},
		{http.MethodPost, "/flows/abort", RoleEditor},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "http://example.test"+tc.path, nil)
		if got := RequiredRoleForRequest(req); got != tc.want {
			t.Fatalf("RequiredRoleForRequest(%s %s)=%q, want %q", tc.method, tc.path, got, tc.want)
		}
	}
}

func TestRouteRoleAuthorizer(t *testing.T) {
	authorize := RouteRoleAuthorizer()
	req := httptest.NewRequest(http.MethodPost, "http://example.test/runs/r1/abort", nil)

	err := authorize(req, Identity{Subject: "op", Roles: []string{RoleEditor}})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err=%v, want ErrForbidden", err)
	}
	var forbidden ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Required != RoleAdmin {
		t.Fatalf("err=%#v, want ForbiddenError{admin}", err)
	}
	if err := authorize(req, Identity{Subject: "sup", Roles: []string{RoleAdmin}}); err != nil {
		t.Fatalf("admin err=%v", err)
	}
}
