package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coreos/go-oidc/v3/oidc"
)

type failingVerifier struct {
	calls int
}

func (v *failingVerifier) Verify(ctx context.Context, raw string) (*oidc.IDToken, error) {
	v.calls++
	return nil, errors.New("signature mismatch")
}

func TestOIDCAuthenticator_MissingBearer(t *testing.T) {
	verifier := &failingVerifier{}
	authn := NewOIDCAuthenticatorWithVerifier(verifier, Config{RolesClaim: "roles", EmailClaim: "email"})

	r := httptest.NewRequest(http.MethodGet, "/runs", nil)
	r.Header.Set("Authorization", "Basic abc")
	if _, err := authn.Authenticate(r.Context(), r); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err=%v, want ErrUnauthenticated", err)
	}
	if verifier.calls != 0 {
		t.Fatalf("verifier calls=%d, want 0", verifier.calls)
	}

	r.Header.Set("Authorization", "Bearer token-1")
	if _, err := authn.Authenticate(r.Context(), r); err == nil || errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err=%v, want verification error", err)
	}
	if verifier.calls != 1 {
		t.Fatalf("verifier calls=%d, want 1", verifier.calls)
	}
}

func TestIdentityFromClaims(t *testing.T) {
	identity, err := identityFromClaims(map[string]any{
		"sub":    "user-1",
		"mail":   "user-1@example.test",
		"groups": []any{"Admin", "viewer", 7},
	}, "mail", "groups")
	if err != nil {
		t.Fatalf("identityFromClaims() err=%v", err)
	}
	if identity.Email != "user-1@example.test" {
		t.Fatalf("Email=%q", identity.Email)
	}
	if len(identity.Roles) != 2 || identity.Roles[0] != "admin" {
		t.Fatalf("Roles=%v", identity.Roles)
	}

	if _, err := identityFromClaims(map[string]any{"roles": "admin"}, "email", "roles"); err == nil {
		t.Fatalf("expected error for missing subject")
	}
}
