package auth

import (
	"context"
	"fmt"
	"net/http"
)

// Identity is the authenticated caller. Subject is recorded as the actor on runs and audit events.
type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}

// StaticAuthenticator returns the same identity for every request. Used for dev and disabled modes.
type StaticAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) *StaticAuthenticator {
	return &StaticAuthenticator{identity: Identity{
		Subject: cfg.DevSubject,
		Email:   cfg.DevEmail,
		Roles:   cfg.DevRoles,
	}}
}

// NewDisabledAuthenticator grants admin to an anonymous "system" subject.
func NewDisabledAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{identity: Identity{Subject: "system", Roles: []string{RoleAdmin}}}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.identity, nil
}

// New builds the authenticator for cfg.Mode. OIDC discovery contacts the issuer.
func New(ctx context.Context, cfg Config) (Authenticator, error) {
	switch cfg.Mode {
	case ModeOIDC:
		return NewOIDCAuthenticator(ctx, cfg)
	case ModeGateway:
		return NewGatewayHeadersAuthenticator(cfg.GatewaySecret, cfg.GatewayMaxSkew)
	case ModeDev:
		return NewDevAuthenticator(cfg), nil
	case ModeDisabled:
		return NewDisabledAuthenticator(), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %q", cfg.Mode)
	}
}
