package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// GatewayHeadersAuthenticator trusts identity headers set by an upstream gateway that signs them with a shared secret.
type GatewayHeadersAuthenticator struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
}

func NewGatewayHeadersAuthenticator(secret string, maxSkew time.Duration) (*GatewayHeadersAuthenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("RUNENGINE_INTERNAL_AUTH_SECRET is required")
	}
	return &GatewayHeadersAuthenticator{Secret: secret, MaxSkew: maxSkew}, nil
}

func (a *GatewayHeadersAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	subject := strings.TrimSpace(r.Header.Get(HeaderSubject))
	if subject == "" {
		return Identity{}, ErrUnauthenticated
	}
	ts := strings.TrimSpace(r.Header.Get(HeaderInternalAuthTimestamp))
	sig := strings.TrimSpace(r.Header.Get(HeaderInternalAuthSignature))
	if ts == "" || sig == "" {
		return Identity{}, ErrUnauthenticated
	}

	now := time.Now().UTC()
	if a.Now != nil {
		now = a.Now()
	}
	if err := VerifyTimestamp(ts, now, a.MaxSkew); err != nil {
		return Identity{}, err
	}

	signed := SignedRequest{
		Timestamp: ts,
		Method:    r.Method,
		Path:      r.URL.Path,
		RequestID: r.Header.Get("X-Request-Id"),
		Subject:   subject,
		Email:     strings.TrimSpace(r.Header.Get(HeaderEmail)),
		Roles:     strings.TrimSpace(r.Header.Get(HeaderRoles)),
	}
	if err := VerifySignature(a.Secret, signed, sig); err != nil {
		return Identity{}, err
	}

	return Identity{
		Subject: subject,
		Email:   signed.Email,
		Roles:   parseRolesCSV(signed.Roles),
	}, nil
}
