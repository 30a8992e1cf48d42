package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/runengine/internal/platform/env"
)

type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeGateway  Mode = "gateway"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode

	RolesClaim string
	EmailClaim string

	OIDCIssuerURL string
	OIDCClientID  string

	GatewaySecret  string
	GatewayMaxSkew time.Duration

	DevSubject string
	DevEmail   string
	DevRoles   []string
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(env.Trimmed("AUTH_MODE", string(ModeOIDC)))
	mode, err := parseMode(modeRaw)
	if err != nil {
		return Config{}, err
	}

	skew, err := env.Duration("AUTH_GATEWAY_MAX_SKEW", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:           mode,
		RolesClaim:     env.Trimmed("AUTH_ROLES_CLAIM", "roles"),
		EmailClaim:     env.Trimmed("AUTH_EMAIL_CLAIM", "email"),
		OIDCIssuerURL:  env.Trimmed("OIDC_ISSUER_URL", ""),
		OIDCClientID:   env.Trimmed("OIDC_CLIENT_ID", ""),
		GatewaySecret:  env.String("RUNENGINE_INTERNAL_AUTH_SECRET", ""),
		GatewayMaxSkew: skew,
		DevSubject:     env.Trimmed("DEV_AUTH_SUBJECT", "dev-operator"),
		DevEmail:       env.Trimmed("DEV_AUTH_EMAIL", "dev-operator@example.local"),
		DevRoles:       normalizeRoles(env.CSV("DEV_AUTH_ROLES", []string{RoleAdmin})),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeOIDC, ModeGateway, ModeDev, ModeDisabled:
		return Mode(raw), nil
	default:
		return "", fmt.Errorf("AUTH_MODE must be one of: oidc, gateway, dev, disabled (got %q)", raw)
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.RolesClaim) == "" {
		return errors.New("AUTH_ROLES_CLAIM is required")
	}
	if strings.TrimSpace(c.EmailClaim) == "" {
		return errors.New("AUTH_EMAIL_CLAIM is required")
	}

	switch c.Mode {
	case ModeOIDC:
		if c.OIDCIssuerURL == "" {
			return errors.New("OIDC_ISSUER_URL is required when AUTH_MODE=oidc")
		}
		if c.OIDCClientID == "" {
			return errors.New("OIDC_CLIENT_ID is required when AUTH_MODE=oidc")
		}
	case ModeGateway:
		if strings.TrimSpace(c.GatewaySecret) == "" {
			return errors.New("RUNENGINE_INTERNAL_AUTH_SECRET is required when AUTH_MODE=gateway")
		}
		if c.GatewayMaxSkew < 0 {
			return errors.New("AUTH_GATEWAY_MAX_SKEW must be >= 0")
		}
	case ModeDev:
		if c.DevSubject == "" {
			return errors.New("DEV_AUTH_SUBJECT is required when AUTH_MODE=dev")
		}
		if len(c.DevRoles) == 0 {
			return errors.New("DEV_AUTH_ROLES must be non-empty when AUTH_MODE=dev")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
	return nil
}

// normalizeRoles lower-cases and de-duplicates role names, preserving order.
func normalizeRoles(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, role := range in {
		item := strings.ToLower(strings.TrimSpace(role))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func parseRolesCSV(value string) []string {
	return normalizeRoles(strings.Split(value, ","))
}
