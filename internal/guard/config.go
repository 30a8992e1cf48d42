package guard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/animus-labs/runengine/internal/platform/env"
)

type Mode string

const (
	ModeAllow Mode = "allow"
	ModeHTTP  Mode = "http"
)

type Config struct {
	Mode    Mode
	URL     string
	Timeout time.Duration

	// OAuth2 client credentials for the guard service; all empty disables token auth.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("RUNENGINE_GUARD_TIMEOUT", 3*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Mode:         Mode(strings.ToLower(env.Trimmed("RUNENGINE_GUARD_MODE", string(ModeAllow)))),
		URL:          env.Trimmed("RUNENGINE_GUARD_URL", ""),
		Timeout:      timeout,
		TokenURL:     env.Trimmed("RUNENGINE_GUARD_TOKEN_URL", ""),
		ClientID:     env.Trimmed("RUNENGINE_GUARD_CLIENT_ID", ""),
		ClientSecret: env.String("RUNENGINE_GUARD_CLIENT_SECRET", ""),
		Scopes:       strings.Fields(env.String("RUNENGINE_GUARD_SCOPES", "")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return errors.New("RUNENGINE_GUARD_TIMEOUT must be positive")
	}
	switch c.Mode {
	case ModeAllow:
		return nil
	case ModeHTTP:
	default:
		return fmt.Errorf("RUNENGINE_GUARD_MODE must be one of: allow, http (got %q)", c.Mode)
	}
	if c.URL == "" {
		return errors.New("RUNENGINE_GUARD_URL is required when RUNENGINE_GUARD_MODE=http")
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("RUNENGINE_GUARD_URL must be an absolute http(s) url (got %q)", c.URL)
	}
	if c.TokenURL != "" || c.ClientID != "" || c.ClientSecret != "" {
		if c.TokenURL == "" || c.ClientID == "" || c.ClientSecret == "" {
			return errors.New("RUNENGINE_GUARD_TOKEN_URL, RUNENGINE_GUARD_CLIENT_ID and RUNENGINE_GUARD_CLIENT_SECRET must be set together")
		}
	}
	return nil
}

// New builds the configured evaluator wrapped with the timeout. ctx scopes the token source.
func New(ctx context.Context, cfg Config) (Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == ModeAllow {
		return WithTimeout(AllowAll{}, cfg.Timeout), nil
	}

	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = cc.Client(ctx)
		client.Timeout = cfg.Timeout
	}
	return WithTimeout(&HTTPEvaluator{URL: cfg.URL, Client: client}, cfg.Timeout), nil
}
