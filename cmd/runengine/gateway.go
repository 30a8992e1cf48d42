package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/animus-labs/runengine/internal/platform/auth"
	"github.com/animus-labs/runengine/internal/platform/env"
	"github.com/animus-labs/runengine/internal/platform/httpserver"
)

const gatewayPrefix = "/api/runengine"

type gatewayConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	UpstreamURL     string
}

func gatewayConfigFromEnv() (gatewayConfig, error) {
	shutdownTimeout, err := env.Duration("RUNENGINE_GATEWAY_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return gatewayConfig{}, err
	}
	return gatewayConfig{
		Addr:            env.Trimmed("RUNENGINE_GATEWAY_HTTP_ADDR", ":8080"),
		ShutdownTimeout: shutdownTimeout,
		UpstreamURL:     env.Trimmed("RUNENGINE_UPSTREAM_URL", "http://localhost:8086"),
	}, nil
}

func newGatewayCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Authenticate end users and forward them to the engine with signed identity headers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGateway(cmd.Context(), logger)
		},
	}
}

func runGateway(ctx context.Context, logger *slog.Logger) error {
	cfg, err := gatewayConfigFromEnv()
	if err != nil {
		return err
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("invalid auth config: %w", err)
	}
	if authCfg.Mode == auth.ModeGateway {
		return errors.New("gateway cannot run with AUTH_MODE=gateway; use oidc or dev")
	}
	if strings.TrimSpace(authCfg.GatewaySecret) == "" {
		return errors.New("RUNENGINE_INTERNAL_AUTH_SECRET is required")
	}
	authn, err := auth.New(ctx, authCfg)
	if err != nil {
		return fmt.Errorf("auth init failed: %w", err)
	}
	proxy, err := newSigningProxy(logger, authCfg.GatewaySecret, cfg.UpstreamURL)
	if err != nil {
		return fmt.Errorf("proxy init failed: %w", err)
	}

	handler := newGatewayHandler(logger, authn, proxy)
	serverCfg := httpserver.Config{
		Service:         "runengine-gateway",
		Addr:            cfg.Addr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, serverCfg, handler); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func newGatewayHandler(logger *slog.Logger, authn auth.Authenticator, proxy http.Handler) http.Handler {
	protected := auth.Middleware{
		Logger:        logger,
		Authenticator: authn,
		Authorize:     auth.RouteRoleAuthorizer(),
	}
	session := auth.Middleware{
		Logger:        logger,
		Authenticator: authn,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("runengine-gateway"))
	mux.Handle("/auth/session", session.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := auth.IdentityFromContext(r.Context())
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{
			"subject": identity.Subject,
			"email":   identity.Email,
			"roles":   identity.Roles,
		})
	})))
	mux.Handle(gatewayPrefix+"/", http.StripPrefix(gatewayPrefix, protected.Wrap(proxy)))
	return httpserver.Wrap(logger, "runengine-gateway", mux)
}

// newSigningProxy replaces any caller-supplied identity headers with ones signed for the
// authenticated identity.
func newSigningProxy(logger *slog.Logger, secret string, target string) (http.Handler, error) {
	upstream, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream url: %q", target)
	}

	proxy := httputil.NewSingleHostReverseProxy(upstream)
	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		r.Header.Del(auth.HeaderSubject)
		r.Header.Del(auth.HeaderEmail)
		r.Header.Del(auth.HeaderRoles)
		r.Header.Del(auth.HeaderInternalAuthTimestamp)
		r.Header.Del(auth.HeaderInternalAuthSignature)

		identity, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			return
		}
		signed := auth.SignedRequest{
			Timestamp: strconv.FormatInt(time.Now().UTC().Unix(), 10),
			Method:    r.Method,
			Path:      r.URL.Path,
			RequestID: r.Header.Get(httpserver.HeaderRequestID),
			Subject:   identity.Subject,
			Email:     identity.Email,
			Roles:     strings.Join(identity.Roles, ","),
		}
		sig, err := auth.Sign(secret, signed)
		if err != nil {
			logger.Error("sign identity failed", "request_id", signed.RequestID, "error", err)
			return
		}
		r.Header.Set(auth.HeaderSubject, signed.Subject)
		if signed.Email != "" {
			r.Header.Set(auth.HeaderEmail, signed.Email)
		}
		if signed.Roles != "" {
			r.Header.Set(auth.HeaderRoles, signed.Roles)
		}
		r.Header.Set(auth.HeaderInternalAuthTimestamp, signed.Timestamp)
		r.Header.Set(auth.HeaderInternalAuthSignature, sig)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		requestID := r.Header.Get(httpserver.HeaderRequestID)
		logger.Error("proxy error", "request_id", requestID, "error", err)
		httpserver.WriteJSON(w, http.StatusBadGateway, map[string]any{
			"error":      "bad_gateway",
			"request_id": requestID,
		})
	}
	return proxy, nil
}
