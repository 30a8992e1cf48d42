package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/animus-labs/runengine/internal/auditexport"
	"github.com/animus-labs/runengine/internal/flowcatalog"
	"github.com/animus-labs/runengine/internal/guard"
	"github.com/animus-labs/runengine/internal/platform/auditlog"
	"github.com/animus-labs/runengine/internal/platform/auth"
	"github.com/animus-labs/runengine/internal/platform/env"
	"github.com/animus-labs/runengine/internal/platform/httpserver"
	"github.com/animus-labs/runengine/internal/platform/objectstore"
	"github.com/animus-labs/runengine/internal/platform/openapi"
	"github.com/animus-labs/runengine/internal/platform/postgres"
	"github.com/animus-labs/runengine/internal/repo"
	"github.com/animus-labs/runengine/internal/repo/memory"
	pgrepo "github.com/animus-labs/runengine/internal/repo/postgres"
	"github.com/animus-labs/runengine/internal/service/runs"
)

const (
	storePostgres = "postgres"
	storeMemory   = "memory"

	readinessTimeout = 750 * time.Millisecond
)

type serveConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	Store           string
	FlowCatalog     string
}

func serveConfigFromEnv() (serveConfig, error) {
	shutdownTimeout, err := env.Duration("RUNENGINE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return serveConfig{}, err
	}
	cfg := serveConfig{
		Addr:            env.Trimmed("RUNENGINE_HTTP_ADDR", ":8086"),
		ShutdownTimeout: shutdownTimeout,
		Store:           strings.ToLower(env.Trimmed("RUNENGINE_STORE", storePostgres)),
		FlowCatalog:     env.Trimmed("RUNENGINE_FLOW_CATALOG", ""),
	}
	switch cfg.Store {
	case storePostgres, storeMemory:
	default:
		return serveConfig{}, fmt.Errorf("RUNENGINE_STORE must be one of: postgres, memory (got %q)", cfg.Store)
	}
	return cfg, nil
}

func newServeCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the run lifecycle HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), logger)
		},
	}
}

// backend is the store the server runs on plus the matching readiness check and deny auditor.
type backend struct {
	store     repo.Store
	readiness httpserver.ReadinessCheck
	auditDeny auth.AuditFunc
	close     func()
}

func openBackend(ctx context.Context, cfg serveConfig) (*backend, error) {
	if cfg.Store == storeMemory {
		store := memory.New()
		return &backend{
			store:     store,
			readiness: httpserver.ReadinessCheck{Name: storeMemory, Check: store.Ping},
			auditDeny: func(ctx context.Context, event auth.DenyEvent) error {
				_, err := store.Stores().Audit.Append(ctx, auditlog.AuthDenyEvent(serviceName, event))
				return err
			},
			close: func() {},
		}, nil
	}

	db, err := openDatabase(ctx)
	if err != nil {
		return nil, err
	}
	return &backend{
		store: pgrepo.NewStore(db),
		readiness: httpserver.ReadinessCheck{
			Name: storePostgres,
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
				defer cancel()
				return db.PingContext(checkCtx)
			},
		},
		auditDeny: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, serviceName, event)
		},
		close: func() { _ = db.Close() },
	}, nil
}

func openDatabase(ctx context.Context) (*sql.DB, error) {
	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("database unavailable: %w", err)
	}
	return db, nil
}

// newAuditExporter returns the configured exporter and, for MinIO, a readiness check on its bucket.
func newAuditExporter(ctx context.Context) (auditexport.Exporter, []httpserver.ReadinessCheck, error) {
	cfg, err := auditexport.ConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	switch cfg.Destination {
	case auditexport.DestinationStdout:
		return auditexport.NewNDJSONExporter(os.Stdout), nil, nil
	case auditexport.DestinationMinIO:
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			return nil, nil, fmt.Errorf("invalid object store config: %w", err)
		}
		store, err := objectstore.NewMinioStore(storeCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("object store client init failed: %w", err)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.EnsureBucket(startupCtx); err != nil {
			return nil, nil, fmt.Errorf("object store unavailable: %w", err)
		}
		check := httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
				defer cancel()
				return store.Check(checkCtx)
			},
		}
		return auditexport.NewObjectStoreExporter(store, cfg.Prefix), []httpserver.ReadinessCheck{check}, nil
	default:
		return auditexport.NoopExporter{}, nil, nil
	}
}

func runServe(ctx context.Context, logger *slog.Logger) error {
	cfg, err := serveConfigFromEnv()
	if err != nil {
		return err
	}
	runsCfg, err := runs.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("invalid run config: %w", err)
	}
	guardCfg, err := guard.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("invalid guard config: %w", err)
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("invalid auth config: %w", err)
	}

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	if cfg.FlowCatalog != "" {
		versions, err := flowcatalog.ParseFile(cfg.FlowCatalog)
		if err != nil {
			return err
		}
		if err := flowcatalog.Import(ctx, be.store, versions); err != nil {
			return fmt.Errorf("import flow catalog: %w", err)
		}
		logger.Info("flow catalog loaded", "path", cfg.FlowCatalog, "versions", len(versions))
	}

	evaluator, err := guard.New(ctx, guardCfg)
	if err != nil {
		return fmt.Errorf("guard init failed: %w", err)
	}
	exporter, exportChecks, err := newAuditExporter(ctx)
	if err != nil {
		return err
	}
	svc, err := runs.New(be.store, runsCfg,
		runs.WithGuard(evaluator),
		runs.WithExporter(exporter),
		runs.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	authn, err := auth.New(ctx, authCfg)
	if err != nil {
		return fmt.Errorf("auth init failed: %w", err)
	}
	if authCfg.Mode == auth.ModeDisabled {
		logger.Warn("authentication disabled; every request acts as the system admin")
	}
	validator, err := openapi.Load(ctx, openAPISpec, logger)
	if err != nil {
		return err
	}

	checks := append([]httpserver.ReadinessCheck{be.readiness}, exportChecks...)
	handler := newHandler(logger, svc, validator, auth.Middleware{
		Logger:        logger,
		Authenticator: authn,
		Authorize:     auth.RouteRoleAuthorizer(),
		Audit:         be.auditDeny,
	}, checks...)

	serverCfg := httpserver.Config{
		Service:         serviceName,
		Addr:            cfg.Addr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, serverCfg, handler); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// newHandler assembles the middleware stack: request id, logging and recovery outermost, then
// authentication, then request validation, then routing.
func newHandler(logger *slog.Logger, svc *runs.Service, validator *openapi.Validator, authMW auth.Middleware, checks ...httpserver.ReadinessCheck) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(serviceName, checks...))
	newRunAPI(logger, svc).register(mux)

	authMW.SkipPrefixes = []string{"/healthz", "/readyz"}
	return httpserver.Wrap(logger, serviceName, authMW.Wrap(validator.Wrap(mux)))
}
