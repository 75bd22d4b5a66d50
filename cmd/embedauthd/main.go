// Command embedauthd runs the embed-auth backend: it verifies Entra ID
// bearer tokens, enriches identities from the directory, and issues
// RLS-bound Power BI embed tokens over an HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	embedauth "github.com/embedauth/embedauth-go"
	"github.com/embedauth/embedauth-go/audit"
	"github.com/embedauth/embedauth-go/authz"
	"github.com/embedauth/embedauth-go/config"
	"github.com/embedauth/embedauth-go/directory"
	"github.com/embedauth/embedauth-go/httpapi"
	"github.com/embedauth/embedauth-go/jwks"
	"github.com/embedauth/embedauth-go/metrics"
	"github.com/embedauth/embedauth-go/oauth2"
	"github.com/embedauth/embedauth-go/powerbi"
	"github.com/embedauth/embedauth-go/rls"
	"github.com/embedauth/embedauth-go/rolemap"
	"github.com/gin-gonic/gin"
)

func main() {
	if err := run(); err != nil {
		slog.Error("embedauthd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := slog.LevelDebug
	if cfg.Production() {
		logLevel = slog.LevelInfo
		gin.SetMode(gin.ReleaseMode)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	auditLog := audit.New(1000, audit.WithStdoutHandler())
	defer func() { _ = auditLog.Close() }()

	m := metrics.New(cfg.MetricsEnabled)

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout()}

	verifier := jwks.NewVerifier(cfg.Entra.JWKSURL, cfg.Entra.Issuer, cfg.Entra.ClientID,
		jwks.WithHTTPClient(httpClient),
		jwks.WithRefreshInterval(cfg.KeyCacheTTL()),
		jwks.WithAuditLogger(auditLog),
		jwks.WithMetrics(m),
	)

	exchanger := oauth2.New(cfg.Entra.ClientID, cfg.Entra.ClientSecret, cfg.Entra.TokenURL,
		oauth2.WithHTTPClient(httpClient),
	)

	mapper := rolemap.New(cfg.Roles.GroupMappings, cfg.Roles.AdminGroup)

	enricher := directory.New(cfg.Entra.GraphURL, cfg.Entra.GraphScope, exchanger, mapper,
		directory.WithHTTPClient(httpClient),
		directory.WithLogger(logger),
		directory.WithAuditLogger(auditLog),
		directory.WithMetrics(m),
		directory.WithUserTTL(cfg.UserCacheTTL()),
		directory.WithGroupPrefix(cfg.Roles.GroupPrefix),
	)

	gate := authz.New(
		authz.WithLogger(logger),
		authz.WithAuditLogger(auditLog),
		authz.WithMetrics(m),
	)

	registry := rls.DefaultRegistry(rls.WithAuditLogger(auditLog))

	issuer := powerbi.New(cfg.PowerBI.APIURL, cfg.PowerBI.Scope, cfg.PowerBI.WorkspaceID, exchanger,
		powerbi.WithHTTPClient(httpClient),
		powerbi.WithLogger(logger),
		powerbi.WithAuditLogger(auditLog),
		powerbi.WithMetrics(m),
		powerbi.WithDefaults(cfg.PowerBI.ReportID, cfg.PowerBI.DatasetID),
		powerbi.WithTokenLifetime(cfg.TokenLifetime()),
		powerbi.WithReportTTL(cfg.ReportCacheTTL()),
		powerbi.WithRLSRegistry(registry),
	)

	client, err := embedauth.NewClient(
		embedauth.WithLogger(logger),
		embedauth.WithVerifier(verifier),
		embedauth.WithEnricher(enricher),
		embedauth.WithAuthorizer(gate),
		embedauth.WithIssuer(issuer),
		embedauth.WithTokenSource(exchanger),
	)
	if err != nil {
		return fmt.Errorf("build client: %w", err)
	}
	defer func() { _ = client.Close() }()

	api := httpapi.New(client,
		httpapi.WithLogger(logger),
		httpapi.WithAuditLogger(auditLog),
		httpapi.WithRLSRegistry(registry),
		httpapi.WithAppName(cfg.AppName),
		httpapi.WithRateLimit(cfg.RateLimitPerMinute),
		httpapi.WithVerboseErrors(!cfg.Production()),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("embedauthd listening",
			"addr", srv.Addr,
			"environment", cfg.Environment,
			"workspace_id", cfg.PowerBI.WorkspaceID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
