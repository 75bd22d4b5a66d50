// Package httpapi exposes the mediation pipeline over HTTP: token
// validation and session endpoints under /api/auth, embed token issuance
// and lifecycle under /api/powerbi, and admin maintenance under /api/admin.
// Liveness (/health) and Prometheus metrics (/metrics) are unauthenticated.
package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"

	embedauth "github.com/embedauth/embedauth-go"
	"github.com/embedauth/embedauth-go/audit"
	"github.com/embedauth/embedauth-go/middleware/ginmw"
	"github.com/embedauth/embedauth-go/rls"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wires the pipeline client and its supporting services into a gin
// router.
type Server struct {
	client   *embedauth.Client
	registry *rls.Registry
	logger   *slog.Logger
	auditLog *audit.Logger

	appName        string
	rateLimit      int
	verboseErrors  bool
	metricsHandler http.Handler
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithAuditLogger attaches an audit trail for session events.
func WithAuditLogger(al *audit.Logger) Option {
	return func(s *Server) { s.auditLog = al }
}

// WithRLSRegistry sets the role catalogue served by the roles endpoint.
func WithRLSRegistry(r *rls.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithAppName sets the service name reported by status endpoints.
func WithAppName(name string) Option {
	return func(s *Server) { s.appName = name }
}

// WithRateLimit sets the per-client request budget in requests per minute.
// Zero disables rate limiting.
func WithRateLimit(perMinute int) Option {
	return func(s *Server) { s.rateLimit = perMinute }
}

// WithVerboseErrors includes upstream error detail in error responses.
// Only for non-production environments; production keeps generic messages.
func WithVerboseErrors(v bool) Option {
	return func(s *Server) { s.verboseErrors = v }
}

// WithMetricsHandler overrides the /metrics handler, for tests that use a
// private registry. Nil removes the endpoint.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// New creates a Server around the pipeline client.
func New(client *embedauth.Client, opts ...Option) *Server {
	s := &Server{
		client:         client,
		registry:       rls.DefaultRegistry(),
		logger:         slog.Default(),
		appName:        "embedauth",
		metricsHandler: promhttp.Handler(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router assembles the full route table.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.CustomRecovery(s.recovered))
	r.Use(ginmw.RequestID())
	r.Use(ginmw.SecurityHeaders())
	if s.rateLimit > 0 {
		r.Use(ginmw.RateLimit(s.rateLimit))
	}

	r.GET("/health", s.handleLiveness)
	if s.metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(s.metricsHandler))
	}

	api := r.Group("/api")
	// Upstream health probes stay reachable without credentials so external
	// monitors can use them.
	api.Use(ginmw.Auth(s.client,
		ginmw.WithExcludedPaths("/api/auth/health", "/api/powerbi/health")))

	auth := api.Group("/auth")
	{
		auth.POST("/validate", s.handleValidate)
		auth.GET("/me", s.handleMe)
		auth.POST("/refresh", s.handleRefresh)
		auth.GET("/roles", s.handleRoles)
		auth.POST("/logout", s.handleLogout)
		auth.GET("/status", s.handleAuthStatus)
		auth.GET("/health", s.handleAuthHealth)
	}

	pbi := api.Group("/powerbi")
	{
		pbi.POST("/token", s.handleEmbedToken)
		pbi.GET("/reports", s.handleReports)
		pbi.GET("/datasets", s.handleDatasets)
		pbi.POST("/token/validate", s.handleTokenValidate)
		pbi.DELETE("/token/:id", ginmw.RequireAdmin(s.client), s.handleTokenRevoke)
		pbi.POST("/admin/token/revoke-all", ginmw.RequireAdmin(s.client), s.handleRevokeAll)
		pbi.GET("/health", s.handlePowerBIHealth)
	}

	admin := api.Group("/admin", ginmw.RequireAdmin(s.client))
	{
		admin.POST("/maintenance/clear-caches", s.handleClearCaches)
		admin.GET("/users/:id", s.handleUserLookup)
	}

	return r
}

// handleLiveness answers process liveness without touching upstreams.
func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": s.appName})
}

// statusForKind maps an error's kind to an HTTP status. Upstream trouble is
// reported as 502 so callers can tell our fault from the platform's.
func statusForKind(err error) int {
	switch embedauth.KindOf(err) {
	case embedauth.KindTokenInvalid, embedauth.KindTokenExpired:
		return http.StatusUnauthorized
	case embedauth.KindAccessDenied:
		return http.StatusForbidden
	case embedauth.KindUserNotFound:
		return http.StatusNotFound
	case embedauth.KindKeyRetrieval, embedauth.KindUpstream, embedauth.KindEnrichment:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes a JSON error. Production callers get the public message only;
// verbose mode attaches the upstream detail for debugging.
func (s *Server) fail(c *gin.Context, err error) {
	s.logger.Error("request failed",
		"path", c.FullPath(),
		"request_id", ginmw.GetRequestID(c),
		"error", err)

	body := gin.H{"error": embedauth.PublicMessage(err)}
	if s.verboseErrors {
		body["detail"] = err.Error()
	}
	c.JSON(statusForKind(err), body)
}

// recovered handles panics that escaped a handler: log with full detail,
// emit an anomaly audit event, answer with a generic 500.
func (s *Server) recovered(c *gin.Context, rec any) {
	s.logger.Error("panic recovered",
		"path", c.Request.URL.Path,
		"request_id", ginmw.GetRequestID(c),
		"panic", rec)
	s.auditLog.Log(audit.Event{
		Action:    audit.ActionAnomaly,
		Resource:  c.Request.URL.Path,
		Result:    audit.ResultFailure,
		RequestID: ginmw.GetRequestID(c),
		Details:   fmt.Sprint(rec),
	})
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
