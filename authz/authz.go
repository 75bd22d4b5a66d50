// Package authz makes role-based access decisions. Decisions are boolean
// and never error: a user either carries a required role or does not.
// Admins pass every check.
package authz

import (
	"context"
	"log/slog"

	embedauth "github.com/embedauth/embedauth-go"
	"github.com/embedauth/embedauth-go/audit"
	"github.com/embedauth/embedauth-go/metrics"
)

// Authorizer implements embedauth.Authorizer with role intersection.
type Authorizer struct {
	logger   *slog.Logger
	auditLog *audit.Logger
	metrics  *metrics.Metrics
}

var _ embedauth.Authorizer = (*Authorizer)(nil)

// Option configures the Authorizer.
type Option func(*Authorizer)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authorizer) { a.logger = l }
}

// WithAuditLogger attaches an audit trail for denials.
func WithAuditLogger(al *audit.Logger) Option {
	return func(a *Authorizer) { a.auditLog = al }
}

// WithMetrics attaches denial counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Authorizer) { a.metrics = m }
}

// New creates an Authorizer.
func New(opts ...Option) *Authorizer {
	a := &Authorizer{logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Authorize reports whether the user may access the resource. An empty
// required list means the resource is open to any authenticated user.
// Admins are always allowed; otherwise the user must hold at least one of
// the required roles. A nil user is always denied.
func (a *Authorizer) Authorize(_ context.Context, user *embedauth.User, resource string, required []string) bool {
	if user == nil {
		a.deny(nil, resource, required)
		return false
	}
	if len(required) == 0 || user.IsAdmin {
		return true
	}
	for _, role := range required {
		if user.HasRole(role) {
			return true
		}
	}
	a.deny(user, resource, required)
	return false
}

func (a *Authorizer) deny(user *embedauth.User, resource string, required []string) {
	userID := ""
	var roles []string
	if user != nil {
		userID = user.ID
		roles = user.Roles
	}
	a.logger.Warn("access denied",
		"user_id", userID,
		"resource", resource,
		"required_roles", required,
		"user_roles", roles)
	a.auditLog.AccessDenied(userID, resource, required, roles)
	a.metrics.AccessDenied(resource)
}
