// Package rls holds the row-level security role catalogue: the DAX filter
// expressions behind each application role and the mapping from a user's
// roles to the effective RLS identity applied when issuing embed tokens.
package rls

import (
	"context"
	"sort"
	"sync"
	"time"

	embedauth "github.com/embedauth/embedauth-go"
	"github.com/embedauth/embedauth-go/audit"
	"github.com/embedauth/embedauth-go/cache"
)

// RuleType classifies how an RLS role filters rows.
type RuleType string

const (
	// RuleStatic filters on a fixed predicate.
	RuleStatic RuleType = "static"
	// RuleDynamic filters on the identity of the requesting user.
	RuleDynamic RuleType = "dynamic"
	// RuleConditional filters on a runtime condition such as a flag column.
	RuleConditional RuleType = "conditional"
)

// RoleDefinition describes one RLS role as configured in the dataset model.
// The expression is informational on this side: enforcement happens in the
// analytics platform, which matches roles by name.
type RoleDefinition struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Expression  string   `json:"expression"`
	Type        RuleType `json:"type"`
	Tables      []string `json:"tables"`
	Active      bool     `json:"active"`
}

// UserMapping is the resolved RLS view for one user: the roles that will be
// asserted in the embed token identity and the filters they imply.
type UserMapping struct {
	UserID     string           `json:"userId"`
	Email      string           `json:"email"`
	Roles      []string         `json:"roles"`
	Filters    []RoleDefinition `json:"filters"`
	Admin      bool             `json:"admin"`
	ResolvedAt time.Time        `json:"resolvedAt"`
}

// Registry is the in-memory role catalogue.
type Registry struct {
	mu       sync.RWMutex
	roles    map[string]RoleDefinition
	mappings *cache.Cache[string, *UserMapping]
	auditLog *audit.Logger
	now      func() time.Time
}

// Option configures the Registry.
type Option func(*Registry)

// WithMappingTTL sets how long resolved user mappings are cached.
// Default: 15 minutes.
func WithMappingTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.mappings = cache.New[string, *UserMapping](ttl) }
}

// WithAuditLogger attaches a security audit logger; each freshly resolved
// user mapping (not cache hits) emits an event naming the applied filters.
func WithAuditLogger(al *audit.Logger) Option {
	return func(r *Registry) { r.auditLog = al }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry seeded with the given role definitions.
func NewRegistry(roles []RoleDefinition, opts ...Option) *Registry {
	r := &Registry{
		roles:    make(map[string]RoleDefinition, len(roles)),
		mappings: cache.New[string, *UserMapping](15 * time.Minute),
		now:      time.Now,
	}
	for _, def := range roles {
		r.roles[def.Name] = def
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// DefaultRegistry returns a registry with the stock role catalogue.
func DefaultRegistry(opts ...Option) *Registry {
	return NewRegistry([]RoleDefinition{
		{
			Name:        embedauth.RoleAdmin,
			Description: "Unrestricted access to all rows",
			Expression:  "1=1",
			Type:        RuleStatic,
			Active:      true,
		},
		{
			Name:        embedauth.RoleA,
			Description: "Rows for region A",
			Expression:  `[Region] = "A"`,
			Type:        RuleStatic,
			Tables:      []string{"Sales", "Customers", "Products"},
			Active:      true,
		},
		{
			Name:        embedauth.RoleB,
			Description: "Rows for region B",
			Expression:  `[Region] = "B"`,
			Type:        RuleStatic,
			Tables:      []string{"Sales", "Customers", "Products"},
			Active:      true,
		},
		{
			Name:        "Dynamic",
			Description: "Rows owned by the requesting user",
			Expression:  "[UserEmail] = USERPRINCIPALNAME()",
			Type:        RuleDynamic,
			Tables:      []string{"Sales"},
			Active:      true,
		},
		{
			Name:        embedauth.RolePublic,
			Description: "Rows flagged as public",
			Expression:  "[IsPublic] = TRUE()",
			Type:        RuleConditional,
			Tables:      []string{"Sales", "Products"},
			Active:      true,
		},
	}, opts...)
}

// List returns all role definitions sorted by name.
func (r *Registry) List() []RoleDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoleDefinition, 0, len(r.roles))
	for _, def := range r.roles {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the definition for a role name.
func (r *Registry) Get(name string) (RoleDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.roles[name]
	return def, ok
}

// Upsert adds or replaces a role definition and invalidates all cached
// user mappings, since their effective filters may have changed.
func (r *Registry) Upsert(def RoleDefinition) {
	r.mu.Lock()
	r.roles[def.Name] = def
	r.mu.Unlock()
	r.mappings.Clear()
}

// MappingFor resolves the effective RLS mapping for a user. Admins carry no
// filters: the identity block is omitted for them at token issue time.
// Results are cached per user ID.
func (r *Registry) MappingFor(_ context.Context, user *embedauth.User) *UserMapping {
	if m, ok := r.mappings.Get(user.ID); ok {
		return m
	}

	m := &UserMapping{
		UserID:     user.ID,
		Email:      user.Email,
		Roles:      append([]string(nil), user.Roles...),
		Admin:      user.IsAdmin,
		ResolvedAt: r.now(),
	}
	if !user.IsAdmin {
		r.mu.RLock()
		for _, role := range user.Roles {
			if def, ok := r.roles[role]; ok && def.Active {
				m.Filters = append(m.Filters, def)
			}
		}
		r.mu.RUnlock()
	}

	applied := make([]string, 0, len(m.Filters))
	for _, def := range m.Filters {
		applied = append(applied, def.Name)
	}
	event := audit.Event{
		Action:       audit.ActionDataAccess,
		UserID:       m.UserID,
		Result:       audit.ResultSuccess,
		UserRoles:    m.Roles,
		AppliedRoles: applied,
	}
	if m.Admin {
		event.Details = "admin, no row filters"
	}
	r.auditLog.Log(event)

	r.mappings.Put(user.ID, m)
	return m
}

// InvalidateMapping drops the cached mapping for one user.
func (r *Registry) InvalidateMapping(userID string) bool {
	return r.mappings.Invalidate(userID)
}

// ClearMappings drops all cached mappings and returns the eviction count.
func (r *Registry) ClearMappings() int {
	return r.mappings.Clear()
}
