// Package directory enriches verified token claims with profile and group
// membership data from the organization's directory API (Microsoft Graph
// compatible). Enrichment results are cached for a short window so repeated
// requests from the same user do not hammer the directory.
//
// Group lookup is best-effort: if the membership call fails after the
// profile was retrieved, the user is returned with no groups and the
// GroupsDegraded marker set, so callers can distinguish "verified but
// unprivileged" from "groups unknown".
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	embedauth "github.com/embedauth/embedauth-go"
	"github.com/embedauth/embedauth-go/audit"
	"github.com/embedauth/embedauth-go/cache"
	"github.com/embedauth/embedauth-go/metrics"
	"github.com/embedauth/embedauth-go/rolemap"
)

const userCacheName = "directory_users"

// Enricher implements embedauth.IdentityEnricher against a Graph-style
// directory API.
type Enricher struct {
	baseURL     string
	scope       string
	tokens      embedauth.TokenSource
	mapper      *rolemap.Mapper
	groupPrefix string
	httpClient  *http.Client
	logger      *slog.Logger
	auditLog    *audit.Logger
	metrics     *metrics.Metrics
	users       *cache.Cache[string, *embedauth.User]
	now         func() time.Time
}

var _ embedauth.IdentityEnricher = (*Enricher)(nil)

// Option configures the Enricher.
type Option func(*Enricher)

// WithHTTPClient sets a custom HTTP client for directory requests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Enricher) { e.httpClient = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Enricher) { e.logger = l }
}

// WithAuditLogger attaches a security audit logger; each directory
// enrichment (not cache hits) emits an event with its outcome.
func WithAuditLogger(al *audit.Logger) Option {
	return func(e *Enricher) { e.auditLog = al }
}

// WithMetrics attaches cache and upstream instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Enricher) { e.metrics = m }
}

// WithUserTTL sets how long enriched users are cached. Default: 15 minutes.
func WithUserTTL(ttl time.Duration) Option {
	return func(e *Enricher) { e.users = cache.New[string, *embedauth.User](ttl) }
}

// WithGroupPrefix restricts group lookups to groups whose display name has
// the given prefix. Empty means no filtering beyond the mapping table.
func WithGroupPrefix(prefix string) Option {
	return func(e *Enricher) { e.groupPrefix = prefix }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Enricher) { e.now = now }
}

// New creates an Enricher for the directory API at baseURL, acquiring
// service tokens for the given scope.
func New(baseURL, scope string, tokens embedauth.TokenSource, mapper *rolemap.Mapper, opts ...Option) *Enricher {
	e := &Enricher{
		baseURL:    baseURL,
		scope:      scope,
		tokens:     tokens,
		mapper:     mapper,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		users:      cache.New[string, *embedauth.User](15 * time.Minute),
		now:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// profileResponse is the directory user profile payload.
type profileResponse struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// memberOfPage is one page of the paginated group membership listing.
type memberOfPage struct {
	Value []struct {
		ODataType   string `json:"@odata.type"`
		DisplayName string `json:"displayName"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// Enrich resolves the claims' subject to a full User with directory groups
// and mapped application roles. Results are served from cache when fresh.
func (e *Enricher) Enrich(ctx context.Context, claims *embedauth.Claims) (*embedauth.User, error) {
	const op = "directory.Enrich"

	if claims == nil || claims.Subject == "" {
		return nil, embedauth.E(embedauth.KindEnrichment, op, "claims carry no subject", nil)
	}

	if user, ok := e.users.Get(claims.Subject); ok {
		e.metrics.CacheHit(userCacheName)
		return user, nil
	}
	e.metrics.CacheMiss(userCacheName)

	profile, err := e.fetchProfile(ctx, claims.Subject)
	if err != nil {
		e.auditLog.Log(audit.Event{
			Action: audit.ActionEnrichment,
			UserID: claims.Subject,
			Result: audit.ResultFailure,
			Error:  err.Error(),
		})
		return nil, err
	}

	user := &embedauth.User{
		ID:        profile.ID,
		Email:     profile.Mail,
		Name:      profile.DisplayName,
		TenantID:  claims.TenantID,
		LastLogin: e.now(),
	}
	if user.Email == "" {
		user.Email = profile.UserPrincipalName
	}
	if user.Email == "" {
		user.Email = claims.Email
	}
	if user.Name == "" {
		user.Name = claims.Name
	}

	groups, err := e.fetchGroups(ctx, claims.Subject)
	if err != nil {
		// Profile resolved but groups did not: degrade to an unprivileged
		// user instead of failing the whole request.
		e.logger.Warn("group lookup degraded",
			"subject", claims.Subject,
			"error", err)
		user.GroupsDegraded = true
		groups = nil
	}
	user.Groups = groups
	user.Roles = e.mapper.Map(groups)
	user.IsAdmin = e.mapper.IsAdmin(groups)

	event := audit.Event{
		Action:    audit.ActionEnrichment,
		UserID:    user.ID,
		Result:    audit.ResultSuccess,
		UserRoles: user.Roles,
	}
	if user.GroupsDegraded {
		event.Details = "group lookup degraded"
	}
	e.auditLog.Log(event)

	e.users.Put(claims.Subject, user)
	return user, nil
}

// Refresh drops the cached entry for a subject so the next Enrich call
// re-reads the directory. Reports whether an entry was present.
func (e *Enricher) Refresh(subject string) bool {
	return e.users.Invalidate(subject)
}

// ClearCache drops all cached users and returns how many were evicted.
func (e *Enricher) ClearCache() int {
	return e.users.Clear()
}

// Healthy probes the directory by acquiring a service credential for the
// configured scope. A failure here means enrichment cannot work at all.
func (e *Enricher) Healthy(ctx context.Context) error {
	const op = "directory.Healthy"
	if _, err := e.tokens.Token(ctx, e.scope); err != nil {
		return embedauth.E(embedauth.KindUpstream, op, "directory credential unavailable", err)
	}
	return nil
}

func (e *Enricher) fetchProfile(ctx context.Context, subject string) (*profileResponse, error) {
	const op = "directory.fetchProfile"

	body, status, err := e.get(ctx, fmt.Sprintf("%s/users/%s", e.baseURL, url.PathEscape(subject)))
	if err != nil {
		return nil, embedauth.E(embedauth.KindUpstream, op, "directory unavailable", err)
	}
	switch {
	case status == http.StatusNotFound:
		return nil, embedauth.E(embedauth.KindUserNotFound, op, "user not found in directory", nil)
	case status != http.StatusOK:
		return nil, embedauth.E(embedauth.KindEnrichment, op, "profile lookup failed",
			fmt.Errorf("directory returned status %d", status))
	}

	var profile profileResponse
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, embedauth.E(embedauth.KindEnrichment, op, "profile lookup failed", err)
	}
	return &profile, nil
}

// fetchGroups walks the paginated memberOf listing and returns the display
// names of security groups, filtered by the configured prefix.
func (e *Enricher) fetchGroups(ctx context.Context, subject string) ([]string, error) {
	const op = "directory.fetchGroups"

	var groups []string
	next := fmt.Sprintf("%s/users/%s/memberOf", e.baseURL, url.PathEscape(subject))
	for next != "" {
		body, status, err := e.get(ctx, next)
		if err != nil {
			return nil, embedauth.E(embedauth.KindUpstream, op, "directory unavailable", err)
		}
		if status != http.StatusOK {
			return nil, embedauth.E(embedauth.KindEnrichment, op, "group lookup failed",
				fmt.Errorf("directory returned status %d", status))
		}

		var page memberOfPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, embedauth.E(embedauth.KindEnrichment, op, "group lookup failed", err)
		}
		for _, obj := range page.Value {
			if obj.ODataType != "#microsoft.graph.group" {
				continue
			}
			if !e.relevantGroup(obj.DisplayName) {
				continue
			}
			groups = append(groups, obj.DisplayName)
		}
		next = page.NextLink
	}
	return groups, nil
}

// relevantGroup keeps groups with the configured prefix plus any group the
// mapping table knows, so a mapped group without the prefix still counts.
func (e *Enricher) relevantGroup(name string) bool {
	if e.groupPrefix == "" || strings.HasPrefix(name, e.groupPrefix) {
		return true
	}
	return e.mapper.Maps(name)
}

func (e *Enricher) get(ctx context.Context, rawURL string) ([]byte, int, error) {
	token, err := e.tokens.Token(ctx, e.scope)
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	e.metrics.ObserveUpstream("directory", time.Since(start))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}
