// Package powerbi issues delegated embed tokens from the Power BI REST API
// and manages their lifecycle. Tokens are generated with a service
// principal, scoped to one report and dataset, and bound to the requesting
// user's row-level security roles. Issued tokens are cached until expiry so
// the server can answer validity checks and honor revocation without
// another platform round trip.
package powerbi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	embedauth "github.com/embedauth/embedauth-go"
	"github.com/embedauth/embedauth-go/audit"
	"github.com/embedauth/embedauth-go/cache"
	"github.com/embedauth/embedauth-go/metrics"
	"github.com/embedauth/embedauth-go/rls"
	"github.com/google/uuid"
)

const (
	reportCacheName = "powerbi_reports"
	tokenCacheName  = "powerbi_tokens"
)

// Service implements embedauth.EmbedIssuer against the Power BI REST API.
type Service struct {
	apiURL      string
	scope       string
	workspaceID string
	reportID    string // configured default
	datasetID   string // configured default
	lifetime    time.Duration

	tokens     embedauth.TokenSource
	registry   *rls.Registry
	httpClient *http.Client
	logger     *slog.Logger
	auditLog   *audit.Logger
	metrics    *metrics.Metrics

	reports     *cache.Cache[string, *embedauth.ReportInfo]
	embedTokens *cache.Cache[string, *embedauth.EmbedToken]
	now         func() time.Time
}

var _ embedauth.EmbedIssuer = (*Service)(nil)

// Option configures the Service.
type Option func(*Service)

// WithHTTPClient sets a custom HTTP client for platform requests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithAuditLogger attaches an audit trail for token lifecycle events.
func WithAuditLogger(al *audit.Logger) Option {
	return func(s *Service) { s.auditLog = al }
}

// WithMetrics attaches issuance and cache instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithDefaults sets the report and dataset used when a request names none.
func WithDefaults(reportID, datasetID string) Option {
	return func(s *Service) {
		s.reportID = reportID
		s.datasetID = datasetID
	}
}

// WithTokenLifetime sets the requested embed token lifetime.
// Default: 60 minutes.
func WithTokenLifetime(d time.Duration) Option {
	return func(s *Service) { s.lifetime = d }
}

// WithReportTTL bounds the report metadata cache. Zero keeps metadata until
// an explicit clear, which is the default: report ids and embed URLs do not
// change in place.
func WithReportTTL(ttl time.Duration) Option {
	return func(s *Service) { s.reports = cache.New[string, *embedauth.ReportInfo](ttl) }
}

// WithRLSRegistry sets the role catalogue consulted for effective filters.
func WithRLSRegistry(r *rls.Registry) Option {
	return func(s *Service) { s.registry = r }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service for the workspace, acquiring platform credentials
// for the given scope from tokens.
func New(apiURL, scope, workspaceID string, tokens embedauth.TokenSource, opts ...Option) *Service {
	s := &Service{
		apiURL:      apiURL,
		scope:       scope,
		workspaceID: workspaceID,
		lifetime:    60 * time.Minute,
		tokens:      tokens,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      slog.Default(),
		reports:     cache.New[string, *embedauth.ReportInfo](0),
		embedTokens: cache.New[string, *embedauth.EmbedToken](0),
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// rlsIdentity is the effective identity block sent with a token request.
type rlsIdentity struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	Datasets []string `json:"datasets"`
}

// generateTokenRequest is the platform's GenerateToken payload.
type generateTokenRequest struct {
	AccessLevel       string        `json:"accessLevel"`
	DatasetID         string        `json:"datasetId,omitempty"`
	AllowSaveAs       bool          `json:"allowSaveAs"`
	Identities        []rlsIdentity `json:"identities,omitempty"`
	LifetimeInMinutes int           `json:"lifetimeInMinutes"`
}

// generateTokenResponse is the platform's GenerateToken reply.
type generateTokenResponse struct {
	Token      string `json:"token"`
	TokenID    string `json:"tokenId"`
	Expiration string `json:"expiration"`
}

// reportResponse is the platform's report metadata payload.
type reportResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	EmbedURL  string `json:"embedUrl"`
	DatasetID string `json:"datasetId"`
}

// GenerateEmbedToken issues an embed token for the user, applying their
// row-level security roles, and returns the client embed configuration.
func (s *Service) GenerateEmbedToken(ctx context.Context, user *embedauth.User, req embedauth.EmbedRequest) (*embedauth.EmbedConfig, error) {
	const op = "powerbi.GenerateEmbedToken"

	reportID := req.ReportID
	if reportID == "" {
		reportID = s.reportID
	}
	if reportID == "" {
		return nil, embedauth.E(embedauth.KindConfig, op, "no report configured", nil)
	}

	if !s.mayEmbed(user) {
		s.metrics.TokenIssued("denied")
		return nil, embedauth.E(embedauth.KindAccessDenied, op, "user has no role with report access", nil)
	}

	accessLevel := req.AccessLevel
	if accessLevel == "" {
		accessLevel = embedauth.AccessView
	}
	if !accessLevel.Valid() {
		return nil, embedauth.E(embedauth.KindConfig, op,
			fmt.Sprintf("unknown access level %q", accessLevel), nil)
	}

	report, err := s.report(ctx, reportID)
	if err != nil {
		s.metrics.TokenIssued("failure")
		return nil, err
	}

	datasetID := req.DatasetID
	if datasetID == "" {
		datasetID = report.DatasetID
	}
	if datasetID == "" {
		datasetID = s.datasetID
	}

	payload := generateTokenRequest{
		AccessLevel:       string(accessLevel),
		DatasetID:         datasetID,
		AllowSaveAs:       false,
		LifetimeInMinutes: int(s.lifetime / time.Minute),
	}

	// Admins see all rows: no identity block. Everyone else gets an
	// identity asserting email and effective roles against the dataset.
	var appliedRoles []string
	if !user.IsAdmin {
		appliedRoles = s.effectiveRoles(ctx, user)
		payload.Identities = []rlsIdentity{{
			Username: user.Email,
			Roles:    appliedRoles,
			Datasets: []string{datasetID},
		}}
	}

	tokenResp, err := s.generateToken(ctx, reportID, payload)
	if err != nil {
		s.metrics.TokenIssued("failure")
		return nil, err
	}

	tokenID := tokenResp.TokenID
	if tokenID == "" {
		tokenID = uuid.NewString()
	}
	expiresAt := s.now().Add(s.lifetime)

	token := &embedauth.EmbedToken{
		Token:      tokenResp.Token,
		TokenID:    tokenID,
		ExpiresAt:  expiresAt,
		Reports:    []string{reportID},
		Datasets:   []string{datasetID},
		Workspaces: []string{s.workspaceID},
	}
	s.embedTokens.PutUntil(tokenID, token, expiresAt)

	s.auditLog.TokenIssued(user.ID, reportID, tokenID, appliedRoles, expiresAt)
	s.metrics.TokenIssued("success")
	s.logger.Info("embed token issued",
		"user_id", user.ID,
		"report_id", reportID,
		"token_id", tokenID,
		"applied_roles", appliedRoles,
		"expires_at", expiresAt)

	return &embedauth.EmbedConfig{
		Type:        "report",
		ReportID:    report.ID,
		EmbedURL:    report.EmbedURL,
		AccessToken: tokenResp.Token,
		TokenType:   "Embed",
		Permissions: string(accessLevel),
		Settings: embedauth.EmbedSettings{
			FilterPaneEnabled:     false,
			NavContentPaneEnabled: true,
			VisualHeadersVisible:  true,
		},
		DatasetID: datasetID,
		TokenInfo: embedauth.TokenDetails{
			TokenID:      tokenID,
			ExpiresAt:    expiresAt,
			AppliedRoles: appliedRoles,
			UserID:       user.ID,
		},
	}, nil
}

// ReportsForUser lists the workspace's reports for a user who passes the
// embed gate.
func (s *Service) ReportsForUser(ctx context.Context, user *embedauth.User) ([]embedauth.ReportInfo, error) {
	const op = "powerbi.ReportsForUser"

	if !s.mayEmbed(user) {
		return nil, embedauth.E(embedauth.KindAccessDenied, op, "user has no role with report access", nil)
	}

	body, err := s.get(ctx, fmt.Sprintf("%s/groups/%s/reports", s.apiURL, url.PathEscape(s.workspaceID)))
	if err != nil {
		return nil, embedauth.E(embedauth.KindUpstream, op, "report listing unavailable", err)
	}

	var listing struct {
		Value []reportResponse `json:"value"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, embedauth.E(embedauth.KindUpstream, op, "report listing unavailable", err)
	}

	reports := make([]embedauth.ReportInfo, 0, len(listing.Value))
	for _, r := range listing.Value {
		reports = append(reports, embedauth.ReportInfo{
			ID:          r.ID,
			Name:        r.Name,
			EmbedURL:    r.EmbedURL,
			DatasetID:   r.DatasetID,
			WorkspaceID: s.workspaceID,
		})
	}
	return reports, nil
}

// DatasetsForUser lists the workspace's datasets for a user who passes the
// embed gate.
func (s *Service) DatasetsForUser(ctx context.Context, user *embedauth.User) ([]embedauth.DatasetInfo, error) {
	const op = "powerbi.DatasetsForUser"

	if !s.mayEmbed(user) {
		return nil, embedauth.E(embedauth.KindAccessDenied, op, "user has no role with report access", nil)
	}

	body, err := s.get(ctx, fmt.Sprintf("%s/groups/%s/datasets", s.apiURL, url.PathEscape(s.workspaceID)))
	if err != nil {
		return nil, embedauth.E(embedauth.KindUpstream, op, "dataset listing unavailable", err)
	}

	var listing struct {
		Value []struct {
			ID           string `json:"id"`
			Name         string `json:"name"`
			ConfiguredBy string `json:"configuredBy"`
		} `json:"value"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, embedauth.E(embedauth.KindUpstream, op, "dataset listing unavailable", err)
	}

	datasets := make([]embedauth.DatasetInfo, 0, len(listing.Value))
	for _, d := range listing.Value {
		datasets = append(datasets, embedauth.DatasetInfo{
			ID:           d.ID,
			Name:         d.Name,
			ConfiguredBy: d.ConfiguredBy,
		})
	}
	return datasets, nil
}

// IsValid reports whether the token is cached and unexpired. The cache
// evicts expired entries on read, so a stale token answers false exactly
// once and is gone.
func (s *Service) IsValid(tokenID string) bool {
	token, ok := s.embedTokens.Get(tokenID)
	return ok && !token.Expired(s.now())
}

// Revoke removes a token from the cache, reporting whether it existed.
// The platform-side token remains valid until expiry; revocation here stops
// this server from vouching for it.
func (s *Service) Revoke(tokenID string) bool {
	found := s.embedTokens.Invalidate(tokenID)
	s.auditLog.TokenRevoked("", tokenID, found)
	if found {
		s.metrics.TokenRevoked()
	}
	return found
}

// RevokeAll clears the token cache and returns the prior entry count.
func (s *Service) RevokeAll() int {
	n := s.embedTokens.Clear()
	s.auditLog.Log(audit.Event{
		Action:  audit.ActionTokenRevoked,
		Result:  audit.ResultSuccess,
		Details: fmt.Sprintf("revoked all (%d tokens)", n),
	})
	for i := 0; i < n; i++ {
		s.metrics.TokenRevoked()
	}
	return n
}

// ClearReportCache drops cached report metadata and returns the eviction
// count. Used by the admin maintenance endpoint after report republish.
func (s *Service) ClearReportCache() int {
	return s.reports.Clear()
}

// Healthy probes the workspace endpoint with a live service credential.
func (s *Service) Healthy(ctx context.Context) error {
	const op = "powerbi.Healthy"
	if _, err := s.get(ctx, fmt.Sprintf("%s/groups/%s/reports", s.apiURL, url.PathEscape(s.workspaceID))); err != nil {
		return embedauth.E(embedauth.KindUpstream, op, "platform unreachable", err)
	}
	return nil
}

// mayEmbed gates embed operations: admins always pass, everyone else needs
// at least one role beyond Public.
func (s *Service) mayEmbed(user *embedauth.User) bool {
	if user == nil {
		return false
	}
	if user.IsAdmin {
		return true
	}
	for _, r := range user.Roles {
		if r != embedauth.RolePublic {
			return true
		}
	}
	return false
}

// effectiveRoles returns the RLS role names asserted for a non-admin user.
func (s *Service) effectiveRoles(ctx context.Context, user *embedauth.User) []string {
	if s.registry == nil {
		return user.Roles
	}
	mapping := s.registry.MappingFor(ctx, user)
	if len(mapping.Filters) == 0 {
		return user.Roles
	}
	roles := make([]string, 0, len(mapping.Filters))
	for _, f := range mapping.Filters {
		roles = append(roles, f.Name)
	}
	return roles
}

// report returns metadata for one report, serving the cache when possible.
func (s *Service) report(ctx context.Context, reportID string) (*embedauth.ReportInfo, error) {
	const op = "powerbi.report"

	if info, ok := s.reports.Get(reportID); ok {
		s.metrics.CacheHit(reportCacheName)
		return info, nil
	}
	s.metrics.CacheMiss(reportCacheName)

	body, err := s.get(ctx, fmt.Sprintf("%s/groups/%s/reports/%s",
		s.apiURL, url.PathEscape(s.workspaceID), url.PathEscape(reportID)))
	if err != nil {
		return nil, embedauth.E(embedauth.KindUpstream, op, "report metadata unavailable", err)
	}

	var resp reportResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, embedauth.E(embedauth.KindUpstream, op, "report metadata unavailable", err)
	}

	info := &embedauth.ReportInfo{
		ID:          resp.ID,
		Name:        resp.Name,
		EmbedURL:    resp.EmbedURL,
		DatasetID:   resp.DatasetID,
		WorkspaceID: s.workspaceID,
	}
	s.reports.Put(reportID, info)
	return info, nil
}

func (s *Service) generateToken(ctx context.Context, reportID string, payload generateTokenRequest) (*generateTokenResponse, error) {
	const op = "powerbi.generateToken"

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, embedauth.E(embedauth.KindUpstream, op, "embed token request failed", err)
	}

	respBody, err := s.post(ctx, fmt.Sprintf("%s/groups/%s/reports/%s/GenerateToken",
		s.apiURL, url.PathEscape(s.workspaceID), url.PathEscape(reportID)), body)
	if err != nil {
		return nil, embedauth.E(embedauth.KindUpstream, op, "embed token request failed", err)
	}

	var resp generateTokenResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, embedauth.E(embedauth.KindUpstream, op, "embed token request failed", err)
	}
	if resp.Token == "" {
		return nil, embedauth.E(embedauth.KindUpstream, op, "embed token request failed",
			fmt.Errorf("platform returned no token"))
	}
	return &resp, nil
}

func (s *Service) get(ctx context.Context, rawURL string) ([]byte, error) {
	return s.do(ctx, http.MethodGet, rawURL, nil)
}

func (s *Service) post(ctx context.Context, rawURL string, body []byte) ([]byte, error) {
	return s.do(ctx, http.MethodPost, rawURL, body)
}

func (s *Service) do(ctx context.Context, method, rawURL string, body []byte) ([]byte, error) {
	token, err := s.tokens.Token(ctx, s.scope)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	s.metrics.ObserveUpstream("powerbi", time.Since(start))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("platform returned status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}
	return respBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
