package powerbi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	embedauth "github.com/embedauth/embedauth-go"
	"github.com/embedauth/embedauth-go/rls"
)

type staticTokens string

func (s staticTokens) Token(_ context.Context, _ string) (string, error) {
	return string(s), nil
}

func roleAUser() *embedauth.User {
	return &embedauth.User{
		ID:    "user-1",
		Email: "ada@example.com",
		Roles: []string{embedauth.RoleA},
	}
}

func adminUser() *embedauth.User {
	return &embedauth.User{
		ID:      "admin-1",
		Email:   "root@example.com",
		Roles:   []string{embedauth.RoleAdmin},
		IsAdmin: true,
	}
}

// platformFixture captures GenerateToken payloads and counts metadata reads.
type platformFixture struct {
	srv         *httptest.Server
	reportReads int64
	lastPayload atomic.Pointer[generateTokenRequest]
}

func newPlatform(t *testing.T) *platformFixture {
	t.Helper()
	f := &platformFixture{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer svc-token" {
			t.Errorf("Authorization = %q", got)
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/GenerateToken"):
			var payload generateTokenRequest
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			f.lastPayload.Store(&payload)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"token":      "embed-token-abc",
				"tokenId":    "token-id-1",
				"expiration": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			})
		case strings.HasSuffix(r.URL.Path, "/reports/report-1"):
			atomic.AddInt64(&f.reportReads, 1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":        "report-1",
				"name":      "Sales Overview",
				"embedUrl":  "https://app.powerbi.com/reportEmbed?reportId=report-1",
				"datasetId": "dataset-1",
			})
		case strings.HasSuffix(r.URL.Path, "/reports"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]any{
					{"id": "report-1", "name": "Sales Overview", "embedUrl": "https://example/r1", "datasetId": "dataset-1"},
					{"id": "report-2", "name": "Inventory", "embedUrl": "https://example/r2", "datasetId": "dataset-2"},
				},
			})
		case strings.HasSuffix(r.URL.Path, "/datasets"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]any{
					{"id": "dataset-1", "name": "Sales", "configuredBy": "svc@example.com"},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func newService(f *platformFixture, opts ...Option) *Service {
	base := []Option{WithDefaults("report-1", ""), WithRLSRegistry(rls.DefaultRegistry())}
	return New(f.srv.URL, "pbi-scope", "workspace-1", staticTokens("svc-token"), append(base, opts...)...)
}

func TestGenerateEmbedToken(t *testing.T) {
	f := newPlatform(t)
	svc := newService(f)

	cfg, err := svc.GenerateEmbedToken(context.Background(), roleAUser(), embedauth.EmbedRequest{})
	if err != nil {
		t.Fatalf("GenerateEmbedToken() error: %v", err)
	}

	if cfg.Type != "report" || cfg.TokenType != "Embed" {
		t.Errorf("type/tokenType = %q/%q", cfg.Type, cfg.TokenType)
	}
	if cfg.ReportID != "report-1" || cfg.DatasetID != "dataset-1" {
		t.Errorf("report/dataset = %q/%q", cfg.ReportID, cfg.DatasetID)
	}
	if cfg.AccessToken != "embed-token-abc" {
		t.Errorf("AccessToken = %q", cfg.AccessToken)
	}
	if cfg.EmbedURL == "" {
		t.Error("EmbedURL empty")
	}
	if cfg.Permissions != string(embedauth.AccessView) {
		t.Errorf("Permissions = %q", cfg.Permissions)
	}
	if cfg.Settings.FilterPaneEnabled {
		t.Error("FilterPaneEnabled = true, want false")
	}
	if !cfg.Settings.VisualHeadersVisible {
		t.Error("VisualHeadersVisible = false, want true")
	}
	if cfg.TokenInfo.TokenID != "token-id-1" || cfg.TokenInfo.UserID != "user-1" {
		t.Errorf("TokenInfo = %+v", cfg.TokenInfo)
	}

	payload := f.lastPayload.Load()
	if payload.AllowSaveAs {
		t.Error("allowSaveAs = true, want false")
	}
	if payload.LifetimeInMinutes != 60 {
		t.Errorf("lifetimeInMinutes = %d, want 60", payload.LifetimeInMinutes)
	}
	if len(payload.Identities) != 1 {
		t.Fatalf("identities = %v, want one", payload.Identities)
	}
	id := payload.Identities[0]
	if id.Username != "ada@example.com" {
		t.Errorf("identity username = %q", id.Username)
	}
	if len(id.Roles) != 1 || id.Roles[0] != embedauth.RoleA {
		t.Errorf("identity roles = %v", id.Roles)
	}
	if len(id.Datasets) != 1 || id.Datasets[0] != "dataset-1" {
		t.Errorf("identity datasets = %v", id.Datasets)
	}
}

func TestGenerateEmbedTokenAdminOmitsIdentity(t *testing.T) {
	f := newPlatform(t)
	svc := newService(f)

	cfg, err := svc.GenerateEmbedToken(context.Background(), adminUser(), embedauth.EmbedRequest{})
	if err != nil {
		t.Fatalf("GenerateEmbedToken() error: %v", err)
	}
	if payload := f.lastPayload.Load(); len(payload.Identities) != 0 {
		t.Errorf("identities = %v, want none for admin", payload.Identities)
	}
	if len(cfg.TokenInfo.AppliedRoles) != 0 {
		t.Errorf("AppliedRoles = %v, want none for admin", cfg.TokenInfo.AppliedRoles)
	}
}

func TestGenerateEmbedTokenPublicDenied(t *testing.T) {
	f := newPlatform(t)
	svc := newService(f)

	user := &embedauth.User{ID: "user-2", Roles: []string{embedauth.RolePublic}}
	_, err := svc.GenerateEmbedToken(context.Background(), user, embedauth.EmbedRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := embedauth.KindOf(err); kind != embedauth.KindAccessDenied {
		t.Errorf("kind = %v, want KindAccessDenied", kind)
	}
}

func TestGenerateEmbedTokenNoReportConfigured(t *testing.T) {
	f := newPlatform(t)
	svc := New(f.srv.URL, "pbi-scope", "workspace-1", staticTokens("svc-token"))

	_, err := svc.GenerateEmbedToken(context.Background(), roleAUser(), embedauth.EmbedRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := embedauth.KindOf(err); kind != embedauth.KindConfig {
		t.Errorf("kind = %v, want KindConfig", kind)
	}
}

func TestGenerateEmbedTokenInvalidAccessLevel(t *testing.T) {
	f := newPlatform(t)
	svc := newService(f)

	_, err := svc.GenerateEmbedToken(context.Background(), roleAUser(),
		embedauth.EmbedRequest{AccessLevel: "Owner"})
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := embedauth.KindOf(err); kind != embedauth.KindConfig {
		t.Errorf("kind = %v, want KindConfig", kind)
	}
}

func TestGenerateEmbedTokenRequestOverrides(t *testing.T) {
	f := newPlatform(t)
	svc := newService(f)

	_, err := svc.GenerateEmbedToken(context.Background(), roleAUser(), embedauth.EmbedRequest{
		ReportID:    "report-1",
		DatasetID:   "dataset-override",
		AccessLevel: embedauth.AccessEdit,
	})
	if err != nil {
		t.Fatalf("GenerateEmbedToken() error: %v", err)
	}
	payload := f.lastPayload.Load()
	if payload.DatasetID != "dataset-override" {
		t.Errorf("datasetId = %q", payload.DatasetID)
	}
	if payload.AccessLevel != string(embedauth.AccessEdit) {
		t.Errorf("accessLevel = %q", payload.AccessLevel)
	}
}

func TestReportMetadataCached(t *testing.T) {
	f := newPlatform(t)
	svc := newService(f)

	for i := 0; i < 3; i++ {
		if _, err := svc.GenerateEmbedToken(context.Background(), roleAUser(), embedauth.EmbedRequest{}); err != nil {
			t.Fatalf("GenerateEmbedToken() error: %v", err)
		}
	}
	if got := atomic.LoadInt64(&f.reportReads); got != 1 {
		t.Errorf("report metadata reads = %d, want 1", got)
	}

	if got := svc.ClearReportCache(); got != 1 {
		t.Errorf("ClearReportCache() = %d, want 1", got)
	}
	if _, err := svc.GenerateEmbedToken(context.Background(), roleAUser(), embedauth.EmbedRequest{}); err != nil {
		t.Fatalf("GenerateEmbedToken() error: %v", err)
	}
	if got := atomic.LoadInt64(&f.reportReads); got != 2 {
		t.Errorf("report metadata reads after clear = %d, want 2", got)
	}
}

func TestTokenLifecycle(t *testing.T) {
	f := newPlatform(t)

	// The service clock is faked but the token cache keeps wall time, so
	// the fake starts at now and only moves forward.
	current := time.Now()
	svc := newService(f, WithClock(func() time.Time { return current }))

	if _, err := svc.GenerateEmbedToken(context.Background(), roleAUser(), embedauth.EmbedRequest{}); err != nil {
		t.Fatalf("GenerateEmbedToken() error: %v", err)
	}

	if !svc.IsValid("token-id-1") {
		t.Error("IsValid = false, want true")
	}
	if svc.IsValid("unknown-token") {
		t.Error("IsValid(unknown) = true, want false")
	}

	current = current.Add(61 * time.Minute)
	if svc.IsValid("token-id-1") {
		t.Error("IsValid = true after expiry, want false")
	}
}

func TestRevoke(t *testing.T) {
	f := newPlatform(t)
	svc := newService(f)

	if _, err := svc.GenerateEmbedToken(context.Background(), roleAUser(), embedauth.EmbedRequest{}); err != nil {
		t.Fatalf("GenerateEmbedToken() error: %v", err)
	}

	if !svc.Revoke("token-id-1") {
		t.Error("Revoke = false, want true")
	}
	if svc.Revoke("token-id-1") {
		t.Error("second Revoke = true, want false")
	}
	if svc.IsValid("token-id-1") {
		t.Error("IsValid = true after revoke, want false")
	}
}

func TestRevokeAll(t *testing.T) {
	f := newPlatform(t)
	svc := newService(f)

	if _, err := svc.GenerateEmbedToken(context.Background(), roleAUser(), embedauth.EmbedRequest{}); err != nil {
		t.Fatalf("GenerateEmbedToken() error: %v", err)
	}

	if got := svc.RevokeAll(); got != 1 {
		t.Errorf("RevokeAll() = %d, want 1", got)
	}
	if got := svc.RevokeAll(); got != 0 {
		t.Errorf("second RevokeAll() = %d, want 0", got)
	}
}

func TestReportsForUser(t *testing.T) {
	f := newPlatform(t)
	svc := newService(f)

	reports, err := svc.ReportsForUser(context.Background(), roleAUser())
	if err != nil {
		t.Fatalf("ReportsForUser() error: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("len(reports) = %d, want 2", len(reports))
	}
	if reports[0].ID != "report-1" || reports[0].WorkspaceID != "workspace-1" {
		t.Errorf("reports[0] = %+v", reports[0])
	}

	_, err = svc.ReportsForUser(context.Background(), &embedauth.User{Roles: []string{embedauth.RolePublic}})
	if kind := embedauth.KindOf(err); kind != embedauth.KindAccessDenied {
		t.Errorf("kind = %v, want KindAccessDenied", kind)
	}
}

func TestDatasetsForUser(t *testing.T) {
	f := newPlatform(t)
	svc := newService(f)

	datasets, err := svc.DatasetsForUser(context.Background(), roleAUser())
	if err != nil {
		t.Fatalf("DatasetsForUser() error: %v", err)
	}
	if len(datasets) != 1 || datasets[0].ID != "dataset-1" || datasets[0].ConfiguredBy != "svc@example.com" {
		t.Errorf("datasets = %+v", datasets)
	}
}

func TestGenerateEmbedTokenPlatformFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	svc := New(srv.URL, "pbi-scope", "workspace-1", staticTokens("svc-token"),
		WithDefaults("report-1", ""))
	_, err := svc.GenerateEmbedToken(context.Background(), roleAUser(), embedauth.EmbedRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := embedauth.KindOf(err); kind != embedauth.KindUpstream {
		t.Errorf("kind = %v, want KindUpstream", kind)
	}
}

func TestHealthy(t *testing.T) {
	f := newPlatform(t)
	svc := newService(f)
	if err := svc.Healthy(context.Background()); err != nil {
		t.Errorf("Healthy() error: %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	down.Close()
	bad := New(down.URL, "pbi-scope", "workspace-1", staticTokens("svc-token"))
	if err := bad.Healthy(context.Background()); err == nil {
		t.Error("Healthy() = nil for unreachable platform")
	}
}
