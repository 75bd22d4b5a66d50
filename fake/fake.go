// Package fake provides in-memory implementations of all embedauth
// interfaces for testing.
//
// The fake verifier treats the bearer token string as a user ID, so tests
// authenticate with `Authorization: Bearer u1`. Use fake.NewClient() in
// unit tests to avoid network calls and external dependencies.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	embedauth "github.com/embedauth/embedauth-go"
)

// Option configures the fake client.
type Option func(*state)

type state struct {
	mu     sync.RWMutex
	users  map[string]*embedauth.User // userID → User
	tokens map[string]*embedauth.EmbedToken
	nextID int
}

// WithUser adds a fake user resolvable by ID.
func WithUser(id, email string, roles []string) Option {
	return func(s *state) {
		isAdmin := false
		for _, r := range roles {
			if r == embedauth.RoleAdmin {
				isAdmin = true
			}
		}
		s.users[id] = &embedauth.User{
			ID:        id,
			Email:     email,
			Name:      email,
			Roles:     append([]string(nil), roles...),
			IsAdmin:   isAdmin,
			LastLogin: time.Now(),
		}
	}
}

// NewClient builds an embedauth.Client backed entirely by in-memory fakes.
func NewClient(opts ...Option) *embedauth.Client {
	s := &state{
		users:  make(map[string]*embedauth.User),
		tokens: make(map[string]*embedauth.EmbedToken),
	}
	for _, o := range opts {
		o(s)
	}

	client, err := embedauth.NewClient(
		embedauth.WithVerifier(&verifier{s}),
		embedauth.WithEnricher(&enricher{s}),
		embedauth.WithAuthorizer(&authorizer{}),
		embedauth.WithIssuer(&issuer{s}),
		embedauth.WithTokenSource(&tokenSource{}),
	)
	if err != nil {
		panic(err) // unreachable: verifier is always set
	}
	return client
}

// --- TokenVerifier ---

type verifier struct{ s *state }

func (v *verifier) Verify(_ context.Context, token string) (*embedauth.Claims, error) {
	v.s.mu.RLock()
	user, ok := v.s.users[trimBearer(token)]
	v.s.mu.RUnlock()
	if !ok {
		return nil, embedauth.E(embedauth.KindTokenInvalid, "fake.Verify", "invalid token", nil)
	}
	now := time.Now()
	return &embedauth.Claims{
		Subject:   user.ID,
		Email:     user.Email,
		Name:      user.Name,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}, nil
}

// --- IdentityEnricher ---

type enricher struct{ s *state }

func (e *enricher) Enrich(_ context.Context, claims *embedauth.Claims) (*embedauth.User, error) {
	e.s.mu.RLock()
	user, ok := e.s.users[claims.Subject]
	e.s.mu.RUnlock()
	if !ok {
		return nil, embedauth.E(embedauth.KindUserNotFound, "fake.Enrich", "user not found in directory", nil)
	}
	return user, nil
}

func (e *enricher) Refresh(subject string) bool {
	e.s.mu.RLock()
	_, ok := e.s.users[subject]
	e.s.mu.RUnlock()
	return ok
}

// --- Authorizer ---

type authorizer struct{}

func (a *authorizer) Authorize(_ context.Context, user *embedauth.User, _ string, required []string) bool {
	if user == nil {
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
	return false
}

// --- TokenSource ---

type tokenSource struct{}

func (t *tokenSource) Token(_ context.Context, scope string) (string, error) {
	return "fake-service-token-" + scope, nil
}

// --- EmbedIssuer ---

type issuer struct{ s *state }

func (i *issuer) GenerateEmbedToken(_ context.Context, user *embedauth.User, req embedauth.EmbedRequest) (*embedauth.EmbedConfig, error) {
	if user == nil {
		return nil, embedauth.E(embedauth.KindAccessDenied, "fake.GenerateEmbedToken", "user has no role with report access", nil)
	}
	embeddable := user.IsAdmin
	for _, r := range user.Roles {
		if r != embedauth.RolePublic {
			embeddable = true
		}
	}
	if !embeddable {
		return nil, embedauth.E(embedauth.KindAccessDenied, "fake.GenerateEmbedToken", "user has no role with report access", nil)
	}

	reportID := req.ReportID
	if reportID == "" {
		reportID = "fake-report"
	}
	datasetID := req.DatasetID
	if datasetID == "" {
		datasetID = "fake-dataset"
	}
	accessLevel := req.AccessLevel
	if accessLevel == "" {
		accessLevel = embedauth.AccessView
	}

	i.s.mu.Lock()
	i.s.nextID++
	tokenID := fmt.Sprintf("fake-token-%d", i.s.nextID)
	expiresAt := time.Now().Add(time.Hour)
	i.s.tokens[tokenID] = &embedauth.EmbedToken{
		Token:     "fake-embed-" + tokenID,
		TokenID:   tokenID,
		ExpiresAt: expiresAt,
		Reports:   []string{reportID},
		Datasets:  []string{datasetID},
	}
	i.s.mu.Unlock()

	var appliedRoles []string
	if !user.IsAdmin {
		appliedRoles = user.Roles
	}

	return &embedauth.EmbedConfig{
		Type:        "report",
		ReportID:    reportID,
		EmbedURL:    "https://fake.example.com/reportEmbed?reportId=" + reportID,
		AccessToken: "fake-embed-" + tokenID,
		TokenType:   "Embed",
		Permissions: string(accessLevel),
		Settings: embedauth.EmbedSettings{
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

func (i *issuer) ReportsForUser(_ context.Context, user *embedauth.User) ([]embedauth.ReportInfo, error) {
	if user == nil {
		return nil, embedauth.E(embedauth.KindAccessDenied, "fake.ReportsForUser", "user has no role with report access", nil)
	}
	return []embedauth.ReportInfo{
		{ID: "fake-report", Name: "Fake Report", EmbedURL: "https://fake.example.com/r1", DatasetID: "fake-dataset"},
	}, nil
}

func (i *issuer) DatasetsForUser(_ context.Context, user *embedauth.User) ([]embedauth.DatasetInfo, error) {
	if user == nil {
		return nil, embedauth.E(embedauth.KindAccessDenied, "fake.DatasetsForUser", "user has no role with report access", nil)
	}
	return []embedauth.DatasetInfo{
		{ID: "fake-dataset", Name: "Fake Dataset"},
	}, nil
}

func (i *issuer) IsValid(tokenID string) bool {
	i.s.mu.RLock()
	token, ok := i.s.tokens[tokenID]
	i.s.mu.RUnlock()
	return ok && !token.Expired(time.Now())
}

func (i *issuer) Revoke(tokenID string) bool {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	if _, ok := i.s.tokens[tokenID]; !ok {
		return false
	}
	delete(i.s.tokens, tokenID)
	return true
}

func (i *issuer) RevokeAll() int {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	n := len(i.s.tokens)
	i.s.tokens = make(map[string]*embedauth.EmbedToken)
	return n
}

func trimBearer(token string) string {
	const prefix = "Bearer "
	if len(token) > len(prefix) && token[:len(prefix)] == prefix {
		return token[len(prefix):]
	}
	return token
}
