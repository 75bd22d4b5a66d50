package embedauth

import "context"

// TokenVerifier validates inbound bearer tokens and extracts claims.
// Implementations: jwks/ (JWT via a cached JWKS), fake/ (testing).
type TokenVerifier interface {
	// Verify validates the raw token (with or without a "Bearer " prefix)
	// and returns the extracted claims.
	Verify(ctx context.Context, token string) (*Claims, error)
}

// IdentityEnricher turns verified claims into a full authorization context
// by consulting the identity provider's directory.
// Implementations cache results per subject with a TTL.
type IdentityEnricher interface {
	// Enrich fetches the user's profile and group memberships and derives
	// application roles. A failed group lookup degrades to an empty group
	// set; a failed profile lookup is fatal.
	Enrich(ctx context.Context, claims *Claims) (*User, error)

	// Refresh evicts the cached context for one subject so the next Enrich
	// repeats the full directory round trip. Reports whether an entry was
	// evicted.
	Refresh(subject string) bool
}

// Authorizer is the role-based access gate used by request handlers.
type Authorizer interface {
	// Authorize permits when required is empty, when the user is an admin,
	// or when the user holds at least one required role. It never errors;
	// every denial is audited.
	Authorize(ctx context.Context, user *User, resource string, required []string) bool
}

// TokenSource provides service-principal access tokens for outbound API
// calls, cached per scope until expiry.
type TokenSource interface {
	// Token returns a valid access token for the scope, reusing a cached
	// one when possible.
	Token(ctx context.Context, scope string) (string, error)
}

// EmbedIssuer requests scoped, identity-bound embed tokens from the
// analytics platform and manages their lifecycle.
type EmbedIssuer interface {
	// GenerateEmbedToken issues an embed token for the user with row-level
	// security derived from their roles and returns the client embed
	// configuration.
	GenerateEmbedToken(ctx context.Context, user *User, req EmbedRequest) (*EmbedConfig, error)

	// ReportsForUser lists workspace reports the user may access.
	ReportsForUser(ctx context.Context, user *User) ([]ReportInfo, error)

	// DatasetsForUser lists workspace datasets the user may access.
	DatasetsForUser(ctx context.Context, user *User) ([]DatasetInfo, error)

	// IsValid reports whether an issued token is cached and unexpired,
	// purging it when expired.
	IsValid(tokenID string) bool

	// Revoke removes a token unconditionally, reporting whether it existed.
	Revoke(tokenID string) bool

	// RevokeAll clears the token cache and returns the prior entry count.
	RevokeAll() int
}
