package embedauth

import "time"

// Claims holds the verified assertions extracted from an inbound bearer token.
// Instances are immutable once constructed and live for a single verification.
type Claims struct {
	Subject   string
	Email     string
	Name      string
	TenantID  string
	Audience  string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Scopes    []string
}

// Expired reports whether the claims' expiry has passed at the given instant.
func (c *Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// Application role names. User.Roles is always a subset of these.
const (
	RoleAdmin  = "Admin"
	RoleA      = "RoleA"
	RoleB      = "RoleB"
	RolePublic = "Public"
)

// User is the authorization context for an authenticated user: verified
// identity plus directory groups and the application roles derived from them.
// Roles is never empty (RolePublic is the default) and IsAdmin agrees with
// membership of RoleAdmin.
type User struct {
	ID       string
	Email    string
	Name     string
	TenantID string

	// Groups are the raw directory group names, filtered to those relevant
	// to this application. GroupsDegraded marks that the group lookup failed
	// and enrichment proceeded with an empty set.
	Groups         []string
	GroupsDegraded bool

	Roles     []string
	IsAdmin   bool
	LastLogin time.Time
}

// HasRole reports whether the user holds the named role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AccessLevel is the embed permission requested from the analytics platform.
type AccessLevel string

const (
	AccessView   AccessLevel = "View"
	AccessEdit   AccessLevel = "Edit"
	AccessCreate AccessLevel = "Create"
)

// Valid reports whether the access level is one of the declared values.
func (a AccessLevel) Valid() bool {
	switch a {
	case AccessView, AccessEdit, AccessCreate:
		return true
	}
	return false
}

// ReportInfo is the platform metadata for a single report.
type ReportInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	EmbedURL    string `json:"embed_url"`
	DatasetID   string `json:"dataset_id"`
	WorkspaceID string `json:"workspace_id"`
}

// DatasetInfo is the platform metadata for a single dataset.
type DatasetInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ConfiguredBy string `json:"configured_by,omitempty"`
}

// EmbedToken is a delegated credential issued by the analytics platform,
// scoped to specific reports, datasets and workspaces.
type EmbedToken struct {
	Token      string
	TokenID    string
	ExpiresAt  time.Time
	Reports    []string
	Datasets   []string
	Workspaces []string
}

// Expired reports whether the token has passed its expiry at the given instant.
func (t *EmbedToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// EmbedRequest carries optional overrides for embed token issuance.
// Zero values fall back to configured defaults.
type EmbedRequest struct {
	ReportID    string      `json:"report_id,omitempty"`
	DatasetID   string      `json:"dataset_id,omitempty"`
	AccessLevel AccessLevel `json:"access_level,omitempty"`
}

// EmbedSettings controls client-side rendering of an embedded report.
// The filter pane is disabled by default to prevent data leaks.
type EmbedSettings struct {
	FilterPaneEnabled     bool `json:"filterPaneEnabled"`
	NavContentPaneEnabled bool `json:"navContentPaneEnabled"`
	VisualHeadersVisible  bool `json:"visualHeadersVisible"`
}

// TokenDetails describes an issued token to the client.
type TokenDetails struct {
	TokenID      string    `json:"tokenId"`
	ExpiresAt    time.Time `json:"expiration"`
	AppliedRoles []string  `json:"appliedRoles"`
	UserID       string    `json:"userId"`
}

// EmbedConfig is the full configuration a web client needs to render a report.
type EmbedConfig struct {
	Type        string        `json:"type"`
	ReportID    string        `json:"id"`
	EmbedURL    string        `json:"embedUrl"`
	AccessToken string        `json:"accessToken"`
	TokenType   string        `json:"tokenType"`
	Permissions string        `json:"permissions"`
	Settings    EmbedSettings `json:"settings"`
	DatasetID   string        `json:"datasetId"`
	TokenInfo   TokenDetails  `json:"tokenInfo"`
}

// OAuth2Token is a service-principal access token response.
type OAuth2Token struct {
	AccessToken string
	TokenType   string // "Bearer"
	ExpiresIn   int32
	ExpiresAt   time.Time
	Scope       string
}
