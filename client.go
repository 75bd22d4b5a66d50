// Package embedauth mediates between an external identity provider and an
// external analytics platform: it verifies inbound bearer tokens, enriches
// the verified identity with directory group memberships, maps groups to
// application roles, and exchanges the result for scoped embed tokens with
// per-user row-level security.
//
// The package defines the core types and service interfaces; concrete
// implementations live in the concern sub-packages (jwks, directory, authz,
// powerbi, oauth2) and are injected via Option functions:
//
//	client, err := embedauth.NewClient(
//	    embedauth.WithVerifier(verifier),
//	    embedauth.WithEnricher(enricher),
//	    embedauth.WithAuthorizer(gate),
//	    embedauth.WithIssuer(issuer),
//	)
package embedauth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// Client is the entry point for the token/claims/role mediation pipeline.
// Service implementations are injected via Option functions.
type Client struct {
	logger   *slog.Logger
	verifier TokenVerifier
	enricher IdentityEnricher
	authz    Authorizer
	issuer   EmbedIssuer
	tokens   TokenSource
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a structured logger for the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithVerifier sets the token verification implementation.
func WithVerifier(v TokenVerifier) Option {
	return func(c *Client) { c.verifier = v }
}

// WithEnricher sets the identity enrichment implementation.
func WithEnricher(e IdentityEnricher) Option {
	return func(c *Client) { c.enricher = e }
}

// WithAuthorizer sets the access-decision implementation.
func WithAuthorizer(a Authorizer) Option {
	return func(c *Client) { c.authz = a }
}

// WithIssuer sets the embed token issuer implementation.
func WithIssuer(i EmbedIssuer) Option {
	return func(c *Client) { c.issuer = i }
}

// WithTokenSource sets the service-principal token source.
func WithTokenSource(t TokenSource) Option {
	return func(c *Client) { c.tokens = t }
}

// NewClient creates a new client with the given options.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	if c.verifier == nil {
		return nil, fmt.Errorf("embedauth: a TokenVerifier is required")
	}
	return c, nil
}

// Verifier returns the token verifier.
func (c *Client) Verifier() TokenVerifier { return c.verifier }

// Enricher returns the identity enricher, or nil if not configured.
func (c *Client) Enricher() IdentityEnricher { return c.enricher }

// Authz returns the authorizer, or nil if not configured.
func (c *Client) Authz() Authorizer { return c.authz }

// Issuer returns the embed token issuer, or nil if not configured.
func (c *Client) Issuer() EmbedIssuer { return c.issuer }

// Tokens returns the service-principal token source, or nil if not configured.
func (c *Client) Tokens() TokenSource { return c.tokens }

// Logger returns the client's structured logger.
func (c *Client) Logger() *slog.Logger { return c.logger }

// CurrentUser runs the full verify→enrich pipeline for a raw bearer token.
func (c *Client) CurrentUser(ctx context.Context, token string) (*User, error) {
	claims, err := c.verifier.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if c.enricher == nil {
		return nil, fmt.Errorf("embedauth: identity enricher not configured")
	}
	return c.enricher.Enrich(ctx, claims)
}

// healthChecker is implemented by services that can probe their upstream.
type healthChecker interface {
	Healthy(ctx context.Context) error
}

// Health probes each configured service that supports it. The returned map
// is keyed by service name; a nil value means healthy.
func (c *Client) Health(ctx context.Context) map[string]error {
	services := map[string]any{
		"verifier": c.verifier,
		"enricher": c.enricher,
		"issuer":   c.issuer,
		"tokens":   c.tokens,
	}
	out := make(map[string]error)
	for name, svc := range services {
		if hc, ok := svc.(healthChecker); ok && hc != nil {
			out[name] = hc.Healthy(ctx)
		}
	}
	return out
}

// Close releases all resources held by the client.
// Any injected service that implements io.Closer will be closed.
func (c *Client) Close() error {
	closers := []any{c.verifier, c.enricher, c.authz, c.issuer, c.tokens}
	var firstErr error
	for _, svc := range closers {
		if cl, ok := svc.(io.Closer); ok && cl != nil {
			if err := cl.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
