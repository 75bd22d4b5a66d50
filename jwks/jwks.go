// Package jwks implements token verification against the identity provider's
// published signing keys (RFC 7517 JWKS).
//
// Keys are fetched from the provider's discovery endpoint and cached for a
// configurable interval (default one hour). A fetch failure is never cached;
// the next verification retries. Only RS256 is accepted — the algorithm is
// pinned, never taken from the token header — and issuer and audience are
// checked against the configured tenant and client.
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	embedauth "github.com/embedauth/embedauth-go"
	"github.com/embedauth/embedauth-go/audit"
	"github.com/embedauth/embedauth-go/metrics"
	"github.com/golang-jwt/jwt/v5"
)

// Verifier implements embedauth.TokenVerifier using JWKS public keys.
type Verifier struct {
	jwksURL         string
	issuer          string
	audience        string
	httpClient      *http.Client
	refreshInterval time.Duration
	auditLog        *audit.Logger
	metrics         *metrics.Metrics

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey // kid → public key
	lastFetch time.Time
}

// compile-time check
var _ embedauth.TokenVerifier = (*Verifier)(nil)

// Option configures the Verifier.
type Option func(*Verifier)

// WithHTTPClient sets a custom HTTP client for fetching keys.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.httpClient = c }
}

// WithRefreshInterval sets how long fetched keys are cached. Default: 1 hour.
func WithRefreshInterval(d time.Duration) Option {
	return func(v *Verifier) { v.refreshInterval = d }
}

// WithAuditLogger sets the security-event logger. Every verification
// attempt is recorded; raw tokens and key material never are.
func WithAuditLogger(l *audit.Logger) Option {
	return func(v *Verifier) { v.auditLog = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// NewVerifier creates a verifier bound to the given discovery endpoint,
// expected issuer and expected audience.
func NewVerifier(jwksURL, issuer, audience string, opts ...Option) *Verifier {
	v := &Verifier{
		jwksURL:         jwksURL,
		issuer:          issuer,
		audience:        audience,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		refreshInterval: 1 * time.Hour,
		keys:            make(map[string]*rsa.PublicKey),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify validates a raw bearer token and returns the extracted claims.
// A leading "Bearer " prefix is stripped before parsing.
func (v *Verifier) Verify(ctx context.Context, raw string) (*embedauth.Claims, error) {
	const op = "jwks.Verify"

	raw = strings.TrimSpace(raw)
	if after, ok := strings.CutPrefix(raw, "Bearer "); ok {
		raw = after
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)

	token, err := parser.Parse(raw, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, embedauth.E(embedauth.KindTokenInvalid, op, "token missing key identifier", nil)
		}
		return v.getKey(ctx, kid)
	})
	if err != nil {
		verr := v.classify(op, err)
		v.auditLog.LoginAttempt("unknown", false, verr.Kind.String())
		v.metrics.AuthAttempt(verr.Kind.String())
		return nil, verr
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		verr := embedauth.E(embedauth.KindTokenInvalid, op, "invalid token", nil)
		v.auditLog.LoginAttempt("unknown", false, verr.Kind.String())
		v.metrics.AuthAttempt(verr.Kind.String())
		return nil, verr
	}

	claims := extractClaims(mapClaims)
	v.auditLog.LoginAttempt(claims.Email, true, "")
	v.metrics.AuthAttempt("success")
	return claims, nil
}

// classify maps a parse error to a kinded error with a generic,
// non-revealing message. Key-retrieval failures pass through unchanged.
func (v *Verifier) classify(op string, err error) *embedauth.Error {
	var kinded *embedauth.Error
	if errors.As(err, &kinded) {
		return kinded
	}
	if errors.Is(err, jwt.ErrTokenExpired) {
		return embedauth.E(embedauth.KindTokenExpired, op, "token has expired", err)
	}
	return embedauth.E(embedauth.KindTokenInvalid, op, "invalid token", err)
}

// Healthy probes the key source, refreshing when the cache is stale.
func (v *Verifier) Healthy(ctx context.Context) error {
	v.mu.RLock()
	fresh := len(v.keys) > 0 && time.Since(v.lastFetch) <= v.refreshInterval
	v.mu.RUnlock()
	if fresh {
		return nil
	}
	return v.refresh(ctx)
}

// getKey returns the RSA public key for kid, fetching or refreshing the key
// set as needed. A refresh failure is returned, never cached.
func (v *Verifier) getKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, found := v.keys[kid]
	stale := time.Since(v.lastFetch) > v.refreshInterval
	v.mu.RUnlock()

	if found && !stale {
		return key, nil
	}

	if err := v.refresh(ctx); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	return nil, embedauth.E(embedauth.KindTokenInvalid, "jwks.getKey",
		"no signing key matches the token", fmt.Errorf("kid %q not in key set", kid))
}

// refresh fetches the JWKS from the discovery endpoint and replaces the
// cached set, resetting the expiry.
func (v *Verifier) refresh(ctx context.Context) error {
	const op = "jwks.refresh"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return embedauth.E(embedauth.KindKeyRetrieval, op, "signing keys unavailable", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return embedauth.E(embedauth.KindKeyRetrieval, op, "signing keys unavailable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return embedauth.E(embedauth.KindKeyRetrieval, op, "signing keys unavailable",
			fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode))
	}

	var jwksResp jwksResponse
	if err := json.NewDecoder(resp.Body).Decode(&jwksResp); err != nil {
		return embedauth.E(embedauth.KindKeyRetrieval, op, "signing keys unavailable", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwksResp.Keys))
	for _, jwk := range jwksResp.Keys {
		if jwk.Kty != "RSA" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		pub, err := jwk.rsaPublicKey()
		if err != nil {
			continue // skip malformed keys
		}
		keys[jwk.Kid] = pub
	}

	if len(keys) == 0 {
		return embedauth.E(embedauth.KindKeyRetrieval, op, "signing keys unavailable",
			errors.New("no valid RSA signing keys in key set"))
	}

	v.mu.Lock()
	v.keys = keys
	v.lastFetch = time.Now()
	v.mu.Unlock()

	return nil
}

// JWKS JSON types

type jwksResponse struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k *jwkKey) rsaPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

// extractClaims converts verified jwt.MapClaims to embedauth.Claims.
// The subject is the provider's object id when present, else "sub".
func extractClaims(m jwt.MapClaims) *embedauth.Claims {
	c := &embedauth.Claims{}

	if v, ok := m["oid"].(string); ok && v != "" {
		c.Subject = v
	} else if v, ok := m["sub"].(string); ok {
		c.Subject = v
	}
	if v, ok := m["email"].(string); ok && v != "" {
		c.Email = v
	} else if v, ok := m["preferred_username"].(string); ok {
		c.Email = v
	}
	if v, ok := m["name"].(string); ok {
		c.Name = v
	}
	if v, ok := m["tid"].(string); ok {
		c.TenantID = v
	}
	if v, ok := m["aud"].(string); ok {
		c.Audience = v
	}
	if v, ok := m["iss"].(string); ok {
		c.Issuer = v
	}
	if v, ok := m["exp"].(float64); ok {
		c.ExpiresAt = time.Unix(int64(v), 0)
	}
	if v, ok := m["iat"].(float64); ok {
		c.IssuedAt = time.Unix(int64(v), 0)
	}
	if v, ok := m["scp"].(string); ok && v != "" {
		c.Scopes = strings.Split(v, " ")
	}

	return c
}
