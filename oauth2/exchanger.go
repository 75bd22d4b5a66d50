// Package oauth2 provides the service-principal credential source: an
// OAuth2 client-credentials exchanger for server-to-server calls to the
// directory and analytics platform APIs. Tokens are cached per scope until
// shortly before expiry and refreshed behind a singleflight so concurrent
// callers share one grant. The credential represents the application
// itself and is never exposed to end users.
package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	embedauth "github.com/embedauth/embedauth-go"
	"golang.org/x/sync/singleflight"
)

// Exchanger implements embedauth.TokenSource against an OAuth2 token
// endpoint using the client-credentials grant.
type Exchanger struct {
	clientID      string
	clientSecret  string
	tokenURL      string
	refreshBuffer time.Duration
	httpClient    *http.Client

	mu     sync.RWMutex
	tokens map[string]*embedauth.OAuth2Token // scope → token

	sf singleflight.Group
}

// compile-time check
var _ embedauth.TokenSource = (*Exchanger)(nil)

// Option configures the Exchanger.
type Option func(*Exchanger)

// WithHTTPClient sets a custom HTTP client for token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Exchanger) { e.httpClient = c }
}

// WithRefreshBuffer sets how long before expiry a token is refreshed.
// Default: 5 minutes.
func WithRefreshBuffer(d time.Duration) Option {
	return func(e *Exchanger) { e.refreshBuffer = d }
}

// New creates an exchanger for the given client credentials and token
// endpoint.
func New(clientID, clientSecret, tokenURL string, opts ...Option) *Exchanger {
	e := &Exchanger{
		clientID:      clientID,
		clientSecret:  clientSecret,
		tokenURL:      tokenURL,
		refreshBuffer: 5 * time.Minute,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		tokens:        make(map[string]*embedauth.OAuth2Token),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// tokenResponse is the raw JSON response from the token endpoint.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int32  `json:"expires_in"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Token returns a valid access token for the scope, reusing a cached one
// until it is within the refresh buffer of expiry.
func (e *Exchanger) Token(ctx context.Context, scope string) (string, error) {
	e.mu.RLock()
	tok := e.tokens[scope]
	e.mu.RUnlock()
	if tok != nil && time.Now().Before(tok.ExpiresAt.Add(-e.refreshBuffer)) {
		return tok.AccessToken, nil
	}

	// singleflight keyed by scope prevents a thundering herd of grants
	result, err, _ := e.sf.Do(scope, func() (any, error) {
		return e.exchange(ctx, scope)
	})
	if err != nil {
		return "", err
	}

	token := result.(*embedauth.OAuth2Token)
	e.mu.Lock()
	e.tokens[scope] = token
	e.mu.Unlock()

	return token.AccessToken, nil
}

// exchange performs a client-credentials grant for the scope.
func (e *Exchanger) exchange(ctx context.Context, scope string) (*embedauth.OAuth2Token, error) {
	const op = "oauth2.exchange"

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {e.clientID},
		"client_secret": {e.clientSecret},
		"scope":         {scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, embedauth.E(embedauth.KindUpstream, op, "service credential unavailable", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, embedauth.E(embedauth.KindUpstream, op, "service credential unavailable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, embedauth.E(embedauth.KindUpstream, op, "service credential unavailable", err)
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, embedauth.E(embedauth.KindUpstream, op, "service credential unavailable",
			fmt.Errorf("token endpoint returned status %d with undecodable body", resp.StatusCode))
	}

	if resp.StatusCode != http.StatusOK || tokenResp.AccessToken == "" {
		detail := tokenResp.ErrorDescription
		if detail == "" {
			detail = tokenResp.Error
		}
		if detail == "" {
			detail = fmt.Sprintf("token endpoint returned status %d", resp.StatusCode)
		}
		return nil, embedauth.E(embedauth.KindUpstream, op, "service credential unavailable",
			fmt.Errorf("%s", detail))
	}

	return &embedauth.OAuth2Token{
		AccessToken: tokenResp.AccessToken,
		TokenType:   tokenResp.TokenType,
		ExpiresIn:   tokenResp.ExpiresIn,
		ExpiresAt:   time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
		Scope:       tokenResp.Scope,
	}, nil
}

// Invalidate drops the cached token for one scope, forcing the next Token
// call to perform a fresh grant.
func (e *Exchanger) Invalidate(scope string) {
	e.mu.Lock()
	delete(e.tokens, scope)
	e.mu.Unlock()
}
