// Package ginmw provides Gin HTTP middleware for the embed-auth pipeline.
//
// All middleware accepts an *embedauth.Client and works through its
// interfaces (TokenVerifier, IdentityEnricher, Authorizer) with no
// dependency on a specific backend.
package ginmw

import (
	"net/http"
	"strings"
	"sync"
	"time"

	embedauth "github.com/embedauth/embedauth-go"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Context keys for storing pipeline data in gin.Context.
const (
	KeyUser      = "embedauth_user"
	KeyClaims    = "embedauth_claims"
	KeyRequestID = "embedauth_request_id"
)

// HeaderRequestID carries the request ID on requests and responses.
const HeaderRequestID = "X-Request-ID"

// AuthOption configures Auth middleware behavior.
type AuthOption func(*authConfig)

type authConfig struct {
	excludedPaths map[string]bool
}

// WithExcludedPaths sets paths that skip authentication (e.g. health checks).
func WithExcludedPaths(paths ...string) AuthOption {
	return func(cfg *authConfig) {
		for _, p := range paths {
			cfg.excludedPaths[p] = true
		}
	}
}

// Auth returns Gin middleware that verifies the bearer token and enriches
// the identity via client.CurrentUser. On success the user and claims are
// stored in both the gin context and the request context. Responds 401 when
// the token is missing, invalid, or expired, or when the directory has no
// user for a verified subject (identity cannot be established); expired
// tokens are told apart so clients know to re-authenticate rather than
// retry. Key retrieval and other upstream outages answer 502 so callers
// can tell an outage apart from a bad credential.
func Auth(client *embedauth.Client, opts ...AuthOption) gin.HandlerFunc {
	cfg := &authConfig{excludedPaths: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}

	return func(c *gin.Context) {
		if cfg.excludedPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		tokenStr := extractBearerToken(c.Request)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization token"})
			return
		}

		claims, err := client.Verifier().Verify(c.Request.Context(), tokenStr)
		if err != nil {
			status := http.StatusUnauthorized
			msg := "invalid token"
			switch embedauth.KindOf(err) {
			case embedauth.KindTokenExpired:
				msg = "token expired"
			case embedauth.KindKeyRetrieval, embedauth.KindUpstream:
				status = http.StatusBadGateway
				msg = "authentication service unavailable"
			}
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
			return
		}

		enricher := client.Enricher()
		if enricher == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity enricher not configured"})
			return
		}
		user, err := enricher.Enrich(c.Request.Context(), claims)
		if err != nil {
			// A verified subject the directory does not know means no
			// identity can be established: the credential is rejected,
			// not the resource reported missing.
			if embedauth.KindOf(err) == embedauth.KindUserNotFound {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unable to establish identity"})
				return
			}
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": embedauth.PublicMessage(err)})
			return
		}

		c.Set(KeyClaims, claims)
		c.Set(KeyUser, user)

		ctx := embedauth.WithClaims(c.Request.Context(), claims)
		ctx = embedauth.WithUser(ctx, user)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// RequireRoles returns Gin middleware that allows the request only when the
// authenticated user holds one of the roles (admins always pass). Requires
// Auth to have run first. Responds 403 on denial.
func RequireRoles(client *embedauth.Client, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := client.Authz()
		if authz == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authorizer not configured"})
			return
		}

		user := GetUser(c)
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user context"})
			return
		}

		if !authz.Authorize(c.Request.Context(), user, c.FullPath(), roles) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}

		c.Next()
	}
}

// RequireAdmin returns Gin middleware that allows only admin users.
func RequireAdmin(client *embedauth.Client) gin.HandlerFunc {
	return RequireRoles(client, embedauth.RoleAdmin)
}

// RequestID returns Gin middleware that propagates the inbound X-Request-ID
// header, minting a UUID when absent, and echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}

		c.Set(KeyRequestID, id)
		c.Request = c.Request.WithContext(embedauth.WithRequestID(c.Request.Context(), id))
		c.Header(HeaderRequestID, id)

		c.Next()
	}
}

// SecurityHeaders returns Gin middleware that sets standard browser
// hardening headers on every response.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cache-Control", "no-store")
		c.Next()
	}
}

// rateLimitIdleAfter is how long a client's bucket may sit unused before
// it is dropped from the limiter map.
const rateLimitIdleAfter = 3 * time.Minute

// RateLimit returns Gin middleware enforcing a per-client request budget.
// Clients are keyed by IP; each gets a token bucket refilled at perMinute
// requests per minute with an equal burst. Responds 429 when exhausted.
// Buckets idle past a few minutes are evicted so the map does not grow
// with one entry per client address for the process lifetime.
func RateLimit(perMinute int) gin.HandlerFunc {
	return rateLimit(perMinute, time.Now)
}

func rateLimit(perMinute int, now func() time.Time) gin.HandlerFunc {
	type bucket struct {
		lim      *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu        sync.Mutex
		buckets   = make(map[string]*bucket)
		lastSweep = now()
	)
	limit := rate.Limit(float64(perMinute) / 60.0)

	return func(c *gin.Context) {
		key := c.ClientIP()
		ts := now()

		mu.Lock()
		if ts.Sub(lastSweep) > rateLimitIdleAfter {
			for k, b := range buckets {
				if ts.Sub(b.lastSeen) > rateLimitIdleAfter {
					delete(buckets, k)
				}
			}
			lastSweep = ts
		}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{lim: rate.NewLimiter(limit, perMinute)}
			buckets[key] = b
		}
		b.lastSeen = ts
		mu.Unlock()

		if !b.lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}

		c.Next()
	}
}

// --- Context helpers ---

// GetUser returns the authenticated user from the Gin context, or nil.
func GetUser(c *gin.Context) *embedauth.User {
	v, _ := c.Get(KeyUser)
	u, _ := v.(*embedauth.User)
	return u
}

// GetClaims returns the verified claims from the Gin context, or nil.
func GetClaims(c *gin.Context) *embedauth.Claims {
	v, _ := c.Get(KeyClaims)
	cl, _ := v.(*embedauth.Claims)
	return cl
}

// GetRequestID returns the request ID from the Gin context.
func GetRequestID(c *gin.Context) string {
	v, _ := c.Get(KeyRequestID)
	s, _ := v.(string)
	return s
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return auth
}
