package httpapi

import (
	"net/http"
	"time"

	embedauth "github.com/embedauth/embedauth-go"
	"github.com/embedauth/embedauth-go/middleware/ginmw"
	"github.com/gin-gonic/gin"
)

// userView is the caller-facing shape of an authorization context.
type userView struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	Roles          []string  `json:"roles"`
	IsAdmin        bool      `json:"isAdmin"`
	Groups         []string  `json:"groups,omitempty"`
	GroupsDegraded bool      `json:"groupsDegraded,omitempty"`
	LastLogin      time.Time `json:"lastLogin"`
}

func viewOf(u *embedauth.User) userView {
	return userView{
		ID:             u.ID,
		Email:          u.Email,
		Name:           u.Name,
		Roles:          u.Roles,
		IsAdmin:        u.IsAdmin,
		Groups:         u.Groups,
		GroupsDegraded: u.GroupsDegraded,
		LastLogin:      u.LastLogin,
	}
}

// handleValidate confirms the bearer token is valid; the heavy lifting
// already happened in the auth middleware.
func (s *Server) handleValidate(c *gin.Context) {
	claims := ginmw.GetClaims(c)
	user := ginmw.GetUser(c)
	s.auditLog.LoginAttempt(user.ID, true, "token validated")
	c.JSON(http.StatusOK, gin.H{
		"valid":     true,
		"user":      viewOf(user),
		"expiresAt": claims.ExpiresAt,
	})
}

// handleMe returns the authenticated user's authorization context.
func (s *Server) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, viewOf(ginmw.GetUser(c)))
}

// handleRefresh evicts the cached enrichment for the caller and rebuilds it
// with a fresh directory round trip.
func (s *Server) handleRefresh(c *gin.Context) {
	claims := ginmw.GetClaims(c)
	enricher := s.client.Enricher()

	evicted := enricher.Refresh(claims.Subject)
	user, err := enricher.Enrich(c.Request.Context(), claims)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"refreshed": evicted,
		"user":      viewOf(user),
	})
}

// handleRoles returns the caller's roles and the role catalogue with the
// row filters each role implies.
func (s *Server) handleRoles(c *gin.Context) {
	user := ginmw.GetUser(c)
	c.JSON(http.StatusOK, gin.H{
		"roles":       user.Roles,
		"isAdmin":     user.IsAdmin,
		"definitions": s.registry.List(),
	})
}

// handleLogout records the logout and evicts the caller's cached context.
// Bearer tokens are stateless; the client discards its copy.
func (s *Server) handleLogout(c *gin.Context) {
	claims := ginmw.GetClaims(c)
	user := ginmw.GetUser(c)

	s.client.Enricher().Refresh(claims.Subject)
	s.auditLog.LoginAttempt(user.ID, true, "logout")
	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}

// handleAuthStatus reports the session state and token expiry.
func (s *Server) handleAuthStatus(c *gin.Context) {
	claims := ginmw.GetClaims(c)
	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"subject":       claims.Subject,
		"issuer":        claims.Issuer,
		"expiresAt":     claims.ExpiresAt,
	})
}

// handleAuthHealth probes the identity-provider side of the pipeline.
func (s *Server) handleAuthHealth(c *gin.Context) {
	report := s.client.Health(c.Request.Context())
	status := http.StatusOK
	out := gin.H{}
	for name, err := range report {
		if name != "verifier" && name != "enricher" && name != "tokens" {
			continue
		}
		if err != nil {
			status = http.StatusServiceUnavailable
			out[name] = err.Error()
		} else {
			out[name] = "ok"
		}
	}
	c.JSON(status, gin.H{"status": statusWord(status), "checks": out})
}

func statusWord(status int) string {
	if status == http.StatusOK {
		return "healthy"
	}
	return "degraded"
}
