package httpapi

import (
	"context"
	"net/http"

	embedauth "github.com/embedauth/embedauth-go"
	"github.com/embedauth/embedauth-go/middleware/ginmw"
	"github.com/gin-gonic/gin"
)

// handleEmbedToken issues an embed token bound to the caller's roles.
func (s *Server) handleEmbedToken(c *gin.Context) {
	user := ginmw.GetUser(c)

	var req embedauth.EmbedRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
			return
		}
	}

	cfg, err := s.client.Issuer().GenerateEmbedToken(c.Request.Context(), user, req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// handleReports lists the workspace reports the caller may access.
func (s *Server) handleReports(c *gin.Context) {
	reports, err := s.client.Issuer().ReportsForUser(c.Request.Context(), ginmw.GetUser(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

// handleDatasets lists the workspace datasets the caller may access.
func (s *Server) handleDatasets(c *gin.Context) {
	datasets, err := s.client.Issuer().DatasetsForUser(c.Request.Context(), ginmw.GetUser(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"datasets": datasets})
}

// handleTokenValidate answers whether an issued embed token is still
// vouched for by this server.
func (s *Server) handleTokenValidate(c *gin.Context) {
	var req struct {
		TokenID string `json:"tokenId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tokenId is required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tokenId": req.TokenID,
		"valid":   s.client.Issuer().IsValid(req.TokenID),
	})
}

// handleTokenRevoke removes one issued token. Admin only.
func (s *Server) handleTokenRevoke(c *gin.Context) {
	tokenID := c.Param("id")
	if !s.client.Issuer().Revoke(tokenID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": tokenID})
}

// handleRevokeAll clears every issued token. Admin only.
func (s *Server) handleRevokeAll(c *gin.Context) {
	n := s.client.Issuer().RevokeAll()
	s.logger.Info("all embed tokens revoked",
		"count", n,
		"user_id", ginmw.GetUser(c).ID)
	c.JSON(http.StatusOK, gin.H{"revoked": n})
}

// handlePowerBIHealth probes the analytics platform.
func (s *Server) handlePowerBIHealth(c *gin.Context) {
	issuer := s.client.Issuer()
	hc, ok := issuer.(interface{ Healthy(context.Context) error })
	if !ok {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "checks": gin.H{"issuer": "not probed"}})
		return
	}
	if err := hc.Healthy(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": gin.H{"issuer": err.Error()}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "checks": gin.H{"issuer": "ok"}})
}
