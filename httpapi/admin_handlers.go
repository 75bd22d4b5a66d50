package httpapi

import (
	"net/http"

	embedauth "github.com/embedauth/embedauth-go"
	"github.com/embedauth/embedauth-go/audit"
	"github.com/embedauth/embedauth-go/middleware/ginmw"
	"github.com/gin-gonic/gin"
)

// Optional maintenance hooks. Services advertise cache-clearing support by
// implementing these; the fakes and any future backend that caches nothing
// simply don't.
type userCacheClearer interface {
	ClearCache() int
}

type reportCacheClearer interface {
	ClearReportCache() int
}

// handleClearCaches evicts every server-side cache: enriched users, report
// metadata, RLS mappings, and issued tokens. Returns prior counts so
// operators can see what was dropped. Admin only.
func (s *Server) handleClearCaches(c *gin.Context) {
	cleared := gin.H{}

	if uc, ok := s.client.Enricher().(userCacheClearer); ok {
		cleared["users"] = uc.ClearCache()
	}
	if rc, ok := s.client.Issuer().(reportCacheClearer); ok {
		cleared["reports"] = rc.ClearReportCache()
	}
	if s.registry != nil {
		cleared["rlsMappings"] = s.registry.ClearMappings()
	}
	cleared["tokens"] = s.client.Issuer().RevokeAll()

	admin := ginmw.GetUser(c)
	s.auditLog.Log(audit.Event{
		Action:  audit.ActionMaintenance,
		UserID:  admin.ID,
		Result:  audit.ResultSuccess,
		Details: "caches cleared",
	})
	s.logger.Info("caches cleared", "user_id", admin.ID)

	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

// handleUserLookup resolves any subject's authorization context. Admin
// only; used to answer "what would this user see".
func (s *Server) handleUserLookup(c *gin.Context) {
	subject := c.Param("id")
	user, err := s.client.Enricher().Enrich(c.Request.Context(), &embedauth.Claims{Subject: subject})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(user))
}
