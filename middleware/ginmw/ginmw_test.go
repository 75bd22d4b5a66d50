package ginmw_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	embedauth "github.com/embedauth/embedauth-go"
	"github.com/embedauth/embedauth-go/fake"
	"github.com/embedauth/embedauth-go/middleware/ginmw"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testClient() *embedauth.Client {
	return fake.NewClient(
		fake.WithUser("u1", "alice@example.com", []string{embedauth.RoleAdmin}),
		fake.WithUser("u2", "bob@example.com", []string{embedauth.RoleA}),
		fake.WithUser("u3", "carol@example.com", []string{embedauth.RolePublic}),
	)
}

func do(r *gin.Engine, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth(t *testing.T) {
	r := gin.New()
	r.Use(ginmw.Auth(testClient()))
	r.GET("/me", func(c *gin.Context) {
		user := ginmw.GetUser(c)
		c.JSON(http.StatusOK, gin.H{"id": user.ID})
	})

	if w := do(r, http.MethodGet, "/me", "u2"); w.Code != http.StatusOK {
		t.Errorf("valid token: status = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/me", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("missing token: status = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/me", "nonexistent"); w.Code != http.StatusUnauthorized {
		t.Errorf("invalid token: status = %d", w.Code)
	}
}

// errVerifier fails every verification with a fixed error.
type errVerifier struct{ err error }

func (v errVerifier) Verify(context.Context, string) (*embedauth.Claims, error) {
	return nil, v.err
}

// okVerifier accepts any token as the given subject.
type okVerifier struct{ subject string }

func (v okVerifier) Verify(context.Context, string) (*embedauth.Claims, error) {
	return &embedauth.Claims{Subject: v.subject}, nil
}

// errEnricher fails every enrichment with a fixed error.
type errEnricher struct{ err error }

func (e errEnricher) Enrich(context.Context, *embedauth.Claims) (*embedauth.User, error) {
	return nil, e.err
}

func (e errEnricher) Refresh(string) bool { return false }

func TestAuthUnknownUserRejectsCredential(t *testing.T) {
	// A token that verifies but names a subject the directory does not
	// know cannot establish an identity: the credential is rejected with
	// 401, not answered as a missing resource.
	client, err := embedauth.NewClient(
		embedauth.WithVerifier(okVerifier{subject: "ghost"}),
		embedauth.WithEnricher(errEnricher{
			err: embedauth.E(embedauth.KindUserNotFound, "test", "user not found in directory", nil),
		}),
	)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	r := gin.New()
	r.Use(ginmw.Auth(client))
	r.GET("/me", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := do(r, http.MethodGet, "/me", "whatever")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unknown subject: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuthKeyRetrievalFailureIsBadGateway(t *testing.T) {
	client, err := embedauth.NewClient(
		embedauth.WithVerifier(errVerifier{
			err: embedauth.E(embedauth.KindKeyRetrieval, "test", "signing keys unavailable", nil),
		}),
		embedauth.WithEnricher(errEnricher{}),
	)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	r := gin.New()
	r.Use(ginmw.Auth(client))
	r.GET("/me", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := do(r, http.MethodGet, "/me", "whatever")
	if w.Code != http.StatusBadGateway {
		t.Errorf("key retrieval outage: status = %d, want %d", w.Code, http.StatusBadGateway)
	}
}

func TestAuthExcludedPaths(t *testing.T) {
	r := gin.New()
	r.Use(ginmw.Auth(testClient(), ginmw.WithExcludedPaths("/health")))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	if w := do(r, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("excluded path: status = %d", w.Code)
	}
}

func TestAuthAttachesRequestContext(t *testing.T) {
	r := gin.New()
	r.Use(ginmw.Auth(testClient()))
	r.GET("/ctx", func(c *gin.Context) {
		user := embedauth.UserFromContext(c.Request.Context())
		claims := embedauth.ClaimsFromContext(c.Request.Context())
		if user == nil || claims == nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": user.ID, "subject": claims.Subject})
	})

	if w := do(r, http.MethodGet, "/ctx", "u2"); w.Code != http.StatusOK {
		t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestRequireRoles(t *testing.T) {
	client := testClient()
	r := gin.New()
	r.Use(ginmw.Auth(client))
	r.GET("/reports", ginmw.RequireRoles(client, embedauth.RoleA, embedauth.RoleB), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	if w := do(r, http.MethodGet, "/reports", "u2"); w.Code != http.StatusOK {
		t.Errorf("role holder: status = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/reports", "u1"); w.Code != http.StatusOK {
		t.Errorf("admin: status = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/reports", "u3"); w.Code != http.StatusForbidden {
		t.Errorf("public user: status = %d", w.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	client := testClient()
	r := gin.New()
	r.Use(ginmw.Auth(client))
	r.POST("/admin", ginmw.RequireAdmin(client), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	if w := do(r, http.MethodPost, "/admin", "u1"); w.Code != http.StatusOK {
		t.Errorf("admin: status = %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/admin", "u2"); w.Code != http.StatusForbidden {
		t.Errorf("non-admin: status = %d", w.Code)
	}
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(ginmw.RequestID())
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": ginmw.GetRequestID(c)})
	})

	// Minted when absent.
	w := do(r, http.MethodGet, "/", "")
	if got := w.Header().Get(ginmw.HeaderRequestID); got == "" {
		t.Error("no request id minted")
	}

	// Propagated when present.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ginmw.HeaderRequestID, "req-42")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(ginmw.HeaderRequestID); got != "req-42" {
		t.Errorf("request id = %q, want req-42", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(ginmw.SecurityHeaders())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := do(r, http.MethodGet, "/", "")
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
		"Cache-Control":          "no-store",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestRateLimit(t *testing.T) {
	r := gin.New()
	r.Use(ginmw.RateLimit(3))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		if w := do(r, http.MethodGet, "/", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, w.Code)
		}
	}
	if w := do(r, http.MethodGet, "/", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("over budget: status = %d", w.Code)
	}
}
