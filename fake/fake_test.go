package fake_test

import (
	"context"
	"testing"

	embedauth "github.com/embedauth/embedauth-go"
	"github.com/embedauth/embedauth-go/fake"
)

func setup() *embedauth.Client {
	return fake.NewClient(
		fake.WithUser("u1", "alice@example.com", []string{embedauth.RoleAdmin}),
		fake.WithUser("u2", "bob@example.com", []string{embedauth.RoleA}),
		fake.WithUser("u3", "carol@example.com", []string{embedauth.RolePublic}),
	)
}

func TestVerifierValidToken(t *testing.T) {
	c := setup()
	claims, err := c.Verifier().Verify(context.Background(), "u2")
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if claims.Subject != "u2" || claims.Email != "bob@example.com" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestVerifierUnknownToken(t *testing.T) {
	c := setup()
	_, err := c.Verifier().Verify(context.Background(), "nonexistent")
	if err == nil {
		t.Fatal("expected error for unknown token")
	}
	if kind := embedauth.KindOf(err); kind != embedauth.KindTokenInvalid {
		t.Errorf("kind = %v, want KindTokenInvalid", kind)
	}
}

func TestCurrentUserPipeline(t *testing.T) {
	c := setup()
	user, err := c.CurrentUser(context.Background(), "Bearer u1")
	if err != nil {
		t.Fatalf("CurrentUser() error: %v", err)
	}
	if user.ID != "u1" || !user.IsAdmin {
		t.Errorf("user = %+v", user)
	}
}

func TestAuthorizer(t *testing.T) {
	c := setup()
	ctx := context.Background()

	admin, _ := c.CurrentUser(ctx, "u1")
	roleA, _ := c.CurrentUser(ctx, "u2")
	public, _ := c.CurrentUser(ctx, "u3")

	if !c.Authz().Authorize(ctx, admin, "reports", []string{embedauth.RoleB}) {
		t.Error("admin denied")
	}
	if !c.Authz().Authorize(ctx, roleA, "reports", []string{embedauth.RoleA}) {
		t.Error("matching role denied")
	}
	if c.Authz().Authorize(ctx, public, "reports", []string{embedauth.RoleA}) {
		t.Error("public allowed")
	}
}

func TestIssuerLifecycle(t *testing.T) {
	c := setup()
	ctx := context.Background()
	user, _ := c.CurrentUser(ctx, "u2")

	cfg, err := c.Issuer().GenerateEmbedToken(ctx, user, embedauth.EmbedRequest{})
	if err != nil {
		t.Fatalf("GenerateEmbedToken() error: %v", err)
	}
	if cfg.TokenInfo.TokenID == "" {
		t.Fatal("no token id")
	}
	if len(cfg.TokenInfo.AppliedRoles) != 1 || cfg.TokenInfo.AppliedRoles[0] != embedauth.RoleA {
		t.Errorf("AppliedRoles = %v", cfg.TokenInfo.AppliedRoles)
	}

	if !c.Issuer().IsValid(cfg.TokenInfo.TokenID) {
		t.Error("IsValid = false")
	}
	if !c.Issuer().Revoke(cfg.TokenInfo.TokenID) {
		t.Error("Revoke = false")
	}
	if c.Issuer().IsValid(cfg.TokenInfo.TokenID) {
		t.Error("IsValid = true after revoke")
	}
}

func TestIssuerDeniesPublicUser(t *testing.T) {
	c := setup()
	ctx := context.Background()
	public, _ := c.CurrentUser(ctx, "u3")

	_, err := c.Issuer().GenerateEmbedToken(ctx, public, embedauth.EmbedRequest{})
	if kind := embedauth.KindOf(err); kind != embedauth.KindAccessDenied {
		t.Errorf("kind = %v, want KindAccessDenied", kind)
	}
}
