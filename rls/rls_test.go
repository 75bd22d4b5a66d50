package rls

import (
	"context"
	"sync"
	"testing"
	"time"

	embedauth "github.com/embedauth/embedauth-go"
	"github.com/embedauth/embedauth-go/audit"
)

func TestDefaultRegistryRoles(t *testing.T) {
	reg := DefaultRegistry()

	roles := reg.List()
	if len(roles) != 5 {
		t.Fatalf("len(List()) = %d, want 5", len(roles))
	}
	// List is name-sorted.
	for i := 1; i < len(roles); i++ {
		if roles[i-1].Name > roles[i].Name {
			t.Errorf("List() not sorted: %q before %q", roles[i-1].Name, roles[i].Name)
		}
	}

	admin, ok := reg.Get(embedauth.RoleAdmin)
	if !ok {
		t.Fatal("Get(Admin) not found")
	}
	if admin.Expression != "1=1" || admin.Type != RuleStatic {
		t.Errorf("Admin definition = %+v", admin)
	}

	dynamic, ok := reg.Get("Dynamic")
	if !ok {
		t.Fatal("Get(Dynamic) not found")
	}
	if dynamic.Type != RuleDynamic {
		t.Errorf("Dynamic.Type = %q", dynamic.Type)
	}

	if _, ok := reg.Get("Nonexistent"); ok {
		t.Error("Get(Nonexistent) found")
	}
}

func TestMappingFor(t *testing.T) {
	reg := DefaultRegistry()
	user := &embedauth.User{
		ID:    "user-1",
		Email: "ada@example.com",
		Roles: []string{embedauth.RoleA, embedauth.RoleB},
	}

	m := reg.MappingFor(context.Background(), user)
	if m.UserID != "user-1" || m.Email != "ada@example.com" {
		t.Errorf("mapping identity = %q/%q", m.UserID, m.Email)
	}
	if m.Admin {
		t.Error("Admin = true, want false")
	}
	if len(m.Filters) != 2 {
		t.Fatalf("len(Filters) = %d, want 2", len(m.Filters))
	}
	if m.Filters[0].Name != embedauth.RoleA || m.Filters[1].Name != embedauth.RoleB {
		t.Errorf("filter order = %q, %q", m.Filters[0].Name, m.Filters[1].Name)
	}
}

func TestMappingForAuditTrail(t *testing.T) {
	var mu sync.Mutex
	var events []audit.Event
	al := audit.New(16, audit.WithHandler(func(e audit.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}))

	reg := DefaultRegistry(WithAuditLogger(al))
	user := &embedauth.User{
		ID:    "user-1",
		Email: "ada@example.com",
		Roles: []string{embedauth.RoleA},
	}

	reg.MappingFor(context.Background(), user)
	// Cache hit: no second event.
	reg.MappingFor(context.Background(), user)
	_ = al.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("got %d audit events, want 1: %+v", len(events), events)
	}
	e := events[0]
	if e.Action != audit.ActionDataAccess || e.Result != audit.ResultSuccess {
		t.Errorf("event = %+v", e)
	}
	if e.UserID != "user-1" {
		t.Errorf("UserID = %q", e.UserID)
	}
	if len(e.AppliedRoles) != 1 || e.AppliedRoles[0] != embedauth.RoleA {
		t.Errorf("AppliedRoles = %v", e.AppliedRoles)
	}
}

func TestMappingForAdminCarriesNoFilters(t *testing.T) {
	reg := DefaultRegistry()
	user := &embedauth.User{
		ID:      "admin-1",
		Roles:   []string{embedauth.RoleAdmin},
		IsAdmin: true,
	}

	m := reg.MappingFor(context.Background(), user)
	if !m.Admin {
		t.Error("Admin = false, want true")
	}
	if len(m.Filters) != 0 {
		t.Errorf("Filters = %v, want none", m.Filters)
	}
}

func TestMappingForInactiveRoleSkipped(t *testing.T) {
	reg := NewRegistry([]RoleDefinition{
		{Name: embedauth.RoleA, Expression: `[Region] = "A"`, Type: RuleStatic, Active: false},
	})
	user := &embedauth.User{ID: "user-1", Roles: []string{embedauth.RoleA}}

	m := reg.MappingFor(context.Background(), user)
	if len(m.Filters) != 0 {
		t.Errorf("Filters = %v, want none for inactive role", m.Filters)
	}
}

func TestMappingCached(t *testing.T) {
	calls := 0
	reg := DefaultRegistry(WithClock(func() time.Time {
		calls++
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}))
	user := &embedauth.User{ID: "user-1", Roles: []string{embedauth.RoleA}}

	first := reg.MappingFor(context.Background(), user)
	second := reg.MappingFor(context.Background(), user)
	if first != second {
		t.Error("expected cached mapping on second call")
	}
	if calls != 1 {
		t.Errorf("resolutions = %d, want 1", calls)
	}

	if !reg.InvalidateMapping("user-1") {
		t.Error("InvalidateMapping = false, want true")
	}
	third := reg.MappingFor(context.Background(), user)
	if third == first {
		t.Error("expected fresh mapping after invalidation")
	}
}

func TestUpsertInvalidatesMappings(t *testing.T) {
	reg := DefaultRegistry()
	user := &embedauth.User{ID: "user-1", Roles: []string{embedauth.RoleA}}

	first := reg.MappingFor(context.Background(), user)

	def, _ := reg.Get(embedauth.RoleA)
	def.Expression = `[Region] = "A" || [Region] = "C"`
	reg.Upsert(def)

	second := reg.MappingFor(context.Background(), user)
	if second == first {
		t.Fatal("expected mapping re-resolution after Upsert")
	}
	if second.Filters[0].Expression != def.Expression {
		t.Errorf("Expression = %q", second.Filters[0].Expression)
	}
}

func TestClearMappings(t *testing.T) {
	reg := DefaultRegistry()
	reg.MappingFor(context.Background(), &embedauth.User{ID: "a"})
	reg.MappingFor(context.Background(), &embedauth.User{ID: "b"})

	if got := reg.ClearMappings(); got != 2 {
		t.Errorf("ClearMappings() = %d, want 2", got)
	}
	if got := reg.ClearMappings(); got != 0 {
		t.Errorf("second ClearMappings() = %d, want 0", got)
	}
}
