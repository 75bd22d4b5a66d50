// Package rolemap translates directory group memberships into application
// roles. Mapping is pure and deterministic: the same groups always produce
// the same roles, in mapping-table order, with no duplicates.
package rolemap

import embedauth "github.com/embedauth/embedauth-go"

// Mapper resolves directory group names to application roles.
type Mapper struct {
	mappings   map[string][]string
	adminGroup string
}

// New creates a Mapper from a group→roles table and the admin group name.
// Membership in adminGroup always grants the Admin role, independent of
// the table contents.
func New(mappings map[string][]string, adminGroup string) *Mapper {
	m := make(map[string][]string, len(mappings))
	for g, roles := range mappings {
		m[g] = append([]string(nil), roles...)
	}
	return &Mapper{mappings: m, adminGroup: adminGroup}
}

// Map returns the application roles for the given group names. Unmapped
// groups are ignored. A user with no mapped groups gets the Public role.
func (m *Mapper) Map(groups []string) []string {
	var roles []string
	seen := make(map[string]bool)

	add := func(role string) {
		if !seen[role] {
			seen[role] = true
			roles = append(roles, role)
		}
	}

	for _, g := range groups {
		if g == m.adminGroup {
			add(embedauth.RoleAdmin)
		}
		for _, r := range m.mappings[g] {
			add(r)
		}
	}

	if len(roles) == 0 {
		return []string{embedauth.RolePublic}
	}
	return roles
}

// Maps reports whether the group name appears in the mapping table or is
// the admin group.
func (m *Mapper) Maps(group string) bool {
	if group == m.adminGroup {
		return true
	}
	_, ok := m.mappings[group]
	return ok
}

// IsAdmin reports whether any of the groups is the admin group.
func (m *Mapper) IsAdmin(groups []string) bool {
	for _, g := range groups {
		if g == m.adminGroup {
			return true
		}
	}
	return false
}
