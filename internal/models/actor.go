package models

import "strings"

// Role is a coarse role granted by the surrounding collaborator.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleProjectLead Role = "project_lead"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID string
	Roles  []Role
}

// HasRole reports whether the actor carries role.
func (a Actor) HasRole(role Role) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the actor is an administrator.
func (a Actor) IsAdmin() bool {
	return a.HasRole(RoleAdmin)
}

// Anonymous reports whether no user is attached.
func (a Actor) Anonymous() bool {
	return a.UserID == ""
}

// ParseRoles splits a comma separated role header.
func ParseRoles(header string) []Role {
	var roles []Role
	for _, part := range strings.Split(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			roles = append(roles, Role(part))
		}
	}
	return roles
}
