// Package rbac implements role-based access control for organizations.
// Permission reads fail closed: any lookup failure denies access. Role and
// assignment writes surface typed errors and record audit events.
package rbac

import (
	"fmt"
	"strings"
	"time"
)

// Role is a named permission set scoped to one organization. System roles
// are immutable.
type Role struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	OrganizationID string    `json:"organization_id"`
	IsSystemRole   bool      `json:"is_system_role"`
	Permissions    []string  `json:"permissions"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasPermission reports whether the role grants the permission.
func (r *Role) HasPermission(permission string) bool {
	for _, p := range r.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// RoleUpdate is a partial role update; nil fields keep the current value.
type RoleUpdate struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	Permissions *[]string `json:"permissions,omitempty"`
}

// ValidatePermission checks that a permission token is a resource.action
// pair with non-empty halves.
func ValidatePermission(permission string) error {
	parts := strings.Split(permission, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("permission must be resource.action: %q", permission)
	}
	return nil
}

// System role names.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"
)

// SystemRoles returns the built-in role definitions seeded into every
// organization.
func SystemRoles() []Role {
	return []Role{
		{
			Name:         RoleOwner,
			Description:  "Full control including organization deletion",
			IsSystemRole: true,
			Permissions: []string{
				"organization.read", "organization.update", "organization.delete",
				"member.invite", "member.read", "member.update", "member.remove",
				"role.create", "role.read", "role.update", "role.delete",
				"audit.read", "audit.export", "audit.manage",
				"document.create", "document.read", "document.update", "document.delete",
				"settings.read", "settings.update",
			},
		},
		{
			Name:         RoleAdmin,
			Description:  "Administrative access without organization deletion",
			IsSystemRole: true,
			Permissions: []string{
				"organization.read", "organization.update",
				"member.invite", "member.read", "member.update", "member.remove",
				"role.create", "role.read", "role.update", "role.delete",
				"audit.read", "audit.export",
				"document.create", "document.read", "document.update", "document.delete",
				"settings.read", "settings.update",
			},
		},
		{
			Name:         RoleMember,
			Description:  "Standard collaborator access",
			IsSystemRole: true,
			Permissions: []string{
				"organization.read",
				"member.read",
				"role.read",
				"document.create", "document.read", "document.update",
				"settings.read",
			},
		},
		{
			Name:         RoleViewer,
			Description:  "Read-only access",
			IsSystemRole: true,
			Permissions: []string{
				"organization.read",
				"member.read",
				"role.read",
				"document.read",
				"settings.read",
			},
		},
	}
}
