// Package members implements the organization membership and invitation
// workflow. Authorization is delegated to the RBAC middleware at the route
// layer; every mutation records an audit event.
package members

import (
	"time"
)

// Status is a membership lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusPending  Status = "pending"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusPending:
		return true
	}
	return false
}

// Membership links a user to an organization with a role. The same table
// backs RBAC role grants; a user can hold several rows, one per role.
type Membership struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	RoleID         string    `json:"role_id"`
	Status         Status    `json:"status"`
	JoinedAt       time.Time `json:"joined_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Invitation is a pending offer to join an organization with a role.
type Invitation struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Email          string     `json:"email"`
	RoleID         string     `json:"role_id"`
	Token          string     `json:"token"`
	InvitedBy      string     `json:"invited_by"`
	InvitedAt      time.Time  `json:"invited_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty"`
	AcceptedBy     string     `json:"accepted_by,omitempty"`
}

// Expired reports whether the invitation is past its expiry at the given
// time.
func (i *Invitation) Expired(at time.Time) bool {
	return at.After(i.ExpiresAt)
}

// invitationTTL is the default invitation validity window.
const invitationTTL = 7 * 24 * time.Hour
