package members

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/greyhaven/tenon/pkg/apperr"
	"github.com/greyhaven/tenon/pkg/audit"
	"github.com/greyhaven/tenon/pkg/observability"
)

// auditLogger is the slice of the audit service membership mutations record
// through.
type auditLogger interface {
	LogEvent(ctx context.Context, event audit.Event) (*audit.Entry, error)
}

// cacheInvalidator drops a user's cached permission set after a membership
// mutation. The RBAC permission cache satisfies it.
type cacheInvalidator interface {
	Invalidate(ctx context.Context, userID, organizationID string)
}

// Service is the membership and invitation workflow.
type Service struct {
	store  Store
	audit  auditLogger
	cache  cacheInvalidator
	logger *observability.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithAuditLogger sets the audit sink.
func WithAuditLogger(a auditLogger) Option {
	return func(s *Service) { s.audit = a }
}

// WithCacheInvalidator sets the permission cache to invalidate on
// membership mutations.
func WithCacheInvalidator(c cacheInvalidator) Option {
	return func(s *Service) { s.cache = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *observability.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the membership service.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("members store is required")
	}
	s := &Service{
		store:  store,
		logger: observability.NewLogger(observability.InfoLevel, nil),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AddMember creates an active membership. Duplicate (user, org, role)
// combinations surface as conflicts via the unique index.
func (s *Service) AddMember(ctx context.Context, actorID, userID, organizationID, roleID string) (*Membership, error) {
	if userID == "" || organizationID == "" || roleID == "" {
		return nil, apperr.Validation("user_id, organization_id and role_id are required")
	}

	now := s.now().UTC()
	membership := &Membership{
		ID:             uuid.New().String(),
		UserID:         userID,
		OrganizationID: organizationID,
		RoleID:         roleID,
		Status:         StatusActive,
		JoinedAt:       now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.InsertMembership(ctx, membership); err != nil {
		return nil, apperr.FromPQ(err, "User is already a member with this role", "Role not found")
	}

	s.invalidate(ctx, userID, organizationID)
	s.recordEvent(ctx, actorID, organizationID, audit.OrgActionMemberAdded, membership.ID, map[string]interface{}{
		"target_user_id": userID,
		"role_id":        roleID,
	})
	return membership, nil
}

// UpdateMemberStatus changes a membership's lifecycle state.
func (s *Service) UpdateMemberStatus(ctx context.Context, actorID, membershipID string, status Status) (*Membership, error) {
	if !status.Valid() {
		return nil, apperr.Validation("unknown membership status: %s", status)
	}

	membership, err := s.getMembership(ctx, membershipID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.store.UpdateMembershipStatus(ctx, membershipID, status, now); err != nil {
		return nil, apperr.FromPQ(err, "Membership conflict", "Membership not found")
	}
	membership.Status = status
	membership.UpdatedAt = now

	s.invalidate(ctx, membership.UserID, membership.OrganizationID)
	s.recordEvent(ctx, actorID, membership.OrganizationID, audit.OrgActionMemberUpdated, membershipID, map[string]interface{}{
		"target_user_id": membership.UserID,
		"status":         string(status),
	})
	return membership, nil
}

// RemoveMember deletes a membership.
func (s *Service) RemoveMember(ctx context.Context, actorID, membershipID string) error {
	membership, err := s.getMembership(ctx, membershipID)
	if err != nil {
		return err
	}

	if err := s.store.RemoveMembership(ctx, membershipID); err != nil {
		return apperr.FromPQ(err, "Membership conflict", "Membership not found")
	}

	s.invalidate(ctx, membership.UserID, membership.OrganizationID)
	s.recordEvent(ctx, actorID, membership.OrganizationID, audit.OrgActionMemberRemoved, membershipID, map[string]interface{}{
		"target_user_id": membership.UserID,
		"role_id":        membership.RoleID,
	})
	return nil
}

// ListMembers returns all memberships in an organization.
func (s *Service) ListMembers(ctx context.Context, organizationID string) ([]*Membership, error) {
	if organizationID == "" {
		return nil, apperr.Validation("organization_id is required")
	}
	memberships, err := s.store.ListMemberships(ctx, organizationID)
	if err != nil {
		return nil, apperr.Database(err, "failed to list members")
	}
	return memberships, nil
}

// GetMember returns a user's memberships in an organization.
func (s *Service) GetMember(ctx context.Context, organizationID, userID string) ([]*Membership, error) {
	if organizationID == "" || userID == "" {
		return nil, apperr.Validation("organization_id and user_id are required")
	}
	memberships, err := s.store.ListUserMemberships(ctx, organizationID, userID)
	if err != nil {
		return nil, apperr.Database(err, "failed to get member")
	}
	if len(memberships) == 0 {
		return nil, apperr.NotFound("User is not a member of this organization")
	}
	return memberships, nil
}

func (s *Service) getMembership(ctx context.Context, membershipID string) (*Membership, error) {
	membership, err := s.store.GetMembership(ctx, membershipID)
	if err != nil {
		return nil, apperr.FromPQ(err, "Membership conflict", "Membership not found")
	}
	return membership, nil
}

// CreateInvitation invites an email address to join with a role. Repeat
// invitations to the same address refresh the token and expiry.
func (s *Service) CreateInvitation(ctx context.Context, actorID, organizationID, email, roleID string) (*Invitation, error) {
	if organizationID == "" || roleID == "" {
		return nil, apperr.Validation("organization_id and role_id are required")
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperr.Validation("a valid email address is required")
	}

	now := s.now().UTC()
	invitation := &Invitation{
		ID:             uuid.New().String(),
		OrganizationID: organizationID,
		Email:          email,
		RoleID:         roleID,
		Token:          uuid.New().String(),
		InvitedBy:      actorID,
		InvitedAt:      now,
		ExpiresAt:      now.Add(invitationTTL),
	}

	if err := s.store.UpsertInvitation(ctx, invitation); err != nil {
		return nil, apperr.FromPQ(err, "Invitation conflict", "Role not found")
	}

	s.recordEvent(ctx, actorID, organizationID, audit.OrgActionInvitationCreated, invitation.ID, map[string]interface{}{
		"email":   email,
		"role_id": roleID,
	})
	return invitation, nil
}

// GetInvitation fetches an invitation by token.
func (s *Service) GetInvitation(ctx context.Context, token string) (*Invitation, error) {
	if token == "" {
		return nil, apperr.Validation("token is required")
	}
	inv, err := s.store.GetInvitationByToken(ctx, token)
	if err != nil {
		return nil, apperr.FromPQ(err, "Invitation conflict", "Invitation not found")
	}
	return inv, nil
}

// ListInvitations returns pending invitations for an organization.
func (s *Service) ListInvitations(ctx context.Context, organizationID string) ([]*Invitation, error) {
	if organizationID == "" {
		return nil, apperr.Validation("organization_id is required")
	}
	invitations, err := s.store.ListInvitations(ctx, organizationID)
	if err != nil {
		return nil, apperr.Database(err, "failed to list invitations")
	}
	return invitations, nil
}

// AcceptInvitation consumes an invitation and creates the membership in
// one transaction.
func (s *Service) AcceptInvitation(ctx context.Context, token, userID string) (*Membership, error) {
	if token == "" || userID == "" {
		return nil, apperr.Validation("token and user_id are required")
	}

	now := s.now().UTC()
	inv, membership, err := s.store.AcceptInvitation(ctx, token, userID, uuid.New().String(), now)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvitationNotFound):
			return nil, apperr.NotFound("Invitation not found")
		case errors.Is(err, ErrInvitationExpired):
			return nil, apperr.Validation("Invitation has expired")
		case errors.Is(err, ErrInvitationAccepted):
			return nil, apperr.Conflict("Invitation has already been accepted")
		default:
			return nil, apperr.Database(err, "failed to accept invitation")
		}
	}

	s.invalidate(ctx, userID, inv.OrganizationID)
	s.recordEvent(ctx, userID, inv.OrganizationID, audit.OrgActionInvitationAccepted, inv.ID, map[string]interface{}{
		"email":   inv.Email,
		"role_id": inv.RoleID,
	})
	return membership, nil
}

// RevokeInvitation deletes a pending invitation.
func (s *Service) RevokeInvitation(ctx context.Context, actorID, invitationID string) error {
	if invitationID == "" {
		return apperr.Validation("invitation_id is required")
	}

	inv, err := s.store.RevokeInvitation(ctx, invitationID)
	if err != nil {
		if errors.Is(err, ErrInvitationNotFound) {
			return apperr.NotFound("Invitation not found")
		}
		return apperr.Database(err, "failed to revoke invitation")
	}

	s.recordEvent(ctx, actorID, inv.OrganizationID, audit.OrgActionInvitationRevoked, inv.ID, map[string]interface{}{
		"email": inv.Email,
	})
	return nil
}

// CleanupExpiredInvitations removes unaccepted invitations past expiry.
func (s *Service) CleanupExpiredInvitations(ctx context.Context) (int, error) {
	deleted, err := s.store.DeleteExpiredInvitations(ctx, s.now().UTC())
	if err != nil {
		return 0, apperr.Database(err, "failed to clean up expired invitations")
	}
	if deleted > 0 {
		s.logger.WithField("deleted", deleted).Info("expired invitations removed")
	}
	return deleted, nil
}

func (s *Service) invalidate(ctx context.Context, userID, organizationID string) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, userID, organizationID)
	}
}

func (s *Service) recordEvent(ctx context.Context, actorID, organizationID string, action audit.OrgAction, resourceID string, metadata map[string]interface{}) {
	if s.audit == nil {
		return
	}
	_, err := s.audit.LogEvent(ctx, audit.Event{
		UserID:         actorID,
		OrganizationID: organizationID,
		Action:         string(action),
		ResourceType:   "membership",
		ResourceID:     resourceID,
		Metadata:       metadata,
	})
	if err != nil {
		s.logger.WithError(err).WithField("action", string(action)).Warn("failed to record audit event")
	}
}
