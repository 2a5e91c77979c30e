package rbac

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/greyhaven/tenon/pkg/apperr"
	"github.com/greyhaven/tenon/pkg/audit"
	"github.com/greyhaven/tenon/pkg/observability"
)

// auditLogger is the slice of the audit service the RBAC engine records
// through.
type auditLogger interface {
	LogEvent(ctx context.Context, event audit.Event) (*audit.Entry, error)
}

// Service is the RBAC engine.
type Service struct {
	store   Store
	cache   *PermissionCache
	audit   auditLogger
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCache sets the permission cache.
func WithCache(c *PermissionCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithAuditLogger sets the audit sink for role and assignment events.
func WithAuditLogger(a auditLogger) Option {
	return func(s *Service) { s.audit = a }
}

// WithLogger sets the structured logger.
func WithLogger(l *observability.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the RBAC service.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("rbac store is required")
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

// HasPermission reports whether the user holds the permission in the
// organization. Lookup failures deny.
func (s *Service) HasPermission(ctx context.Context, userID, organizationID, permission string) bool {
	if userID == "" || organizationID == "" || permission == "" {
		s.countCheck(false)
		return false
	}

	permissions, err := s.permissionSet(ctx, userID, organizationID)
	if err != nil {
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"user_id":         userID,
			"organization_id": organizationID,
		}).Warn("permission lookup failed, denying")
		s.countCheck(false)
		return false
	}

	for _, p := range permissions {
		if p == permission {
			s.countCheck(true)
			return true
		}
	}
	s.countCheck(false)
	return false
}

// HasPermissions reports whether the user holds every listed permission.
// An empty list is vacuously true for a resolvable user.
func (s *Service) HasPermissions(ctx context.Context, userID, organizationID string, permissions []string) bool {
	if userID == "" || organizationID == "" {
		s.countCheck(false)
		return false
	}

	held, err := s.permissionSet(ctx, userID, organizationID)
	if err != nil {
		s.logger.WithError(err).Warn("permission lookup failed, denying")
		s.countCheck(false)
		return false
	}

	heldSet := make(map[string]bool, len(held))
	for _, p := range held {
		heldSet[p] = true
	}
	for _, p := range permissions {
		if !heldSet[p] {
			s.countCheck(false)
			return false
		}
	}
	s.countCheck(true)
	return true
}

// GetUserRoles returns the user's roles in the organization. Failures
// return an empty slice.
func (s *Service) GetUserRoles(ctx context.Context, userID, organizationID string) []*Role {
	if userID == "" || organizationID == "" {
		return []*Role{}
	}
	roles, err := s.store.GetUserRoles(ctx, userID, organizationID)
	if err != nil {
		s.logger.WithError(err).Warn("role lookup failed")
		return []*Role{}
	}
	return roles
}

// GetUserPermissions returns the deduplicated union of the user's role
// permissions, sorted. Failures return an empty slice.
func (s *Service) GetUserPermissions(ctx context.Context, userID, organizationID string) []string {
	if userID == "" || organizationID == "" {
		return []string{}
	}
	permissions, err := s.permissionSet(ctx, userID, organizationID)
	if err != nil {
		s.logger.WithError(err).Warn("permission lookup failed")
		return []string{}
	}
	return permissions
}

// permissionSet computes (or fetches from cache) the user's permission set.
func (s *Service) permissionSet(ctx context.Context, userID, organizationID string) ([]string, error) {
	if s.cache != nil {
		if perms, ok := s.cache.Get(ctx, userID, organizationID); ok {
			return perms, nil
		}
	}

	roles, err := s.store.GetUserRoles(ctx, userID, organizationID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	permissions := make([]string, 0)
	for _, role := range roles {
		for _, p := range role.Permissions {
			if !seen[p] {
				seen[p] = true
				permissions = append(permissions, p)
			}
		}
	}
	sort.Strings(permissions)

	if s.cache != nil {
		s.cache.Set(ctx, userID, organizationID, permissions)
	}
	return permissions, nil
}

func (s *Service) countCheck(allowed bool) {
	if s.metrics == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	s.metrics.PermissionChecksTotal.WithLabelValues(result).Inc()
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, roleID string) (*Role, error) {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, apperr.FromPQ(err, "Role conflict", "Role not found")
	}
	return role, nil
}

// ListRoles returns all roles in an organization.
func (s *Service) ListRoles(ctx context.Context, organizationID string) ([]*Role, error) {
	if organizationID == "" {
		return nil, apperr.Validation("organization_id is required")
	}
	roles, err := s.store.ListRoles(ctx, organizationID)
	if err != nil {
		return nil, apperr.Database(err, "failed to list roles")
	}
	return roles, nil
}

// CreateRole creates a custom role. Name uniqueness per organization is
// enforced by the database.
func (s *Service) CreateRole(ctx context.Context, actorID string, role Role) (*Role, error) {
	if role.Name == "" {
		return nil, apperr.Validation("role name is required")
	}
	if role.OrganizationID == "" {
		return nil, apperr.Validation("organization_id is required")
	}
	for _, p := range role.Permissions {
		if err := ValidatePermission(p); err != nil {
			return nil, apperr.Validation("%v", err)
		}
	}

	now := s.now().UTC()
	role.ID = uuid.New().String()
	role.IsSystemRole = false
	role.CreatedAt = now
	role.UpdatedAt = now
	if role.Permissions == nil {
		role.Permissions = []string{}
	}

	if err := s.store.CreateRole(ctx, &role); err != nil {
		return nil, apperr.FromPQ(err, "Role name already exists in organization", "Role not found")
	}

	s.recordRoleEvent(ctx, actorID, role.OrganizationID, "role.created", role.ID, audit.SeverityLow, map[string]interface{}{
		"role_name": role.Name,
	})
	return &role, nil
}

// UpdateRole applies a partial update to a custom role. System roles are
// immutable.
func (s *Service) UpdateRole(ctx context.Context, actorID, roleID string, update RoleUpdate) (*Role, error) {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.IsSystemRole {
		return nil, apperr.Validation("system roles cannot be modified")
	}

	if update.Name != nil {
		if *update.Name == "" {
			return nil, apperr.Validation("role name is required")
		}
		role.Name = *update.Name
	}
	if update.Description != nil {
		role.Description = *update.Description
	}
	if update.Permissions != nil {
		for _, p := range *update.Permissions {
			if err := ValidatePermission(p); err != nil {
				return nil, apperr.Validation("%v", err)
			}
		}
		role.Permissions = *update.Permissions
	}
	role.UpdatedAt = s.now().UTC()

	if err := s.store.UpdateRole(ctx, role); err != nil {
		return nil, apperr.FromPQ(err, "Role name already exists in organization", "Role not found")
	}

	if s.cache != nil {
		s.cache.Flush(ctx)
	}
	s.recordRoleEvent(ctx, actorID, role.OrganizationID, "role.updated", role.ID, audit.SeverityLow, map[string]interface{}{
		"role_name": role.Name,
	})
	return role, nil
}

// DeleteRole removes a custom role. Roles still assigned to members cannot
// be deleted.
func (s *Service) DeleteRole(ctx context.Context, actorID, roleID string) error {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystemRole {
		return apperr.Validation("system roles cannot be deleted")
	}

	assigned, err := s.store.CountAssignments(ctx, roleID)
	if err != nil {
		return apperr.Database(err, "failed to count role assignments")
	}
	if assigned > 0 {
		return apperr.Conflict("Role is assigned to %d member(s)", assigned)
	}

	if err := s.store.DeleteRole(ctx, roleID); err != nil {
		return apperr.FromPQ(err, "Role is still referenced", "Role not found")
	}

	if s.cache != nil {
		s.cache.Flush(ctx)
	}
	s.recordRoleEvent(ctx, actorID, role.OrganizationID, "role.deleted", role.ID, audit.SeverityHigh, map[string]interface{}{
		"role_name": role.Name,
	})
	return nil
}

// AssignRole grants a role to a user. Duplicate grants surface as
// conflicts via the unique membership index.
func (s *Service) AssignRole(ctx context.Context, actorID, userID, organizationID, roleID string) error {
	if userID == "" || organizationID == "" || roleID == "" {
		return apperr.Validation("user_id, organization_id and role_id are required")
	}

	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.OrganizationID != organizationID {
		return apperr.Validation("role belongs to a different organization")
	}

	if err := s.store.AssignRole(ctx, uuid.New().String(), userID, organizationID, roleID, s.now().UTC()); err != nil {
		return apperr.FromPQ(err, "Role already assigned to user", "Role not found")
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx, userID, organizationID)
	}
	s.recordRoleEvent(ctx, actorID, organizationID, "role.assigned", roleID, audit.SeverityLow, map[string]interface{}{
		"target_user_id": userID,
		"role_name":      role.Name,
	})
	return nil
}

// RevokeRole removes a role grant.
func (s *Service) RevokeRole(ctx context.Context, actorID, userID, organizationID, roleID string) error {
	if userID == "" || organizationID == "" || roleID == "" {
		return apperr.Validation("user_id, organization_id and role_id are required")
	}

	revoked, err := s.store.RevokeRole(ctx, userID, organizationID, roleID)
	if err != nil {
		return apperr.Database(err, "failed to revoke role")
	}
	if !revoked {
		return apperr.NotFound("Role assignment not found")
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx, userID, organizationID)
	}
	s.recordRoleEvent(ctx, actorID, organizationID, "role.revoked", roleID, audit.SeverityMedium, map[string]interface{}{
		"target_user_id": userID,
	})
	return nil
}

// SeedSystemRoles creates the built-in roles for an organization. Existing
// roles with the same name are left alone.
func (s *Service) SeedSystemRoles(ctx context.Context, organizationID string) ([]*Role, error) {
	if organizationID == "" {
		return nil, apperr.Validation("organization_id is required")
	}

	now := s.now().UTC()
	created := make([]*Role, 0)
	for _, def := range SystemRoles() {
		role := def
		role.ID = uuid.New().String()
		role.OrganizationID = organizationID
		role.CreatedAt = now
		role.UpdatedAt = now

		if err := s.store.CreateRole(ctx, &role); err != nil {
			typed := apperr.FromPQ(err, "exists", "")
			if apperr.IsConflict(typed) {
				continue
			}
			return created, apperr.Database(err, "failed to seed system role %s", role.Name)
		}
		created = append(created, &role)
	}
	return created, nil
}

// recordRoleEvent writes an audit entry for a role mutation. Audit failures
// are logged and never fail the mutation that already committed.
func (s *Service) recordRoleEvent(ctx context.Context, actorID, organizationID, action, roleID string, severity audit.Severity, metadata map[string]interface{}) {
	if s.audit == nil {
		return
	}
	_, err := s.audit.LogEvent(ctx, audit.Event{
		UserID:         actorID,
		OrganizationID: organizationID,
		Action:         action,
		ResourceType:   "role",
		ResourceID:     roleID,
		Severity:       severity,
		Metadata:       metadata,
	})
	if err != nil {
		s.logger.WithError(err).WithField("action", action).Warn("failed to record audit event")
	}
}
