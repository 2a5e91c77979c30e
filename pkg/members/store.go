package members

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced by the invitation accept path. The service
// translates them into typed errors.
var (
	ErrInvitationNotFound = errors.New("invitation not found")
	ErrInvitationExpired  = errors.New("invitation expired")
	ErrInvitationAccepted = errors.New("invitation already accepted")
)

// Store persists memberships and invitations.
type Store interface {
	InsertMembership(ctx context.Context, m *Membership) error
	GetMembership(ctx context.Context, membershipID string) (*Membership, error)
	UpdateMembershipStatus(ctx context.Context, membershipID string, status Status, at time.Time) error
	RemoveMembership(ctx context.Context, membershipID string) error
	ListMemberships(ctx context.Context, organizationID string) ([]*Membership, error)
	ListUserMemberships(ctx context.Context, organizationID, userID string) ([]*Membership, error)

	UpsertInvitation(ctx context.Context, inv *Invitation) error
	GetInvitationByToken(ctx context.Context, token string) (*Invitation, error)
	ListInvitations(ctx context.Context, organizationID string) ([]*Invitation, error)
	AcceptInvitation(ctx context.Context, token, userID, membershipID string, at time.Time) (*Invitation, *Membership, error)
	RevokeInvitation(ctx context.Context, invitationID string) (*Invitation, error)
	DeleteExpiredInvitations(ctx context.Context, before time.Time) (int, error)
}

// SQLStore implements Store on PostgreSQL.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new database-backed membership store.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &SQLStore{db: db}, nil
}

// EnsureSchema creates the memberships and invitations tables if missing.
// The unique membership index doubles as duplicate-grant detection for the
// RBAC engine; the unique invitation index makes invites an upsert per
// organization and email.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS memberships (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		role_id TEXT NOT NULL REFERENCES roles(id),
		status TEXT NOT NULL DEFAULT 'active',
		joined_at TIMESTAMP WITH TIME ZONE NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_memberships_user_org_role
		ON memberships(user_id, organization_id, role_id);
	CREATE INDEX IF NOT EXISTS idx_memberships_organization_id ON memberships(organization_id);
	CREATE INDEX IF NOT EXISTS idx_memberships_user_id ON memberships(user_id);

	CREATE TABLE IF NOT EXISTS invitations (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		email TEXT NOT NULL,
		role_id TEXT NOT NULL REFERENCES roles(id),
		token TEXT NOT NULL UNIQUE,
		invited_by TEXT,
		invited_at TIMESTAMP WITH TIME ZONE NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		accepted_at TIMESTAMP WITH TIME ZONE,
		accepted_by TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_invitations_org_email ON invitations(organization_id, email);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

const membershipColumns = `id, user_id, organization_id, role_id, status, joined_at, created_at, updated_at`

// InsertMembership adds a membership row.
func (s *SQLStore) InsertMembership(ctx context.Context, m *Membership) error {
	query := `
		INSERT INTO memberships (id, user_id, organization_id, role_id, status, joined_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.UserID, m.OrganizationID, m.RoleID, string(m.Status),
		m.JoinedAt, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert membership: %w", err)
	}
	return nil
}

// GetMembership fetches a membership by ID.
func (s *SQLStore) GetMembership(ctx context.Context, membershipID string) (*Membership, error) {
	query := fmt.Sprintf("SELECT %s FROM memberships WHERE id = $1", membershipColumns)
	m, err := scanMembership(s.db.QueryRowContext(ctx, query, membershipID))
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

// UpdateMembershipStatus changes a membership's lifecycle state.
func (s *SQLStore) UpdateMembershipStatus(ctx context.Context, membershipID string, status Status, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE memberships SET status = $1, updated_at = $2 WHERE id = $3",
		string(status), at, membershipID)
	if err != nil {
		return fmt.Errorf("failed to update membership status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("failed to update membership status: %w", sql.ErrNoRows)
	}
	return nil
}

// RemoveMembership deletes a membership row.
func (s *SQLStore) RemoveMembership(ctx context.Context, membershipID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM memberships WHERE id = $1", membershipID)
	if err != nil {
		return fmt.Errorf("failed to remove membership: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("failed to remove membership: %w", sql.ErrNoRows)
	}
	return nil
}

// ListMemberships returns all memberships in an organization.
func (s *SQLStore) ListMemberships(ctx context.Context, organizationID string) ([]*Membership, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM memberships WHERE organization_id = $1 ORDER BY joined_at ASC",
		membershipColumns)
	return s.queryMemberships(ctx, query, organizationID)
}

// ListUserMemberships returns one user's memberships in an organization.
func (s *SQLStore) ListUserMemberships(ctx context.Context, organizationID, userID string) ([]*Membership, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM memberships WHERE organization_id = $1 AND user_id = $2 ORDER BY joined_at ASC",
		membershipColumns)
	return s.queryMemberships(ctx, query, organizationID, userID)
}

func (s *SQLStore) queryMemberships(ctx context.Context, query string, args ...interface{}) ([]*Membership, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()

	memberships := make([]*Membership, 0)
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memberships: %w", err)
	}
	return memberships, nil
}

const invitationColumns = `id, organization_id, email, role_id, token, invited_by, invited_at, expires_at, accepted_at, accepted_by`

// UpsertInvitation creates or refreshes the invitation for an organization
// and email. Re-inviting resets the token, role and expiry.
func (s *SQLStore) UpsertInvitation(ctx context.Context, inv *Invitation) error {
	query := `
		INSERT INTO invitations (id, organization_id, email, role_id, token, invited_by, invited_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (organization_id, email) DO UPDATE SET
			role_id = EXCLUDED.role_id,
			token = EXCLUDED.token,
			invited_by = EXCLUDED.invited_by,
			invited_at = EXCLUDED.invited_at,
			expires_at = EXCLUDED.expires_at,
			accepted_at = NULL,
			accepted_by = NULL
	`
	_, err := s.db.ExecContext(ctx, query,
		inv.ID, inv.OrganizationID, inv.Email, inv.RoleID, inv.Token,
		nullString(inv.InvitedBy), inv.InvitedAt, inv.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert invitation: %w", err)
	}
	return nil
}

// GetInvitationByToken fetches an invitation by its token.
func (s *SQLStore) GetInvitationByToken(ctx context.Context, token string) (*Invitation, error) {
	query := fmt.Sprintf("SELECT %s FROM invitations WHERE token = $1", invitationColumns)
	inv, err := scanInvitation(s.db.QueryRowContext(ctx, query, token))
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}
	return inv, nil
}

// ListInvitations returns pending invitations for an organization.
func (s *SQLStore) ListInvitations(ctx context.Context, organizationID string) ([]*Invitation, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM invitations WHERE organization_id = $1 AND accepted_at IS NULL ORDER BY invited_at DESC",
		invitationColumns)
	rows, err := s.db.QueryContext(ctx, query, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	defer rows.Close()

	invitations := make([]*Invitation, 0)
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		invitations = append(invitations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invitations: %w", err)
	}
	return invitations, nil
}

// AcceptInvitation atomically checks and consumes an invitation, creating
// the membership. The row lock serializes concurrent accepts of the same
// token.
func (s *SQLStore) AcceptInvitation(ctx context.Context, token, userID, membershipID string, at time.Time) (*Invitation, *Membership, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf("SELECT %s FROM invitations WHERE token = $1 FOR UPDATE", invitationColumns)
	inv, err := scanInvitation(tx.QueryRowContext(ctx, query, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrInvitationNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get invitation: %w", err)
	}

	if inv.AcceptedAt != nil {
		return nil, nil, ErrInvitationAccepted
	}
	if inv.Expired(at) {
		return nil, nil, ErrInvitationExpired
	}

	membership := &Membership{
		ID:             membershipID,
		UserID:         userID,
		OrganizationID: inv.OrganizationID,
		RoleID:         inv.RoleID,
		Status:         StatusActive,
		JoinedAt:       at,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	insertMembership := `
		INSERT INTO memberships (id, user_id, organization_id, role_id, status, joined_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $6)
		ON CONFLICT (user_id, organization_id, role_id) DO NOTHING
	`
	_, err = tx.ExecContext(ctx, insertMembership,
		membership.ID, userID, inv.OrganizationID, inv.RoleID, string(StatusActive), at)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to add member: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE invitations SET accepted_at = $1, accepted_by = $2 WHERE id = $3",
		at, userID, inv.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to mark invitation accepted: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	inv.AcceptedAt = &at
	inv.AcceptedBy = userID
	return inv, membership, nil
}

// RevokeInvitation deletes a pending invitation.
func (s *SQLStore) RevokeInvitation(ctx context.Context, invitationID string) (*Invitation, error) {
	query := fmt.Sprintf(
		"DELETE FROM invitations WHERE id = $1 AND accepted_at IS NULL RETURNING %s",
		invitationColumns)
	inv, err := scanInvitation(s.db.QueryRowContext(ctx, query, invitationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvitationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to revoke invitation: %w", err)
	}
	return inv, nil
}

// DeleteExpiredInvitations removes unaccepted invitations past their
// expiry.
func (s *SQLStore) DeleteExpiredInvitations(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM invitations WHERE accepted_at IS NULL AND expires_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired invitations: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(affected), nil
}

func scanMembership(scanner interface{ Scan(dest ...interface{}) error }) (*Membership, error) {
	m := &Membership{}
	var status string
	err := scanner.Scan(
		&m.ID, &m.UserID, &m.OrganizationID, &m.RoleID, &status,
		&m.JoinedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Status = Status(status)
	return m, nil
}

func scanInvitation(scanner interface{ Scan(dest ...interface{}) error }) (*Invitation, error) {
	inv := &Invitation{}
	var invitedBy, acceptedBy sql.NullString
	var acceptedAt sql.NullTime
	err := scanner.Scan(
		&inv.ID, &inv.OrganizationID, &inv.Email, &inv.RoleID, &inv.Token,
		&invitedBy, &inv.InvitedAt, &inv.ExpiresAt, &acceptedAt, &acceptedBy,
	)
	if err != nil {
		return nil, err
	}
	inv.InvitedBy = invitedBy.String
	inv.AcceptedBy = acceptedBy.String
	if acceptedAt.Valid {
		at := acceptedAt.Time
		inv.AcceptedAt = &at
	}
	return inv, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
