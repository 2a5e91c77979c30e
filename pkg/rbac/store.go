package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store persists roles and role assignments. Assignments live in the
// memberships table shared with the membership workflow; a membership row
// is a role grant.
type Store interface {
	CreateRole(ctx context.Context, role *Role) error
	GetRole(ctx context.Context, roleID string) (*Role, error)
	UpdateRole(ctx context.Context, role *Role) error
	DeleteRole(ctx context.Context, roleID string) error
	ListRoles(ctx context.Context, organizationID string) ([]*Role, error)
	AssignRole(ctx context.Context, assignmentID, userID, organizationID, roleID string, at time.Time) error
	RevokeRole(ctx context.Context, userID, organizationID, roleID string) (bool, error)
	GetUserRoles(ctx context.Context, userID, organizationID string) ([]*Role, error)
	CountAssignments(ctx context.Context, roleID string) (int, error)
}

// SQLStore implements Store on PostgreSQL.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new database-backed role store.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &SQLStore{db: db}, nil
}

// EnsureSchema creates the roles table and indexes if missing. The unique
// index on (organization_id, name) is what turns duplicate role names into
// conflicts; there is no separate existence pre-check.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS roles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		organization_id TEXT NOT NULL,
		is_system_role BOOLEAN NOT NULL DEFAULT FALSE,
		permissions JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_org_name ON roles(organization_id, name);
	CREATE INDEX IF NOT EXISTS idx_roles_organization_id ON roles(organization_id);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

const roleColumns = `id, name, description, organization_id, is_system_role, permissions, created_at, updated_at`

// CreateRole inserts a new role.
func (s *SQLStore) CreateRole(ctx context.Context, role *Role) error {
	permissionsJSON, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	query := `
		INSERT INTO roles (id, name, description, organization_id, is_system_role, permissions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.ExecContext(ctx, query,
		role.ID, role.Name, role.Description, role.OrganizationID,
		role.IsSystemRole, permissionsJSON, role.CreatedAt, role.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}
	return nil
}

// GetRole fetches a role by ID.
func (s *SQLStore) GetRole(ctx context.Context, roleID string) (*Role, error) {
	query := fmt.Sprintf("SELECT %s FROM roles WHERE id = $1", roleColumns)
	role, err := scanRole(s.db.QueryRowContext(ctx, query, roleID))
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// UpdateRole persists name, description and permissions.
func (s *SQLStore) UpdateRole(ctx context.Context, role *Role) error {
	permissionsJSON, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	query := `
		UPDATE roles
		SET name = $1, description = $2, permissions = $3, updated_at = $4
		WHERE id = $5
	`
	result, err := s.db.ExecContext(ctx, query,
		role.Name, role.Description, permissionsJSON, role.UpdatedAt, role.ID)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("failed to update role: %w", sql.ErrNoRows)
	}
	return nil
}

// DeleteRole removes a role.
func (s *SQLStore) DeleteRole(ctx context.Context, roleID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM roles WHERE id = $1", roleID)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("failed to delete role: %w", sql.ErrNoRows)
	}
	return nil
}

// ListRoles returns all roles in an organization, system roles first.
func (s *SQLStore) ListRoles(ctx context.Context, organizationID string) ([]*Role, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM roles WHERE organization_id = $1 ORDER BY is_system_role DESC, name ASC",
		roleColumns)
	rows, err := s.db.QueryContext(ctx, query, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	roles := make([]*Role, 0)
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating roles: %w", err)
	}
	return roles, nil
}

// AssignRole grants a role by inserting a membership row. The unique index
// on (user_id, organization_id, role_id) rejects duplicate grants.
func (s *SQLStore) AssignRole(ctx context.Context, assignmentID, userID, organizationID, roleID string, at time.Time) error {
	query := `
		INSERT INTO memberships (id, user_id, organization_id, role_id, status, joined_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'active', $5, $5, $5)
	`
	_, err := s.db.ExecContext(ctx, query, assignmentID, userID, organizationID, roleID, at)
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// RevokeRole removes a role grant. Returns false when no grant existed.
func (s *SQLStore) RevokeRole(ctx context.Context, userID, organizationID, roleID string) (bool, error) {
	query := `
		DELETE FROM memberships
		WHERE user_id = $1 AND organization_id = $2 AND role_id = $3
	`
	result, err := s.db.ExecContext(ctx, query, userID, organizationID, roleID)
	if err != nil {
		return false, fmt.Errorf("failed to revoke role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetUserRoles returns the roles granted to a user in an organization
// through active memberships.
func (s *SQLStore) GetUserRoles(ctx context.Context, userID, organizationID string) ([]*Role, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM roles r
		JOIN memberships m ON m.role_id = r.id
		WHERE m.user_id = $1 AND m.organization_id = $2 AND m.status = 'active'
		ORDER BY r.name ASC
	`, prefixColumns("r", roleColumns))
	rows, err := s.db.QueryContext(ctx, query, userID, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user roles: %w", err)
	}
	defer rows.Close()

	roles := make([]*Role, 0)
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user roles: %w", err)
	}
	return roles, nil
}

// CountAssignments returns how many memberships reference a role.
func (s *SQLStore) CountAssignments(ctx context.Context, roleID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM memberships WHERE role_id = $1", roleID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count role assignments: %w", err)
	}
	return count, nil
}

func prefixColumns(alias, columns string) string {
	out := ""
	for i, col := range splitColumns(columns) {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + col
	}
	return out
}

func splitColumns(columns string) []string {
	var out []string
	current := ""
	for _, r := range columns {
		switch r {
		case ',':
			out = append(out, current)
			current = ""
		case ' ', '\n', '\t':
		default:
			current += string(r)
		}
	}
	if current != "" {
		out = append(out, current)
	}
	return out
}

func scanRole(scanner interface{ Scan(dest ...interface{}) error }) (*Role, error) {
	role := &Role{}
	var description sql.NullString
	var permissionsJSON []byte

	err := scanner.Scan(
		&role.ID, &role.Name, &description, &role.OrganizationID,
		&role.IsSystemRole, &permissionsJSON, &role.CreatedAt, &role.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	role.Description = description.String
	role.Permissions = []string{}
	if len(permissionsJSON) > 0 {
		if err := json.Unmarshal(permissionsJSON, &role.Permissions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
		}
	}
	return role, nil
}
