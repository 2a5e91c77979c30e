package rbac

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := NewSQLStore(db)
	require.NoError(t, err)
	return store, mock
}

func roleRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "description", "organization_id", "is_system_role",
		"permissions", "created_at", "updated_at",
	})
}

func TestSQLStoreCreateRole(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO roles")).
		WithArgs("r1", "editor", "edits things", "org1", false, sqlmock.AnyArg(), now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.CreateRole(context.Background(), &Role{
		ID:             "r1",
		Name:           "editor",
		Description:    "edits things",
		OrganizationID: "org1",
		Permissions:    []string{"document.update"},
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreGetRole(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT .+ FROM roles WHERE id = ").
		WithArgs("r1").
		WillReturnRows(roleRows().AddRow(
			"r1", "editor", "edits things", "org1", false,
			[]byte(`["document.read","document.update"]`), now, now,
		))

	role, err := store.GetRole(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "editor", role.Name)
	assert.Equal(t, []string{"document.read", "document.update"}, role.Permissions)
	assert.False(t, role.IsSystemRole)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreGetUserRolesJoinsActiveMemberships(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT .+ FROM roles r\\s+JOIN memberships m ON m.role_id = r.id").
		WithArgs("u1", "org1").
		WillReturnRows(roleRows().AddRow(
			"r1", "viewer", nil, "org1", true,
			[]byte(`["document.read"]`), now, now,
		))

	roles, err := store.GetUserRoles(context.Background(), "u1", "org1")
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "viewer", roles[0].Name)
	assert.True(t, roles[0].IsSystemRole)
	assert.Empty(t, roles[0].Description)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreAssignRole(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO memberships")).
		WithArgs("m1", "u1", "org1", "r1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.AssignRole(context.Background(), "m1", "u1", "org1", "r1", now)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreRevokeRole(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM memberships")).
		WithArgs("u1", "org1", "r1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	revoked, err := store.RevokeRole(context.Background(), "u1", "org1", "r1")
	require.NoError(t, err)
	assert.True(t, revoked)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM memberships")).
		WithArgs("u2", "org1", "r1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	revoked, err = store.RevokeRole(context.Background(), "u2", "org1", "r1")
	require.NoError(t, err)
	assert.False(t, revoked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreCountAssignments(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM memberships WHERE role_id = $1")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := store.CountAssignments(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
