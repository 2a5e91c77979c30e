package members

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLStore(db)
	require.NoError(t, err)
	return store, mock
}

func TestSQLStoreInsertMembership(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO memberships").
		WithArgs("m-1", "user-1", "org-1", "role-1", "active", now, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.InsertMembership(context.Background(), &Membership{
		ID:             "m-1",
		UserID:         "user-1",
		OrganizationID: "org-1",
		RoleID:         "role-1",
		Status:         StatusActive,
		JoinedAt:       now,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreGetMembership(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "organization_id", "role_id", "status",
		"joined_at", "created_at", "updated_at",
	}).AddRow("m-1", "user-1", "org-1", "role-1", "inactive", now, now, now)

	mock.ExpectQuery("SELECT .+ FROM memberships WHERE id = \\$1").
		WithArgs("m-1").
		WillReturnRows(rows)

	m, err := store.GetMembership(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, m.Status)
	assert.Equal(t, "user-1", m.UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreUpdateMembershipStatusNoRows(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("UPDATE memberships SET status").
		WithArgs("inactive", now, "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateMembershipStatus(context.Background(), "missing", StatusInactive, now)
	require.Error(t, err)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreUpsertInvitation(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO invitations .+ ON CONFLICT \\(organization_id, email\\) DO UPDATE").
		WithArgs("inv-1", "org-1", "alice@example.com", "role-1", "tok-1",
			sql.NullString{String: "admin-1", Valid: true}, now, now.Add(invitationTTL)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpsertInvitation(context.Background(), &Invitation{
		ID:             "inv-1",
		OrganizationID: "org-1",
		Email:          "alice@example.com",
		RoleID:         "role-1",
		Token:          "tok-1",
		InvitedBy:      "admin-1",
		InvitedAt:      now,
		ExpiresAt:      now.Add(invitationTTL),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func invitationRows(token string, invitedAt, expiresAt time.Time, acceptedAt *time.Time) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "organization_id", "email", "role_id", "token",
		"invited_by", "invited_at", "expires_at", "accepted_at", "accepted_by",
	})
	var accepted interface{}
	if acceptedAt != nil {
		accepted = *acceptedAt
	}
	rows.AddRow("inv-1", "org-1", "bob@example.com", "role-1", token,
		"admin-1", invitedAt, expiresAt, accepted, nil)
	return rows
}

func TestSQLStoreAcceptInvitationCommits(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM invitations WHERE token = \\$1 FOR UPDATE").
		WithArgs("tok-1").
		WillReturnRows(invitationRows("tok-1", now.Add(-time.Hour), now.Add(time.Hour), nil))
	mock.ExpectExec("INSERT INTO memberships .+ ON CONFLICT \\(user_id, organization_id, role_id\\) DO NOTHING").
		WithArgs("m-1", "user-1", "org-1", "role-1", "active", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE invitations SET accepted_at").
		WithArgs(now, "user-1", "inv-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	inv, membership, err := store.AcceptInvitation(context.Background(), "tok-1", "user-1", "m-1", now)
	require.NoError(t, err)
	require.NotNil(t, inv.AcceptedAt)
	assert.Equal(t, "user-1", inv.AcceptedBy)
	assert.Equal(t, "role-1", membership.RoleID)
	assert.Equal(t, StatusActive, membership.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreAcceptInvitationRollsBackWhenMissing(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM invitations WHERE token = \\$1 FOR UPDATE").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, _, err := store.AcceptInvitation(context.Background(), "ghost", "user-1", "m-1", now)
	assert.ErrorIs(t, err, ErrInvitationNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreAcceptInvitationRollsBackWhenAccepted(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	accepted := now.Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM invitations WHERE token = \\$1 FOR UPDATE").
		WithArgs("tok-1").
		WillReturnRows(invitationRows("tok-1", now.Add(-2*time.Hour), now.Add(time.Hour), &accepted))
	mock.ExpectRollback()

	_, _, err := store.AcceptInvitation(context.Background(), "tok-1", "user-1", "m-1", now)
	assert.ErrorIs(t, err, ErrInvitationAccepted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreRevokeInvitation(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("DELETE FROM invitations WHERE id = \\$1 AND accepted_at IS NULL RETURNING").
		WithArgs("inv-1").
		WillReturnRows(invitationRows("tok-1", now.Add(-time.Hour), now.Add(time.Hour), nil))

	inv, err := store.RevokeInvitation(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", inv.Email)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreRevokeInvitationMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("DELETE FROM invitations WHERE id = \\$1 AND accepted_at IS NULL RETURNING").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "organization_id", "email", "role_id", "token",
			"invited_by", "invited_at", "expires_at", "accepted_at", "accepted_by",
		}))

	_, err := store.RevokeInvitation(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrInvitationNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreDeleteExpiredInvitations(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("DELETE FROM invitations WHERE accepted_at IS NULL AND expires_at < \\$1").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	deleted, err := store.DeleteExpiredInvitations(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
