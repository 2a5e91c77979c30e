package members

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/greyhaven/tenon/pkg/audit"
)

// memStore is an in-memory Store for service tests. Duplicate memberships
// surface as pq unique violations, matching the database behavior the
// service translates.
type memStore struct {
	mu          sync.Mutex
	memberships map[string]*Membership
	invitations map[string]*Invitation
}

func newMemStore() *memStore {
	return &memStore{
		memberships: map[string]*Membership{},
		invitations: map[string]*Invitation{},
	}
}

func (m *memStore) InsertMembership(ctx context.Context, membership *Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(membership)
}

func (m *memStore) insertLocked(membership *Membership) error {
	for _, existing := range m.memberships {
		if existing.UserID == membership.UserID &&
			existing.OrganizationID == membership.OrganizationID &&
			existing.RoleID == membership.RoleID {
			return fmt.Errorf("failed to insert membership: %w", &pq.Error{Code: "23505"})
		}
	}
	cp := *membership
	m.memberships[membership.ID] = &cp
	return nil
}

func (m *memStore) GetMembership(ctx context.Context, membershipID string) (*Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	membership, ok := m.memberships[membershipID]
	if !ok {
		return nil, fmt.Errorf("failed to get membership: %w", sql.ErrNoRows)
	}
	cp := *membership
	return &cp, nil
}

func (m *memStore) UpdateMembershipStatus(ctx context.Context, membershipID string, status Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	membership, ok := m.memberships[membershipID]
	if !ok {
		return fmt.Errorf("failed to update membership status: %w", sql.ErrNoRows)
	}
	membership.Status = status
	membership.UpdatedAt = at
	return nil
}

func (m *memStore) RemoveMembership(ctx context.Context, membershipID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.memberships[membershipID]; !ok {
		return fmt.Errorf("failed to remove membership: %w", sql.ErrNoRows)
	}
	delete(m.memberships, membershipID)
	return nil
}

func (m *memStore) ListMemberships(ctx context.Context, organizationID string) ([]*Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Membership, 0)
	for _, membership := range m.memberships {
		if membership.OrganizationID == organizationID {
			cp := *membership
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ListUserMemberships(ctx context.Context, organizationID, userID string) ([]*Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Membership, 0)
	for _, membership := range m.memberships {
		if membership.OrganizationID == organizationID && membership.UserID == userID {
			cp := *membership
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) UpsertInvitation(ctx context.Context, inv *Invitation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.invitations {
		if existing.OrganizationID == inv.OrganizationID && existing.Email == inv.Email {
			delete(m.invitations, id)
		}
	}
	cp := *inv
	m.invitations[inv.ID] = &cp
	return nil
}

func (m *memStore) GetInvitationByToken(ctx context.Context, token string) (*Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.invitations {
		if inv.Token == token {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("failed to get invitation: %w", sql.ErrNoRows)
}

func (m *memStore) ListInvitations(ctx context.Context, organizationID string) ([]*Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Invitation, 0)
	for _, inv := range m.invitations {
		if inv.OrganizationID == organizationID && inv.AcceptedAt == nil {
			cp := *inv
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) AcceptInvitation(ctx context.Context, token, userID, membershipID string, at time.Time) (*Invitation, *Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var inv *Invitation
	for _, candidate := range m.invitations {
		if candidate.Token == token {
			inv = candidate
			break
		}
	}
	if inv == nil {
		return nil, nil, ErrInvitationNotFound
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
	if err := m.insertLocked(membership); err != nil {
		// Mirrors ON CONFLICT DO NOTHING: an existing grant is fine.
		membership = nil
		for _, existing := range m.memberships {
			if existing.UserID == userID && existing.OrganizationID == inv.OrganizationID && existing.RoleID == inv.RoleID {
				cp := *existing
				membership = &cp
				break
			}
		}
	}

	accepted := at
	inv.AcceptedAt = &accepted
	inv.AcceptedBy = userID
	cp := *inv
	return &cp, membership, nil
}

func (m *memStore) RevokeInvitation(ctx context.Context, invitationID string) (*Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[invitationID]
	if !ok || inv.AcceptedAt != nil {
		return nil, ErrInvitationNotFound
	}
	delete(m.invitations, invitationID)
	cp := *inv
	return &cp, nil
}

func (m *memStore) DeleteExpiredInvitations(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, inv := range m.invitations {
		if inv.AcceptedAt == nil && inv.ExpiresAt.Before(before) {
			delete(m.invitations, id)
			deleted++
		}
	}
	return deleted, nil
}

// fakeAudit records audit events in memory.
type fakeAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (f *fakeAudit) LogEvent(ctx context.Context, event audit.Event) (*audit.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return &audit.Entry{Action: event.Action}, nil
}

func (f *fakeAudit) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.Action
	}
	return out
}

// fakeCache records invalidations.
type fakeCache struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeCache) Invalidate(ctx context.Context, userID, organizationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, userID+":"+organizationID)
}
