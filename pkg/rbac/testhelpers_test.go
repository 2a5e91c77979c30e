package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/greyhaven/tenon/pkg/audit"
)

// memStore is an in-memory Store used by service tests. It reproduces the
// database's conflict behavior with pq errors so the service's error
// translation is exercised.
type memStore struct {
	mu          sync.Mutex
	roles       map[string]*Role
	assignments map[string]assignment
	failReads   bool
}

type assignment struct {
	userID, organizationID, roleID string
}

func newMemStore() *memStore {
	return &memStore{
		roles:       map[string]*Role{},
		assignments: map[string]assignment{},
	}
}

func uniqueViolation() error {
	return &pq.Error{Code: "23505"}
}

func (m *memStore) CreateRole(ctx context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.roles {
		if existing.OrganizationID == role.OrganizationID && existing.Name == role.Name {
			return fmt.Errorf("failed to create role: %w", uniqueViolation())
		}
	}
	cp := *role
	m.roles[role.ID] = &cp
	return nil
}

func (m *memStore) GetRole(ctx context.Context, roleID string) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[roleID]
	if !ok {
		return nil, fmt.Errorf("failed to get role: %w", sql.ErrNoRows)
	}
	cp := *role
	return &cp, nil
}

func (m *memStore) UpdateRole(ctx context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[role.ID]; !ok {
		return fmt.Errorf("failed to update role: %w", sql.ErrNoRows)
	}
	for _, existing := range m.roles {
		if existing.ID != role.ID && existing.OrganizationID == role.OrganizationID && existing.Name == role.Name {
			return fmt.Errorf("failed to update role: %w", uniqueViolation())
		}
	}
	cp := *role
	m.roles[role.ID] = &cp
	return nil
}

func (m *memStore) DeleteRole(ctx context.Context, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleID]; !ok {
		return fmt.Errorf("failed to delete role: %w", sql.ErrNoRows)
	}
	delete(m.roles, roleID)
	return nil
}

func (m *memStore) ListRoles(ctx context.Context, organizationID string) ([]*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Role, 0)
	for _, role := range m.roles {
		if role.OrganizationID == organizationID {
			cp := *role
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) AssignRole(ctx context.Context, assignmentID, userID, organizationID, roleID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.assignments {
		if a.userID == userID && a.organizationID == organizationID && a.roleID == roleID {
			return fmt.Errorf("failed to assign role: %w", uniqueViolation())
		}
	}
	m.assignments[assignmentID] = assignment{userID, organizationID, roleID}
	return nil
}

func (m *memStore) RevokeRole(ctx context.Context, userID, organizationID, roleID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.assignments {
		if a.userID == userID && a.organizationID == organizationID && a.roleID == roleID {
			delete(m.assignments, id)
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) GetUserRoles(ctx context.Context, userID, organizationID string) ([]*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return nil, errors.New("store unavailable")
	}
	out := make([]*Role, 0)
	for _, a := range m.assignments {
		if a.userID == userID && a.organizationID == organizationID {
			if role, ok := m.roles[a.roleID]; ok {
				cp := *role
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (m *memStore) CountAssignments(ctx context.Context, roleID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, a := range m.assignments {
		if a.roleID == roleID {
			count++
		}
	}
	return count, nil
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

func (f *fakeAudit) last() audit.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[len(f.events)-1]
}
