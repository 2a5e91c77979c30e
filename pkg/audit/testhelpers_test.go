package audit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// memStore is an in-memory Store used by service tests.
type memStore struct {
	mu      sync.Mutex
	entries []*Entry
}

func newMemStore() *memStore {
	return &memStore{}
}

func (m *memStore) Insert(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *memStore) Query(ctx context.Context, filter Filter) ([]*Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]*Entry, 0)
	for _, e := range m.entries {
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.OrganizationID != "" && e.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.ResourceType != "" && e.ResourceType != filter.ResourceType {
			continue
		}
		if filter.ResourceID != "" && e.ResourceID != filter.ResourceID {
			continue
		}
		if len(filter.Severities) > 0 && !severityIn(e.Severity, filter.Severities) {
			continue
		}
		if !filter.StartDate.IsZero() && e.CreatedAt.Before(filter.StartDate) {
			continue
		}
		if !filter.EndDate.IsZero() && e.CreatedAt.After(filter.EndDate) {
			continue
		}
		matched = append(matched, e)
	}

	asc := strings.EqualFold(filter.OrderDirection, "asc")
	sort.SliceStable(matched, func(i, j int) bool {
		if asc {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= total {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func severityIn(sev Severity, set []Severity) bool {
	for _, s := range set {
		if s == sev {
			return true
		}
	}
	return false
}

func (m *memStore) Summary(ctx context.Context, organizationID string, start, end time.Time) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := &Summary{
		EventsByAction:       make(map[string]int),
		EventsByResourceType: make(map[string]int),
		EventsBySeverity:     make(map[Severity]int),
		EventsByUser:         make(map[string]int),
		RecentCriticalEvents: []*Entry{},
		Start:                start,
		End:                  end,
	}
	for _, e := range m.entries {
		if organizationID != "" && e.OrganizationID != organizationID {
			continue
		}
		if e.CreatedAt.Before(start) || e.CreatedAt.After(end) {
			continue
		}
		summary.TotalEvents++
		summary.EventsByAction[e.Action]++
		summary.EventsByResourceType[e.ResourceType]++
		summary.EventsBySeverity[e.Severity]++
		if e.UserID != "" {
			summary.EventsByUser[e.UserID]++
		}
		if e.Severity == SeverityCritical {
			summary.RecentCriticalEvents = append(summary.RecentCriticalEvents, e)
		}
	}
	return summary, nil
}

func (m *memStore) ListOlderThan(ctx context.Context, cutoff time.Time) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, 0)
	for _, e := range m.entries {
		if e.CreatedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	kept := m.entries[:0]
	deleted := 0
	for _, e := range m.entries {
		if idSet[e.ID] {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return deleted, nil
}

func (m *memStore) MarkArchived(ctx context.Context, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	for _, e := range m.entries {
		if idSet[e.ID] {
			t := at
			e.ArchivedAt = &t
		}
	}
	return nil
}

func (m *memStore) all() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// memArchiver records archive batches in memory.
type memArchiver struct {
	mu      sync.Mutex
	batches [][]*Entry
	err     error
}

func (a *memArchiver) Archive(ctx context.Context, entries []*Entry, compress bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	batch := make([]*Entry, len(entries))
	copy(batch, entries)
	a.batches = append(a.batches, batch)
	return nil
}

func (a *memArchiver) archivedIDs() map[string]bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make(map[string]bool)
	for _, batch := range a.batches {
		for _, e := range batch {
			ids[e.ID] = true
		}
	}
	return ids
}
