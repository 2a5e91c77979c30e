package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Store persists and queries audit log entries.
type Store interface {
	Insert(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, filter Filter) ([]*Entry, int, error)
	Summary(ctx context.Context, organizationID string, start, end time.Time) (*Summary, error)
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]*Entry, error)
	DeleteByIDs(ctx context.Context, ids []string) (int, error)
	MarkArchived(ctx context.Context, ids []string, at time.Time) error
}

// SQLStore implements Store on PostgreSQL.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new database-backed audit store.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &SQLStore{db: db}, nil
}

// EnsureSchema creates the audit_logs table and indexes if missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		organization_id TEXT,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT,
		severity TEXT NOT NULL,
		metadata JSONB,
		ip_address TEXT,
		user_agent TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		archived_at TIMESTAMP WITH TIME ZONE
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id ON audit_logs(user_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_organization_id ON audit_logs(organization_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_severity ON audit_logs(severity);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_resource ON audit_logs(resource_type, resource_id);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Insert persists a new audit entry.
func (s *SQLStore) Insert(ctx context.Context, entry *Entry) error {
	var metadataJSON []byte
	var err error
	if entry.Metadata != nil {
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO audit_logs (
			id, user_id, organization_id, action, resource_type, resource_id,
			severity, metadata, ip_address, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.db.ExecContext(ctx, query,
		entry.ID,
		nullString(entry.UserID),
		nullString(entry.OrganizationID),
		entry.Action,
		entry.ResourceType,
		nullString(entry.ResourceID),
		string(entry.Severity),
		metadataJSON,
		nullString(entry.IPAddress),
		nullString(entry.UserAgent),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

const entryColumns = `id, user_id, organization_id, action, resource_type, resource_id,
		severity, metadata, ip_address, user_agent, created_at, archived_at`

// Query returns entries matching the filter plus the total match count.
// SearchTerm is not applied here; free-text matching is done by the service.
func (s *SQLStore) Query(ctx context.Context, filter Filter) ([]*Entry, int, error) {
	where, args := buildWhere(filter)

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_logs " + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	order := "DESC"
	if strings.EqualFold(filter.OrderDirection, "asc") {
		order = "ASC"
	}

	query := fmt.Sprintf("SELECT %s FROM audit_logs %s ORDER BY created_at %s", entryColumns, where, order)
	argCount := len(args) + 1
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// buildWhere constructs the WHERE clause for a filter.
func buildWhere(filter Filter) (string, []interface{}) {
	clauses := []string{}
	args := []interface{}{}
	argCount := 1

	add := func(clause string, value interface{}) {
		clauses = append(clauses, fmt.Sprintf(clause, argCount))
		args = append(args, value)
		argCount++
	}

	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.OrganizationID != "" {
		add("organization_id = $%d", filter.OrganizationID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.ResourceType != "" {
		add("resource_type = $%d", filter.ResourceType)
	}
	if filter.ResourceID != "" {
		add("resource_id = $%d", filter.ResourceID)
	}
	if len(filter.Severities) > 0 {
		severityStrs := make([]string, len(filter.Severities))
		for i, sev := range filter.Severities {
			severityStrs[i] = string(sev)
		}
		add("severity = ANY($%d)", pq.Array(severityStrs))
	}
	if !filter.StartDate.IsZero() {
		add("created_at >= $%d", filter.StartDate)
	}
	if !filter.EndDate.IsZero() {
		add("created_at <= $%d", filter.EndDate)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// Summary aggregates counts by action, resource type, severity and user for
// the given range, plus the most recent critical entries.
func (s *SQLStore) Summary(ctx context.Context, organizationID string, start, end time.Time) (*Summary, error) {
	summary := &Summary{
		EventsByAction:       make(map[string]int),
		EventsByResourceType: make(map[string]int),
		EventsBySeverity:     make(map[Severity]int),
		EventsByUser:         make(map[string]int),
		RecentCriticalEvents: []*Entry{},
		Start:                start,
		End:                  end,
	}

	where := "WHERE created_at >= $1 AND created_at <= $2"
	args := []interface{}{start, end}
	if organizationID != "" {
		where += " AND organization_id = $3"
		args = append(args, organizationID)
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_logs "+where, args...).Scan(&summary.TotalEvents); err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	groupCounts := []struct {
		column string
		store  func(key string, count int)
	}{
		{"action", func(k string, c int) { summary.EventsByAction[k] = c }},
		{"resource_type", func(k string, c int) { summary.EventsByResourceType[k] = c }},
		{"severity", func(k string, c int) { summary.EventsBySeverity[Severity(k)] = c }},
	}
	for _, gc := range groupCounts {
		query := fmt.Sprintf("SELECT %s, COUNT(*) FROM audit_logs %s GROUP BY %s", gc.column, where, gc.column)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate by %s: %w", gc.column, err)
		}
		for rows.Next() {
			var key string
			var count int
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan %s aggregate: %w", gc.column, err)
			}
			gc.store(key, count)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("error iterating %s aggregate: %w", gc.column, err)
		}
		rows.Close()
	}

	userQuery := "SELECT user_id, COUNT(*) FROM audit_logs " + where + " AND user_id IS NOT NULL GROUP BY user_id"
	rows, err := s.db.QueryContext(ctx, userQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate by user: %w", err)
	}
	for rows.Next() {
		var userID string
		var count int
		if err := rows.Scan(&userID, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan user aggregate: %w", err)
		}
		summary.EventsByUser[userID] = count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating user aggregate: %w", err)
	}
	rows.Close()

	criticalQuery := fmt.Sprintf(
		"SELECT %s FROM audit_logs %s AND severity = 'critical' ORDER BY created_at DESC LIMIT 10",
		entryColumns, where)
	rows, err = s.db.QueryContext(ctx, criticalQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query critical events: %w", err)
	}
	defer rows.Close()
	critical, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	summary.RecentCriticalEvents = critical

	return summary, nil
}

// ListOlderThan returns all entries created before the cutoff, oldest first.
func (s *SQLStore) ListOlderThan(ctx context.Context, cutoff time.Time) ([]*Entry, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM audit_logs WHERE created_at < $1 ORDER BY created_at ASC", entryColumns)
	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired audit logs: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// DeleteByIDs removes the given entries and returns how many were deleted.
func (s *SQLStore) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_logs WHERE id = ANY($1)", pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit logs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(affected), nil
}

// MarkArchived stamps archived_at on the given entries.
func (s *SQLStore) MarkArchived(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE audit_logs SET archived_at = $1 WHERE id = ANY($2)", at, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to mark audit logs archived: %w", err)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	entries := make([]*Entry, 0)
	for rows.Next() {
		entry := &Entry{}
		var userID, orgID, resourceID, ipAddress, userAgent sql.NullString
		var metadataJSON []byte
		var severity string
		var archivedAt sql.NullTime

		err := rows.Scan(
			&entry.ID, &userID, &orgID, &entry.Action, &entry.ResourceType, &resourceID,
			&severity, &metadataJSON, &ipAddress, &userAgent, &entry.CreatedAt, &archivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}

		entry.UserID = userID.String
		entry.OrganizationID = orgID.String
		entry.ResourceID = resourceID.String
		entry.IPAddress = ipAddress.String
		entry.UserAgent = userAgent.String
		entry.Severity = Severity(severity)
		if archivedAt.Valid {
			at := archivedAt.Time
			entry.ArchivedAt = &at
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return entries, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
