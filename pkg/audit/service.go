package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/greyhaven/tenon/pkg/apperr"
	"github.com/greyhaven/tenon/pkg/observability"
)

// AlertFunc is invoked for every critical audit event. Failures are logged
// and never surfaced to the caller that produced the event.
type AlertFunc func(ctx context.Context, entry *Entry)

// Service is the audit log engine. All recorded events flow through
// LogEvent; the typed wrappers only resolve severity for their action
// family.
type Service struct {
	store    Store
	archiver Archiver
	logger   *observability.Logger
	metrics  *observability.Metrics
	alert    AlertFunc
	now      func() time.Time

	mu     sync.RWMutex
	policy RetentionPolicy
}

// Option configures a Service.
type Option func(*Service)

// WithArchiver sets the archive sink used by retention cleanup.
func WithArchiver(a Archiver) Option {
	return func(s *Service) { s.archiver = a }
}

// WithLogger sets the structured logger.
func WithLogger(l *observability.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithAlertFunc sets the hook invoked for critical events.
func WithAlertFunc(f AlertFunc) Option {
	return func(s *Service) { s.alert = f }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRetentionPolicy sets the initial retention policy.
func WithRetentionPolicy(p RetentionPolicy) Option {
	return func(s *Service) { s.policy = p }
}

// NewService creates the audit service.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("audit store is required")
	}
	s := &Service{
		store:  store,
		logger: observability.NewLogger(observability.InfoLevel, nil),
		now:    time.Now,
		policy: DefaultRetentionPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LogEvent validates, enriches and persists an audit event. An omitted
// severity is always recorded as low; the typed wrappers pass their family
// severity explicitly. The stored metadata always carries event_id,
// timestamp, source and severity on top of whatever the caller supplied;
// caller keys never overwrite those.
func (s *Service) LogEvent(ctx context.Context, event Event) (*Entry, error) {
	if event.Action == "" {
		return nil, apperr.Validation("action is required")
	}
	if event.ResourceType == "" {
		return nil, apperr.Validation("resource_type is required")
	}

	severity := event.Severity
	if severity == "" {
		severity = SeverityLow
	}
	if !severity.Valid() {
		return nil, apperr.Validation("unknown severity: %s", severity)
	}

	createdAt := s.now().UTC()
	entry := &Entry{
		ID:             uuid.New().String(),
		UserID:         event.UserID,
		OrganizationID: event.OrganizationID,
		Action:         event.Action,
		ResourceType:   event.ResourceType,
		ResourceID:     event.ResourceID,
		Severity:       severity,
		IPAddress:      event.IPAddress,
		UserAgent:      event.UserAgent,
		CreatedAt:      createdAt,
	}

	metadata := make(map[string]interface{}, len(event.Metadata)+4)
	for k, v := range event.Metadata {
		metadata[k] = v
	}
	metadata["event_id"] = entry.ID
	metadata["timestamp"] = createdAt.Format(time.RFC3339Nano)
	metadata["source"] = "audit-service"
	metadata["severity"] = string(severity)
	entry.Metadata = metadata

	if err := s.store.Insert(ctx, entry); err != nil {
		s.logger.WithError(err).WithField("action", event.Action).Error("failed to persist audit event")
		return nil, apperr.Database(err, "failed to persist audit event")
	}

	if s.metrics != nil {
		s.metrics.AuditEventsTotal.WithLabelValues(string(severity)).Inc()
	}

	if severity == SeverityCritical {
		s.raiseAlert(ctx, entry)
	}

	return entry, nil
}

// raiseAlert invokes the alert hook for a critical entry. A panicking or
// missing hook never affects the audit write that triggered it.
func (s *Service) raiseAlert(ctx context.Context, entry *Entry) {
	s.logger.WithFields(map[string]interface{}{
		"event_id": entry.ID,
		"action":   entry.Action,
		"user_id":  entry.UserID,
	}).Warn("critical audit event recorded")

	if s.metrics != nil {
		s.metrics.SecurityAlertsTotal.Inc()
	}
	if s.alert == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", fmt.Sprintf("%v", r)).Error("security alert hook panicked")
		}
	}()
	s.alert(ctx, entry)
}

// LogAuthEvent records an authentication event with its family severity.
func (s *Service) LogAuthEvent(ctx context.Context, action AuthAction, userID, ipAddress, userAgent string, metadata map[string]interface{}) (*Entry, error) {
	return s.LogEvent(ctx, Event{
		UserID:       userID,
		Action:       string(action),
		ResourceType: "auth",
		ResourceID:   userID,
		Severity:     authActionSeverity[action],
		IPAddress:    ipAddress,
		UserAgent:    userAgent,
		Metadata:     metadata,
	})
}

// LogAuthzEvent records a permission decision.
func (s *Service) LogAuthzEvent(ctx context.Context, action AuthzAction, userID, organizationID, resource string, metadata map[string]interface{}) (*Entry, error) {
	return s.LogEvent(ctx, Event{
		UserID:         userID,
		OrganizationID: organizationID,
		Action:         string(action),
		ResourceType:   "permission",
		ResourceID:     resource,
		Severity:       authzActionSeverity[action],
		Metadata:       metadata,
	})
}

// LogDataEvent records a data access or mutation event.
func (s *Service) LogDataEvent(ctx context.Context, action DataAction, userID, organizationID, resourceType, resourceID string, metadata map[string]interface{}) (*Entry, error) {
	return s.LogEvent(ctx, Event{
		UserID:         userID,
		OrganizationID: organizationID,
		Action:         string(action),
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		Severity:       dataActionSeverity[action],
		Metadata:       metadata,
	})
}

// LogOrgEvent records an organization lifecycle event.
func (s *Service) LogOrgEvent(ctx context.Context, action OrgAction, userID, organizationID string, metadata map[string]interface{}) (*Entry, error) {
	return s.LogEvent(ctx, Event{
		UserID:         userID,
		OrganizationID: organizationID,
		Action:         string(action),
		ResourceType:   "organization",
		ResourceID:     organizationID,
		Severity:       orgActionSeverity[action],
		Metadata:       metadata,
	})
}

// LogSecurityViolation records a critical security event. These always raise
// the security alert hook.
func (s *Service) LogSecurityViolation(ctx context.Context, userID, organizationID, violation, ipAddress string, metadata map[string]interface{}) (*Entry, error) {
	merged := make(map[string]interface{}, len(metadata)+2)
	for k, v := range metadata {
		merged[k] = v
	}
	merged["violation"] = violation
	merged["securityEvent"] = true
	return s.LogEvent(ctx, Event{
		UserID:         userID,
		OrganizationID: organizationID,
		Action:         "security.violation",
		ResourceType:   "security",
		Severity:       SeverityCritical,
		IPAddress:      ipAddress,
		Metadata:       merged,
	})
}

// GetAuditLogs returns a page of entries matching the filter. Native fields
// are filtered by the store; a free-text search term is applied in process
// over the store results before pagination.
func (s *Service) GetAuditLogs(ctx context.Context, filter Filter) (*Page, error) {
	if filter.SearchTerm != "" {
		return s.searchPage(ctx, filter)
	}

	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	entries, total, err := s.store.Query(ctx, filter)
	if err != nil {
		return nil, apperr.Database(err, "failed to query audit logs")
	}
	return &Page{
		Logs:    entries,
		Total:   total,
		HasMore: filter.Offset+len(entries) < total,
	}, nil
}

// searchPage applies the free-text term across all matching entries and
// paginates in memory.
func (s *Service) searchPage(ctx context.Context, filter Filter) (*Page, error) {
	limit, offset := filter.Limit, filter.Offset
	if limit <= 0 {
		limit = 50
	}
	filter.Limit = 0
	filter.Offset = 0

	entries, _, err := s.store.Query(ctx, filter)
	if err != nil {
		return nil, apperr.Database(err, "failed to query audit logs")
	}

	term := strings.ToLower(filter.SearchTerm)
	matched := make([]*Entry, 0)
	for _, entry := range entries {
		if entryMatches(entry, term) {
			matched = append(matched, entry)
		}
	}

	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return &Page{
		Logs:    matched[offset:end],
		Total:   total,
		HasMore: end < total,
	}, nil
}

// entryMatches reports whether an entry contains the lowercased term in any
// of its text fields or serialized metadata.
func entryMatches(entry *Entry, term string) bool {
	fields := []string{
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		entry.UserID,
		entry.OrganizationID,
		entry.IPAddress,
		entry.UserAgent,
	}
	for _, f := range fields {
		if f != "" && strings.Contains(strings.ToLower(f), term) {
			return true
		}
	}
	if len(entry.Metadata) > 0 {
		if raw, err := json.Marshal(entry.Metadata); err == nil {
			return strings.Contains(strings.ToLower(string(raw)), term)
		}
	}
	return false
}

// SearchAuditLogs is a convenience wrapper over GetAuditLogs for free-text
// search scoped to one organization.
func (s *Service) SearchAuditLogs(ctx context.Context, organizationID, term string, limit int) (*Page, error) {
	if term == "" {
		return nil, apperr.Validation("search term is required")
	}
	return s.GetAuditLogs(ctx, Filter{
		OrganizationID: organizationID,
		SearchTerm:     term,
		Limit:          limit,
	})
}

// GetAuditSummary aggregates activity for an organization over a time range.
// A zero range defaults to the trailing 30 days.
func (s *Service) GetAuditSummary(ctx context.Context, organizationID string, start, end time.Time) (*Summary, error) {
	if end.IsZero() {
		end = s.now().UTC()
	}
	if start.IsZero() {
		start = end.AddDate(0, 0, -30)
	}
	if end.Before(start) {
		return nil, apperr.Validation("end must not precede start")
	}

	summary, err := s.store.Summary(ctx, organizationID, start, end)
	if err != nil {
		return nil, apperr.Database(err, "failed to build audit summary")
	}
	return summary, nil
}

// RetentionPolicy returns the current retention policy.
func (s *Service) RetentionPolicy() RetentionPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// SetRetentionPolicy applies a partial policy update. Fields left nil keep
// their current value.
func (s *Service) SetRetentionPolicy(update RetentionPolicyUpdate) (RetentionPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.policy
	if update.RetentionDays != nil {
		next.RetentionDays = *update.RetentionDays
	}
	if update.CriticalEventRetentionDays != nil {
		next.CriticalEventRetentionDays = *update.CriticalEventRetentionDays
	}
	if update.ArchiveBeforeDelete != nil {
		next.ArchiveBeforeDelete = *update.ArchiveBeforeDelete
	}
	if update.CompressionEnabled != nil {
		next.CompressionEnabled = *update.CompressionEnabled
	}

	if next.RetentionDays < 1 {
		return s.policy, apperr.Validation("retention_days must be at least 1")
	}
	if next.CriticalEventRetentionDays < next.RetentionDays {
		return s.policy, apperr.Validation("critical_event_retention_days must not be shorter than retention_days")
	}

	s.policy = next
	s.logger.WithFields(map[string]interface{}{
		"retention_days":          next.RetentionDays,
		"critical_retention_days": next.CriticalEventRetentionDays,
		"archive_before_delete":   next.ArchiveBeforeDelete,
	}).Info("retention policy updated")
	return next, nil
}

// CleanupOldLogs runs one retention pass. Non-critical entries past the
// standard window are archived (best effort) and deleted. Critical entries
// get the longer critical window; once past the standard window they are
// archived and kept until the critical window also expires, then deleted
// without a second archive pass.
// Archive failures are reported in the result and never block deletion of
// non-critical entries unless archive_before_delete demands otherwise.
func (s *Service) CleanupOldLogs(ctx context.Context) (*CleanupResult, error) {
	policy := s.RetentionPolicy()
	now := s.now().UTC()
	standardCutoff := now.AddDate(0, 0, -policy.RetentionDays)
	criticalCutoff := now.AddDate(0, 0, -policy.CriticalEventRetentionDays)

	result := &CleanupResult{Errors: []string{}}

	expired, err := s.store.ListOlderThan(ctx, standardCutoff)
	if err != nil {
		return nil, apperr.Database(err, "failed to list expired audit logs")
	}
	if len(expired) == 0 {
		return result, nil
	}

	var toDelete []*Entry
	var toArchiveAndKeep []*Entry
	for _, entry := range expired {
		if entry.Severity == SeverityCritical {
			if entry.CreatedAt.Before(criticalCutoff) {
				toDelete = append(toDelete, entry)
			} else if entry.ArchivedAt == nil {
				toArchiveAndKeep = append(toArchiveAndKeep, entry)
			}
			continue
		}
		toDelete = append(toDelete, entry)
	}

	// Critical entries only reach toDelete once the critical window has
	// also expired; those are removed without archiving.
	if policy.ArchiveBeforeDelete && s.archiver != nil {
		var batch []*Entry
		for _, entry := range toDelete {
			if entry.Severity != SeverityCritical {
				batch = append(batch, entry)
			}
		}
		if len(batch) > 0 {
			if err := s.archiver.Archive(ctx, batch, policy.CompressionEnabled); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("archive before delete failed: %v", err))
				s.logger.WithError(err).Error("failed to archive expired audit logs")
			}
		}
	}

	if len(toDelete) > 0 {
		deleted, err := s.store.DeleteByIDs(ctx, entryIDs(toDelete))
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete failed: %v", err))
			s.logger.WithError(err).Error("failed to delete expired audit logs")
		} else {
			result.DeletedCount = deleted
		}
	}

	if len(toArchiveAndKeep) > 0 {
		if s.archiver != nil {
			if err := s.archiver.Archive(ctx, toArchiveAndKeep, policy.CompressionEnabled); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("archive of critical entries failed: %v", err))
				s.logger.WithError(err).Error("failed to archive critical audit logs")
			} else if err := s.store.MarkArchived(ctx, entryIDs(toArchiveAndKeep), now); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("mark archived failed: %v", err))
			} else {
				result.ArchivedCount = len(toArchiveAndKeep)
			}
		} else {
			if err := s.store.MarkArchived(ctx, entryIDs(toArchiveAndKeep), now); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("mark archived failed: %v", err))
			} else {
				result.ArchivedCount = len(toArchiveAndKeep)
			}
		}
	}

	if s.metrics != nil {
		s.metrics.AuditCleanupDeleted.Add(float64(result.DeletedCount))
		s.metrics.AuditCleanupArchived.Add(float64(result.ArchivedCount))
	}

	s.logger.WithFields(map[string]interface{}{
		"deleted":  result.DeletedCount,
		"archived": result.ArchivedCount,
		"errors":   len(result.Errors),
	}).Info("audit retention pass completed")

	return result, nil
}

func entryIDs(entries []*Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

// TopActions returns the n most frequent actions in a summary, most
// frequent first, ties broken by name.
func TopActions(summary *Summary, n int) []string {
	actions := make([]string, 0, len(summary.EventsByAction))
	for action := range summary.EventsByAction {
		actions = append(actions, action)
	}
	sort.Slice(actions, func(i, j int) bool {
		ci, cj := summary.EventsByAction[actions[i]], summary.EventsByAction[actions[j]]
		if ci != cj {
			return ci > cj
		}
		return actions[i] < actions[j]
	})
	if n > 0 && len(actions) > n {
		actions = actions[:n]
	}
	return actions
}
