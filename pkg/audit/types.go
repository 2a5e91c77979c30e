package audit

import (
	"time"
)

// Severity classifies the impact of an audit event. It drives both alerting
// (critical events raise a security alert) and retention duration.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// AuthAction represents an authentication event subtype
type AuthAction string

const (
	AuthActionLogin          AuthAction = "auth.login"
	AuthActionLogout         AuthAction = "auth.logout"
	AuthActionLoginFailed    AuthAction = "auth.login_failed"
	AuthActionSignup         AuthAction = "auth.signup"
	AuthActionPasswordChange AuthAction = "auth.password_change"
	AuthActionPasswordReset  AuthAction = "auth.password_reset"
	AuthActionMFAEnabled     AuthAction = "auth.mfa_enabled"
	AuthActionMFADisabled    AuthAction = "auth.mfa_disabled"
	AuthActionSessionRevoked AuthAction = "auth.session_revoked"
)

var authActionSeverity = map[AuthAction]Severity{
	AuthActionLogin:          SeverityLow,
	AuthActionLogout:         SeverityLow,
	AuthActionSignup:         SeverityLow,
	AuthActionLoginFailed:    SeverityMedium,
	AuthActionPasswordChange: SeverityMedium,
	AuthActionPasswordReset:  SeverityMedium,
	AuthActionMFAEnabled:     SeverityMedium,
	AuthActionMFADisabled:    SeverityMedium,
	AuthActionSessionRevoked: SeverityMedium,
}

// AuthzAction represents an authorization event subtype
type AuthzAction string

const (
	AuthzActionAccessGranted   AuthzAction = "authz.access_granted"
	AuthzActionAccessDenied    AuthzAction = "authz.access_denied"
	AuthzActionPermissionCheck AuthzAction = "authz.permission_check"
)

var authzActionSeverity = map[AuthzAction]Severity{
	AuthzActionAccessGranted:   SeverityLow,
	AuthzActionAccessDenied:    SeverityMedium,
	AuthzActionPermissionCheck: SeverityLow,
}

// DataAction represents a data mutation event subtype
type DataAction string

const (
	DataActionCreate DataAction = "data.create"
	DataActionRead   DataAction = "data.read"
	DataActionUpdate DataAction = "data.update"
	DataActionDelete DataAction = "data.delete"
	DataActionExport DataAction = "data.export"
	DataActionImport DataAction = "data.import"
)

var dataActionSeverity = map[DataAction]Severity{
	DataActionCreate: SeverityLow,
	DataActionRead:   SeverityLow,
	DataActionUpdate: SeverityLow,
	DataActionDelete: SeverityMedium,
	DataActionExport: SeverityMedium,
	DataActionImport: SeverityHigh,
}

// OrgAction represents an organization lifecycle event subtype
type OrgAction string

const (
	OrgActionCreated            OrgAction = "organization.created"
	OrgActionUpdated            OrgAction = "organization.updated"
	OrgActionDeleted            OrgAction = "organization.deleted"
	OrgActionMemberAdded        OrgAction = "organization.member_added"
	OrgActionMemberUpdated      OrgAction = "organization.member_updated"
	OrgActionMemberRemoved      OrgAction = "organization.member_removed"
	OrgActionRoleDeleted        OrgAction = "organization.role_deleted"
	OrgActionInvitationCreated  OrgAction = "organization.invitation_created"
	OrgActionInvitationAccepted OrgAction = "organization.invitation_accepted"
	OrgActionInvitationRevoked  OrgAction = "organization.invitation_revoked"
)

var orgActionSeverity = map[OrgAction]Severity{
	OrgActionCreated:            SeverityLow,
	OrgActionUpdated:            SeverityLow,
	OrgActionDeleted:            SeverityMedium,
	OrgActionMemberAdded:        SeverityLow,
	OrgActionMemberUpdated:      SeverityLow,
	OrgActionMemberRemoved:      SeverityMedium,
	OrgActionRoleDeleted:        SeverityHigh,
	OrgActionInvitationCreated:  SeverityLow,
	OrgActionInvitationAccepted: SeverityLow,
	OrgActionInvitationRevoked:  SeverityLow,
}

// Event is the caller-supplied input to LogEvent.
type Event struct {
	UserID         string                 `json:"user_id,omitempty"`
	OrganizationID string                 `json:"organization_id,omitempty"`
	Action         string                 `json:"action"`
	ResourceType   string                 `json:"resource_type"`
	ResourceID     string                 `json:"resource_id,omitempty"`
	Severity       Severity               `json:"severity,omitempty"`
	IPAddress      string                 `json:"ip_address,omitempty"`
	UserAgent      string                 `json:"user_agent,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Entry is a persisted audit log entry. Entries are immutable after insert;
// only the retention job touches them again (archive marker or delete).
type Entry struct {
	ID             string                 `json:"id"`
	UserID         string                 `json:"user_id,omitempty"`
	OrganizationID string                 `json:"organization_id,omitempty"`
	Action         string                 `json:"action"`
	ResourceType   string                 `json:"resource_type"`
	ResourceID     string                 `json:"resource_id,omitempty"`
	Severity       Severity               `json:"severity"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	IPAddress      string                 `json:"ip_address,omitempty"`
	UserAgent      string                 `json:"user_agent,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	ArchivedAt     *time.Time             `json:"archived_at,omitempty"`
}

// Filter selects audit log entries.
type Filter struct {
	UserID         string
	OrganizationID string
	Action         string
	ResourceType   string
	ResourceID     string
	Severities     []Severity
	StartDate      time.Time
	EndDate        time.Time
	SearchTerm     string
	Limit          int
	Offset         int
	OrderDirection string // "asc" or "desc" (default)
}

// Page is a filtered slice of the audit log.
type Page struct {
	Logs    []*Entry `json:"logs"`
	Total   int      `json:"total"`
	HasMore bool     `json:"has_more"`
}

// Summary aggregates audit activity over a time range.
type Summary struct {
	TotalEvents          int                  `json:"total_events"`
	EventsByAction       map[string]int       `json:"events_by_action"`
	EventsByResourceType map[string]int       `json:"events_by_resource_type"`
	EventsBySeverity     map[Severity]int     `json:"events_by_severity"`
	EventsByUser         map[string]int       `json:"events_by_user"`
	RecentCriticalEvents []*Entry             `json:"recent_critical_events"`
	Start                time.Time            `json:"start"`
	End                  time.Time            `json:"end"`
}

// RetentionPolicy governs how long audit entries are kept. Critical entries
// get their own, much longer window.
type RetentionPolicy struct {
	RetentionDays              int  `json:"retention_days"`
	CriticalEventRetentionDays int  `json:"critical_event_retention_days"`
	ArchiveBeforeDelete        bool `json:"archive_before_delete"`
	CompressionEnabled         bool `json:"compression_enabled"`
}

// DefaultRetentionPolicy returns the default policy: one year for ordinary
// entries, seven years for critical ones.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		RetentionDays:              365,
		CriticalEventRetentionDays: 2555,
		ArchiveBeforeDelete:        true,
		CompressionEnabled:         true,
	}
}

// RetentionPolicyUpdate is a partial policy update; nil fields keep the
// current value.
type RetentionPolicyUpdate struct {
	RetentionDays              *int  `json:"retention_days,omitempty"`
	CriticalEventRetentionDays *int  `json:"critical_event_retention_days,omitempty"`
	ArchiveBeforeDelete        *bool `json:"archive_before_delete,omitempty"`
	CompressionEnabled         *bool `json:"compression_enabled,omitempty"`
}

// CleanupResult reports the outcome of a retention pass. ArchivedCount
// counts entries archived and kept in the store; entries archived on their
// way out count only toward DeletedCount.
type CleanupResult struct {
	DeletedCount  int      `json:"deleted_count"`
	ArchivedCount int      `json:"archived_count"`
	Errors        []string `json:"errors"`
}

// ExportFormat selects the export encoding.
type ExportFormat string

const (
	ExportFormatJSON ExportFormat = "json"
	ExportFormatCSV  ExportFormat = "csv"
)
