package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/greyhaven/tenon/pkg/apperr"
	"github.com/greyhaven/tenon/pkg/audit"
	"github.com/greyhaven/tenon/pkg/members"
	"github.com/greyhaven/tenon/pkg/observability"
)

// Recognized provider event types. Anything else is recorded as unhandled.
const (
	EventUserCreated       = "user.created"
	EventUserUpdated       = "user.updated"
	EventUserDeleted       = "user.deleted"
	EventUserBanned        = "user.banned"
	EventSessionCreated    = "session.created"
	EventSessionEnded      = "session.ended"
	EventSessionRevoked    = "session.revoked"
	EventEmailCreated      = "email.created"
	EventMembershipCreated = "organizationMembership.created"
	EventMembershipDeleted = "organizationMembership.deleted"
)

// Event is the provider's webhook envelope.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// auditRecorder is the slice of the audit service webhook processing
// records through.
type auditRecorder interface {
	LogEvent(ctx context.Context, event audit.Event) (*audit.Entry, error)
	LogAuthEvent(ctx context.Context, action audit.AuthAction, userID, ipAddress, userAgent string, metadata map[string]interface{}) (*audit.Entry, error)
	LogDataEvent(ctx context.Context, action audit.DataAction, userID, organizationID, resourceType, resourceID string, metadata map[string]interface{}) (*audit.Entry, error)
	LogSecurityViolation(ctx context.Context, userID, organizationID, violation, ipAddress string, metadata map[string]interface{}) (*audit.Entry, error)
}

// membershipWriter mirrors provider organization memberships into local
// membership rows.
type membershipWriter interface {
	AddMember(ctx context.Context, actorID, userID, organizationID, roleID string) (*members.Membership, error)
	GetMember(ctx context.Context, organizationID, userID string) ([]*members.Membership, error)
	RemoveMember(ctx context.Context, actorID, membershipID string) error
}

// webhookActor marks audit entries produced by webhook processing rather
// than an authenticated user.
const webhookActor = "identity-webhook"

type handlerFunc func(ctx context.Context, data json.RawMessage) error

// Service routes verified webhook events to their handlers.
type Service struct {
	audit         auditRecorder
	memberships   membershipWriter
	defaultRoleID string
	logger        *observability.Logger
	handlers      map[string]handlerFunc
}

// Option configures the webhook service.
type Option func(*Service)

// WithMembershipWriter enables membership mirroring for organization
// membership events.
func WithMembershipWriter(w membershipWriter) Option {
	return func(s *Service) { s.memberships = w }
}

// WithDefaultRoleID sets the role granted to members provisioned from
// provider membership events.
func WithDefaultRoleID(roleID string) Option {
	return func(s *Service) { s.defaultRoleID = roleID }
}

// WithLogger sets the structured logger.
func WithLogger(l *observability.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates the webhook routing service.
func NewService(auditSvc auditRecorder, opts ...Option) (*Service, error) {
	if auditSvc == nil {
		return nil, fmt.Errorf("audit service is required")
	}
	s := &Service{
		audit:  auditSvc,
		logger: observability.NewLogger(observability.InfoLevel, nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handlers = map[string]handlerFunc{
		EventUserCreated:       s.handleUserCreated,
		EventUserUpdated:       s.handleUserUpdated,
		EventUserDeleted:       s.handleUserDeleted,
		EventUserBanned:        s.handleUserBanned,
		EventSessionCreated:    s.sessionHandler(audit.AuthActionLogin),
		EventSessionEnded:      s.sessionHandler(audit.AuthActionLogout),
		EventSessionRevoked:    s.sessionHandler(audit.AuthActionSessionRevoked),
		EventEmailCreated:      s.handleEmailCreated,
		EventMembershipCreated: s.handleMembershipCreated,
		EventMembershipDeleted: s.handleMembershipDeleted,
	}
	return s, nil
}

// Process dispatches one verified event. Unrecognized types are recorded
// as an unhandled audit entry rather than dropped.
func (s *Service) Process(ctx context.Context, event Event) error {
	if event.Type == "" {
		return apperr.Validation("event type is required")
	}

	handler, ok := s.handlers[event.Type]
	if !ok {
		return s.recordUnhandled(ctx, event.Type)
	}
	return handler(ctx, event.Data)
}

// Handled reports whether the event type has a dedicated handler.
func (s *Service) Handled(eventType string) bool {
	_, ok := s.handlers[eventType]
	return ok
}

func (s *Service) recordUnhandled(ctx context.Context, eventType string) error {
	_, err := s.audit.LogEvent(ctx, audit.Event{
		UserID:       webhookActor,
		Action:       "webhook.unhandled",
		ResourceType: "webhook",
		ResourceID:   eventType,
		Metadata: map[string]interface{}{
			"event_type": eventType,
		},
	})
	if err != nil {
		return apperr.Database(err, "failed to record unhandled webhook event")
	}
	return nil
}

type userPayload struct {
	ID             string `json:"id"`
	EmailAddresses []struct {
		EmailAddress string `json:"email_address"`
	} `json:"email_addresses"`
}

func (p *userPayload) primaryEmail() string {
	if len(p.EmailAddresses) == 0 {
		return ""
	}
	return p.EmailAddresses[0].EmailAddress
}

type sessionPayload struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
}

type emailPayload struct {
	ID           string `json:"id"`
	ToEmail      string `json:"to_email_address"`
	EmailAddress string `json:"email_address"`
}

type membershipPayload struct {
	Organization struct {
		ID string `json:"id"`
	} `json:"organization"`
	PublicUserData struct {
		UserID string `json:"user_id"`
	} `json:"public_user_data"`
	Role string `json:"role"`
}

func decode(data json.RawMessage, dest interface{}) error {
	if err := json.Unmarshal(data, dest); err != nil {
		return apperr.Validation("malformed event payload: %v", err)
	}
	return nil
}

func (s *Service) handleUserCreated(ctx context.Context, data json.RawMessage) error {
	var p userPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	_, err := s.audit.LogAuthEvent(ctx, audit.AuthActionSignup, p.ID, "", "", map[string]interface{}{
		"source": "webhook",
		"email":  p.primaryEmail(),
	})
	return err
}

func (s *Service) handleUserUpdated(ctx context.Context, data json.RawMessage) error {
	var p userPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	_, err := s.audit.LogDataEvent(ctx, audit.DataActionUpdate, p.ID, "", "user", p.ID, map[string]interface{}{
		"source": "webhook",
	})
	return err
}

func (s *Service) handleUserDeleted(ctx context.Context, data json.RawMessage) error {
	var p userPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	_, err := s.audit.LogDataEvent(ctx, audit.DataActionDelete, p.ID, "", "user", p.ID, map[string]interface{}{
		"source": "webhook",
	})
	return err
}

func (s *Service) handleUserBanned(ctx context.Context, data json.RawMessage) error {
	var p userPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	_, err := s.audit.LogSecurityViolation(ctx, p.ID, "", "user banned by identity provider", "", map[string]interface{}{
		"source": "webhook",
	})
	return err
}

func (s *Service) sessionHandler(action audit.AuthAction) handlerFunc {
	return func(ctx context.Context, data json.RawMessage) error {
		var p sessionPayload
		if err := decode(data, &p); err != nil {
			return err
		}
		_, err := s.audit.LogAuthEvent(ctx, action, p.UserID, "", "", map[string]interface{}{
			"source":     "webhook",
			"session_id": p.ID,
		})
		return err
	}
}

func (s *Service) handleEmailCreated(ctx context.Context, data json.RawMessage) error {
	var p emailPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	to := p.ToEmail
	if to == "" {
		to = p.EmailAddress
	}
	_, err := s.audit.LogDataEvent(ctx, audit.DataActionCreate, webhookActor, "", "email", p.ID, map[string]interface{}{
		"source": "webhook",
		"to":     to,
	})
	return err
}

func (s *Service) handleMembershipCreated(ctx context.Context, data json.RawMessage) error {
	var p membershipPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if s.memberships == nil || s.defaultRoleID == "" {
		return s.recordUnhandled(ctx, EventMembershipCreated)
	}

	_, err := s.memberships.AddMember(ctx, webhookActor, p.PublicUserData.UserID, p.Organization.ID, s.defaultRoleID)
	if apperr.IsConflict(err) {
		// The provider replays events; an existing grant is fine.
		s.logger.WithField("user_id", p.PublicUserData.UserID).Debug("membership already mirrored")
		return nil
	}
	return err
}

func (s *Service) handleMembershipDeleted(ctx context.Context, data json.RawMessage) error {
	var p membershipPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if s.memberships == nil {
		return s.recordUnhandled(ctx, EventMembershipDeleted)
	}

	memberships, err := s.memberships.GetMember(ctx, p.Organization.ID, p.PublicUserData.UserID)
	if apperr.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, m := range memberships {
		if err := s.memberships.RemoveMember(ctx, webhookActor, m.ID); err != nil && !apperr.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// processTimeout bounds webhook processing so a slow store cannot hold the
// provider's delivery worker.
const processTimeout = 10 * time.Second

// ProcessWithTimeout wraps Process with the delivery deadline.
func (s *Service) ProcessWithTimeout(ctx context.Context, event Event) error {
	ctx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()
	return s.Process(ctx, event)
}
