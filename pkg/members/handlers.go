package members

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/greyhaven/tenon/pkg/httputil"
	"github.com/greyhaven/tenon/pkg/observability"
)

// Handlers exposes the membership workflow over HTTP.
type Handlers struct {
	service *Service
	logger  *observability.Logger
}

// NewHandlers creates membership HTTP handlers.
func NewHandlers(service *Service, logger *observability.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// RegisterRoutes registers all membership routes on the router.
func (h *Handlers) RegisterRoutes(router *mux.Router, guard httputil.PermissionGuard) {
	h.RegisterProtectedRoutes(router, guard)
	h.RegisterPublicRoutes(router)
}

// RegisterProtectedRoutes registers routes guarded per operation: reads
// behind member.read, invitations behind member.invite, removals behind
// member.remove.
func (h *Handlers) RegisterProtectedRoutes(router *mux.Router, guard httputil.PermissionGuard) {
	router.Handle("/organizations/{orgID}/members", httputil.Guarded(guard, "member.read", h.ListMembers)).Methods("GET")
	router.Handle("/organizations/{orgID}/members", httputil.Guarded(guard, "member.invite", h.AddMember)).Methods("POST")
	router.Handle("/organizations/{orgID}/members/{userID}", httputil.Guarded(guard, "member.read", h.GetMember)).Methods("GET")
	router.Handle("/memberships/{membershipID}", httputil.Guarded(guard, "member.update", h.UpdateMemberStatus)).Methods("PUT")
	router.Handle("/memberships/{membershipID}", httputil.Guarded(guard, "member.remove", h.RemoveMember)).Methods("DELETE")
	router.Handle("/organizations/{orgID}/invitations", httputil.Guarded(guard, "member.read", h.ListInvitations)).Methods("GET")
	router.Handle("/organizations/{orgID}/invitations", httputil.Guarded(guard, "member.invite", h.CreateInvitation)).Methods("POST")
	router.Handle("/organizations/{orgID}/invitations/{invitationID}", httputil.Guarded(guard, "member.remove", h.RevokeInvitation)).Methods("DELETE")
}

// RegisterPublicRoutes registers the invitation token routes. Invitees are
// not members yet, so these sit outside the permission guard; the token is
// the credential.
func (h *Handlers) RegisterPublicRoutes(router *mux.Router) {
	router.HandleFunc("/invitations/{token}", h.GetInvitation).Methods("GET")
	router.HandleFunc("/invitations/{token}/accept", h.AcceptInvitation).Methods("POST")
}

// ListMembers returns all memberships in an organization.
func (h *Handlers) ListMembers(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathStringOrError(w, r, "orgID")
	if !ok {
		return
	}
	memberships, err := h.service.ListMembers(r.Context(), orgID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, memberships)
}

// AddMember creates a membership.
func (h *Handlers) AddMember(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathStringOrError(w, r, "orgID")
	if !ok {
		return
	}

	var body struct {
		UserID string `json:"user_id"`
		RoleID string `json:"role_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}

	membership, err := h.service.AddMember(r.Context(), httputil.HeaderUserID(r), body.UserID, orgID, body.RoleID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteCreated(w, membership)
}

// GetMember returns one user's memberships in an organization.
func (h *Handlers) GetMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	memberships, err := h.service.GetMember(r.Context(), vars["orgID"], vars["userID"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, memberships)
}

// UpdateMemberStatus changes a membership's lifecycle state.
func (h *Handlers) UpdateMemberStatus(w http.ResponseWriter, r *http.Request) {
	membershipID, ok := httputil.ParsePathStringOrError(w, r, "membershipID")
	if !ok {
		return
	}

	var body struct {
		Status Status `json:"status"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}

	membership, err := h.service.UpdateMemberStatus(r.Context(), httputil.HeaderUserID(r), membershipID, body.Status)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, membership)
}

// RemoveMember deletes a membership.
func (h *Handlers) RemoveMember(w http.ResponseWriter, r *http.Request) {
	membershipID, ok := httputil.ParsePathStringOrError(w, r, "membershipID")
	if !ok {
		return
	}
	if err := h.service.RemoveMember(r.Context(), httputil.HeaderUserID(r), membershipID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListInvitations returns pending invitations for an organization.
func (h *Handlers) ListInvitations(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathStringOrError(w, r, "orgID")
	if !ok {
		return
	}
	invitations, err := h.service.ListInvitations(r.Context(), orgID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, invitations)
}

// CreateInvitation invites an email address to the organization.
func (h *Handlers) CreateInvitation(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathStringOrError(w, r, "orgID")
	if !ok {
		return
	}

	var body struct {
		Email  string `json:"email"`
		RoleID string `json:"role_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}

	invitation, err := h.service.CreateInvitation(r.Context(), httputil.HeaderUserID(r), orgID, body.Email, body.RoleID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteCreated(w, invitation)
}

// GetInvitation fetches an invitation by token.
func (h *Handlers) GetInvitation(w http.ResponseWriter, r *http.Request) {
	token, ok := httputil.ParsePathStringOrError(w, r, "token")
	if !ok {
		return
	}
	invitation, err := h.service.GetInvitation(r.Context(), token)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, invitation)
}

// AcceptInvitation consumes an invitation for the authenticated user.
func (h *Handlers) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	token, ok := httputil.ParsePathStringOrError(w, r, "token")
	if !ok {
		return
	}
	userID := httputil.HeaderUserID(r)
	if userID == "" {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	membership, err := h.service.AcceptInvitation(r.Context(), token, userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteCreated(w, membership)
}

// RevokeInvitation deletes a pending invitation.
func (h *Handlers) RevokeInvitation(w http.ResponseWriter, r *http.Request) {
	invitationID, ok := httputil.ParsePathStringOrError(w, r, "invitationID")
	if !ok {
		return
	}
	if err := h.service.RevokeInvitation(r.Context(), httputil.HeaderUserID(r), invitationID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
