package rbac

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/greyhaven/tenon/pkg/httputil"
	"github.com/greyhaven/tenon/pkg/observability"
)

// Handlers exposes the RBAC service over HTTP.
type Handlers struct {
	service *Service
	logger  *observability.Logger
}

// NewHandlers creates RBAC HTTP handlers.
func NewHandlers(service *Service, logger *observability.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// RegisterRoutes registers RBAC routes on the router. Each mutation route
// carries its own permission token; reads share role.read.
func (h *Handlers) RegisterRoutes(router *mux.Router, guard httputil.PermissionGuard) {
	router.Handle("/organizations/{orgID}/roles", httputil.Guarded(guard, "role.read", h.ListRoles)).Methods("GET")
	router.Handle("/organizations/{orgID}/roles", httputil.Guarded(guard, "role.create", h.CreateRole)).Methods("POST")
	router.Handle("/organizations/{orgID}/roles/seed", httputil.Guarded(guard, "role.create", h.SeedSystemRoles)).Methods("POST")
	router.Handle("/roles/{roleID}", httputil.Guarded(guard, "role.read", h.GetRole)).Methods("GET")
	router.Handle("/roles/{roleID}", httputil.Guarded(guard, "role.update", h.UpdateRole)).Methods("PUT")
	router.Handle("/roles/{roleID}", httputil.Guarded(guard, "role.delete", h.DeleteRole)).Methods("DELETE")
	router.Handle("/organizations/{orgID}/users/{userID}/roles", httputil.Guarded(guard, "role.read", h.GetUserRoles)).Methods("GET")
	router.Handle("/organizations/{orgID}/users/{userID}/roles/{roleID}", httputil.Guarded(guard, "member.update", h.AssignRole)).Methods("POST")
	router.Handle("/organizations/{orgID}/users/{userID}/roles/{roleID}", httputil.Guarded(guard, "member.update", h.RevokeRole)).Methods("DELETE")
	router.Handle("/organizations/{orgID}/users/{userID}/permissions", httputil.Guarded(guard, "role.read", h.GetUserPermissions)).Methods("GET")
	router.Handle("/organizations/{orgID}/users/{userID}/permissions/check", httputil.Guarded(guard, "role.read", h.CheckPermissions)).Methods("POST")
}

// ListRoles returns all roles in an organization.
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathStringOrError(w, r, "orgID")
	if !ok {
		return
	}
	roles, err := h.service.ListRoles(r.Context(), orgID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, roles)
}

// CreateRole creates a custom role.
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathStringOrError(w, r, "orgID")
	if !ok {
		return
	}

	var role Role
	if !httputil.ParseJSONOrError(w, r, &role) {
		return
	}
	role.OrganizationID = orgID

	created, err := h.service.CreateRole(r.Context(), httputil.HeaderUserID(r), role)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteCreated(w, created)
}

// SeedSystemRoles provisions the built-in roles for an organization.
func (h *Handlers) SeedSystemRoles(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathStringOrError(w, r, "orgID")
	if !ok {
		return
	}
	created, err := h.service.SeedSystemRoles(r.Context(), orgID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteCreated(w, created)
}

// GetRole returns a role by ID.
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathStringOrError(w, r, "roleID")
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), roleID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// UpdateRole applies a partial update to a role.
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathStringOrError(w, r, "roleID")
	if !ok {
		return
	}

	var update RoleUpdate
	if !httputil.ParseJSONOrError(w, r, &update) {
		return
	}

	role, err := h.service.UpdateRole(r.Context(), httputil.HeaderUserID(r), roleID, update)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// DeleteRole removes a custom role.
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathStringOrError(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), httputil.HeaderUserID(r), roleID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GetUserRoles returns the roles a user holds in an organization.
func (h *Handlers) GetUserRoles(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	roles := h.service.GetUserRoles(r.Context(), vars["userID"], vars["orgID"])
	httputil.WriteSuccess(w, roles)
}

// AssignRole grants a role to a user.
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := h.service.AssignRole(r.Context(), httputil.HeaderUserID(r),
		vars["userID"], vars["orgID"], vars["roleID"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteCreated(w, map[string]string{
		"user_id":         vars["userID"],
		"organization_id": vars["orgID"],
		"role_id":         vars["roleID"],
	})
}

// RevokeRole removes a role grant.
func (h *Handlers) RevokeRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := h.service.RevokeRole(r.Context(), httputil.HeaderUserID(r),
		vars["userID"], vars["orgID"], vars["roleID"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GetUserPermissions returns the user's effective permission set.
func (h *Handlers) GetUserPermissions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	permissions := h.service.GetUserPermissions(r.Context(), vars["userID"], vars["orgID"])
	httputil.WriteSuccess(w, map[string]interface{}{"permissions": permissions})
}

// CheckPermissions evaluates one or more permissions for a user.
func (h *Handlers) CheckPermissions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var body struct {
		Permissions []string `json:"permissions"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	if len(body.Permissions) == 0 {
		httputil.WriteValidationError(w, "permissions are required")
		return
	}

	allowed := h.service.HasPermissions(r.Context(), vars["userID"], vars["orgID"], body.Permissions)
	httputil.WriteSuccess(w, map[string]bool{"allowed": allowed})
}
