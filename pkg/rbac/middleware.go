package rbac

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/greyhaven/tenon/pkg/audit"
	"github.com/greyhaven/tenon/pkg/httputil"
	"github.com/greyhaven/tenon/pkg/observability"
)

// RequirePermission guards a route with a permission check. The user comes
// from the X-User-ID header set by the gateway; the organization from the
// orgID path variable. Missing identity is 401, denial is 403, and denials
// are audited.
func (s *Service) RequirePermission(permission string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := httputil.HeaderUserID(r)
			if userID == "" {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			organizationID := mux.Vars(r)["orgID"]
			if organizationID == "" {
				organizationID = r.URL.Query().Get("organization_id")
			}

			ctx := observability.WithUserID(r.Context(), userID)
			if !s.HasPermission(ctx, userID, organizationID, permission) {
				s.recordDenial(r, userID, organizationID, permission)
				httputil.WriteForbidden(w, "permission denied")
				return
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Service) recordDenial(r *http.Request, userID, organizationID, permission string) {
	if s.audit == nil {
		return
	}
	_, err := s.audit.LogEvent(r.Context(), audit.Event{
		UserID:         userID,
		OrganizationID: organizationID,
		Action:         string(audit.AuthzActionAccessDenied),
		ResourceType:   "permission",
		ResourceID:     permission,
		IPAddress:      httputil.ClientIP(r),
		UserAgent:      r.UserAgent(),
		Metadata: map[string]interface{}{
			"path":   r.URL.Path,
			"method": r.Method,
		},
	})
	if err != nil {
		s.logger.WithError(err).Warn("failed to record access denial")
	}
}
