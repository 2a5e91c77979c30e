package httputil

import (
	"net/http"

	"github.com/gorilla/mux"
)

// PermissionGuard builds middleware that admits a request only when the
// caller holds the named permission.
type PermissionGuard func(permission string) mux.MiddlewareFunc

// Guarded wraps a handler with the guard for one permission token, so each
// route carries exactly the permission its operation needs. A nil guard
// registers the handler open; route sets that are public by design pass nil.
func Guarded(guard PermissionGuard, permission string, handler http.HandlerFunc) http.Handler {
	if guard == nil {
		return handler
	}
	return guard(permission)(handler)
}
