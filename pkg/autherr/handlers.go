package autherr

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/greyhaven/tenon/pkg/httputil"
)

// Handlers exposes error statistics and recovery over HTTP.
type Handlers struct {
	service *Service
}

// NewHandlers creates auth error HTTP handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers auth error routes on the router. Stats are
// readable with audit.read; clearing history is an audit.manage operation.
// Recovery is invoked by the sign-in flow itself, before the caller is
// authenticated, so that route stays open.
func (h *Handlers) RegisterRoutes(router *mux.Router, guard httputil.PermissionGuard) {
	router.Handle("/auth/errors/stats", httputil.Guarded(guard, "audit.read", h.GetStats)).Methods("GET")
	router.Handle("/auth/errors/history", httputil.Guarded(guard, "audit.manage", h.ClearHistory)).Methods("DELETE")
	router.HandleFunc("/auth/errors/recover", h.Recover).Methods("POST")
}

// GetStats returns error statistics for the trailing window.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	hoursBack, err := httputil.ParseQueryInt(r, "hours", 24)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	httputil.WriteSuccess(w, h.service.ErrorStats(hoursBack))
}

// ClearHistory evicts error history older than the window. hours=0 clears
// everything.
func (h *Handlers) ClearHistory(w http.ResponseWriter, r *http.Request) {
	hoursBack, err := httputil.ParseQueryInt(r, "hours", 0)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	h.service.ClearErrorHistory(hoursBack)
	httputil.WriteNoContent(w)
}

// Recover runs a recovery action against a classified error and returns
// the outcome plus suggestions.
func (h *Handlers) Recover(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
		Action  Action `json:"action"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	if body.Code == "" || body.Action == "" {
		httputil.WriteValidationError(w, "code and action are required")
		return
	}

	authErr := &AuthError{Code: body.Code, Message: body.Message}
	result := h.service.AttemptRecovery(authErr, body.Action)
	httputil.WriteSuccess(w, map[string]interface{}{
		"result":      result,
		"suggestions": h.service.RecoverySuggestions(authErr),
	})
}
