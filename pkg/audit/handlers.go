package audit

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/greyhaven/tenon/pkg/httputil"
	"github.com/greyhaven/tenon/pkg/observability"
)

// Handlers exposes the audit service over HTTP.
type Handlers struct {
	service *Service
	logger  *observability.Logger
}

// NewHandlers creates audit HTTP handlers.
func NewHandlers(service *Service, logger *observability.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// RegisterRoutes registers audit routes on the router. Reads require
// audit.read, export requires audit.export, and the retention operations
// require audit.manage.
func (h *Handlers) RegisterRoutes(router *mux.Router, guard httputil.PermissionGuard) {
	router.Handle("/audit/events", httputil.Guarded(guard, "audit.manage", h.LogEvent)).Methods("POST")
	router.Handle("/audit/logs", httputil.Guarded(guard, "audit.read", h.GetLogs)).Methods("GET")
	router.Handle("/audit/summary", httputil.Guarded(guard, "audit.read", h.GetSummary)).Methods("GET")
	router.Handle("/audit/search", httputil.Guarded(guard, "audit.read", h.Search)).Methods("GET")
	router.Handle("/audit/export", httputil.Guarded(guard, "audit.export", h.Export)).Methods("GET")
	router.Handle("/audit/cleanup", httputil.Guarded(guard, "audit.manage", h.Cleanup)).Methods("POST")
	router.Handle("/audit/retention-policy", httputil.Guarded(guard, "audit.read", h.GetRetentionPolicy)).Methods("GET")
	router.Handle("/audit/retention-policy", httputil.Guarded(guard, "audit.manage", h.UpdateRetentionPolicy)).Methods("PUT")
}

// LogEvent records an audit event supplied by an internal caller.
func (h *Handlers) LogEvent(w http.ResponseWriter, r *http.Request) {
	var event Event
	if !httputil.ParseJSONOrError(w, r, &event) {
		return
	}
	if event.IPAddress == "" {
		event.IPAddress = httputil.ClientIP(r)
	}
	if event.UserAgent == "" {
		event.UserAgent = r.UserAgent()
	}

	entry, err := h.service.LogEvent(r.Context(), event)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteCreated(w, entry)
}

// filterFromQuery builds a Filter from query parameters.
func filterFromQuery(r *http.Request) (Filter, error) {
	filter := Filter{
		UserID:         r.URL.Query().Get("user_id"),
		OrganizationID: r.URL.Query().Get("organization_id"),
		Action:         r.URL.Query().Get("action"),
		ResourceType:   r.URL.Query().Get("resource_type"),
		ResourceID:     r.URL.Query().Get("resource_id"),
		SearchTerm:     r.URL.Query().Get("search"),
		OrderDirection: r.URL.Query().Get("order"),
	}

	if raw := r.URL.Query().Get("severity"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			sev := Severity(strings.TrimSpace(part))
			if !sev.Valid() {
				return filter, fmt.Errorf("unknown severity: %s", part)
			}
			filter.Severities = append(filter.Severities, sev)
		}
	}

	var err error
	if filter.StartDate, err = httputil.ParseQueryTime(r, "start_date"); err != nil {
		return filter, err
	}
	if filter.EndDate, err = httputil.ParseQueryTime(r, "end_date"); err != nil {
		return filter, err
	}
	if filter.Limit, err = httputil.ParseQueryInt(r, "limit", 50); err != nil {
		return filter, err
	}
	if filter.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil {
		return filter, err
	}
	return filter, nil
}

// GetLogs returns a filtered page of audit entries.
func (h *Handlers) GetLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	page, err := h.service.GetAuditLogs(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, page)
}

// GetSummary returns aggregate activity for an organization.
func (h *Handlers) GetSummary(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organization_id")

	start, err := httputil.ParseQueryTime(r, "start_date")
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	end, err := httputil.ParseQueryTime(r, "end_date")
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	summary, err := h.service.GetAuditSummary(r.Context(), orgID, start, end)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, summary)
}

// Search runs a free-text search scoped to an organization.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	term := r.URL.Query().Get("q")
	orgID := r.URL.Query().Get("organization_id")
	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	page, err := h.service.SearchAuditLogs(r.Context(), orgID, term, limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, page)
}

// Export streams matching entries as a JSON or CSV download.
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	format := ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = ExportFormatJSON
	}

	data, err := h.service.ExportAuditLogs(r.Context(), filter, format)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	switch format {
	case ExportFormatCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="audit-logs.csv"`)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="audit-logs.json"`)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Cleanup runs one retention pass immediately.
func (h *Handlers) Cleanup(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.CleanupOldLogs(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// GetRetentionPolicy returns the active retention policy.
func (h *Handlers) GetRetentionPolicy(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, h.service.RetentionPolicy())
}

// UpdateRetentionPolicy applies a partial policy update.
func (h *Handlers) UpdateRetentionPolicy(w http.ResponseWriter, r *http.Request) {
	var update RetentionPolicyUpdate
	if !httputil.ParseJSONOrError(w, r, &update) {
		return
	}

	policy, err := h.service.SetRetentionPolicy(update)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, policy)
}
