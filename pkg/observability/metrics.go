package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// RBAC metrics
	PermissionChecksTotal *prometheus.CounterVec
	PermissionCacheHits   prometheus.Counter
	PermissionCacheMisses prometheus.Counter

	// Audit metrics
	AuditEventsTotal     *prometheus.CounterVec
	AuditCleanupDeleted  prometheus.Counter
	AuditCleanupArchived prometheus.Counter
	SecurityAlertsTotal  prometheus.Counter

	// Auth error metrics
	AuthErrorsTotal       *prometheus.CounterVec
	RecoveryAttemptsTotal *prometheus.CounterVec

	// Webhook metrics
	WebhookEventsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenon_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenon_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenon_permission_checks_total",
				Help: "Total number of permission checks by result",
			},
			[]string{"result"},
		),
		PermissionCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenon_permission_cache_hits_total",
				Help: "Permission cache hits",
			},
		),
		PermissionCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenon_permission_cache_misses_total",
				Help: "Permission cache misses",
			},
		),
		AuditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenon_audit_events_total",
				Help: "Total number of audit events by severity",
			},
			[]string{"severity"},
		),
		AuditCleanupDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenon_audit_cleanup_deleted_total",
				Help: "Audit log entries deleted by retention cleanup",
			},
		),
		AuditCleanupArchived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenon_audit_cleanup_archived_total",
				Help: "Audit log entries archived by retention cleanup",
			},
		),
		SecurityAlertsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenon_security_alerts_total",
				Help: "Security alerts raised for critical audit events",
			},
		),
		AuthErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenon_auth_errors_total",
				Help: "Classified authentication errors by code",
			},
			[]string{"code"},
		),
		RecoveryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenon_recovery_attempts_total",
				Help: "Authentication recovery attempts by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenon_webhook_events_total",
				Help: "Identity webhook events by type and disposition",
			},
			[]string{"type", "disposition"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PermissionChecksTotal,
		m.PermissionCacheHits,
		m.PermissionCacheMisses,
		m.AuditEventsTotal,
		m.AuditCleanupDeleted,
		m.AuditCleanupArchived,
		m.SecurityAlertsTotal,
		m.AuthErrorsTotal,
		m.RecoveryAttemptsTotal,
		m.WebhookEventsTotal,
	)

	return m
}

// Handler returns an HTTP handler serving the given registry.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
