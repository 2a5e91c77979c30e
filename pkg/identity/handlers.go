package identity

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/greyhaven/tenon/pkg/httputil"
	"github.com/greyhaven/tenon/pkg/observability"
)

// maxPayloadBytes caps webhook bodies. Provider payloads are small; this
// guards against junk posted at the public endpoint.
const maxPayloadBytes = 1 << 20

// Handlers exposes the webhook endpoint.
type Handlers struct {
	verifier *Verifier
	service  *Service
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewHandlers creates webhook HTTP handlers.
func NewHandlers(verifier *Verifier, service *Service, logger *observability.Logger, metrics *observability.Metrics) *Handlers {
	return &Handlers{verifier: verifier, service: service, logger: logger, metrics: metrics}
}

// RegisterRoutes registers the webhook route on the router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/identity", h.Receive).Methods("POST")
}

// Receive authenticates and dispatches one webhook delivery. Signature
// verification happens before the payload is parsed or any service is
// touched.
func (h *Handlers) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		h.count("unknown", "rejected")
		httputil.WriteValidationError(w, "failed to read request body")
		return
	}

	if err := h.verifier.Verify(body, r.Header); err != nil {
		h.count("unknown", "unverified")
		h.logger.WithError(err).WithField("remote", httputil.ClientIP(r)).Warn("webhook signature rejected")
		httputil.WriteUnauthorized(w, "invalid webhook signature")
		return
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		h.count("unknown", "rejected")
		httputil.WriteValidationError(w, "malformed webhook payload")
		return
	}

	if err := h.service.ProcessWithTimeout(r.Context(), event); err != nil {
		h.count(event.Type, "failed")
		h.logger.WithError(err).WithField("event_type", event.Type).Error("webhook processing failed")
		httputil.WriteError(w, err)
		return
	}

	disposition := "processed"
	if !h.service.Handled(event.Type) {
		disposition = "unhandled"
	}
	h.count(event.Type, disposition)
	httputil.WriteSuccess(w, map[string]bool{"received": true})
}

func (h *Handlers) count(eventType, disposition string) {
	if h.metrics == nil {
		return
	}
	h.metrics.WebhookEventsTotal.WithLabelValues(eventType, disposition).Inc()
}
