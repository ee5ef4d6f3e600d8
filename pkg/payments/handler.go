package payments

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/praxislabs/identity-core/pkg/audit"
	"github.com/praxislabs/identity-core/pkg/httputil"
	"github.com/praxislabs/identity-core/pkg/observability"
)

const maxEventBytes = 1 << 20

// Event is one verified payment provider event.
type Event struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Handler processes verified events. Wiring one is optional.
type Handler interface {
	HandleEvent(ctx context.Context, provider string, event Event) error
}

// WebhookEndpoint is the HTTP boundary: verify first, then parse, then
// hand off. Unverified bodies never reach the handler.
type WebhookEndpoint struct {
	verifier *Verifier
	handler  Handler
	emitter  *audit.Emitter
	logger   logrus.FieldLogger
	metrics  *observability.Metrics
}

// NewWebhookEndpoint wires the boundary. handler and metrics may be nil.
func NewWebhookEndpoint(verifier *Verifier, handler Handler, emitter *audit.Emitter, logger logrus.FieldLogger, metrics *observability.Metrics) *WebhookEndpoint {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WebhookEndpoint{
		verifier: verifier,
		handler:  handler,
		emitter:  emitter,
		logger:   logger,
		metrics:  metrics,
	}
}

// ServeHTTP handles POST /webhooks/{provider}.
func (e *WebhookEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	logger := e.logger.WithField("provider", provider)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	if err != nil {
		e.reject(w, r, provider, "unreadable body")
		return
	}

	signature := r.Header.Get("X-Webhook-Signature")
	if err := e.verifier.Verify(provider, body, signature); err != nil {
		logger.WithError(err).Warn("webhook signature rejected")
		e.reject(w, r, provider, err.Error())
		return
	}

	if e.handler == nil {
		e.count(provider, "unconfigured")
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable, "UpstreamUnavailable", "payment webhook handling is not configured")
		return
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil || event.ID == "" {
		e.reject(w, r, provider, "malformed event payload")
		return
	}

	if err := e.handler.HandleEvent(r.Context(), provider, event); err != nil {
		logger.WithError(err).WithField("event_id", event.ID).Error("payment event handling failed")
		e.count(provider, "error")
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable, "UpstreamUnavailable", "event handling failed")
		return
	}

	e.count(provider, "accepted")
	e.emitter.Emit(r.Context(), audit.Event{
		Action:  audit.ActionWebhookAccepted,
		ActorID: "provider:" + provider,
		Metadata: map[string]interface{}{
			"event_id":   event.ID,
			"event_type": event.Type,
		},
	})

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// reject answers 400 without ever enqueuing the event.
func (e *WebhookEndpoint) reject(w http.ResponseWriter, r *http.Request, provider, reason string) {
	e.count(provider, "rejected")
	e.emitter.Emit(r.Context(), audit.Event{
		Action:  audit.ActionWebhookRejected,
		Outcome: audit.OutcomeDenied,
		ActorID: "provider:" + provider,
		Reason:  reason,
	})
	httputil.WriteErrorCode(w, http.StatusBadRequest, "ValidationFailed", "webhook rejected")
}

func (e *WebhookEndpoint) count(provider, outcome string) {
	if e.metrics != nil {
		e.metrics.WebhookEventsTotal.WithLabelValues(provider, outcome).Inc()
	}
}
