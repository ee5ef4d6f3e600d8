package payments

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxislabs/identity-core/pkg/audit"
	"github.com/praxislabs/identity-core/pkg/config"
	"github.com/praxislabs/identity-core/pkg/observability"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (h *recordingHandler) HandleEvent(ctx context.Context, provider string, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.events = append(h.events, event)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

type nullSink struct{}

func (nullSink) Record(ctx context.Context, event *audit.Event) error { return nil }
func (nullSink) Query(ctx context.Context, filter audit.Filter, cursor string, limit int) (*audit.Page, error) {
	return &audit.Page{Events: []*audit.Event{}}, nil
}

func newTestEndpoint(handler Handler) (*WebhookEndpoint, *Verifier) {
	verifier := NewVerifier(config.WebhookConfig{
		Secrets:   map[string]string{"stripe": "whsec_test"},
		Tolerance: 5 * time.Minute,
	})

	obsLogger := observability.NewLogger(observability.DebugLevel, &bytes.Buffer{})
	emitter := audit.NewEmitter(nullSink{}, obsLogger, nil, audit.EmitterConfig{MaxRetries: 1, RetryDelay: time.Millisecond})

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return NewWebhookEndpoint(verifier, handler, emitter, logger, nil), verifier
}

func postWebhook(endpoint *WebhookEndpoint, body []byte, signature string) *httptest.ResponseRecorder {
	router := mux.NewRouter()
	router.Handle("/webhooks/{provider}", endpoint).Methods(http.MethodPost)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestWebhookEndpoint(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"invoice.paid","data":{}}`)

	t.Run("verified event is handled", func(t *testing.T) {
		handler := &recordingHandler{}
		endpoint, _ := newTestEndpoint(handler)

		sig := SignatureHeader(body, "whsec_test", time.Now().Unix())
		rec := postWebhook(endpoint, body, sig)

		assert.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, 1, handler.count())
		assert.Equal(t, "evt_1", handler.events[0].ID)
	})

	t.Run("bad signature is 400 and never reaches handler", func(t *testing.T) {
		handler := &recordingHandler{}
		endpoint, _ := newTestEndpoint(handler)

		sig := SignatureHeader(body, "wrong-secret", time.Now().Unix())
		rec := postWebhook(endpoint, body, sig)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, 0, handler.count())
	})

	t.Run("missing signature is 400", func(t *testing.T) {
		handler := &recordingHandler{}
		endpoint, _ := newTestEndpoint(handler)

		rec := postWebhook(endpoint, body, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, 0, handler.count())
	})

	t.Run("no handler configured answers 503", func(t *testing.T) {
		endpoint, _ := newTestEndpoint(nil)

		sig := SignatureHeader(body, "whsec_test", time.Now().Unix())
		rec := postWebhook(endpoint, body, sig)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "not configured")
	})

	t.Run("malformed payload is 400 after verification", func(t *testing.T) {
		handler := &recordingHandler{}
		endpoint, _ := newTestEndpoint(handler)

		garbage := []byte(`{not-json`)
		sig := SignatureHeader(garbage, "whsec_test", time.Now().Unix())
		rec := postWebhook(endpoint, garbage, sig)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("handler failure is surfaced", func(t *testing.T) {
		handler := &recordingHandler{err: errors.New("ledger unavailable")}
		endpoint, _ := newTestEndpoint(handler)

		sig := SignatureHeader(body, "whsec_test", time.Now().Unix())
		rec := postWebhook(endpoint, body, sig)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}
