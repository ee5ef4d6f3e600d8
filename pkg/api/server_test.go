package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxislabs/identity-core/pkg/audit"
	"github.com/praxislabs/identity-core/pkg/authz"
	"github.com/praxislabs/identity-core/pkg/bulk"
	"github.com/praxislabs/identity-core/pkg/config"
	"github.com/praxislabs/identity-core/pkg/impersonation"
)

func newTestServer(t *testing.T, webhooks http.Handler) (*Server, *jwksSigner, func()) {
	t.Helper()
	signer := newJWKSSigner(t)
	jwks := signer.serve()

	auth, resolver := newAuthStack(t, jwks.URL)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS impersonation_sessions").WillReturnResult(sqlmock.NewResult(0, 0))

	sessions, err := impersonation.NewManager(db, config.ImpersonationConfig{
		DefaultTTL:    30 * time.Minute,
		MaxTTL:        time.Hour,
		SigningSecret: "test-secret",
	}, testEmitter(nil), testLogger(), nil)
	require.NoError(t, err)

	jobs, err := bulk.NewOrchestrator(newFakeJobStore(), fakeMutator{}, nil, testEmitter(nil), nil, nil, config.BulkConfig{WorkerCount: 1})
	require.NoError(t, err)

	trail := &memTrail{}
	require.NoError(t, trail.Record(context.Background(), &audit.Event{
		ID:        "evt-1",
		Timestamp: time.Now().UTC(),
		Action:    audit.ActionImpersonationStart,
		ActorID:   "admin-1",
	}))

	server := NewServer(Dependencies{
		Auth:          auth,
		Resolver:      resolver,
		Impersonation: NewImpersonationHandlers(sessions, testLogger()),
		Bulk:          NewBulkHandlers(jobs, testLogger()),
		Audit:         NewAuditHandlers(trail, testEmitter(nil), testLogger(), nil),
		Webhooks:      webhooks,
		Logger:        testLogger(),
	})

	return server, signer, func() {
		jwks.Close()
		db.Close()
	}
}

func TestServerAuthGuards(t *testing.T) {
	server, signer, done := newTestServer(t, nil)
	defer done()

	t.Run("unauthenticated request is refused", func(t *testing.T) {
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit/events", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "AuthenticationRequired", decodeErrorCode(t, rec))
	})

	t.Run("authenticated but unprivileged role is refused", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/events", nil)
		req.Header.Set("Authorization", "Bearer "+signer.bearer(t, "member-1", authz.RoleMember))
		server.Router().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "Forbidden", decodeErrorCode(t, rec))
		assert.Contains(t, rec.Body.String(), authz.PermAuditView)
	})

	t.Run("auditor reads the trail", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/events", nil)
		req.Header.Set("Authorization", "Bearer "+signer.bearer(t, "auditor-1", authz.RoleAuditor))
		server.Router().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "evt-1")
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	t.Run("auditor cannot submit bulk jobs", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/bulk/jobs", submitBody(t, "suspend", "user-1"))
		req.Header.Set("Authorization", "Bearer "+signer.bearer(t, "auditor-1", authz.RoleAuditor))
		server.Router().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestServerWebhookRoute(t *testing.T) {
	t.Run("unconfigured webhook responds 503", func(t *testing.T) {
		server, _, done := newTestServer(t, nil)
		defer done()

		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "UpstreamUnavailable", decodeErrorCode(t, rec))
	})

	t.Run("webhook route bypasses bearer auth", func(t *testing.T) {
		endpoint := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		server, _, done := newTestServer(t, endpoint)
		defer done()

		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
