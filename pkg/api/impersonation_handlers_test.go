package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxislabs/identity-core/pkg/authz"
	"github.com/praxislabs/identity-core/pkg/config"
	"github.com/praxislabs/identity-core/pkg/impersonation"
)

func newImpersonationFixture(t *testing.T) (*mux.Router, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS impersonation_sessions").WillReturnResult(sqlmock.NewResult(0, 0))

	manager, err := impersonation.NewManager(db, config.ImpersonationConfig{
		DefaultTTL:    30 * time.Minute,
		MaxTTL:        time.Hour,
		SigningSecret: "test-secret",
	}, testEmitter(nil), testLogger(), nil)
	require.NoError(t, err)

	handlers := NewImpersonationHandlers(manager, testLogger())
	router := mux.NewRouter()
	router.HandleFunc("/api/v1/impersonation/sessions", handlers.start).Methods("POST")
	router.HandleFunc("/api/v1/impersonation/sessions/{id}", handlers.stop).Methods("DELETE")
	router.HandleFunc("/api/v1/impersonation/sessions/{targetID}", handlers.activeForTarget).Methods("GET")

	return router, mock, func() { db.Close() }
}

func startBody(t *testing.T, target, reason string, ttl int) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(startSessionRequest{TargetUserID: target, Reason: reason, TTLSeconds: ttl})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func impersonationColumns() []string {
	return []string{
		"id", "actor_user_id", "target_user_id", "organization_id",
		"reason", "issued_at", "expires_at", "status",
		"stopped_at", "stop_reason",
	}
}

func activeRow(id, actor, target string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(impersonationColumns()).AddRow(
		id, actor, target, "org-1",
		"support case 7", now.Add(-time.Minute), now.Add(time.Hour), "ACTIVE",
		nil, nil,
	)
}

func TestImpersonationStartHandler(t *testing.T) {
	t.Run("grants session and token", func(t *testing.T) {
		router, mock, done := newImpersonationFixture(t)
		defer done()

		mock.ExpectQuery("UPDATE impersonation_sessions").
			WillReturnRows(sqlmock.NewRows([]string{"id", "actor_user_id", "organization_id"}))
		mock.ExpectExec("INSERT INTO impersonation_sessions").WillReturnResult(sqlmock.NewResult(0, 1))

		rec := httptest.NewRecorder()
		req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/impersonation/sessions", startBody(t, "user-9", "support case 7", 900)), "admin-1", authz.RoleAdmin)
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)
		var resp startSessionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, impersonation.StatusActive, resp.Session.Status)
		assert.Equal(t, "admin-1", resp.Session.ActorUserID)
		assert.Equal(t, "user-9", resp.Session.TargetUserID)
		assert.NotEmpty(t, resp.Token)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("conflict when target already covered", func(t *testing.T) {
		router, mock, done := newImpersonationFixture(t)
		defer done()

		mock.ExpectQuery("UPDATE impersonation_sessions").
			WillReturnRows(sqlmock.NewRows([]string{"id", "actor_user_id", "organization_id"}))
		mock.ExpectExec("INSERT INTO impersonation_sessions").WillReturnResult(sqlmock.NewResult(0, 0))

		rec := httptest.NewRecorder()
		req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/impersonation/sessions", startBody(t, "user-9", "support case 7", 0)), "admin-1", authz.RoleAdmin)
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "Conflict", decodeErrorCode(t, rec))
	})

	t.Run("self impersonation rejected", func(t *testing.T) {
		router, _, done := newImpersonationFixture(t)
		defer done()

		rec := httptest.NewRecorder()
		req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/impersonation/sessions", startBody(t, "admin-1", "testing", 0)), "admin-1", authz.RoleAdmin)
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "ValidationFailed", decodeErrorCode(t, rec))
	})

	t.Run("missing reason rejected before touching the store", func(t *testing.T) {
		router, mock, done := newImpersonationFixture(t)
		defer done()

		rec := httptest.NewRecorder()
		req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/impersonation/sessions", startBody(t, "user-9", "", 0)), "admin-1", authz.RoleAdmin)
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestImpersonationStopHandler(t *testing.T) {
	t.Run("actor stops own session", func(t *testing.T) {
		router, mock, done := newImpersonationFixture(t)
		defer done()

		mock.ExpectQuery("SELECT (.+) FROM impersonation_sessions").WillReturnRows(activeRow("sess-1", "admin-1", "user-9"))
		mock.ExpectQuery("SELECT (.+) FROM impersonation_sessions").WillReturnRows(activeRow("sess-1", "admin-1", "user-9"))
		mock.ExpectExec("UPDATE impersonation_sessions").WillReturnResult(sqlmock.NewResult(0, 1))

		rec := httptest.NewRecorder()
		req := authedRequest(httptest.NewRequest(http.MethodDelete, "/api/v1/impersonation/sessions/sess-1?reason=done", nil), "admin-1", authz.RoleAdmin)
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("another admin without override is refused", func(t *testing.T) {
		router, mock, done := newImpersonationFixture(t)
		defer done()

		mock.ExpectQuery("SELECT (.+) FROM impersonation_sessions").WillReturnRows(activeRow("sess-1", "admin-1", "user-9"))
		mock.ExpectQuery("SELECT (.+) FROM impersonation_sessions").WillReturnRows(activeRow("sess-1", "admin-1", "user-9"))

		rec := httptest.NewRecorder()
		req := authedRequest(httptest.NewRequest(http.MethodDelete, "/api/v1/impersonation/sessions/sess-1", nil), "admin-2", authz.RoleAdmin)
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "Forbidden", decodeErrorCode(t, rec))
	})

	t.Run("super admin override is honored", func(t *testing.T) {
		router, mock, done := newImpersonationFixture(t)
		defer done()

		mock.ExpectQuery("SELECT (.+) FROM impersonation_sessions").WillReturnRows(activeRow("sess-1", "admin-1", "user-9"))
		mock.ExpectQuery("SELECT (.+) FROM impersonation_sessions").WillReturnRows(activeRow("sess-1", "admin-1", "user-9"))
		mock.ExpectExec("UPDATE impersonation_sessions").WillReturnResult(sqlmock.NewResult(0, 1))

		rec := httptest.NewRecorder()
		req := authedRequest(httptest.NewRequest(http.MethodDelete, "/api/v1/impersonation/sessions/sess-1", nil), "root-admin", authz.RoleSuperAdmin)
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown session", func(t *testing.T) {
		router, mock, done := newImpersonationFixture(t)
		defer done()

		mock.ExpectQuery("SELECT (.+) FROM impersonation_sessions").WillReturnError(sql.ErrNoRows)

		rec := httptest.NewRecorder()
		req := authedRequest(httptest.NewRequest(http.MethodDelete, "/api/v1/impersonation/sessions/missing", nil), "admin-1", authz.RoleAdmin)
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "NotFound", decodeErrorCode(t, rec))
	})
}

func TestImpersonationActiveForTarget(t *testing.T) {
	t.Run("returns the active grant", func(t *testing.T) {
		router, mock, done := newImpersonationFixture(t)
		defer done()

		mock.ExpectQuery("SELECT (.+) FROM impersonation_sessions").WillReturnRows(activeRow("sess-1", "admin-1", "user-9"))

		rec := httptest.NewRecorder()
		req := authedRequest(httptest.NewRequest(http.MethodGet, "/api/v1/impersonation/sessions/user-9", nil), "admin-1", authz.RoleAdmin)
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var session impersonation.Session
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
		assert.Equal(t, "sess-1", session.ID)
		assert.Equal(t, impersonation.StatusActive, session.Status)
	})

	t.Run("no active grant", func(t *testing.T) {
		router, mock, done := newImpersonationFixture(t)
		defer done()

		mock.ExpectQuery("SELECT (.+) FROM impersonation_sessions").WillReturnError(sql.ErrNoRows)

		rec := httptest.NewRecorder()
		req := authedRequest(httptest.NewRequest(http.MethodGet, "/api/v1/impersonation/sessions/user-9", nil), "admin-1", authz.RoleAdmin)
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
