package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxislabs/identity-core/pkg/authz"
	"github.com/praxislabs/identity-core/pkg/bulk"
	"github.com/praxislabs/identity-core/pkg/config"
)

func newBulkFixture(t *testing.T) (*BulkHandlers, *fakeJobStore, *mux.Router) {
	t.Helper()
	store := newFakeJobStore()
	jobs, err := bulk.NewOrchestrator(store, fakeMutator{}, nil, testEmitter(nil), nil, nil, config.BulkConfig{
		WorkerCount: 2,
		MaxTargets:  100,
	})
	require.NoError(t, err)

	handlers := NewBulkHandlers(jobs, testLogger())

	router := mux.NewRouter()
	router.HandleFunc("/api/v1/bulk/jobs", handlers.submit).Methods("POST")
	router.HandleFunc("/api/v1/bulk/jobs", handlers.list).Methods("GET")
	router.HandleFunc("/api/v1/bulk/jobs/{id}", handlers.get).Methods("GET")
	router.HandleFunc("/api/v1/bulk/jobs/{id}/cancel", handlers.cancel).Methods("POST")
	return handlers, store, router
}

func submitBody(t *testing.T, operation string, ids ...string) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(submitJobRequest{
		Operation: operation,
		Selector:  bulk.Selector{IDs: ids},
	})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func TestBulkSubmit(t *testing.T) {
	t.Run("creates a job", func(t *testing.T) {
		_, _, router := newBulkFixture(t)

		rec := httptest.NewRecorder()
		req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/bulk/jobs", submitBody(t, "suspend", "user-1", "user-2")), "admin-1", authz.RoleAdmin)
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)
		var resp submitJobResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Deduplicated)
		assert.Equal(t, bulk.StatusQueued, resp.Job.Status)
		assert.Equal(t, "admin-1", resp.Job.RequesterID)
		assert.Len(t, resp.Job.Targets, 2)
	})

	t.Run("duplicate submission returns the existing job", func(t *testing.T) {
		_, _, router := newBulkFixture(t)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/bulk/jobs", submitBody(t, "suspend", "user-1")), "admin-1", authz.RoleAdmin))
		require.Equal(t, http.StatusCreated, rec.Code)
		var first submitJobResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))

		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/bulk/jobs", submitBody(t, "suspend", "user-1")), "admin-1", authz.RoleAdmin))
		require.Equal(t, http.StatusOK, rec.Code)
		var second submitJobResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))

		assert.True(t, second.Deduplicated)
		assert.Equal(t, first.Job.ID, second.Job.ID)
	})

	t.Run("unknown operation", func(t *testing.T) {
		_, _, router := newBulkFixture(t)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/bulk/jobs", submitBody(t, "frobnicate", "user-1")), "admin-1", authz.RoleAdmin))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "ValidationFailed", decodeErrorCode(t, rec))
	})

	t.Run("empty selector", func(t *testing.T) {
		_, _, router := newBulkFixture(t)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/bulk/jobs", submitBody(t, "suspend")), "admin-1", authz.RoleAdmin))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		_, _, router := newBulkFixture(t)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/bulk/jobs", bytes.NewBufferString("{nope")), "admin-1", authz.RoleAdmin))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestBulkGetAndList(t *testing.T) {
	_, _, router := newBulkFixture(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/bulk/jobs", submitBody(t, "suspend", "user-1")), "admin-1", authz.RoleAdmin))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created submitJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	t.Run("get returns the job", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(httptest.NewRequest(http.MethodGet, "/api/v1/bulk/jobs/"+created.Job.ID, nil), "admin-1", authz.RoleAdmin))

		require.Equal(t, http.StatusOK, rec.Code)
		var job bulk.Job
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
		assert.Equal(t, created.Job.ID, job.ID)
	})

	t.Run("get unknown job", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(httptest.NewRequest(http.MethodGet, "/api/v1/bulk/jobs/missing", nil), "admin-1", authz.RoleAdmin))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "NotFound", decodeErrorCode(t, rec))
	})

	t.Run("list filters by requester", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(httptest.NewRequest(http.MethodGet, "/api/v1/bulk/jobs?requester_id=admin-1", nil), "admin-1", authz.RoleAdmin))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Jobs []*bulk.Job `json:"jobs"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Jobs, 1)

		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(httptest.NewRequest(http.MethodGet, "/api/v1/bulk/jobs?requester_id=nobody", nil), "admin-1", authz.RoleAdmin))
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Empty(t, resp.Jobs)
	})

	t.Run("list rejects bad limit", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(httptest.NewRequest(http.MethodGet, "/api/v1/bulk/jobs?limit=0", nil), "admin-1", authz.RoleAdmin))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestBulkCancel(t *testing.T) {
	_, store, router := newBulkFixture(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/bulk/jobs", submitBody(t, "suspend", "user-1")), "admin-1", authz.RoleAdmin))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created submitJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	t.Run("flags a queued job", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/bulk/jobs/"+created.Job.ID+"/cancel", nil), "admin-1", authz.RoleAdmin))

		assert.Equal(t, http.StatusAccepted, rec.Code)
		requested, err := store.CancelRequested(context.Background(), created.Job.ID)
		require.NoError(t, err)
		assert.True(t, requested)
	})

	t.Run("finished job conflicts", func(t *testing.T) {
		require.NoError(t, store.FinishJob(context.Background(), created.Job.ID, bulk.StatusSucceeded, created.Job.CreatedAt))

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/bulk/jobs/"+created.Job.ID+"/cancel", nil), "admin-1", authz.RoleAdmin))

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "Conflict", decodeErrorCode(t, rec))
	})

	t.Run("unknown job", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/bulk/jobs/missing/cancel", nil), "admin-1", authz.RoleAdmin))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
