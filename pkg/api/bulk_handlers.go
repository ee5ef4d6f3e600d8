package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/praxislabs/identity-core/pkg/bulk"
	"github.com/praxislabs/identity-core/pkg/httputil"
	"github.com/praxislabs/identity-core/pkg/middleware"
	"github.com/praxislabs/identity-core/pkg/observability"
)

// BulkHandlers exposes bulk job submission, inspection, and cancellation.
type BulkHandlers struct {
	jobs   *bulk.Orchestrator
	logger *observability.Logger
}

// NewBulkHandlers wires the bulk job routes.
func NewBulkHandlers(jobs *bulk.Orchestrator, logger *observability.Logger) *BulkHandlers {
	return &BulkHandlers{jobs: jobs, logger: logger}
}

type submitJobRequest struct {
	Operation string            `json:"operation"`
	Selector  bulk.Selector     `json:"selector"`
	Params    map[string]string `json:"params,omitempty"`
}

type submitJobResponse struct {
	Job *bulk.Job `json:"job"`
	// Deduplicated is true when an equivalent job was already queued or
	// running and that job is returned instead of a new one.
	Deduplicated bool `json:"deduplicated"`
}

func (h *BulkHandlers) submit(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		httputil.WriteErrorCode(w, http.StatusUnauthorized, "AuthenticationRequired", "request is not authenticated")
		return
	}

	var req submitJobRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "ValidationFailed", "request body is not valid JSON")
		return
	}

	op, err := bulk.ParseOperationType(req.Operation)
	if err != nil {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "ValidationFailed", "unknown operation type")
		return
	}
	if req.Selector.Empty() {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "ValidationFailed", "selector must name ids or a filter")
		return
	}

	job, created, err := h.jobs.Submit(r.Context(), claims.Subject, op, req.Selector, req.Params)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, submitJobResponse{Job: job, Deduplicated: !created})
}

func (h *BulkHandlers) get(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, job)
}

func (h *BulkHandlers) list(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil || limit <= 0 || limit > 500 {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "ValidationFailed", "limit must be between 1 and 500")
		return
	}

	filter := bulk.ListFilter{
		RequesterID: httputil.ParseQueryString(r, "requester_id", ""),
		Status:      bulk.Status(httputil.ParseQueryString(r, "status", "")),
		Limit:       limit,
	}
	if op := httputil.ParseQueryString(r, "operation", ""); op != "" {
		parsed, err := bulk.ParseOperationType(op)
		if err != nil {
			httputil.WriteErrorCode(w, http.StatusBadRequest, "ValidationFailed", "unknown operation type")
			return
		}
		filter.Operation = parsed
	}

	jobs, err := h.jobs.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (h *BulkHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		httputil.WriteErrorCode(w, http.StatusUnauthorized, "AuthenticationRequired", "request is not authenticated")
		return
	}

	if err := h.jobs.Cancel(r.Context(), claims.Subject, mux.Vars(r)["id"]); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}
