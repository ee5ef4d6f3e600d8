package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/praxislabs/identity-core/pkg/authz"
	"github.com/praxislabs/identity-core/pkg/httputil"
	"github.com/praxislabs/identity-core/pkg/impersonation"
	"github.com/praxislabs/identity-core/pkg/middleware"
	"github.com/praxislabs/identity-core/pkg/observability"
)

// ImpersonationHandlers exposes session grant, revocation, and inspection.
type ImpersonationHandlers struct {
	sessions *impersonation.Manager
	logger   *observability.Logger
}

// NewImpersonationHandlers wires the impersonation routes.
func NewImpersonationHandlers(sessions *impersonation.Manager, logger *observability.Logger) *ImpersonationHandlers {
	return &ImpersonationHandlers{sessions: sessions, logger: logger}
}

type startSessionRequest struct {
	TargetUserID string `json:"target_user_id"`
	Reason       string `json:"reason"`
	TTLSeconds   int    `json:"ttl_seconds,omitempty"`
}

type startSessionResponse struct {
	Session *impersonation.Session `json:"session"`
	Token   string                 `json:"token"`
}

func (h *ImpersonationHandlers) start(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		httputil.WriteErrorCode(w, http.StatusUnauthorized, "AuthenticationRequired", "request is not authenticated")
		return
	}

	var req startSessionRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "ValidationFailed", "request body is not valid JSON")
		return
	}
	if req.TargetUserID == "" {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "ValidationFailed", "target_user_id is required")
		return
	}
	if req.Reason == "" {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "ValidationFailed", "reason is required")
		return
	}
	if req.TTLSeconds < 0 {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "ValidationFailed", "ttl_seconds must not be negative")
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	session, token, err := h.sessions.Start(r.Context(), claims.Subject, req.TargetUserID, claims.OrganizationID, req.Reason, ttl)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, startSessionResponse{Session: session, Token: token})
}

func (h *ImpersonationHandlers) stop(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		httputil.WriteErrorCode(w, http.StatusUnauthorized, "AuthenticationRequired", "request is not authenticated")
		return
	}

	sessionID := mux.Vars(r)["id"]
	reason := httputil.ParseQueryString(r, "reason", "")

	session, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	hasOverride := false
	if perms, ok := middleware.PermissionsFrom(r.Context()); ok {
		hasOverride = perms.Has(authz.PermImpersonationOverride)
	}

	if err := h.sessions.Stop(r.Context(), claims.Subject, session.TargetUserID, sessionID, reason, hasOverride); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	httputil.WriteNoContent(w)
}

func (h *ImpersonationHandlers) activeForTarget(w http.ResponseWriter, r *http.Request) {
	targetID := mux.Vars(r)["targetID"]

	session, err := h.sessions.ActiveForTarget(r.Context(), targetID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, session)
}
