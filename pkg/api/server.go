package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/praxislabs/identity-core/pkg/authz"
	"github.com/praxislabs/identity-core/pkg/httputil"
	"github.com/praxislabs/identity-core/pkg/middleware"
	"github.com/praxislabs/identity-core/pkg/observability"
)

const maxRequestBody = 1 << 20 // 1MB

// Server is the admin HTTP surface.
type Server struct {
	router *mux.Router
	logger *observability.Logger
}

// Dependencies carries everything the route table needs. Webhooks may be
// nil when no payment provider is configured; the route then responds 503.
type Dependencies struct {
	Auth          *middleware.AuthMiddleware
	Resolver      *authz.Resolver
	RateLimiter   *middleware.RateLimiter
	Impersonation *ImpersonationHandlers
	Bulk          *BulkHandlers
	Audit         *AuditHandlers
	Webhooks      http.Handler
	Logger        *observability.Logger
	Metrics       *observability.Metrics
}

// NewServer builds the router. Middleware order is request ID, metrics,
// logging, recovery, then per-surface auth.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		router: mux.NewRouter(),
		logger: deps.Logger,
	}
	s.setupRoutes(deps)
	return s
}

func (s *Server) setupRoutes(deps Dependencies) {
	s.router.Use(httputil.RequestIDMiddleware)
	if deps.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(deps.Metrics))
	}
	s.router.Use(httputil.LoggingMiddleware(deps.Logger))
	s.router.Use(httputil.RecoveryMiddleware(deps.Logger))
	s.router.Use(httputil.MaxBytesMiddleware(maxRequestBody))

	// Webhooks authenticate by signature, not bearer token.
	if deps.Webhooks != nil {
		s.router.Handle("/webhooks/{provider}", deps.Webhooks).Methods("POST")
	} else {
		s.router.HandleFunc("/webhooks/{provider}", webhookUnconfigured).Methods("POST")
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	if deps.RateLimiter != nil {
		api.Use(deps.RateLimiter.Handler)
	}
	api.Use(deps.Auth.Handler)

	guard := func(h http.HandlerFunc, capabilities ...string) http.Handler {
		return middleware.RequirePermissions(deps.Resolver, capabilities...)(h)
	}

	api.Handle("/impersonation/sessions", guard(deps.Impersonation.start, authz.PermImpersonationStart)).Methods("POST")
	api.Handle("/impersonation/sessions/{id}", guard(deps.Impersonation.stop, authz.PermImpersonationStop)).Methods("DELETE")
	api.Handle("/impersonation/sessions/{targetID}", guard(deps.Impersonation.activeForTarget, authz.PermImpersonationView)).Methods("GET")

	api.Handle("/bulk/jobs", guard(deps.Bulk.submit, authz.PermJobsSubmit)).Methods("POST")
	api.Handle("/bulk/jobs", guard(deps.Bulk.list, authz.PermJobsView)).Methods("GET")
	api.Handle("/bulk/jobs/{id}", guard(deps.Bulk.get, authz.PermJobsView)).Methods("GET")
	api.Handle("/bulk/jobs/{id}/cancel", guard(deps.Bulk.cancel, authz.PermJobsCancel)).Methods("POST")

	api.Handle("/audit/events", guard(deps.Audit.list, authz.PermAuditView)).Methods("GET")
	api.Handle("/audit/events/export", guard(deps.Audit.export, authz.PermAuditExport)).Methods("GET")
}

// Router exposes the configured handler for the HTTP server.
func (s *Server) Router() http.Handler {
	return s.router
}

func webhookUnconfigured(w http.ResponseWriter, r *http.Request) {
	httputil.WriteErrorCode(w, http.StatusServiceUnavailable, "UpstreamUnavailable", "payment webhook handling is not configured")
}
