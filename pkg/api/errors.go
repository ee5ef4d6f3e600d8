package api

import (
	"errors"
	"net/http"

	"github.com/praxislabs/identity-core/pkg/bulk"
	"github.com/praxislabs/identity-core/pkg/httputil"
	"github.com/praxislabs/identity-core/pkg/impersonation"
	"github.com/praxislabs/identity-core/pkg/observability"
	"github.com/praxislabs/identity-core/pkg/token"
)

// writeDomainError maps package sentinel errors onto the service error
// codes. Anything unrecognized is an invariant violation: the raw error
// is logged server-side and the client sees only the code.
func writeDomainError(w http.ResponseWriter, logger *observability.Logger, err error) {
	switch {
	case errors.Is(err, impersonation.ErrAlreadyImpersonating):
		httputil.WriteErrorCode(w, http.StatusConflict, "Conflict", "target already has an active impersonation session")
	case errors.Is(err, impersonation.ErrSessionNotFound):
		httputil.WriteErrorCode(w, http.StatusNotFound, "NotFound", "impersonation session not found")
	case errors.Is(err, impersonation.ErrNotAuthorized):
		httputil.WriteErrorCode(w, http.StatusForbidden, "Forbidden", "only the session actor may stop this session")
	case errors.Is(err, impersonation.ErrSelfImpersonation):
		httputil.WriteErrorCode(w, http.StatusBadRequest, "ValidationFailed", "cannot impersonate yourself")
	case errors.Is(err, impersonation.ErrInvalidToken):
		httputil.WriteErrorCode(w, http.StatusBadRequest, "ValidationFailed", "impersonation token is invalid")
	case errors.Is(err, bulk.ErrJobNotFound):
		httputil.WriteErrorCode(w, http.StatusNotFound, "NotFound", "bulk job not found")
	case errors.Is(err, bulk.ErrNoTargets):
		httputil.WriteErrorCode(w, http.StatusBadRequest, "ValidationFailed", "selector matched no targets")
	case errors.Is(err, bulk.ErrTooManyTargets):
		httputil.WriteErrorCode(w, http.StatusBadRequest, "ValidationFailed", "selector matched more targets than the configured ceiling")
	case errors.Is(err, bulk.ErrNotCancellable):
		httputil.WriteErrorCode(w, http.StatusConflict, "Conflict", "job has already finished")
	case errors.Is(err, token.ErrUpstreamUnavailable):
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable, "UpstreamUnavailable", "upstream dependency unavailable, retry later")
	default:
		logger.WithError(err).Error("unexpected handler error")
		httputil.WriteErrorCode(w, http.StatusInternalServerError, "InvariantViolation", "internal error")
	}
}
