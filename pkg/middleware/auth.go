package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/praxislabs/identity-core/pkg/contextkeys"
	"github.com/praxislabs/identity-core/pkg/httputil"
	"github.com/praxislabs/identity-core/pkg/impersonation"
	"github.com/praxislabs/identity-core/pkg/observability"
	"github.com/praxislabs/identity-core/pkg/token"
)

// ImpersonationTokenHeader carries an active session token alongside the
// admin's own bearer token.
const ImpersonationTokenHeader = "X-Impersonation-Token"

// AuthMiddleware authenticates every request with the token validator
// before any handler logic runs.
type AuthMiddleware struct {
	validator *token.Validator
	sessions  *impersonation.Manager
	logger    *observability.Logger
}

// NewAuthMiddleware wires the authentication guard. sessions may be nil
// when impersonation tokens are not accepted on this surface.
func NewAuthMiddleware(validator *token.Validator, sessions *impersonation.Manager, logger *observability.Logger) *AuthMiddleware {
	return &AuthMiddleware{validator: validator, sessions: sessions, logger: logger}
}

// Handler verifies the bearer token, resolves an optional impersonation
// session token, and stores both on the request context.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer, ok := bearerToken(r)
		if !ok {
			httputil.WriteErrorCode(w, http.StatusUnauthorized, "AuthenticationRequired", "missing or malformed authorization header")
			return
		}

		claims, err := m.validator.Verify(r.Context(), bearer)
		if err != nil {
			m.rejectToken(w, r, err)
			return
		}

		ctx := contextkeys.WithClaims(r.Context(), claims)
		ctx = contextkeys.WithActorID(ctx, claims.Subject)

		if sessionToken := r.Header.Get(ImpersonationTokenHeader); sessionToken != "" {
			session, err := m.resolveSession(ctx, sessionToken, claims)
			if err != nil {
				httputil.WriteErrorCode(w, http.StatusUnauthorized, "AuthenticationRequired", "invalid impersonation session token")
				return
			}
			ctx = contextkeys.WithImpersonation(ctx, session)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) resolveSession(ctx context.Context, sessionToken string, claims *token.Claims) (*impersonation.Session, error) {
	if m.sessions == nil {
		return nil, impersonation.ErrInvalidToken
	}

	session, err := m.sessions.Resolve(ctx, sessionToken)
	if err != nil {
		return nil, err
	}
	// The session token is only honored for the admin it was issued to.
	if session.ActorUserID != claims.Subject {
		return nil, impersonation.ErrInvalidToken
	}
	return session, nil
}

func (m *AuthMiddleware) rejectToken(w http.ResponseWriter, r *http.Request, err error) {
	// Key-endpoint outages are not the caller's fault and must not read
	// as an authentication failure.
	if errors.Is(err, token.ErrUpstreamUnavailable) {
		m.logger.WithField("path", r.URL.Path).WithError(err).Error("token verification unavailable")
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable, "UpstreamUnavailable", "token verification temporarily unavailable")
		return
	}

	message := "invalid token"
	switch {
	case errors.Is(err, token.ErrExpiredToken):
		message = "token expired"
	case errors.Is(err, token.ErrIssuerMismatch):
		message = "token issuer not accepted"
	case errors.Is(err, token.ErrAudienceMismatch):
		message = "token audience not accepted"
	}
	httputil.WriteErrorCode(w, http.StatusUnauthorized, "AuthenticationRequired", message)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, value, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || value == "" {
		return "", false
	}
	return value, true
}

// ClaimsFrom returns the verified claims stored by the auth middleware.
func ClaimsFrom(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(contextkeys.ClaimsKey).(*token.Claims)
	return claims, ok
}

// SessionFrom returns the resolved impersonation session, when present.
func SessionFrom(ctx context.Context) (*impersonation.Session, bool) {
	session, ok := ctx.Value(contextkeys.ImpersonationKey).(*impersonation.Session)
	return session, ok
}
