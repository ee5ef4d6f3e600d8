// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//   import "github.com/praxislabs/identity-core/pkg/contextkeys"
//   ctx = context.WithValue(ctx, contextkeys.ClaimsKey, claims)
//   claims := ctx.Value(contextkeys.ClaimsKey).(*token.Claims)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// ClaimsKey contains *token.Claims for the authenticated caller
	// Set by: middleware.AuthMiddleware (pkg/middleware/auth.go)
	// Required by: All protected API endpoints, permission middleware
	// Type: *token.Claims
	ClaimsKey Key = "token_claims"

	// PermissionsKey contains the resolved authz.PermissionSet
	// Set by: middleware.PermissionMiddleware (pkg/middleware/permissions.go)
	// Required by: Handlers that gate behavior on fine-grained permissions
	// Type: authz.PermissionSet
	PermissionsKey Key = "permission_set"

	// ImpersonationKey contains *impersonation.Session when the caller
	// is acting on behalf of another account
	// Set by: middleware.AuthMiddleware when an impersonation token is presented
	// Used by: Audit trail, handlers that must attribute actions to the admin
	// Type: *impersonation.Session
	ImpersonationKey Key = "impersonation_session"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, audit trail, distributed tracing
	// Type: string
	RequestIDKey Key = "request_id"

	// ActorIDKey contains the acting account ID string
	// Set by: Auth middleware after token validation
	// Used by: Logger, audit trail, rate limiting
	// Type: string
	ActorIDKey Key = "actor_id"

	// LoggerKey contains *observability.Logger
	// Set by: Observability middleware
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// Helper functions for type-safe context operations

// WithClaims adds validated token claims to the context
func WithClaims(ctx context.Context, claims interface{}) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// WithPermissions adds the resolved permission set to the context
func WithPermissions(ctx context.Context, perms interface{}) context.Context {
	return context.WithValue(ctx, PermissionsKey, perms)
}

// WithImpersonation adds the active impersonation session to the context
func WithImpersonation(ctx context.Context, session interface{}) context.Context {
	return context.WithValue(ctx, ImpersonationKey, session)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithActorID adds the acting account ID to the context
func WithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ActorIDKey, actorID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetActorID retrieves the acting account ID from context
func GetActorID(ctx context.Context) string {
	if actorID, ok := ctx.Value(ActorIDKey).(string); ok {
		return actorID
	}
	return ""
}
