package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/praxislabs/identity-core/pkg/authz"
	"github.com/praxislabs/identity-core/pkg/contextkeys"
	"github.com/praxislabs/identity-core/pkg/httputil"
)

// RequirePermissions gates a route behind the given capabilities. The
// auth middleware must have run first; a request with no claims on the
// context is rejected outright.
func RequirePermissions(resolver *authz.Resolver, capabilities ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFrom(r.Context())
			if !ok {
				httputil.WriteErrorCode(w, http.StatusUnauthorized, "AuthenticationRequired", "request is not authenticated")
				return
			}

			decision := resolver.Resolve(claims, capabilities)
			if !decision.Granted {
				message := fmt.Sprintf("missing required capabilities: %s", strings.Join(decision.Missing, ", "))
				httputil.WriteErrorCode(w, http.StatusForbidden, "Forbidden", message)
				return
			}

			ctx := contextkeys.WithPermissions(r.Context(), decision.Permissions)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PermissionsFrom returns the permission set resolved for this request.
func PermissionsFrom(ctx context.Context) (authz.PermissionSet, bool) {
	perms, ok := ctx.Value(contextkeys.PermissionsKey).(authz.PermissionSet)
	return perms, ok
}
