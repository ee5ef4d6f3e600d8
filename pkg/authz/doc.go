// Package authz resolves a caller's effective permissions from validated claims.
//
// # Overview
//
// Roles carried in token claims are mapped through a role-permission table
// to a set of fine-grained capability strings. The table ships with built-in
// defaults, can be overridden per organization from a YAML file (hot
// reloaded), and an override always replaces a role's entry rather than
// merging with it. Role lookup is case-normalized; unknown roles degrade to
// the default member entry instead of erroring.
//
// # Usage
//
//	table := authz.NewRoleTable()
//	resolver := authz.NewResolver(table, authz.ResolverConfig{}, logger, metrics)
//
//	decision := resolver.Resolve(claims, []string{authz.PermUsersSuspend})
//	if !decision.Granted {
//		// decision.Missing names every absent capability
//	}
//
// # Related Packages
//
//   - pkg/token: Produces the Claims consumed here
//   - pkg/middleware: Enforces decisions on HTTP routes
package authz
