package authz

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/praxislabs/identity-core/pkg/observability"
	"github.com/praxislabs/identity-core/pkg/token"
)

// ResolverConfig holds permission resolution settings
type ResolverConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// Resolver derives permission sets from validated claims. Resolution is
// pure per call; the only shared state is the role table and a bounded
// cache of resolved sets.
type Resolver struct {
	table   *RoleTable
	cache   *expirable.LRU[string, PermissionSet]
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewResolver creates a permission resolver. metrics may be nil.
func NewResolver(table *RoleTable, cfg ResolverConfig, logger *observability.Logger, metrics *observability.Metrics) *Resolver {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}

	return &Resolver{
		table:   table,
		cache:   expirable.NewLRU[string, PermissionSet](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:  logger,
		metrics: metrics,
	}
}

// Resolve checks required capabilities against the union of the caller's
// role permission sets. Granted iff every required capability is present;
// denial names each missing capability.
func (r *Resolver) Resolve(claims *token.Claims, required []string) Decision {
	perms := r.PermissionsFor(claims.OrganizationID, claims.Roles())

	var missing []string
	for _, capability := range required {
		if !perms.Has(capability) {
			missing = append(missing, capability)
		}
	}

	return Decision{
		Granted:     len(missing) == 0,
		Missing:     missing,
		Permissions: perms,
	}
}

// PermissionsFor returns the union of permission sets for a role list
// within an organization. Each role contributes exactly its own table
// entry; a missing role contributes the default entry, never another
// role's permissions.
func (r *Resolver) PermissionsFor(orgID string, roles []string) PermissionSet {
	key := r.cacheKey(orgID, roles)

	if cached, ok := r.cache.Get(key); ok {
		r.countResolve("cache")
		return cached
	}

	perms := make(PermissionSet)
	for _, role := range roles {
		entry, known := r.table.EntryFor(orgID, role)
		if !known {
			if r.metrics != nil {
				r.metrics.UnknownRolesTotal.WithLabelValues(NormalizeRole(role)).Inc()
			}
			r.logger.Warnf("Unknown role %q degraded to default entry", role)
		}
		for _, p := range entry {
			perms[p] = struct{}{}
		}
	}

	r.cache.Add(key, perms)
	r.countResolve("table")
	return perms
}

// InvalidateCache drops all cached permission sets, used after a role
// table reload
func (r *Resolver) InvalidateCache() {
	r.cache.Purge()
}

func (r *Resolver) cacheKey(orgID string, roles []string) string {
	normalized := make([]string, 0, len(roles))
	for _, role := range roles {
		normalized = append(normalized, NormalizeRole(role))
	}
	sort.Strings(normalized)
	return fmt.Sprintf("%d|%s|%s", r.table.Version(), orgID, strings.Join(normalized, ","))
}

func (r *Resolver) countResolve(source string) {
	if r.metrics != nil {
		r.metrics.PermissionResolvesTotal.WithLabelValues(source).Inc()
	}
}
