package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformed means the token could not be parsed at all
	ErrMalformed = errors.New("malformed token")

	// ErrInvalidSignature means the signature did not verify against any
	// published signing key
	ErrInvalidSignature = errors.New("invalid token signature")

	// ErrExpiredToken means the token is outside its validity window even
	// after applying clock skew
	ErrExpiredToken = errors.New("token expired")

	// ErrIssuerMismatch means the token was issued by a different issuer
	ErrIssuerMismatch = errors.New("token issuer mismatch")

	// ErrAudienceMismatch means the token was issued for a different audience
	ErrAudienceMismatch = errors.New("token audience mismatch")

	// ErrUpstreamUnavailable means the signing key set could not be obtained.
	// Callers must surface this as a 5xx, never a 401.
	ErrUpstreamUnavailable = errors.New("key discovery upstream unavailable")
)

// TenantRole binds a role to a single tenant
type TenantRole struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// Claims is the set of verified facts about a caller. Immutable once
// parsed; lifetime is one request.
type Claims struct {
	Subject        string
	OrganizationID string
	TenantRoles    []TenantRole
	AppRoles       []string
	Issuer         string
	Audience       []string
	IssuedAt       time.Time
	ExpiresAt      time.Time
}

// rawClaims is the wire shape of the provider's JWT payload
type rawClaims struct {
	jwt.RegisteredClaims
	OrganizationID string       `json:"org_id"`
	TenantRoles    []TenantRole `json:"tenant_roles"`
	AppRoles       []string     `json:"roles"`
}

func (rc *rawClaims) toClaims() *Claims {
	c := &Claims{
		Subject:        rc.Subject,
		OrganizationID: rc.OrganizationID,
		TenantRoles:    rc.TenantRoles,
		AppRoles:       rc.AppRoles,
		Issuer:         rc.Issuer,
		Audience:       rc.Audience,
	}
	if rc.IssuedAt != nil {
		c.IssuedAt = rc.IssuedAt.Time
	}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c
}

// Roles returns the caller's app-level and tenant-scoped roles as one list
func (c *Claims) Roles() []string {
	roles := make([]string, 0, len(c.AppRoles)+len(c.TenantRoles))
	roles = append(roles, c.AppRoles...)
	for _, tr := range c.TenantRoles {
		roles = append(roles, tr.Role)
	}
	return roles
}

// HasAudience reports whether the token was issued for the given audience
func (c *Claims) HasAudience(audience string) bool {
	for _, aud := range c.Audience {
		if aud == audience {
			return true
		}
	}
	return false
}
