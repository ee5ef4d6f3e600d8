package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/praxislabs/identity-core/pkg/keyset"
	"github.com/praxislabs/identity-core/pkg/observability"
)

// ValidatorConfig holds token validation settings
type ValidatorConfig struct {
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// Validator verifies bearer tokens against the cached signing key set
type Validator struct {
	cfg     ValidatorConfig
	keys    *keyset.Cache
	parser  *jwt.Parser
	logger  *observability.Logger
	metrics *observability.Metrics

	// now is swapped in tests
	now func() time.Time
}

// NewValidator creates a token validator. metrics may be nil.
func NewValidator(cfg ValidatorConfig, keys *keyset.Cache, logger *observability.Logger, metrics *observability.Metrics) *Validator {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}

	return &Validator{
		cfg:  cfg,
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256"}),
			jwt.WithLeeway(cfg.ClockSkew),
			jwt.WithIssuedAt(),
		),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Verify checks the token's signature, issuer, audience, and validity
// window, and returns the parsed claims. The signature is verified before
// any claim is trusted.
func (v *Validator) Verify(ctx context.Context, bearer string) (*Claims, error) {
	start := v.now()

	claims, err := v.verify(ctx, bearer)

	result := "valid"
	if err != nil {
		result = resultLabel(err)
	}
	if v.metrics != nil {
		v.metrics.TokenValidationsTotal.WithLabelValues(result).Inc()
		v.metrics.TokenValidationDuration.WithLabelValues(result).Observe(v.now().Sub(start).Seconds())
	}

	return claims, err
}

func (v *Validator) verify(ctx context.Context, bearer string) (*Claims, error) {
	if bearer == "" {
		return nil, fmt.Errorf("%w: empty token", ErrMalformed)
	}

	raw := &rawClaims{}
	_, err := v.parser.ParseWithClaims(bearer, raw, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token header missing kid")
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		return nil, v.mapParseError(err)
	}

	claims := raw.toClaims()

	if v.cfg.Issuer != "" && claims.Issuer != v.cfg.Issuer {
		return nil, fmt.Errorf("%w: got %q", ErrIssuerMismatch, claims.Issuer)
	}
	if v.cfg.Audience != "" && !claims.HasAudience(v.cfg.Audience) {
		return nil, fmt.Errorf("%w: expected %q", ErrAudienceMismatch, v.cfg.Audience)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrMalformed)
	}

	return claims, nil
}

// mapParseError translates jwt library and keyset errors into the package's
// stable error taxonomy. Key discovery failures are transient, not auth
// failures.
func (v *Validator) mapParseError(err error) error {
	switch {
	case errors.Is(err, keyset.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	case errors.Is(err, keyset.ErrUnknownKey):
		return fmt.Errorf("%w: signed by unpublished key", ErrInvalidSignature)
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return fmt.Errorf("%w: %v", ErrExpiredToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrExpiredToken):
		return "expired"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrIssuerMismatch):
		return "issuer_mismatch"
	case errors.Is(err, ErrAudienceMismatch):
		return "audience_mismatch"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_error"
	default:
		return "malformed"
	}
}
