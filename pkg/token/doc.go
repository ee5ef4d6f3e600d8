// Package token verifies bearer tokens issued by the upstream identity provider.
//
// # Overview
//
// Tokens are RS256-signed JWTs. Verification resolves the signing key
// through the keyset cache, checks signature, issuer, audience, and the
// time-based claims with a configurable clock skew, and only then exposes
// the parsed claims. Verification results are never cached across requests.
//
// # Usage
//
//	validator := token.NewValidator(token.ValidatorConfig{
//		Issuer:    "https://id.example.com",
//		Audience:  "praxis-platform",
//		ClockSkew: 30 * time.Second,
//	}, keyCache, logger, metrics)
//
//	claims, err := validator.Verify(ctx, bearer)
//	switch {
//	case errors.Is(err, token.ErrExpiredToken):
//		// 401
//	case errors.Is(err, token.ErrUpstreamUnavailable):
//		// 503, not 401
//	}
//
// # Related Packages
//
//   - pkg/keyset: Signing key resolution
//   - pkg/authz: Consumes Claims to resolve permissions
package token
