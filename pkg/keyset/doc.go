// Package keyset caches the identity provider's JSON Web Key Set.
//
// # Overview
//
// Signing keys are fetched from the provider's JWKS endpoint and cached
// for a configurable TTL. Concurrent cache misses collapse into a single
// upstream fetch, and an expired key set is served for a bounded grace
// period when the provider is unreachable so that token validation keeps
// working through short outages.
//
// # Usage
//
//	cache := keyset.NewCache(keyset.Config{
//		JWKSURL:    "https://id.example.com/.well-known/jwks.json",
//		TTL:        15 * time.Minute,
//		StaleGrace: time.Hour,
//	}, logger, metrics)
//
//	key, err := cache.Key(ctx, kid)
//
// # Related Packages
//
//   - pkg/token: Uses the cache to resolve signing keys during validation
package keyset
