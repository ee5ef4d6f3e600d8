// Package middleware carries the request-path guards: bearer-token
// authentication, capability enforcement, and distributed rate limiting.
//
// Order matters. Authentication runs first and resolves Claims (plus an
// impersonation session when a session token accompanies the request);
// capability checks run per route against the resolved claims; the rate
// limiter sits in front of the admin surface keyed by actor.
//
// Validation and authorization failures are settled here with structured
// error codes; handlers behind these guards can assume a vetted caller.
package middleware
