// Package api wires the admin HTTP surface: impersonation sessions, bulk
// jobs, the audit trail, and the payment webhook endpoint.
//
// Every route under /api/v1 sits behind the auth middleware and a
// per-route capability guard; the webhook route authenticates by
// signature instead. Handlers translate package sentinel errors into the
// service error codes (AuthenticationRequired, Forbidden,
// ValidationFailed, Conflict, NotFound, UpstreamUnavailable,
// InvariantViolation) and never echo raw upstream error text to clients.
package api
