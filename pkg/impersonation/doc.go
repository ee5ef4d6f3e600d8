// Package impersonation manages time-boxed support sessions in which an
// administrator acts on behalf of another user.
//
// Each target user has at most one active session at a time. The check and
// the grant are a single conditional insert, so two concurrent Start calls
// for the same target cannot both succeed. Sessions end by explicit Stop,
// or by reaching their expiry: any read past ExpiresAt treats the session
// as expired regardless of stored status, and a scheduled sweep persists
// the transition for bookkeeping.
//
// Start returns an opaque HMAC-signed token binding the session id, actor,
// target and expiry. Resolving the token re-checks the stored session, so
// revocation takes effect immediately.
//
// Every grant, refusal, stop and expiry is written to the audit trail.
package impersonation
