// Package bulk orchestrates administrative operations applied to many
// users at once.
//
// Submission is synchronous and idempotent: each job carries a fingerprint
// over (operation, normalized selector, requester), and a submission whose
// fingerprint matches a queued or running job returns that job instead of
// creating a duplicate. Execution is asynchronous: a worker loop claims
// queued jobs and processes targets with bounded concurrency, a per-job
// limit nested under a global ceiling shared by all in-flight jobs.
//
// Per-target failures are classified. Transient ones (timeouts, rate
// limits) are retried with exponential backoff up to an attempt ceiling;
// permanent ones are recorded immediately. A finished job is SUCCEEDED
// only when every target succeeded, FAILED when none did, and PARTIAL
// otherwise. Cancellation is observed between targets, never mid-target,
// and the unprocessed remainder is recorded as cancelled.
//
// Every submission, state transition and per-target outcome is written to
// the audit trail.
package bulk
