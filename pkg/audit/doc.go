// Package audit records security-relevant events and serves queries over
// the recorded trail.
//
// Every privileged operation in the service produces an Event describing
// who did what to whom. Events are persisted through the Logger interface;
// the production implementation writes to PostgreSQL and supports cursor
// paginated queries ordered newest first.
//
// Recording an event must never fail silently. The Emitter wraps a Logger
// with bounded retries and reports exhaustion through both the service log
// and a metric, while handing callers a Result they can either wait on or
// detach from:
//
//	res := emitter.Emit(ctx, audit.Event{
//		Action:  audit.ActionImpersonationStart,
//		ActorID: actorID,
//		Outcome: audit.OutcomeSuccess,
//	})
//	if err := res.Wait(ctx); err != nil {
//		// event could not be durably recorded
//	}
//
// Query results page through the trail using an opaque cursor derived from
// (timestamp, id) so concurrent inserts never cause skipped or duplicated
// entries. Completed pages can be exported as JSON, NDJSON or CSV, and the
// Archiver ships aged events to object storage on a schedule.
package audit
