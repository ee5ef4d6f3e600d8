package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/praxislabs/identity-core/pkg/observability"
)

// EmitterConfig tunes how hard the emitter tries before giving up.
type EmitterConfig struct {
	// MaxRetries is the number of additional attempts after the first
	// Record fails. Defaults to 3.
	MaxRetries int

	// RetryDelay is the pause between attempts. Defaults to 200ms.
	RetryDelay time.Duration
}

// Emitter records events through a Logger with bounded retries. A failed
// emission is never silent: exhaustion is logged as a warning, counted in
// metrics, and surfaced to any caller still holding the Result.
type Emitter struct {
	sink    Logger
	logger  *observability.Logger
	metrics *observability.Metrics
	cfg     EmitterConfig
}

// Result tracks one in-flight emission. Callers that need durability
// before proceeding call Wait; fire-and-forget callers simply drop it.
type Result struct {
	done chan struct{}
	err  error
}

// Wait blocks until the emission settles or the context is cancelled,
// returning the recording error if all attempts failed.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewEmitter wires a retrying emitter around the given sink. metrics may
// be nil.
func NewEmitter(sink Logger, logger *observability.Logger, metrics *observability.Metrics, cfg EmitterConfig) *Emitter {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	return &Emitter{sink: sink, logger: logger, metrics: metrics, cfg: cfg}
}

// Emit records the event asynchronously. The emission outlives the caller's
// request context; cancellation of ctx does not abort the attempts.
func (e *Emitter) Emit(ctx context.Context, event Event) *Result {
	res := &Result{done: make(chan struct{})}

	go func() {
		defer close(res.done)
		defer observability.RecoverPanic(e.logger, "audit emit")
		res.err = e.record(&event)
	}()

	return res
}

// EmitSync records the event and blocks until it is durable or attempts
// are exhausted.
func (e *Emitter) EmitSync(ctx context.Context, event Event) error {
	res := e.Emit(ctx, event)
	return res.Wait(ctx)
}

func (e *Emitter) record(event *Event) error {
	// Detached from the request context so audit writes survive client
	// disconnects. Bounded by attempt count instead.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var lastErr error
	attempts := e.cfg.MaxRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.cfg.RetryDelay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = attempts
				continue
			}
		}

		if err := e.sink.Record(ctx, event); err != nil {
			lastErr = err
			continue
		}

		if e.metrics != nil {
			e.metrics.AuditEventsTotal.WithLabelValues(string(event.Action)).Inc()
		}
		return nil
	}

	if e.metrics != nil {
		e.metrics.AuditEmitFailures.Inc()
	}
	e.logger.WithFields(map[string]interface{}{
		"action":   string(event.Action),
		"actor_id": event.ActorID,
		"attempts": attempts,
	}).WithError(lastErr).Warn("audit event could not be recorded")

	return fmt.Errorf("failed to record audit event after %d attempts: %w", attempts, lastErr)
}
