package bulk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/praxislabs/identity-core/pkg/audit"
	"github.com/praxislabs/identity-core/pkg/config"
	"github.com/praxislabs/identity-core/pkg/observability"
)

const (
	pollInterval     = 2 * time.Second
	perTargetTimeout = 30 * time.Second
	stalledJobAge    = 30 * time.Minute
	claimLockKey     = "bulk:claim-leader"
)

// ClaimLocker is the distributed lock used to serialize job claiming
// across service instances. Satisfied by the storage redis client.
type ClaimLocker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// Orchestrator accepts job submissions and runs the worker loop that
// executes them. It is the only writer of job state.
type Orchestrator struct {
	store   Store
	mutator TargetMutator
	locker  ClaimLocker
	emitter *audit.Emitter
	logger  logrus.FieldLogger
	metrics *observability.Metrics
	cfg     config.BulkConfig

	// global bounds per-target work across all in-flight jobs.
	global     *semaphore.Weighted
	instanceID string

	now func() time.Time
}

// NewOrchestrator wires the orchestrator. locker and metrics may be nil;
// a nil locker skips cross-instance claim serialization.
func NewOrchestrator(store Store, mutator TargetMutator, locker ClaimLocker, emitter *audit.Emitter, logger logrus.FieldLogger, metrics *observability.Metrics, cfg config.BulkConfig) (*Orchestrator, error) {
	if store == nil || mutator == nil || emitter == nil {
		return nil, fmt.Errorf("store, mutator and audit emitter are required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 8
	}
	if cfg.GlobalCeiling < cfg.WorkerCount {
		cfg.GlobalCeiling = cfg.WorkerCount
	}
	if cfg.MaxTargets <= 0 {
		cfg.MaxTargets = 10000
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.ClaimLockTimeout <= 0 {
		cfg.ClaimLockTimeout = 30 * time.Second
	}

	return &Orchestrator{
		store:      store,
		mutator:    mutator,
		locker:     locker,
		emitter:    emitter,
		logger:     logger,
		metrics:    metrics,
		cfg:        cfg,
		global:     semaphore.NewWeighted(int64(cfg.GlobalCeiling)),
		instanceID: uuid.NewString(),
		now:        time.Now,
	}, nil
}

// Submit validates and enqueues a job. A submission whose fingerprint
// matches a queued or running job returns that job with created=false.
func (o *Orchestrator) Submit(ctx context.Context, requesterID string, op OperationType, selector Selector, params map[string]string) (*Job, bool, error) {
	if requesterID == "" {
		return nil, false, fmt.Errorf("requester is required")
	}
	if selector.Empty() {
		return nil, false, ErrNoTargets
	}

	targets, err := o.mutator.Resolve(ctx, selector)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve targets: %w", err)
	}
	if len(targets) == 0 {
		return nil, false, ErrNoTargets
	}
	if len(targets) > o.cfg.MaxTargets {
		return nil, false, fmt.Errorf("%w: %d targets, limit %d", ErrTooManyTargets, len(targets), o.cfg.MaxTargets)
	}

	job := &Job{
		RequesterID: requesterID,
		Operation:   op,
		Selector:    selector,
		Params:      params,
		Fingerprint: Fingerprint(op, selector, requesterID),
		Targets:     targets,
		CreatedAt:   o.now().UTC(),
	}

	stored, created, err := o.store.CreateJob(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if !created {
		o.logger.WithFields(logrus.Fields{
			"job_id":      stored.ID,
			"fingerprint": stored.Fingerprint,
		}).Info("bulk submission deduplicated onto existing job")
		return stored, false, nil
	}

	o.countJob(op, "submitted")

	res := o.emitter.Emit(ctx, audit.Event{
		Action:    audit.ActionBulkJobSubmitted,
		ActorID:   requesterID,
		TargetIDs: targets,
		Metadata: map[string]interface{}{
			"job_id":    stored.ID,
			"operation": string(op),
			"targets":   len(targets),
		},
	})
	if err := res.Wait(ctx); err != nil {
		o.logger.WithError(err).WithField("job_id", stored.ID).Warn("bulk submission recorded without durable audit event")
	}

	return stored, true, nil
}

// Get returns a job with its per-target results.
func (o *Orchestrator) Get(ctx context.Context, jobID string) (*Job, error) {
	return o.store.GetJob(ctx, jobID)
}

// List returns jobs matching the filter, newest first.
func (o *Orchestrator) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	return o.store.ListJobs(ctx, filter)
}

// Cancel flags a job for cancellation. The worker observes the flag
// between targets; work already dispatched completes.
func (o *Orchestrator) Cancel(ctx context.Context, actorID, jobID string) error {
	if err := o.store.RequestCancel(ctx, jobID); err != nil {
		return err
	}

	o.emitter.Emit(ctx, audit.Event{
		Action:  audit.ActionBulkJobCancelled,
		ActorID: actorID,
		Metadata: map[string]interface{}{
			"job_id": jobID,
		},
	})
	return nil
}

// Run is the worker loop. It polls for queued jobs until ctx is
// cancelled and executes one job at a time per instance; concurrency
// lives at the target level.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	o.logger.WithFields(logrus.Fields{
		"workers":        o.cfg.WorkerCount,
		"global_ceiling": o.cfg.GlobalCeiling,
	}).Info("bulk worker loop started")

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("bulk worker loop stopped")
			return
		case <-ticker.C:
			o.runOnce(ctx)
		}
	}
}

func (o *Orchestrator) runOnce(ctx context.Context) {
	job, err := o.claim(ctx)
	if err != nil {
		o.logger.WithError(err).Warn("failed to claim bulk job")
		return
	}
	if job == nil {
		return
	}

	o.execute(ctx, job)
}

func (o *Orchestrator) claim(ctx context.Context) (*Job, error) {
	if o.locker != nil {
		acquired, err := o.locker.SetNX(ctx, claimLockKey, o.instanceID, o.cfg.ClaimLockTimeout)
		if err != nil {
			// Redis being down must not halt job processing; the store
			// claim is atomic on its own.
			o.logger.WithError(err).Warn("claim lock unavailable, proceeding on store claim only")
		} else if !acquired {
			return nil, nil
		} else {
			defer func() {
				if err := o.locker.Del(ctx, claimLockKey); err != nil {
					o.logger.WithError(err).Warn("failed to release claim lock")
				}
			}()
		}
	}

	return o.store.ClaimQueued(ctx, o.now().UTC())
}

func (o *Orchestrator) execute(ctx context.Context, job *Job) {
	start := o.now()
	logger := o.logger.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"operation": string(job.Operation),
		"targets":   len(job.Targets),
	})
	logger.Info("bulk job started")

	if o.metrics != nil {
		o.metrics.BulkJobsInFlight.Inc()
		defer o.metrics.BulkJobsInFlight.Dec()
	}
	o.countJob(job.Operation, "started")

	o.emitter.Emit(ctx, audit.Event{
		Action:  audit.ActionBulkJobStarted,
		ActorID: job.RequesterID,
		Metadata: map[string]interface{}{
			"job_id": job.ID,
		},
	})

	results := make([]ItemResult, len(job.Targets))
	cancelled := false

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.cfg.WorkerCount)

	for i, targetID := range job.Targets {
		// Cancellation is observed between targets, never mid-target.
		if !cancelled && o.cancelRequested(ctx, job.ID) {
			cancelled = true
		}
		if cancelled {
			results[i] = ItemResult{TargetID: targetID, Outcome: ItemCancelled}
			continue
		}

		i, targetID := i, targetID
		group.Go(func() error {
			if err := o.global.Acquire(groupCtx, 1); err != nil {
				results[i] = ItemResult{TargetID: targetID, Outcome: ItemCancelled}
				return nil
			}
			defer o.global.Release(1)

			results[i] = o.applyWithRetry(groupCtx, job, targetID)
			return nil
		})
	}

	group.Wait()

	o.record(ctx, job, results)

	status := finalStatus(results)
	completedAt := o.now().UTC()
	if err := o.store.FinishJob(ctx, job.ID, status, completedAt); err != nil {
		logger.WithError(err).Error("failed to persist bulk job completion")
	}

	o.countJob(job.Operation, string(status))
	if o.metrics != nil {
		o.metrics.BulkJobDuration.WithLabelValues(string(job.Operation)).Observe(o.now().Sub(start).Seconds())
	}

	succeeded, failed, cancelledCount := tally(results)
	logger.WithFields(logrus.Fields{
		"status":    string(status),
		"succeeded": succeeded,
		"failed":    failed,
		"cancelled": cancelledCount,
	}).Info("bulk job finished")

	res := o.emitter.Emit(ctx, audit.Event{
		Action:    audit.ActionBulkJobCompleted,
		ActorID:   job.RequesterID,
		TargetIDs: job.Targets,
		Metadata: map[string]interface{}{
			"job_id":    job.ID,
			"status":    string(status),
			"succeeded": succeeded,
			"failed":    failed,
			"cancelled": cancelledCount,
		},
	})
	if err := res.Wait(ctx); err != nil {
		logger.WithError(err).Warn("bulk completion recorded without durable audit event")
	}
}

func (o *Orchestrator) cancelRequested(ctx context.Context, jobID string) bool {
	flag, err := o.store.CancelRequested(ctx, jobID)
	if err != nil {
		o.logger.WithError(err).WithField("job_id", jobID).Warn("failed to read cancellation flag")
		return false
	}
	return flag
}

// applyWithRetry runs one target with the per-target timeout and the
// transient-retry budget.
func (o *Orchestrator) applyWithRetry(ctx context.Context, job *Job, targetID string) ItemResult {
	result := ItemResult{TargetID: targetID}

	attempts := o.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if o.metrics != nil {
				o.metrics.BulkRetriesTotal.WithLabelValues(string(job.Operation)).Inc()
			}
			select {
			case <-time.After(o.backoff(attempt)):
			case <-ctx.Done():
				result.Outcome = ItemCancelled
				result.Attempts = attempt
				return result
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, perTargetTimeout)
		err := o.mutator.Apply(attemptCtx, job.Operation, targetID, job.Params)
		cancel()

		result.Attempts = attempt + 1

		if err == nil {
			result.Outcome = ItemSucceeded
			return result
		}

		result.Error = err.Error()
		if !IsTransient(err) {
			break
		}
	}

	result.Outcome = ItemFailed
	return result
}

// backoff is exponential from the base delay, capped at the max.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	delay := o.cfg.RetryBaseDelay << (attempt - 1)
	if delay > o.cfg.RetryMaxDelay || delay <= 0 {
		return o.cfg.RetryMaxDelay
	}
	return delay
}

// record persists per-target outcomes in target order and audits each.
func (o *Orchestrator) record(ctx context.Context, job *Job, results []ItemResult) {
	for i, result := range results {
		if err := o.store.RecordItem(ctx, job.ID, i, result); err != nil {
			o.logger.WithError(err).WithFields(logrus.Fields{
				"job_id":    job.ID,
				"target_id": result.TargetID,
			}).Error("failed to record bulk item result")
		}

		if o.metrics != nil {
			o.metrics.BulkItemsTotal.WithLabelValues(string(job.Operation), string(result.Outcome)).Inc()
		}

		outcome := audit.OutcomeSuccess
		switch result.Outcome {
		case ItemSucceeded:
		case ItemCancelled:
			outcome = audit.OutcomeCancelled
		default:
			outcome = audit.OutcomeFailure
		}
		o.emitter.Emit(ctx, audit.Event{
			Action:    audit.ActionBulkItemApplied,
			Outcome:   outcome,
			ActorID:   job.RequesterID,
			TargetIDs: []string{result.TargetID},
			Reason:    result.Error,
			Metadata: map[string]interface{}{
				"job_id":    job.ID,
				"operation": string(job.Operation),
				"outcome":   string(result.Outcome),
				"attempts":  result.Attempts,
			},
		})
	}
}

// Janitor requeues jobs a crashed worker left in RUNNING. Scheduled via
// cron in the main binary.
func (o *Orchestrator) Janitor(ctx context.Context) error {
	ids, err := o.store.ReapStalled(ctx, stalledJobAge, o.now().UTC())
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		o.logger.WithField("jobs", ids).Warn("requeued stalled bulk jobs")
	}
	return nil
}

func (o *Orchestrator) countJob(op OperationType, status string) {
	if o.metrics != nil {
		o.metrics.BulkJobsTotal.WithLabelValues(string(op), status).Inc()
	}
}

// finalStatus folds per-target outcomes into the job status: SUCCEEDED
// only when every target succeeded, FAILED when none did, PARTIAL for
// anything in between (including a cancellation with some work done).
func finalStatus(results []ItemResult) Status {
	succeeded, _, _ := tally(results)
	switch {
	case succeeded == len(results):
		return StatusSucceeded
	case succeeded == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

func tally(results []ItemResult) (succeeded, failed, cancelled int) {
	for _, r := range results {
		switch r.Outcome {
		case ItemSucceeded:
			succeeded++
		case ItemCancelled:
			cancelled++
		default:
			failed++
		}
	}
	return
}
