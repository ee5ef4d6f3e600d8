package bulk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store persists jobs and their per-target results. The orchestrator is
// the only writer of job state after creation.
type Store interface {
	// CreateJob inserts the job unless an active job with the same
	// fingerprint exists, in which case that job is returned with
	// created=false.
	CreateJob(ctx context.Context, job *Job) (stored *Job, created bool, err error)

	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error)

	// ClaimQueued atomically moves the oldest queued job to RUNNING and
	// returns it, or (nil, nil) when the queue is empty.
	ClaimQueued(ctx context.Context, startedAt time.Time) (*Job, error)

	// RequestCancel flags an active job for cancellation.
	RequestCancel(ctx context.Context, id string) error

	// CancelRequested re-reads the cancellation flag.
	CancelRequested(ctx context.Context, id string) (bool, error)

	// RecordItem appends one target outcome at the given position.
	RecordItem(ctx context.Context, jobID string, position int, result ItemResult) error

	// FinishJob stores the terminal status.
	FinishJob(ctx context.Context, jobID string, status Status, completedAt time.Time) error

	// ReapStalled requeues jobs stuck in RUNNING longer than maxAge,
	// returning the affected ids. Used by the janitor after a crashed
	// worker.
	ReapStalled(ctx context.Context, maxAge time.Duration, now time.Time) ([]string, error)
}

// ListFilter narrows ListJobs. Zero values mean "any".
type ListFilter struct {
	RequesterID string
	Status      Status
	Operation   OperationType
	Limit       int
}

// SQLStore is the PostgreSQL Store.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates the store and ensures its tables exist.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	store := &SQLStore{db: db}
	if err := store.ensureTables(); err != nil {
		return nil, fmt.Errorf("failed to ensure bulk job tables: %w", err)
	}
	return store, nil
}

func (s *SQLStore) ensureTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS bulk_jobs (
		id UUID PRIMARY KEY,
		requester_id VARCHAR(255) NOT NULL,
		operation VARCHAR(20) NOT NULL,
		selector JSONB NOT NULL,
		params JSONB,
		fingerprint CHAR(64) NOT NULL,
		status VARCHAR(20) NOT NULL,
		targets TEXT[] NOT NULL,
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		started_at TIMESTAMP WITH TIME ZONE,
		completed_at TIMESTAMP WITH TIME ZONE
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_bulk_jobs_active_fingerprint
		ON bulk_jobs(fingerprint) WHERE status IN ('QUEUED', 'RUNNING');
	CREATE INDEX IF NOT EXISTS idx_bulk_jobs_status_created ON bulk_jobs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_bulk_jobs_requester ON bulk_jobs(requester_id);

	CREATE TABLE IF NOT EXISTS bulk_job_items (
		job_id UUID NOT NULL REFERENCES bulk_jobs(id),
		position INTEGER NOT NULL,
		target_id VARCHAR(255) NOT NULL,
		outcome VARCHAR(20) NOT NULL,
		error TEXT,
		attempts INTEGER NOT NULL,
		PRIMARY KEY (job_id, position)
	);
	`

	_, err := s.db.Exec(query)
	return err
}

func (s *SQLStore) CreateJob(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.Status = StatusQueued

	selectorJSON, err := json.Marshal(job.Selector)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal selector: %w", err)
	}
	var paramsJSON []byte
	if job.Params != nil {
		paramsJSON, err = json.Marshal(job.Params)
		if err != nil {
			return nil, false, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	// The partial unique index turns the dedup check and the insert into
	// one atomic statement.
	query := `
		INSERT INTO bulk_jobs (
			id, requester_id, operation, selector, params,
			fingerprint, status, targets, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, 'QUEUED', $7, $8)
		ON CONFLICT (fingerprint) WHERE status IN ('QUEUED', 'RUNNING') DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		job.ID, job.RequesterID, job.Operation, selectorJSON, paramsJSON,
		job.Fingerprint, pq.Array(job.Targets), job.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create bulk job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to create bulk job: %w", err)
	}
	if affected > 0 {
		return job, true, nil
	}

	existing, err := s.findActiveByFingerprint(ctx, job.Fingerprint)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *SQLStore) findActiveByFingerprint(ctx context.Context, fingerprint string) (*Job, error) {
	query := selectJobQuery + ` WHERE fingerprint = $1 AND status IN ('QUEUED', 'RUNNING')`

	row := s.db.QueryRowContext(ctx, query, fingerprint)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		// The duplicate finished between our insert and this read. Rare
		// enough that reporting it as a conflict to retry is fine.
		return nil, fmt.Errorf("concurrent bulk job with fingerprint %s completed mid-submission", fingerprint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bulk job: %w", err)
	}
	return job, nil
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, selectJobQuery+` WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bulk job: %w", err)
	}

	if err := s.loadItems(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *SQLStore) loadItems(ctx context.Context, job *Job) error {
	query := `
		SELECT target_id, outcome, error, attempts
		FROM bulk_job_items
		WHERE job_id = $1
		ORDER BY position
	`

	rows, err := s.db.QueryContext(ctx, query, job.ID)
	if err != nil {
		return fmt.Errorf("failed to load bulk job items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item ItemResult
		var itemErr sql.NullString
		if err := rows.Scan(&item.TargetID, &item.Outcome, &itemErr, &item.Attempts); err != nil {
			return fmt.Errorf("failed to scan bulk job item: %w", err)
		}
		item.Error = itemErr.String
		job.Results = append(job.Results, item)
	}
	return rows.Err()
}

func (s *SQLStore) ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error) {
	query := selectJobQuery + ` WHERE 1=1`
	args := []interface{}{}
	argCount := 1

	if filter.RequesterID != "" {
		query += fmt.Sprintf(" AND requester_id = $%d", argCount)
		args = append(args, filter.RequesterID)
		argCount++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, string(filter.Status))
		argCount++
	}
	if filter.Operation != "" {
		query += fmt.Sprintf(" AND operation = $%d", argCount)
		args = append(args, string(filter.Operation))
		argCount++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argCount)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bulk jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bulk job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLStore) ClaimQueued(ctx context.Context, startedAt time.Time) (*Job, error) {
	query := `
		UPDATE bulk_jobs
		SET status = 'RUNNING', started_at = $1
		WHERE id = (
			SELECT id FROM bulk_jobs
			WHERE status = 'QUEUED'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	row := s.db.QueryRowContext(ctx, query, startedAt)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim bulk job: %w", err)
	}
	return job, nil
}

func (s *SQLStore) RequestCancel(ctx context.Context, id string) error {
	query := `
		UPDATE bulk_jobs
		SET cancel_requested = TRUE
		WHERE id = $1 AND status IN ('QUEUED', 'RUNNING')
	`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to request bulk job cancellation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to request bulk job cancellation: %w", err)
	}
	if affected > 0 {
		return nil
	}

	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrNotCancellable
}

func (s *SQLStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag bool
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM bulk_jobs WHERE id = $1`, id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancellation flag: %w", err)
	}
	return flag, nil
}

func (s *SQLStore) RecordItem(ctx context.Context, jobID string, position int, result ItemResult) error {
	query := `
		INSERT INTO bulk_job_items (job_id, position, target_id, outcome, error, attempts)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.db.ExecContext(ctx, query,
		jobID, position, result.TargetID, string(result.Outcome), nullable(result.Error), result.Attempts,
	)
	if err != nil {
		return fmt.Errorf("failed to record bulk job item: %w", err)
	}
	return nil
}

func (s *SQLStore) FinishJob(ctx context.Context, jobID string, status Status, completedAt time.Time) error {
	query := `
		UPDATE bulk_jobs
		SET status = $1, completed_at = $2
		WHERE id = $3 AND status = 'RUNNING'
	`

	result, err := s.db.ExecContext(ctx, query, string(status), completedAt, jobID)
	if err != nil {
		return fmt.Errorf("failed to finish bulk job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish bulk job: %w", err)
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLStore) ReapStalled(ctx context.Context, maxAge time.Duration, now time.Time) ([]string, error) {
	query := `
		UPDATE bulk_jobs
		SET status = 'QUEUED', started_at = NULL
		WHERE status = 'RUNNING' AND started_at < $1
		RETURNING id
	`

	rows, err := s.db.QueryContext(ctx, query, now.Add(-maxAge))
	if err != nil {
		return nil, fmt.Errorf("failed to reap stalled bulk jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return ids, fmt.Errorf("failed to scan stalled job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const jobColumns = `
	id, requester_id, operation, selector, params,
	fingerprint, status, targets, cancel_requested,
	created_at, started_at, completed_at`

const selectJobQuery = `SELECT ` + jobColumns + ` FROM bulk_jobs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job          Job
		selectorJSON []byte
		paramsJSON   []byte
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)

	err := row.Scan(
		&job.ID, &job.RequesterID, &job.Operation, &selectorJSON, &paramsJSON,
		&job.Fingerprint, &job.Status, pq.Array(&job.Targets), &job.CancelRequested,
		&job.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(selectorJSON, &job.Selector); err != nil {
		return nil, fmt.Errorf("failed to unmarshal selector: %w", err)
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}

	return &job, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
