package bulk

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/praxislabs/identity-core/pkg/storage/postgres"
)

// TargetMutator is the downstream identity store a job mutates. Resolve
// turns a selector into the concrete target list at submission time;
// Apply performs the operation on one target during execution.
//
// Apply errors wrapped with Transient are retried with backoff; anything
// else is recorded as a permanent failure.
type TargetMutator interface {
	Resolve(ctx context.Context, selector Selector) ([]string, error)
	Apply(ctx context.Context, op OperationType, targetID string, params map[string]string) error
}

// DirectoryStore mutates the user directory in PostgreSQL. Exported user
// records go to the archive bucket when one is configured.
type DirectoryStore struct {
	db      *sql.DB
	archive *postgres.S3Client
	logger  logrus.FieldLogger
}

// NewDirectoryStore creates the directory mutator. archive may be nil,
// in which case EXPORT only verifies the record.
func NewDirectoryStore(db *sql.DB, archive *postgres.S3Client, logger logrus.FieldLogger) (*DirectoryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	store := &DirectoryStore{db: db, archive: archive, logger: logger}
	if err := store.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure users table: %w", err)
	}
	return store, nil
}

func (d *DirectoryStore) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(255) PRIMARY KEY,
		email VARCHAR(255),
		organization_id VARCHAR(255),
		role VARCHAR(100),
		status VARCHAR(20) NOT NULL DEFAULT 'ACTIVE',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		deleted_at TIMESTAMP WITH TIME ZONE
	);

	CREATE INDEX IF NOT EXISTS idx_users_org_status ON users(organization_id, status);
	`

	_, err := d.db.Exec(query)
	return err
}

// Resolve expands a selector into target ids. Explicit id lists pass
// through deduped; filters query the directory.
func (d *DirectoryStore) Resolve(ctx context.Context, selector Selector) ([]string, error) {
	if len(selector.IDs) > 0 {
		seen := make(map[string]struct{}, len(selector.IDs))
		ids := make([]string, 0, len(selector.IDs))
		for _, id := range selector.IDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		return ids, nil
	}

	query := `SELECT id FROM users WHERE deleted_at IS NULL`
	args := []interface{}{}
	argCount := 1

	for _, key := range []string{"organization_id", "role", "status"} {
		value, ok := selector.Filter[key]
		if !ok {
			continue
		}
		query += fmt.Sprintf(" AND %s = $%d", key, argCount)
		args = append(args, value)
		argCount++
	}
	if len(args) != len(selector.Filter) {
		return nil, fmt.Errorf("selector filter supports organization_id, role and status only")
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("selector filter must not be empty")
	}

	query += ` ORDER BY id`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to resolve selector: %w", err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan target id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Apply performs one operation on one user.
func (d *DirectoryStore) Apply(ctx context.Context, op OperationType, targetID string, params map[string]string) error {
	switch op {
	case OpSuspend:
		return d.setStatus(ctx, targetID, "SUSPENDED")
	case OpActivate:
		return d.setStatus(ctx, targetID, "ACTIVE")
	case OpDelete:
		return d.softDelete(ctx, targetID)
	case OpRoleChange:
		role, ok := params["role"]
		if !ok || role == "" {
			return fmt.Errorf("role change requires a role parameter")
		}
		return d.setRole(ctx, targetID, role)
	case OpExport:
		return d.export(ctx, targetID)
	default:
		return fmt.Errorf("unsupported operation type: %s", op)
	}
}

func (d *DirectoryStore) setStatus(ctx context.Context, targetID, status string) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE users SET status = $1, updated_at = NOW() WHERE id = $2 AND deleted_at IS NULL`,
		status, targetID,
	)
	return d.checkMutation(result, err, targetID)
}

func (d *DirectoryStore) setRole(ctx context.Context, targetID, role string) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE users SET role = $1, updated_at = NOW() WHERE id = $2 AND deleted_at IS NULL`,
		role, targetID,
	)
	return d.checkMutation(result, err, targetID)
}

func (d *DirectoryStore) softDelete(ctx context.Context, targetID string) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE users SET status = 'DELETED', deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`,
		targetID,
	)
	return d.checkMutation(result, err, targetID)
}

func (d *DirectoryStore) export(ctx context.Context, targetID string) error {
	var record struct {
		ID             string     `json:"id"`
		Email          string     `json:"email,omitempty"`
		OrganizationID string     `json:"organization_id,omitempty"`
		Role           string     `json:"role,omitempty"`
		Status         string     `json:"status"`
		CreatedAt      time.Time  `json:"created_at"`
		DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	}

	var email, orgID, role sql.NullString
	var deletedAt sql.NullTime

	err := d.db.QueryRowContext(ctx,
		`SELECT id, email, organization_id, role, status, created_at, deleted_at FROM users WHERE id = $1`,
		targetID,
	).Scan(&record.ID, &email, &orgID, &role, &record.Status, &record.CreatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("user %s not found", targetID)
	}
	if err != nil {
		return Transient(fmt.Errorf("failed to read user %s: %w", targetID, err))
	}

	record.Email = email.String
	record.OrganizationID = orgID.String
	record.Role = role.String
	if deletedAt.Valid {
		record.DeletedAt = &deletedAt.Time
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal user %s: %w", targetID, err)
	}

	if d.archive == nil {
		d.logger.WithField("target_id", targetID).Warn("no archive bucket configured, export verified only")
		return nil
	}

	key := fmt.Sprintf("exports/users/%s.json", targetID)
	if err := d.archive.PutObject(ctx, key, bytes.NewReader(payload), "application/json"); err != nil {
		return Transient(fmt.Errorf("failed to upload export for %s: %w", targetID, err))
	}
	return nil
}

func (d *DirectoryStore) checkMutation(result sql.Result, err error, targetID string) error {
	if err != nil {
		return Transient(fmt.Errorf("failed to mutate user %s: %w", targetID, err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Transient(fmt.Errorf("failed to mutate user %s: %w", targetID, err))
	}
	if affected == 0 {
		return fmt.Errorf("user %s not found", targetID)
	}
	return nil
}
