package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// DBLogger persists audit events to PostgreSQL.
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a database-backed audit logger and ensures the
// backing table exists.
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{db: db}

	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_events table: %w", err)
	}

	return logger, nil
}

func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id UUID PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		action VARCHAR(100) NOT NULL,
		outcome VARCHAR(20) NOT NULL,
		actor_id VARCHAR(255) NOT NULL,
		organization_id VARCHAR(255),
		target_ids TEXT[],
		request_id VARCHAR(100),
		session_id VARCHAR(255),
		ip_address VARCHAR(45),
		reason TEXT,
		metadata JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_audit_events_ts_id ON audit_events(timestamp DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events(actor_id);
	CREATE INDEX IF NOT EXISTS idx_audit_events_org ON audit_events(organization_id);
	CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action);
	CREATE INDEX IF NOT EXISTS idx_audit_events_targets ON audit_events USING GIN(target_ids);
	`

	_, err := l.db.Exec(query)
	return err
}

// Record stores the event. ID and Timestamp are assigned when empty so
// callers can hand over bare events.
func (l *DBLogger) Record(ctx context.Context, event *Event) error {
	if event.Action == "" {
		return fmt.Errorf("audit event requires an action")
	}
	if event.ActorID == "" {
		return fmt.Errorf("audit event requires an actor id")
	}
	normalizeEvent(event)

	var metadataJSON []byte
	if event.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO audit_events (
			id, timestamp, action, outcome,
			actor_id, organization_id, target_ids,
			request_id, session_id, ip_address,
			reason, metadata
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12
		)
	`

	_, err := l.db.ExecContext(ctx, query,
		event.ID, event.Timestamp, event.Action, event.Outcome,
		event.ActorID, nullable(event.OrganizationID), pq.Array(event.TargetIDs),
		nullable(event.RequestID), nullable(event.SessionID), nullable(event.IPAddress),
		nullable(event.Reason), metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	return nil
}

// Query returns events matching the filter in descending (timestamp, id)
// order. The returned page carries a cursor for the next page when more
// events remain.
func (l *DBLogger) Query(ctx context.Context, filter Filter, cursor string, limit int) (*Page, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT
			id, timestamp, action, outcome,
			actor_id, organization_id, target_ids,
			request_id, session_id, ip_address,
			reason, metadata
		FROM audit_events
		WHERE 1=1
	`

	args := []interface{}{}
	argCount := 1

	if filter.ActorID != "" {
		query += fmt.Sprintf(" AND actor_id = $%d", argCount)
		args = append(args, filter.ActorID)
		argCount++
	}

	if filter.OrganizationID != "" {
		query += fmt.Sprintf(" AND organization_id = $%d", argCount)
		args = append(args, filter.OrganizationID)
		argCount++
	}

	if filter.TargetID != "" {
		query += fmt.Sprintf(" AND $%d = ANY(target_ids)", argCount)
		args = append(args, filter.TargetID)
		argCount++
	}

	if len(filter.Actions) > 0 {
		actions := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			actions[i] = string(a)
		}
		query += fmt.Sprintf(" AND action = ANY($%d)", argCount)
		args = append(args, pq.Array(actions))
		argCount++
	}

	if filter.Outcome != "" {
		query += fmt.Sprintf(" AND outcome = $%d", argCount)
		args = append(args, string(filter.Outcome))
		argCount++
	}

	if !filter.StartTime.IsZero() {
		query += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, filter.StartTime)
		argCount++
	}

	if !filter.EndTime.IsZero() {
		query += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, filter.EndTime)
		argCount++
	}

	if cursor != "" {
		cur, err := DecodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		query += fmt.Sprintf(" AND (timestamp, id) < ($%d, $%d)", argCount, argCount+1)
		args = append(args, cur.Timestamp, cur.ID)
		argCount += 2
	}

	// Fetch one extra row to learn whether another page exists.
	query += fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT $%d", argCount)
	args = append(args, limit+1)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit events: %w", err)
	}

	page := &Page{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		last := page.Events[limit-1]
		page.NextCursor = Cursor{Timestamp: last.Timestamp, ID: last.ID}.Encode()
	}

	return page, nil
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	var (
		event        Event
		orgID        sql.NullString
		requestID    sql.NullString
		sessionID    sql.NullString
		ipAddress    sql.NullString
		reason       sql.NullString
		metadataJSON []byte
	)

	err := rows.Scan(
		&event.ID, &event.Timestamp, &event.Action, &event.Outcome,
		&event.ActorID, &orgID, pq.Array(&event.TargetIDs),
		&requestID, &sessionID, &ipAddress,
		&reason, &metadataJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit event: %w", err)
	}

	event.OrganizationID = orgID.String
	event.RequestID = requestID.String
	event.SessionID = sessionID.String
	event.IPAddress = ipAddress.String
	event.Reason = reason.String

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &event, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
