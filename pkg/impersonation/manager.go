package impersonation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/praxislabs/identity-core/pkg/audit"
	"github.com/praxislabs/identity-core/pkg/config"
	"github.com/praxislabs/identity-core/pkg/observability"
)

// Manager owns the session lifecycle. It is the only writer of session
// rows; callers interact through Start, Stop, Resolve and the read
// accessors.
type Manager struct {
	db      *sql.DB
	cfg     config.ImpersonationConfig
	signer  *signer
	emitter *audit.Emitter
	logger  *observability.Logger
	metrics *observability.Metrics

	now func() time.Time
}

// NewManager creates a session manager and ensures the backing table
// exists. metrics may be nil.
func NewManager(db *sql.DB, cfg config.ImpersonationConfig, emitter *audit.Emitter, logger *observability.Logger, metrics *observability.Metrics) (*Manager, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if emitter == nil {
		return nil, fmt.Errorf("audit emitter is required")
	}

	sgn, err := newSigner(cfg.SigningSecret)
	if err != nil {
		return nil, err
	}

	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 30 * time.Minute
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = 4 * time.Hour
	}

	m := &Manager{
		db:      db,
		cfg:     cfg,
		signer:  sgn,
		emitter: emitter,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}

	if err := m.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure impersonation_sessions table: %w", err)
	}

	return m, nil
}

func (m *Manager) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS impersonation_sessions (
		id UUID PRIMARY KEY,
		actor_user_id VARCHAR(255) NOT NULL,
		target_user_id VARCHAR(255) NOT NULL,
		organization_id VARCHAR(255),
		reason TEXT,
		issued_at TIMESTAMP WITH TIME ZONE NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		status VARCHAR(20) NOT NULL,
		stopped_at TIMESTAMP WITH TIME ZONE,
		stop_reason TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_impersonation_one_active ON impersonation_sessions(target_user_id) WHERE status = 'ACTIVE';
	CREATE INDEX IF NOT EXISTS idx_impersonation_actor ON impersonation_sessions(actor_user_id);
	CREATE INDEX IF NOT EXISTS idx_impersonation_expires ON impersonation_sessions(expires_at) WHERE status = 'ACTIVE';
	`

	_, err := m.db.Exec(query)
	return err
}

// Start grants a session for target on behalf of actor and returns the
// session together with its opaque token. The partial unique index on
// (target_user_id) WHERE status = 'ACTIVE' arbitrates concurrent starts:
// exactly one insert lands, the rest see zero rows affected.
func (m *Manager) Start(ctx context.Context, actorID, targetID, orgID, reason string, ttl time.Duration) (*Session, string, error) {
	if actorID == "" || targetID == "" {
		return nil, "", fmt.Errorf("actor and target are required")
	}
	if actorID == targetID {
		return nil, "", ErrSelfImpersonation
	}

	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	if ttl > m.cfg.MaxTTL {
		ttl = m.cfg.MaxTTL
	}

	now := m.now().UTC()
	session := &Session{
		ID:             uuid.NewString(),
		ActorUserID:    actorID,
		TargetUserID:   targetID,
		OrganizationID: orgID,
		Reason:         reason,
		IssuedAt:       now,
		ExpiresAt:      now.Add(ttl),
		Status:         StatusActive,
	}

	// A stale ACTIVE row the sweep has not visited yet would hold the
	// unique index slot forever, so lazy expiry runs before the insert.
	if _, err := m.expireStaleForTarget(ctx, targetID, now); err != nil {
		return nil, "", err
	}

	query := `
		INSERT INTO impersonation_sessions (
			id, actor_user_id, target_user_id, organization_id,
			reason, issued_at, expires_at, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'ACTIVE')
		ON CONFLICT (target_user_id) WHERE status = 'ACTIVE' DO NOTHING
	`

	result, err := m.db.ExecContext(ctx, query,
		session.ID, session.ActorUserID, session.TargetUserID, nullable(session.OrganizationID),
		nullable(session.Reason), session.IssuedAt, session.ExpiresAt,
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create impersonation session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, "", fmt.Errorf("failed to create impersonation session: %w", err)
	}
	if affected == 0 {
		m.countStart("conflict")
		m.emitter.Emit(ctx, audit.Event{
			Action:         audit.ActionImpersonationRefused,
			Outcome:        audit.OutcomeDenied,
			ActorID:        actorID,
			OrganizationID: orgID,
			TargetIDs:      []string{targetID},
			Reason:         "target already has an active session",
		})
		return nil, "", ErrAlreadyImpersonating
	}

	token := m.signer.sign(TokenClaims{
		SessionID:    session.ID,
		ActorUserID:  session.ActorUserID,
		TargetUserID: session.TargetUserID,
		ExpiresAt:    session.ExpiresAt,
	})

	m.countStart("started")
	if m.metrics != nil {
		m.metrics.ImpersonationSessionsActive.Inc()
	}

	res := m.emitter.Emit(ctx, audit.Event{
		Action:         audit.ActionImpersonationStart,
		ActorID:        actorID,
		OrganizationID: orgID,
		TargetIDs:      []string{targetID},
		SessionID:      session.ID,
		Reason:         reason,
		Metadata: map[string]interface{}{
			"expires_at": session.ExpiresAt.Format(time.RFC3339),
		},
	})
	if err := res.Wait(ctx); err != nil {
		m.logger.WithError(err).WithField("session_id", session.ID).Warn("impersonation start recorded without durable audit event")
	}

	return session, token, nil
}

// Stop ends an active session. Only the original actor, or a caller the
// handler has vetted for the override capability, may stop it.
func (m *Manager) Stop(ctx context.Context, actorID, targetID, sessionID, reason string, hasOverride bool) error {
	session, err := m.lookup(ctx, sessionID, targetID)
	if err != nil {
		return err
	}

	now := m.now().UTC()

	if session.Status != StatusActive {
		return ErrSessionNotFound
	}
	if session.Expired(now) {
		// Lazy expiry observed on the stop path. Persist it and report
		// the session gone.
		if _, err := m.expireSession(ctx, session, now); err != nil {
			return err
		}
		return ErrSessionNotFound
	}

	if session.ActorUserID != actorID && !hasOverride {
		m.emitter.Emit(ctx, audit.Event{
			Action:         audit.ActionImpersonationStop,
			Outcome:        audit.OutcomeDenied,
			ActorID:        actorID,
			OrganizationID: session.OrganizationID,
			TargetIDs:      []string{targetID},
			SessionID:      sessionID,
			Reason:         "caller is not the session actor and holds no override",
		})
		return ErrNotAuthorized
	}

	query := `
		UPDATE impersonation_sessions
		SET status = 'STOPPED', stopped_at = $1, stop_reason = $2
		WHERE id = $3 AND target_user_id = $4 AND status = 'ACTIVE'
	`

	result, err := m.db.ExecContext(ctx, query, now, nullable(reason), sessionID, targetID)
	if err != nil {
		return fmt.Errorf("failed to stop impersonation session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to stop impersonation session: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}

	if m.metrics != nil {
		m.metrics.ImpersonationSessionsEnded.WithLabelValues("stopped").Inc()
		m.metrics.ImpersonationSessionsActive.Dec()
	}

	res := m.emitter.Emit(ctx, audit.Event{
		Action:         audit.ActionImpersonationStop,
		ActorID:        actorID,
		OrganizationID: session.OrganizationID,
		TargetIDs:      []string{targetID},
		SessionID:      sessionID,
		Reason:         reason,
		Metadata: map[string]interface{}{
			"session_actor": session.ActorUserID,
			"overridden":    session.ActorUserID != actorID,
		},
	})
	if err := res.Wait(ctx); err != nil {
		m.logger.WithError(err).WithField("session_id", sessionID).Warn("impersonation stop recorded without durable audit event")
	}

	return nil
}

// Resolve verifies a session token and returns the live session it names.
// A stopped or expired session fails resolution even if the token itself
// is intact.
func (m *Manager) Resolve(ctx context.Context, token string) (*Session, error) {
	claims, err := m.signer.verify(token)
	if err != nil {
		return nil, err
	}

	session, err := m.lookup(ctx, claims.SessionID, claims.TargetUserID)
	if err != nil {
		return nil, err
	}
	if session.ActorUserID != claims.ActorUserID {
		return nil, ErrInvalidToken
	}
	if session.Status != StatusActive || session.Expired(m.now().UTC()) {
		return nil, ErrSessionNotFound
	}

	return session, nil
}

// Get returns a session by id with lazy expiry applied to the reported
// status.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	session, err := m.lookup(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}
	if session.Status == StatusActive && session.Expired(m.now().UTC()) {
		session.Status = StatusExpired
	}
	return session, nil
}

// ActiveForTarget returns the target's active session, or ErrSessionNotFound
// when none exists.
func (m *Manager) ActiveForTarget(ctx context.Context, targetID string) (*Session, error) {
	query := selectSessionQuery + ` WHERE target_user_id = $1 AND status = 'ACTIVE' AND expires_at > $2`

	row := m.db.QueryRowContext(ctx, query, targetID, m.now().UTC())
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load impersonation session: %w", err)
	}
	return session, nil
}

// Sweep persists the EXPIRED transition for any active sessions past their
// expiry. Correctness does not depend on it running; it keeps the table
// and the active-session gauge honest.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now().UTC()

	query := `
		UPDATE impersonation_sessions
		SET status = 'EXPIRED'
		WHERE status = 'ACTIVE' AND expires_at <= $1
		RETURNING id, actor_user_id, target_user_id, organization_id
	`

	rows, err := m.db.QueryContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep impersonation sessions: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id, actorID, targetID string
		var orgID sql.NullString
		if err := rows.Scan(&id, &actorID, &targetID, &orgID); err != nil {
			return count, fmt.Errorf("failed to scan swept session: %w", err)
		}
		count++

		if m.metrics != nil {
			m.metrics.ImpersonationSessionsEnded.WithLabelValues("expired").Inc()
			m.metrics.ImpersonationSessionsActive.Dec()
		}

		m.emitter.Emit(ctx, audit.Event{
			Action:         audit.ActionImpersonationExpire,
			ActorID:        "system",
			OrganizationID: orgID.String,
			TargetIDs:      []string{targetID},
			SessionID:      id,
			Metadata: map[string]interface{}{
				"session_actor": actorID,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("failed to sweep impersonation sessions: %w", err)
	}

	if count > 0 {
		m.logger.WithField("expired", count).Info("swept expired impersonation sessions")
	}

	return count, nil
}

const selectSessionQuery = `
	SELECT
		id, actor_user_id, target_user_id, organization_id,
		reason, issued_at, expires_at, status,
		stopped_at, stop_reason
	FROM impersonation_sessions
`

// lookup fetches one session by id, additionally pinned to a target when
// targetID is non-empty.
func (m *Manager) lookup(ctx context.Context, sessionID, targetID string) (*Session, error) {
	query := selectSessionQuery + ` WHERE id = $1`
	args := []interface{}{sessionID}

	if targetID != "" {
		query += ` AND target_user_id = $2`
		args = append(args, targetID)
	}

	row := m.db.QueryRowContext(ctx, query, args...)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load impersonation session: %w", err)
	}
	return session, nil
}

// expireStaleForTarget persists the EXPIRED transition for the target's
// active sessions past their expiry, freeing the unique index slot for a
// fresh grant.
func (m *Manager) expireStaleForTarget(ctx context.Context, targetID string, now time.Time) (int, error) {
	query := `
		UPDATE impersonation_sessions
		SET status = 'EXPIRED'
		WHERE target_user_id = $1 AND status = 'ACTIVE' AND expires_at <= $2
		RETURNING id, actor_user_id, organization_id
	`

	rows, err := m.db.QueryContext(ctx, query, targetID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale impersonation sessions: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id, actorID string
		var orgID sql.NullString
		if err := rows.Scan(&id, &actorID, &orgID); err != nil {
			return count, fmt.Errorf("failed to scan expired session: %w", err)
		}
		count++

		if m.metrics != nil {
			m.metrics.ImpersonationSessionsEnded.WithLabelValues("expired").Inc()
			m.metrics.ImpersonationSessionsActive.Dec()
		}

		m.emitter.Emit(ctx, audit.Event{
			Action:         audit.ActionImpersonationExpire,
			ActorID:        "system",
			OrganizationID: orgID.String,
			TargetIDs:      []string{targetID},
			SessionID:      id,
			Metadata: map[string]interface{}{
				"session_actor": actorID,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("failed to expire stale impersonation sessions: %w", err)
	}

	return count, nil
}

func (m *Manager) expireSession(ctx context.Context, session *Session, now time.Time) (bool, error) {
	query := `
		UPDATE impersonation_sessions
		SET status = 'EXPIRED'
		WHERE id = $1 AND status = 'ACTIVE'
	`

	result, err := m.db.ExecContext(ctx, query, session.ID)
	if err != nil {
		return false, fmt.Errorf("failed to expire impersonation session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to expire impersonation session: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if m.metrics != nil {
		m.metrics.ImpersonationSessionsEnded.WithLabelValues("expired").Inc()
		m.metrics.ImpersonationSessionsActive.Dec()
	}

	m.emitter.Emit(ctx, audit.Event{
		Action:         audit.ActionImpersonationExpire,
		ActorID:        "system",
		OrganizationID: session.OrganizationID,
		TargetIDs:      []string{session.TargetUserID},
		SessionID:      session.ID,
		Metadata: map[string]interface{}{
			"session_actor": session.ActorUserID,
		},
	})

	return true, nil
}

func (m *Manager) countStart(status string) {
	if m.metrics != nil {
		m.metrics.ImpersonationSessionsStarted.WithLabelValues(status).Inc()
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		session    Session
		orgID      sql.NullString
		reason     sql.NullString
		stoppedAt  sql.NullTime
		stopReason sql.NullString
	)

	err := row.Scan(
		&session.ID, &session.ActorUserID, &session.TargetUserID, &orgID,
		&reason, &session.IssuedAt, &session.ExpiresAt, &session.Status,
		&stoppedAt, &stopReason,
	)
	if err != nil {
		return nil, err
	}

	session.OrganizationID = orgID.String
	session.Reason = reason.String
	session.StopReason = stopReason.String
	if stoppedAt.Valid {
		session.StoppedAt = &stoppedAt.Time
	}

	return &session, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
