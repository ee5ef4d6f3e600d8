package impersonation

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusStopped Status = "STOPPED"
	StatusExpired Status = "EXPIRED"
)

// Session is one impersonation grant.
type Session struct {
	ID             string     `json:"id"`
	ActorUserID    string     `json:"actor_user_id"`
	TargetUserID   string     `json:"target_user_id"`
	OrganizationID string     `json:"organization_id,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	IssuedAt       time.Time  `json:"issued_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Status         Status     `json:"status"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
	StopReason     string     `json:"stop_reason,omitempty"`
}

// Expired reports whether the session's window has passed at the given
// instant, independent of the stored status.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

var (
	// ErrAlreadyImpersonating means the target already has an active
	// session.
	ErrAlreadyImpersonating = errors.New("target already has an active impersonation session")

	// ErrSessionNotFound means no active session matches the request.
	ErrSessionNotFound = errors.New("impersonation session not found")

	// ErrNotAuthorized means the caller may not stop this session.
	ErrNotAuthorized = errors.New("not authorized to stop this impersonation session")

	// ErrSelfImpersonation means an actor tried to impersonate themselves.
	ErrSelfImpersonation = errors.New("cannot impersonate yourself")

	// ErrInvalidToken means a session token failed verification.
	ErrInvalidToken = errors.New("invalid impersonation token")
)
