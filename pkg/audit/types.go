package audit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action identifies the kind of operation an event records.
type Action string

// Actions recorded by the service.
const (
	ActionTokenRejected Action = "token.rejected"

	ActionPermissionDenied Action = "authz.denied"

	ActionImpersonationStart   Action = "impersonation.start"
	ActionImpersonationStop    Action = "impersonation.stop"
	ActionImpersonationExpire  Action = "impersonation.expire"
	ActionImpersonationRefused Action = "impersonation.refused"

	ActionBulkJobSubmitted Action = "bulk.job.submitted"
	ActionBulkJobStarted   Action = "bulk.job.started"
	ActionBulkJobCompleted Action = "bulk.job.completed"
	ActionBulkJobCancelled Action = "bulk.job.cancelled"
	ActionBulkItemApplied  Action = "bulk.item.applied"

	ActionUserSuspended  Action = "user.suspended"
	ActionUserActivated  Action = "user.activated"
	ActionUserDeleted    Action = "user.deleted"
	ActionUserRoleChange Action = "user.role_changed"
	ActionUserExported   Action = "user.exported"

	ActionWebhookAccepted Action = "webhook.accepted"
	ActionWebhookRejected Action = "webhook.rejected"

	ActionAuditExported Action = "audit.exported"
	ActionAuditArchived Action = "audit.archived"
)

// Outcome is the result of the recorded operation.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeDenied    Outcome = "denied"
	OutcomeCancelled Outcome = "cancelled"
)

// Event is a single entry in the audit trail.
type Event struct {
	ID             string                 `json:"id"`
	Timestamp      time.Time              `json:"timestamp"`
	Action         Action                 `json:"action"`
	Outcome        Outcome                `json:"outcome"`
	ActorID        string                 `json:"actor_id"`
	OrganizationID string                 `json:"organization_id,omitempty"`
	TargetIDs      []string               `json:"target_ids,omitempty"`
	RequestID      string                 `json:"request_id,omitempty"`
	SessionID      string                 `json:"session_id,omitempty"`
	IPAddress      string                 `json:"ip_address,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Filter narrows a Query to matching events. Zero values mean "any".
type Filter struct {
	ActorID        string
	OrganizationID string
	TargetID       string
	Actions        []Action
	Outcome        Outcome
	StartTime      time.Time
	EndTime        time.Time
}

// Page is one page of query results, newest first. NextCursor is empty
// when the trail is exhausted.
type Page struct {
	Events     []*Event `json:"events"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// Cursor pins a query position at a (timestamp, id) pair so pages remain
// stable while new events are being inserted.
type Cursor struct {
	Timestamp time.Time `json:"ts"`
	ID        string    `json:"id"`
}

// Encode serializes the cursor into an opaque page token.
func (c Cursor) Encode() string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a page token produced by Encode.
func DecodeCursor(token string) (Cursor, error) {
	var c Cursor
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return c, fmt.Errorf("invalid cursor: %w", err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("invalid cursor: %w", err)
	}
	if c.Timestamp.IsZero() || c.ID == "" {
		return c, fmt.Errorf("invalid cursor: missing fields")
	}
	return c, nil
}

// Logger persists and retrieves audit events.
type Logger interface {
	// Record durably stores the event. Implementations assign ID and
	// Timestamp when the caller left them empty.
	Record(ctx context.Context, event *Event) error

	// Query returns a page of events matching the filter in descending
	// (timestamp, id) order, starting after the cursor when one is given.
	Query(ctx context.Context, filter Filter, cursor string, limit int) (*Page, error)
}

// normalizeEvent fills the fields sinks assign when the caller left them
// empty.
func normalizeEvent(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Outcome == "" {
		event.Outcome = OutcomeSuccess
	}
}

// noOpLogger discards everything. Useful as a default in tests.
type noOpLogger struct{}

func (noOpLogger) Record(ctx context.Context, event *Event) error { return nil }

func (noOpLogger) Query(ctx context.Context, filter Filter, cursor string, limit int) (*Page, error) {
	return &Page{Events: []*Event{}}, nil
}

// NewNoOpLogger returns a Logger that drops all events.
func NewNoOpLogger() Logger {
	return noOpLogger{}
}
