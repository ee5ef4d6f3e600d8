package bulk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// OperationType is the administrative action applied to every target.
type OperationType string

const (
	OpSuspend    OperationType = "SUSPEND"
	OpActivate   OperationType = "ACTIVATE"
	OpDelete     OperationType = "DELETE"
	OpRoleChange OperationType = "ROLE_CHANGE"
	OpExport     OperationType = "EXPORT"
)

// ParseOperationType validates a user-supplied operation name.
func ParseOperationType(name string) (OperationType, error) {
	op := OperationType(strings.ToUpper(strings.TrimSpace(name)))
	switch op {
	case OpSuspend, OpActivate, OpDelete, OpRoleChange, OpExport:
		return op, nil
	default:
		return "", fmt.Errorf("unsupported operation type: %s", name)
	}
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusPartial   Status = "PARTIAL"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusPartial:
		return true
	}
	return false
}

// ItemOutcome is the result of one target within a job.
type ItemOutcome string

const (
	ItemSucceeded ItemOutcome = "succeeded"
	ItemFailed    ItemOutcome = "failed"
	ItemCancelled ItemOutcome = "cancelled"
)

// Selector names the users a job applies to, either as an explicit id
// list or as a directory filter.
type Selector struct {
	IDs    []string          `json:"ids,omitempty"`
	Filter map[string]string `json:"filter,omitempty"`
}

// Normalize returns a canonical string form of the selector: ids deduped
// and sorted, filter keys sorted. Two selectors that name the same set
// normalize identically, which is what makes the fingerprint stable.
func (s Selector) Normalize() string {
	ids := make([]string, 0, len(s.IDs))
	seen := make(map[string]struct{}, len(s.IDs))
	for _, id := range s.IDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	keys := make([]string, 0, len(s.Filter))
	for k := range s.Filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("ids=")
	b.WriteString(strings.Join(ids, ","))
	b.WriteString(";filter=")
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(s.Filter[k])
	}
	return b.String()
}

// Empty reports whether the selector names nothing at all.
func (s Selector) Empty() bool {
	return len(s.IDs) == 0 && len(s.Filter) == 0
}

// Fingerprint is the dedup key for a submission.
func Fingerprint(op OperationType, selector Selector, requesterID string) string {
	h := sha256.New()
	h.Write([]byte(string(op)))
	h.Write([]byte{0})
	h.Write([]byte(selector.Normalize()))
	h.Write([]byte{0})
	h.Write([]byte(requesterID))
	return hex.EncodeToString(h.Sum(nil))
}

// ItemResult is the recorded outcome for one target.
type ItemResult struct {
	TargetID string      `json:"target_id"`
	Outcome  ItemOutcome `json:"outcome"`
	Error    string      `json:"error,omitempty"`
	Attempts int         `json:"attempts"`
}

// Job is one bulk operation, created at submission and mutated only by
// the worker loop.
type Job struct {
	ID          string            `json:"id"`
	RequesterID string            `json:"requester_id"`
	Operation   OperationType     `json:"operation"`
	Selector    Selector          `json:"selector"`
	Params      map[string]string `json:"params,omitempty"`
	Fingerprint string            `json:"fingerprint"`
	Status      Status            `json:"status"`
	Targets     []string          `json:"targets"`
	Results     []ItemResult      `json:"results,omitempty"`

	CancelRequested bool       `json:"cancel_requested"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

var (
	// ErrJobNotFound means no job matches the requested id.
	ErrJobNotFound = errors.New("bulk job not found")

	// ErrTooManyTargets means the selector resolved past the configured
	// ceiling.
	ErrTooManyTargets = errors.New("selector resolves to too many targets")

	// ErrNoTargets means the selector resolved to nothing.
	ErrNoTargets = errors.New("selector resolves to no targets")

	// ErrNotCancellable means the job already reached a terminal status.
	ErrNotCancellable = errors.New("bulk job is not cancellable")
)

// transientError marks a per-target failure as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so the worker retries it with backoff.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retryable. Context deadline
// hits count as transient since the per-target timeout is the transient
// class in this system.
func IsTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
