package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/praxislabs/identity-core/pkg/audit"
	"github.com/praxislabs/identity-core/pkg/authz"
	"github.com/praxislabs/identity-core/pkg/bulk"
	"github.com/praxislabs/identity-core/pkg/contextkeys"
	"github.com/praxislabs/identity-core/pkg/keyset"
	"github.com/praxislabs/identity-core/pkg/middleware"
	"github.com/praxislabs/identity-core/pkg/observability"
	"github.com/praxislabs/identity-core/pkg/token"
)

const (
	testIssuer   = "https://id.example.com"
	testAudience = "praxis-platform"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{})
}

func testEmitter(sink audit.Logger) *audit.Emitter {
	if sink == nil {
		sink = audit.NewNoOpLogger()
	}
	return audit.NewEmitter(sink, testLogger(), nil, audit.EmitterConfig{MaxRetries: 1, RetryDelay: time.Millisecond})
}

// authedRequest stamps verified claims and a resolved permission set onto
// the request, standing in for the middleware chain.
func authedRequest(req *http.Request, subject string, roles ...string) *http.Request {
	claims := &token.Claims{
		Subject:        subject,
		OrganizationID: "org-1",
		AppRoles:       roles,
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	resolver := authz.NewResolver(authz.NewRoleTable(), authz.ResolverConfig{}, testLogger(), nil)

	ctx := contextkeys.WithClaims(req.Context(), claims)
	ctx = contextkeys.WithActorID(ctx, subject)
	ctx = contextkeys.WithPermissions(ctx, resolver.PermissionsFor("org-1", roles))
	return req.WithContext(ctx)
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code
}

// memTrail is an in-memory audit.Logger with real cursor pagination.
type memTrail struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (m *memTrail) Record(ctx context.Context, event *audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *event
	m.events = append(m.events, &copied)
	return nil
}

func (m *memTrail) Query(ctx context.Context, filter audit.Filter, cursor string, limit int) (*audit.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]*audit.Event, 0, len(m.events))
	for _, e := range m.events {
		if filter.ActorID != "" && e.ActorID != filter.ActorID {
			continue
		}
		if filter.Outcome != "" && e.Outcome != filter.Outcome {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID > matched[j].ID
	})

	start := 0
	if cursor != "" {
		pin, err := audit.DecodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		for i, e := range matched {
			if e.ID == pin.ID {
				start = i + 1
				break
			}
		}
	}

	page := &audit.Page{Events: []*audit.Event{}}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	page.Events = matched[start:end]
	if end < len(matched) && len(page.Events) > 0 {
		last := page.Events[len(page.Events)-1]
		page.NextCursor = audit.Cursor{Timestamp: last.Timestamp, ID: last.ID}.Encode()
	}
	return page, nil
}

// fakeJobStore is an in-memory bulk.Store for handler tests.
type fakeJobStore struct {
	mu     sync.Mutex
	nextID int
	jobs   map[string]*bulk.Job
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*bulk.Job)}
}

func (s *fakeJobStore) CreateJob(ctx context.Context, job *bulk.Job) (*bulk.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.Fingerprint == job.Fingerprint && !existing.Status.Terminal() {
			return existing, false, nil
		}
	}
	s.nextID++
	stored := *job
	stored.ID = fmt.Sprintf("job-%d", s.nextID)
	stored.Status = bulk.StatusQueued
	s.jobs[stored.ID] = &stored
	return &stored, true, nil
}

func (s *fakeJobStore) GetJob(ctx context.Context, id string) (*bulk.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, bulk.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *fakeJobStore) ListJobs(ctx context.Context, filter bulk.ListFilter) ([]*bulk.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*bulk.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.RequesterID != "" && job.RequesterID != filter.RequesterID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Operation != "" && job.Operation != filter.Operation {
			continue
		}
		copied := *job
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *fakeJobStore) ClaimQueued(ctx context.Context, startedAt time.Time) (*bulk.Job, error) {
	return nil, nil
}

func (s *fakeJobStore) RequestCancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return bulk.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return bulk.ErrNotCancellable
	}
	job.CancelRequested = true
	return nil
}

func (s *fakeJobStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, bulk.ErrJobNotFound
	}
	return job.CancelRequested, nil
}

func (s *fakeJobStore) RecordItem(ctx context.Context, jobID string, position int, result bulk.ItemResult) error {
	return nil
}

func (s *fakeJobStore) FinishJob(ctx context.Context, jobID string, status bulk.Status, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.Status = status
	}
	return nil
}

func (s *fakeJobStore) ReapStalled(ctx context.Context, maxAge time.Duration, now time.Time) ([]string, error) {
	return nil, nil
}

// fakeMutator resolves explicit IDs and applies everything successfully.
type fakeMutator struct{}

func (fakeMutator) Resolve(ctx context.Context, selector bulk.Selector) ([]string, error) {
	return selector.IDs, nil
}

func (fakeMutator) Apply(ctx context.Context, op bulk.OperationType, targetID string, params map[string]string) error {
	return nil
}

// jwksSigner issues bearer tokens against a throwaway JWKS endpoint for
// full-stack router tests.
type jwksSigner struct {
	key *rsa.PrivateKey
	kid string
}

func newJWKSSigner(t *testing.T) *jwksSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &jwksSigner{key: key, kid: "kid-1"}
}

func (s *jwksSigner) serve() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": s.kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(s.key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(s.key.PublicKey.E)).Bytes()),
			}},
		})
	}))
}

type wireClaims struct {
	jwt.RegisteredClaims
	OrganizationID string   `json:"org_id"`
	AppRoles       []string `json:"roles"`
}

func (s *jwksSigner) bearer(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, &wireClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		OrganizationID: "org-1",
		AppRoles:       roles,
	})
	tok.Header["kid"] = s.kid
	signed, err := tok.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

func newAuthStack(t *testing.T, jwksURL string) (*middleware.AuthMiddleware, *authz.Resolver) {
	t.Helper()
	cache := keyset.NewCache(keyset.Config{
		JWKSURL:            jwksURL,
		TTL:                time.Minute,
		StaleGrace:         time.Hour,
		MinRefreshInterval: time.Millisecond,
	}, testLogger(), nil)

	validator := token.NewValidator(token.ValidatorConfig{
		Issuer:    testIssuer,
		Audience:  testAudience,
		ClockSkew: 30 * time.Second,
	}, cache, testLogger(), nil)

	auth := middleware.NewAuthMiddleware(validator, nil, testLogger())
	resolver := authz.NewResolver(authz.NewRoleTable(), authz.ResolverConfig{}, testLogger(), nil)
	return auth, resolver
}
