package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxislabs/identity-core/pkg/observability"
)

func sampleEvents() []*Event {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return []*Event{
		{
			ID:        "e2",
			Timestamp: ts.Add(time.Minute),
			Action:    ActionBulkJobCompleted,
			Outcome:   OutcomeSuccess,
			ActorID:   "admin-1",
			TargetIDs: []string{"user-1", "user-2"},
		},
		{
			ID:        "e1",
			Timestamp: ts,
			Action:    ActionPermissionDenied,
			Outcome:   OutcomeDenied,
			ActorID:   "user-7",
			Reason:    "missing capability users:suspend",
		},
	}
}

func TestParseExportFormat(t *testing.T) {
	format, err := ParseExportFormat("CSV")
	require.NoError(t, err)
	assert.Equal(t, ExportFormatCSV, format)

	_, err = ParseExportFormat("xml")
	assert.Error(t, err)
}

func TestExportJSON(t *testing.T) {
	data, err := Export(sampleEvents(), ExportFormatJSON)
	require.NoError(t, err)

	var decoded []Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "e2", decoded[0].ID)
	assert.Equal(t, OutcomeDenied, decoded[1].Outcome)
}

func TestExportNDJSON(t *testing.T) {
	data, err := Export(sampleEvents(), ExportFormatNDJSON)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, ActionBulkJobCompleted, first.Action)
}

func TestExportCSV(t *testing.T) {
	data, err := Export(sampleEvents(), ExportFormatCSV)
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "ID", records[0][0])
	assert.Equal(t, "user-1;user-2", records[1][6])
	assert.Equal(t, "missing capability users:suspend", records[2][10])
}

// pagingTrail is an in-memory Logger with the same descending keyset
// pagination contract as the database-backed trail.
type pagingTrail struct {
	mu     sync.Mutex
	events []*Event
}

func (p *pagingTrail) Record(ctx context.Context, event *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *pagingTrail) Query(ctx context.Context, filter Filter, cursor string, limit int) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	matched := make([]*Event, 0, len(p.events))
	for _, e := range p.events {
		if !filter.StartTime.IsZero() && e.Timestamp.Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && e.Timestamp.After(filter.EndTime) {
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

	if cursor != "" {
		cur, err := DecodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		for len(matched) > 0 {
			head := matched[0]
			if head.Timestamp.Before(cur.Timestamp) || (head.Timestamp.Equal(cur.Timestamp) && head.ID < cur.ID) {
				break
			}
			matched = matched[1:]
		}
	}

	page := &Page{}
	if len(matched) > limit {
		page.Events = matched[:limit]
		last := matched[limit-1]
		page.NextCursor = Cursor{Timestamp: last.Timestamp, ID: last.ID}.Encode()
	} else {
		page.Events = matched
	}
	return page, nil
}

// captureStore records every uploaded object.
type captureStore struct {
	mu      sync.Mutex
	objects map[string]int
}

func (s *captureStore) PutObject(ctx context.Context, key string, content io.Reader, contentType string) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = make(map[string]int)
	}
	s.objects[key] = len(strings.Split(strings.TrimSpace(string(data)), "\n"))
	return nil
}

func (s *captureStore) uploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

func (s *captureStore) totalLines() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.objects {
		total += n
	}
	return total
}

func TestArchiverShipsEachEventOnce(t *testing.T) {
	trail := &pagingTrail{}
	base := time.Now().UTC().Add(-48 * time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, trail.Record(context.Background(), &Event{
			ID:        fmt.Sprintf("evt-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Action:    ActionPermissionDenied,
			ActorID:   "user-7",
		}))
	}

	store := &captureStore{}
	logger := observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{})
	emitter := NewEmitter(NewNoOpLogger(), logger, nil, EmitterConfig{MaxRetries: 1, RetryDelay: time.Millisecond})

	archiver := NewArchiver(trail, store, emitter, logger, nil, time.Hour)
	archiver.BatchSize = 2

	require.NoError(t, archiver.Run(context.Background()))
	assert.Equal(t, 3, store.uploads())
	assert.Equal(t, 5, store.totalLines())

	// A second pass over unchanged history ships nothing.
	require.NoError(t, archiver.Run(context.Background()))
	assert.Equal(t, 3, store.uploads())
	assert.Equal(t, 5, store.totalLines())

	// Only events newer than the watermark go out on the next pass.
	require.NoError(t, trail.Record(context.Background(), &Event{
		ID:        "evt-late",
		Timestamp: base.Add(time.Hour),
		Action:    ActionPermissionDenied,
		ActorID:   "user-7",
	}))

	require.NoError(t, archiver.Run(context.Background()))
	assert.Equal(t, 4, store.uploads())
	assert.Equal(t, 6, store.totalLines())
}
