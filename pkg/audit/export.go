package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/praxislabs/identity-core/pkg/observability"
)

// ExportFormat selects the serialization used for exported events.
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatNDJSON ExportFormat = "ndjson"
	ExportFormatCSV    ExportFormat = "csv"
)

// ParseExportFormat validates a user-supplied format name.
func ParseExportFormat(name string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(name)) {
	case ExportFormatJSON:
		return ExportFormatJSON, nil
	case ExportFormatNDJSON:
		return ExportFormatNDJSON, nil
	case ExportFormatCSV:
		return ExportFormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported export format: %s", name)
	}
}

// ContentType returns the MIME type for HTTP responses.
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportFormatCSV:
		return "text/csv"
	case ExportFormatNDJSON:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

// Export serializes events in the requested format.
func Export(events []*Event, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatJSON:
		return exportJSON(events)
	case ExportFormatNDJSON:
		return exportNDJSON(events)
	case ExportFormatCSV:
		return exportCSV(events)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

func exportJSON(events []*Event) ([]byte, error) {
	return json.MarshalIndent(events, "", "  ")
}

func exportNDJSON(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			return nil, fmt.Errorf("failed to encode event: %w", err)
		}
	}

	return buf.Bytes(), nil
}

func exportCSV(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"ID",
		"Timestamp",
		"Action",
		"Outcome",
		"ActorID",
		"OrganizationID",
		"TargetIDs",
		"RequestID",
		"SessionID",
		"IPAddress",
		"Reason",
	}

	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, event := range events {
		row := []string{
			event.ID,
			event.Timestamp.Format(time.RFC3339),
			string(event.Action),
			string(event.Outcome),
			event.ActorID,
			event.OrganizationID,
			strings.Join(event.TargetIDs, ";"),
			event.RequestID,
			event.SessionID,
			event.IPAddress,
			event.Reason,
		}

		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return buf.Bytes(), nil
}

// Archiver ships aged audit events to object storage in NDJSON batches.
// It runs from a cron schedule in the main binary. Batch objects are
// keyed by their newest event so reruns over the same data land on the
// same keys, and a high-watermark keeps successive runs from re-shipping
// history.
// ArchiveStore is the slice of the object store the archiver writes to.
type ArchiveStore interface {
	PutObject(ctx context.Context, key string, content io.Reader, contentType string) error
}

type Archiver struct {
	source  Logger
	store   ArchiveStore
	emitter *Emitter
	logger  *observability.Logger
	metrics *observability.Metrics

	// MaxAge is how old an event must be before it is archived.
	MaxAge time.Duration

	// BatchSize caps events per archive object.
	BatchSize int

	mu        sync.Mutex
	watermark time.Time
}

// NewArchiver builds an archiver. metrics may be nil.
func NewArchiver(source Logger, store ArchiveStore, emitter *Emitter, logger *observability.Logger, metrics *observability.Metrics, maxAge time.Duration) *Archiver {
	if maxAge <= 0 {
		maxAge = 90 * 24 * time.Hour
	}
	return &Archiver{
		source:    source,
		store:     store,
		emitter:   emitter,
		logger:    logger,
		metrics:   metrics,
		MaxAge:    maxAge,
		BatchSize: 1000,
	}
}

// Run archives one pass of aged events and records the operation in the
// trail itself. Only events newer than the previous run's watermark are
// shipped.
func (a *Archiver) Run(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().UTC().Add(-a.MaxAge)
	filter := Filter{StartTime: a.watermark, EndTime: cutoff}

	cursor := ""
	total := 0
	batch := 0
	var newest time.Time

	for {
		page, err := a.source.Query(ctx, filter, cursor, a.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to query events for archival: %w", err)
		}
		if len(page.Events) == 0 {
			break
		}

		payload, err := exportNDJSON(page.Events)
		if err != nil {
			return err
		}

		// Pages come newest first, so the first event of the first page is
		// the newest of the whole pass.
		head := page.Events[0]
		if newest.IsZero() {
			newest = head.Timestamp
		}

		key := fmt.Sprintf("audit/%s/%s-%s.ndjson", head.Timestamp.Format("2006-01-02"), head.Timestamp.Format("150405.000000"), head.ID)
		if err := a.store.PutObject(ctx, key, bytes.NewReader(payload), ExportFormatNDJSON.ContentType()); err != nil {
			return fmt.Errorf("failed to upload archive batch: %w", err)
		}

		total += len(page.Events)
		batch++

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if total == 0 {
		return nil
	}

	// Timestamps are stored at microsecond precision; the bump keeps the
	// newest shipped event out of the next pass's inclusive lower bound.
	a.watermark = newest.Add(time.Microsecond)

	if a.metrics != nil {
		a.metrics.AuditExportTotal.WithLabelValues(string(ExportFormatNDJSON), "archived").Inc()
	}

	a.logger.WithFields(map[string]interface{}{
		"events":  total,
		"batches": batch,
		"cutoff":  cutoff.Format(time.RFC3339),
	}).Info("archived audit events")

	a.emitter.Emit(ctx, Event{
		Action:  ActionAuditArchived,
		ActorID: "system",
		Outcome: OutcomeSuccess,
		Metadata: map[string]interface{}{
			"events":  total,
			"batches": batch,
			"cutoff":  cutoff.Format(time.RFC3339),
		},
	})

	return nil
}
