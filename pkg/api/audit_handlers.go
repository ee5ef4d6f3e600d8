package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/praxislabs/identity-core/pkg/audit"
	"github.com/praxislabs/identity-core/pkg/httputil"
	"github.com/praxislabs/identity-core/pkg/middleware"
	"github.com/praxislabs/identity-core/pkg/observability"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200

	// exportCeiling bounds a single export download. Larger extractions
	// go through the scheduled S3 archiver.
	exportCeiling = 10000
)

// AuditHandlers exposes trail queries and exports.
type AuditHandlers struct {
	trail   audit.Logger
	emitter *audit.Emitter
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewAuditHandlers wires the audit trail routes. metrics may be nil.
func NewAuditHandlers(trail audit.Logger, emitter *audit.Emitter, logger *observability.Logger, metrics *observability.Metrics) *AuditHandlers {
	return &AuditHandlers{trail: trail, emitter: emitter, logger: logger, metrics: metrics}
}

func (h *AuditHandlers) list(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "ValidationFailed", err.Error())
		return
	}

	limit, err := httputil.ParseQueryInt(r, "limit", defaultPageSize)
	if err != nil || limit <= 0 || limit > maxPageSize {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "ValidationFailed", fmt.Sprintf("limit must be between 1 and %d", maxPageSize))
		return
	}

	cursor := httputil.ParseQueryString(r, "cursor", "")
	if cursor != "" {
		if _, err := audit.DecodeCursor(cursor); err != nil {
			httputil.WriteErrorCode(w, http.StatusBadRequest, "ValidationFailed", "cursor is not a valid page token")
			return
		}
	}

	page, err := h.trail.Query(r.Context(), filter, cursor, limit)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, page)
}

func (h *AuditHandlers) export(w http.ResponseWriter, r *http.Request) {
	format, err := audit.ParseExportFormat(httputil.ParseQueryString(r, "format", "ndjson"))
	if err != nil {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "ValidationFailed", "format must be json, ndjson, or csv")
		return
	}

	filter, err := parseAuditFilter(r)
	if err != nil {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "ValidationFailed", err.Error())
		return
	}

	events, err := h.collect(r, filter)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	payload, err := audit.Export(events, format)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	actor := "unknown"
	if claims, ok := middleware.ClaimsFrom(r.Context()); ok {
		actor = claims.Subject
	}
	h.emitter.Emit(r.Context(), audit.Event{
		Action:  audit.ActionAuditExported,
		ActorID: actor,
		Metadata: map[string]interface{}{
			"format": string(format),
			"events": len(events),
		},
	})
	if h.metrics != nil {
		h.metrics.AuditExportTotal.WithLabelValues(string(format), "downloaded").Inc()
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=audit-events.%s", format))
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// collect pages through the trail until the filter is exhausted or the
// export ceiling is hit.
func (h *AuditHandlers) collect(r *http.Request, filter audit.Filter) ([]*audit.Event, error) {
	var events []*audit.Event
	cursor := ""
	for len(events) < exportCeiling {
		page, err := h.trail.Query(r.Context(), filter, cursor, maxPageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to page audit events: %w", err)
		}
		events = append(events, page.Events...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(events) > exportCeiling {
		events = events[:exportCeiling]
	}
	return events, nil
}

func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	filter := audit.Filter{
		ActorID:        httputil.ParseQueryString(r, "actor_id", ""),
		OrganizationID: httputil.ParseQueryString(r, "organization_id", ""),
		TargetID:       httputil.ParseQueryString(r, "target_id", ""),
		Outcome:        audit.Outcome(httputil.ParseQueryString(r, "outcome", "")),
	}

	for _, action := range r.URL.Query()["action"] {
		filter.Actions = append(filter.Actions, audit.Action(action))
	}

	var err error
	if filter.StartTime, err = parseTimeParam(r, "start"); err != nil {
		return filter, err
	}
	if filter.EndTime, err = parseTimeParam(r, "end"); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseTimeParam(r *http.Request, key string) (time.Time, error) {
	raw := httputil.ParseQueryString(r, key, "")
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339", key)
	}
	return ts, nil
}
