package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Token validation metrics
	TokenValidationsTotal   *prometheus.CounterVec
	TokenValidationDuration *prometheus.HistogramVec

	// Key set cache metrics
	KeySetRefreshTotal    *prometheus.CounterVec
	KeySetRefreshDuration *prometheus.HistogramVec
	KeySetCacheHitsTotal  *prometheus.CounterVec
	KeySetStaleServes     prometheus.Counter

	// Authorization metrics
	PermissionResolvesTotal *prometheus.CounterVec
	UnknownRolesTotal       *prometheus.CounterVec

	// Impersonation metrics
	ImpersonationSessionsStarted *prometheus.CounterVec
	ImpersonationSessionsEnded   *prometheus.CounterVec
	ImpersonationSessionsActive  prometheus.Gauge

	// Bulk job metrics
	BulkJobsTotal       *prometheus.CounterVec
	BulkJobDuration     *prometheus.HistogramVec
	BulkItemsTotal      *prometheus.CounterVec
	BulkRetriesTotal    *prometheus.CounterVec
	BulkJobsInFlight    prometheus.Gauge

	// Audit metrics
	AuditEventsTotal     *prometheus.CounterVec
	AuditEmitFailures    prometheus.Counter
	AuditExportTotal     *prometheus.CounterVec

	// Webhook metrics
	WebhookEventsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge

	// Redis metrics
	RedisConnectionsActive prometheus.Gauge
	RedisCommandsTotal     *prometheus.CounterVec
	RedisCommandDuration   *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "identity_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "identity_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "identity_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		// Token validation metrics
		TokenValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_token_validations_total",
				Help: "Total number of token validations",
			},
			[]string{"result"},
		),
		TokenValidationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "identity_token_validation_duration_seconds",
				Help:    "Token validation duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
			},
			[]string{"result"},
		),

		// Key set cache metrics
		KeySetRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_keyset_refresh_total",
				Help: "Total number of signing key set refresh attempts",
			},
			[]string{"status"},
		),
		KeySetRefreshDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "identity_keyset_refresh_duration_seconds",
				Help:    "Signing key set refresh duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		KeySetCacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_keyset_cache_hits_total",
				Help: "Key set cache lookups by outcome",
			},
			[]string{"outcome"},
		),
		KeySetStaleServes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "identity_keyset_stale_serves_total",
				Help: "Number of times an expired key set was served during provider outage",
			},
		),

		// Authorization metrics
		PermissionResolvesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_permission_resolves_total",
				Help: "Total number of permission set resolutions",
			},
			[]string{"source"},
		),
		UnknownRolesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_unknown_roles_total",
				Help: "Role identifiers seen with no role table entry",
			},
			[]string{"role"},
		),

		// Impersonation metrics
		ImpersonationSessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_impersonation_sessions_started_total",
				Help: "Total number of impersonation sessions started",
			},
			[]string{"status"},
		),
		ImpersonationSessionsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_impersonation_sessions_ended_total",
				Help: "Total number of impersonation sessions ended",
			},
			[]string{"reason"},
		),
		ImpersonationSessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "identity_impersonation_sessions_active",
				Help: "Number of currently active impersonation sessions",
			},
		),

		// Bulk job metrics
		BulkJobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_bulk_jobs_total",
				Help: "Total number of bulk jobs by terminal status",
			},
			[]string{"operation", "status"},
		),
		BulkJobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "identity_bulk_job_duration_seconds",
				Help:    "Bulk job execution duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"operation"},
		),
		BulkItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_bulk_items_total",
				Help: "Total number of bulk job items by outcome",
			},
			[]string{"operation", "outcome"},
		),
		BulkRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_bulk_retries_total",
				Help: "Total number of per-item retry attempts",
			},
			[]string{"operation"},
		),
		BulkJobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "identity_bulk_jobs_in_flight",
				Help: "Number of bulk jobs currently running",
			},
		),

		// Audit metrics
		AuditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_audit_events_total",
				Help: "Total number of audit events recorded",
			},
			[]string{"action"},
		),
		AuditEmitFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "identity_audit_emit_failures_total",
				Help: "Audit events dropped after exhausting emission retries",
			},
		),
		AuditExportTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_audit_export_total",
				Help: "Total number of audit export requests",
			},
			[]string{"format", "status"},
		),

		// Webhook metrics
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_webhook_events_total",
				Help: "Total number of payment webhook deliveries by outcome",
			},
			[]string{"provider", "outcome"},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "identity_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "identity_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "identity_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "identity_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),

		// Redis metrics
		RedisConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "identity_redis_connections_active",
				Help: "Number of active Redis connections",
			},
		),
		RedisCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_redis_commands_total",
				Help: "Total number of Redis commands",
			},
			[]string{"command", "status"},
		),
		RedisCommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "identity_redis_command_duration_seconds",
				Help:    "Redis command duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"command"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.TokenValidationsTotal,
		m.TokenValidationDuration,
		m.KeySetRefreshTotal,
		m.KeySetRefreshDuration,
		m.KeySetCacheHitsTotal,
		m.KeySetStaleServes,
		m.PermissionResolvesTotal,
		m.UnknownRolesTotal,
		m.ImpersonationSessionsStarted,
		m.ImpersonationSessionsEnded,
		m.ImpersonationSessionsActive,
		m.BulkJobsTotal,
		m.BulkJobDuration,
		m.BulkItemsTotal,
		m.BulkRetriesTotal,
		m.BulkJobsInFlight,
		m.AuditEventsTotal,
		m.AuditEmitFailures,
		m.AuditExportTotal,
		m.WebhookEventsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
		m.RedisConnectionsActive,
		m.RedisCommandsTotal,
		m.RedisCommandDuration,
	)

	return m
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and size
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status and size
			rw := &metricsResponseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			// Record request size
			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(r.ContentLength))
			}

			// Serve the request
			next.ServeHTTP(rw, r)

			// Record metrics
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
