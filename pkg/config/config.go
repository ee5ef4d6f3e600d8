package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/praxislabs/identity-core/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Issuer        IssuerConfig
	Authz         AuthzConfig
	Impersonation ImpersonationConfig
	Bulk          BulkConfig
	Audit         AuditConfig
	Webhook       WebhookConfig
	RateLimit     RateLimitConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	URL         string
	ReplicaURLs string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// IssuerConfig holds identity provider settings for token validation
type IssuerConfig struct {
	IssuerURL          string
	JWKSURL            string
	Audience           string
	ClockSkew          time.Duration
	KeySetTTL          time.Duration
	StaleGrace         time.Duration
	MinRefreshInterval time.Duration
}

// AuthzConfig holds role and permission resolution settings
type AuthzConfig struct {
	RoleTablePath string
	DefaultRole   string
	CacheSize     int
	CacheTTL      time.Duration
}

// ImpersonationConfig holds support-session settings
type ImpersonationConfig struct {
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	SigningSecret string
	SweepSchedule string
}

// BulkConfig holds bulk job orchestration settings
type BulkConfig struct {
	WorkerCount      int
	GlobalCeiling    int
	MaxTargets       int
	MaxRetries       int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	DedupWindow      time.Duration
	JanitorSchedule  string
	ClaimLockTimeout time.Duration
}

// AuditConfig holds audit trail settings
type AuditConfig struct {
	EmitMaxRetries int
	EmitRetryDelay time.Duration
	PageLimitMax   int

	// FilePath, when set, tees every event to an NDJSON file alongside
	// the database sink
	FilePath string

	// S3 archive (optional)
	ArchiveEnabled   bool
	ArchiveBucket    string
	ArchiveSchedule  string
	S3Endpoint       string
	S3Region         string
	S3AccessKey      string
	S3SecretKey      string
	S3ForcePathStyle bool
}

// WebhookConfig holds payment webhook verification settings
type WebhookConfig struct {
	// Secrets maps provider name to its shared signing secret
	Secrets map[string]string
	// Tolerance bounds how old a signed timestamp may be
	Tolerance time.Duration
}

// RateLimitConfig holds distributed rate limiting settings
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerWindow int
	Window            time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel
	LogFile  string

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Issuer:        loadIssuerConfig(),
		Authz:         loadAuthzConfig(),
		Impersonation: loadImpersonationConfig(),
		Bulk:          loadBulkConfig(),
		Audit:         loadAuditConfig(),
		Webhook:       loadWebhookConfig(),
		RateLimit:     loadRateLimitConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("IDENTITY_HOST", "0.0.0.0"),
		Port:            getEnv("IDENTITY_PORT", "8080"),
		ReadTimeout:     getEnvDuration("IDENTITY_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("IDENTITY_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("IDENTITY_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("IDENTITY_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("IDENTITY_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:         getEnv("IDENTITY_POSTGRES_URL", ""),
		ReplicaURLs: getEnv("IDENTITY_POSTGRES_REPLICA_URLS", ""),
		MaxConns:    getEnvInt("IDENTITY_POSTGRES_MAX_CONNS", 25),
		MinConns:    getEnvInt("IDENTITY_POSTGRES_MIN_CONNS", 5),
		Timeout:     getEnvDuration("IDENTITY_POSTGRES_TIMEOUT", 30*time.Second),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("IDENTITY_REDIS_URL", ""),
		Password:   getEnv("IDENTITY_REDIS_PASSWORD", ""),
		DB:         getEnvInt("IDENTITY_REDIS_DB", 0),
		MaxRetries: getEnvInt("IDENTITY_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("IDENTITY_REDIS_POOL_SIZE", 10),
	}
}

func loadIssuerConfig() IssuerConfig {
	return IssuerConfig{
		IssuerURL:          getEnv("IDENTITY_ISSUER_URL", ""),
		JWKSURL:            getEnv("IDENTITY_JWKS_URL", ""),
		Audience:           getEnv("IDENTITY_AUDIENCE", ""),
		ClockSkew:          getEnvDuration("IDENTITY_CLOCK_SKEW", 30*time.Second),
		KeySetTTL:          getEnvDuration("IDENTITY_KEYSET_TTL", 15*time.Minute),
		StaleGrace:         getEnvDuration("IDENTITY_KEYSET_STALE_GRACE", 1*time.Hour),
		MinRefreshInterval: getEnvDuration("IDENTITY_KEYSET_MIN_REFRESH", 30*time.Second),
	}
}

func loadAuthzConfig() AuthzConfig {
	return AuthzConfig{
		RoleTablePath: getEnv("IDENTITY_ROLE_TABLE_PATH", ""),
		DefaultRole:   getEnv("IDENTITY_DEFAULT_ROLE", "viewer"),
		CacheSize:     getEnvInt("IDENTITY_AUTHZ_CACHE_SIZE", 1024),
		CacheTTL:      getEnvDuration("IDENTITY_AUTHZ_CACHE_TTL", 5*time.Minute),
	}
}

func loadImpersonationConfig() ImpersonationConfig {
	return ImpersonationConfig{
		DefaultTTL:    getEnvDuration("IDENTITY_IMPERSONATION_TTL", 30*time.Minute),
		MaxTTL:        getEnvDuration("IDENTITY_IMPERSONATION_MAX_TTL", 4*time.Hour),
		SigningSecret: getEnv("IDENTITY_IMPERSONATION_SECRET", ""),
		SweepSchedule: getEnv("IDENTITY_IMPERSONATION_SWEEP_SCHEDULE", "@every 5m"),
	}
}

func loadBulkConfig() BulkConfig {
	return BulkConfig{
		WorkerCount:      getEnvInt("IDENTITY_BULK_WORKERS", 8),
		GlobalCeiling:    getEnvInt("IDENTITY_BULK_GLOBAL_CEILING", 32),
		MaxTargets:       getEnvInt("IDENTITY_BULK_MAX_TARGETS", 10000),
		MaxRetries:       getEnvInt("IDENTITY_BULK_MAX_RETRIES", 3),
		RetryBaseDelay:   getEnvDuration("IDENTITY_BULK_RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:    getEnvDuration("IDENTITY_BULK_RETRY_MAX_DELAY", 30*time.Second),
		DedupWindow:      getEnvDuration("IDENTITY_BULK_DEDUP_WINDOW", 10*time.Minute),
		JanitorSchedule:  getEnv("IDENTITY_BULK_JANITOR_SCHEDULE", "@every 1m"),
		ClaimLockTimeout: getEnvDuration("IDENTITY_BULK_CLAIM_LOCK_TIMEOUT", 30*time.Second),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		EmitMaxRetries:   getEnvInt("IDENTITY_AUDIT_EMIT_RETRIES", 3),
		EmitRetryDelay:   getEnvDuration("IDENTITY_AUDIT_EMIT_RETRY_DELAY", 100*time.Millisecond),
		PageLimitMax:     getEnvInt("IDENTITY_AUDIT_PAGE_LIMIT_MAX", 500),
		FilePath:         getEnv("IDENTITY_AUDIT_FILE", ""),
		ArchiveEnabled:   getEnvBool("IDENTITY_AUDIT_ARCHIVE_ENABLED", false),
		ArchiveBucket:    getEnv("IDENTITY_AUDIT_ARCHIVE_BUCKET", ""),
		ArchiveSchedule:  getEnv("IDENTITY_AUDIT_ARCHIVE_SCHEDULE", "0 3 * * *"),
		S3Endpoint:       getEnv("IDENTITY_S3_ENDPOINT", ""),
		S3Region:         getEnv("IDENTITY_S3_REGION", "us-east-1"),
		S3AccessKey:      getEnv("IDENTITY_S3_ACCESS_KEY", ""),
		S3SecretKey:      getEnv("IDENTITY_S3_SECRET_KEY", ""),
		S3ForcePathStyle: getEnvBool("IDENTITY_S3_FORCE_PATH_STYLE", false),
	}
}

// loadWebhookConfig parses IDENTITY_WEBHOOK_SECRETS in the form
// "provider1=secret1,provider2=secret2"
func loadWebhookConfig() WebhookConfig {
	secrets := make(map[string]string)
	raw := getEnv("IDENTITY_WEBHOOK_SECRETS", "")
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			secrets[parts[0]] = parts[1]
		}
	}
	return WebhookConfig{
		Secrets:   secrets,
		Tolerance: getEnvDuration("IDENTITY_WEBHOOK_TOLERANCE", 5*time.Minute),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           getEnvBool("IDENTITY_RATELIMIT_ENABLED", true),
		RequestsPerWindow: getEnvInt("IDENTITY_RATELIMIT_REQUESTS", 300),
		Window:            getEnvDuration("IDENTITY_RATELIMIT_WINDOW", time.Minute),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("IDENTITY_LOG_LEVEL", "info")),
		LogFile:            getEnv("IDENTITY_LOG_FILE", ""),
		MetricsEnabled:     getEnvBool("IDENTITY_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("IDENTITY_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("IDENTITY_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("IDENTITY_OTEL_SERVICE_NAME", "identityd"),
		OTelServiceVersion: getEnv("IDENTITY_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("IDENTITY_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Issuer.IssuerURL == "" && c.Issuer.JWKSURL == "" {
		return fmt.Errorf("issuer URL or JWKS URL is required")
	}
	if c.Issuer.Audience == "" {
		return fmt.Errorf("expected token audience is required")
	}
	if c.Issuer.KeySetTTL <= 0 {
		return fmt.Errorf("key set TTL must be positive")
	}
	if c.Issuer.StaleGrace < 0 {
		return fmt.Errorf("key set stale grace must not be negative")
	}

	if c.Impersonation.SigningSecret == "" {
		return fmt.Errorf("impersonation signing secret is required")
	}
	if c.Impersonation.DefaultTTL <= 0 || c.Impersonation.MaxTTL <= 0 {
		return fmt.Errorf("impersonation TTLs must be positive")
	}
	if c.Impersonation.DefaultTTL > c.Impersonation.MaxTTL {
		return fmt.Errorf("impersonation default TTL exceeds max TTL")
	}

	if c.Bulk.WorkerCount <= 0 {
		return fmt.Errorf("bulk worker count must be positive")
	}
	if c.Bulk.MaxTargets <= 0 {
		return fmt.Errorf("bulk max targets must be positive")
	}
	if c.Bulk.MaxRetries < 0 {
		return fmt.Errorf("bulk max retries must not be negative")
	}

	if c.Audit.ArchiveEnabled {
		if c.Audit.ArchiveBucket == "" {
			return fmt.Errorf("audit archive bucket is required when archiving is enabled")
		}
		if c.Audit.S3Endpoint == "" {
			return fmt.Errorf("S3 endpoint is required when audit archiving is enabled")
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
