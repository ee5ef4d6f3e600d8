// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	IDENTITY_HOST="0.0.0.0"
//	IDENTITY_PORT="8080"
//	IDENTITY_HEALTH_PORT="9090"
//	IDENTITY_READ_TIMEOUT="15s"
//	IDENTITY_WRITE_TIMEOUT="15s"
//
// Storage settings:
//
//	IDENTITY_POSTGRES_URL="postgres://localhost/identity"
//	IDENTITY_POSTGRES_MAX_CONNS="25"
//	IDENTITY_REDIS_URL="redis://localhost:6379"
//
// Issuer settings:
//
//	IDENTITY_ISSUER_URL="https://id.example.com"
//	IDENTITY_AUDIENCE="praxis-platform"
//	IDENTITY_KEYSET_TTL="15m"
//	IDENTITY_KEYSET_STALE_GRACE="1h"
//	IDENTITY_CLOCK_SKEW="30s"
//
// Impersonation and bulk settings:
//
//	IDENTITY_IMPERSONATION_SECRET="..."
//	IDENTITY_IMPERSONATION_TTL="30m"
//	IDENTITY_BULK_WORKERS="8"
//	IDENTITY_BULK_MAX_TARGETS="10000"
//
// Observability settings:
//
//	IDENTITY_LOG_LEVEL="info"  # debug, info, warn, error
//	IDENTITY_METRICS_ENABLED="true"
//	IDENTITY_OTEL_ENABLED="true"
//	IDENTITY_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Log level: %s\n", cfg.Observability.LogLevel)
//
// # Related Packages
//
//   - pkg/storage/postgres: Uses database configuration
//   - pkg/observability: Uses observability configuration
package config
