package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/praxislabs/identity-core/pkg/api"
	"github.com/praxislabs/identity-core/pkg/audit"
	"github.com/praxislabs/identity-core/pkg/authz"
	"github.com/praxislabs/identity-core/pkg/bulk"
	"github.com/praxislabs/identity-core/pkg/config"
	"github.com/praxislabs/identity-core/pkg/impersonation"
	"github.com/praxislabs/identity-core/pkg/keyset"
	"github.com/praxislabs/identity-core/pkg/middleware"
	"github.com/praxislabs/identity-core/pkg/observability"
	"github.com/praxislabs/identity-core/pkg/payments"
	"github.com/praxislabs/identity-core/pkg/storage/postgres"
	"github.com/praxislabs/identity-core/pkg/token"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		log.Fatalf("identityd: %v", err)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger, closeLogs, err := buildLogger(cfg.Observability)
	if err != nil {
		return err
	}
	defer closeLogs()

	logger.WithFields(map[string]interface{}{
		"port":        cfg.Server.Port,
		"health_port": cfg.Server.HealthPort,
	}).Info("starting identityd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	var otelProviders *observability.OTelProviders
	if cfg.Observability.OTelEnabled {
		otelProviders, err = observability.InitOTel(ctx, observability.OTelConfig{
			Enabled:        true,
			Endpoint:       cfg.Observability.OTelEndpoint,
			ServiceName:    cfg.Observability.OTelServiceName,
			ServiceVersion: cfg.Observability.OTelServiceVersion,
			Insecure:       cfg.Observability.OTelInsecure,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	connections, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  cfg.Database.URL,
		ReplicaURLs: postgres.ParseReplicaURLs(cfg.Database.ReplicaURLs),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db := connections.Primary()

	var redisClient *postgres.RedisClient
	if cfg.Redis.URL != "" {
		redisClient, err = postgres.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
	} else {
		logger.Warn("redis not configured, rate limiting and claim locks disabled")
	}

	// Token verification stack.
	jwksURL := cfg.Issuer.JWKSURL
	if jwksURL == "" {
		discoverCtx, discoverCancel := context.WithTimeout(ctx, 10*time.Second)
		jwksURL, err = keyset.DiscoverJWKSURL(discoverCtx, cfg.Issuer.IssuerURL)
		discoverCancel()
		if err != nil {
			return fmt.Errorf("failed to discover signing keys: %w", err)
		}
		logger.WithField("jwks_url", jwksURL).Info("discovered JWKS endpoint from issuer metadata")
	}

	keys := keyset.NewCache(keyset.Config{
		JWKSURL:            jwksURL,
		TTL:                cfg.Issuer.KeySetTTL,
		StaleGrace:         cfg.Issuer.StaleGrace,
		MinRefreshInterval: cfg.Issuer.MinRefreshInterval,
	}, logger, metrics)

	validator := token.NewValidator(token.ValidatorConfig{
		Issuer:    cfg.Issuer.IssuerURL,
		Audience:  cfg.Issuer.Audience,
		ClockSkew: cfg.Issuer.ClockSkew,
	}, keys, logger, metrics)

	// Authorization.
	roleTable := authz.NewRoleTable()
	if cfg.Authz.RoleTablePath != "" {
		if err := roleTable.LoadOverrides(cfg.Authz.RoleTablePath); err != nil {
			return fmt.Errorf("failed to load role table overrides: %w", err)
		}
		go func() {
			if err := roleTable.Watch(ctx, cfg.Authz.RoleTablePath, logger); err != nil {
				logger.WithError(err).Error("role table watcher stopped")
			}
		}()
	}
	resolver := authz.NewResolver(roleTable, authz.ResolverConfig{
		CacheSize: cfg.Authz.CacheSize,
		CacheTTL:  cfg.Authz.CacheTTL,
	}, logger, metrics)

	// Audit trail.
	dbTrail, err := audit.NewDBLogger(db)
	if err != nil {
		return fmt.Errorf("failed to initialize audit store: %w", err)
	}
	var trail audit.Logger = dbTrail
	if cfg.Audit.FilePath != "" {
		fileTrail, err := audit.NewFileLogger(cfg.Audit.FilePath)
		if err != nil {
			return fmt.Errorf("failed to open audit file sink: %w", err)
		}
		defer fileTrail.Close()
		trail, err = audit.NewMultiLogger(dbTrail, fileTrail)
		if err != nil {
			return err
		}
	}
	emitter := audit.NewEmitter(trail, logger, metrics, audit.EmitterConfig{
		MaxRetries: cfg.Audit.EmitMaxRetries,
		RetryDelay: cfg.Audit.EmitRetryDelay,
	})

	var archive *postgres.S3Client
	if cfg.Audit.ArchiveEnabled {
		archive, err = postgres.NewS3Client(cfg.Audit)
		if err != nil {
			return fmt.Errorf("failed to initialize audit archive store: %w", err)
		}
	}

	// Impersonation.
	sessions, err := impersonation.NewManager(db, cfg.Impersonation, emitter, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize impersonation manager: %w", err)
	}

	// Bulk jobs.
	jobStore, err := bulk.NewSQLStore(db)
	if err != nil {
		return fmt.Errorf("failed to initialize bulk job store: %w", err)
	}
	directory, err := bulk.NewDirectoryStore(db, archive, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize user directory: %w", err)
	}
	var locker bulk.ClaimLocker
	if redisClient != nil {
		locker = redisClient
	}
	orchestrator, err := bulk.NewOrchestrator(jobStore, directory, locker, emitter, nil, metrics, cfg.Bulk)
	if err != nil {
		return fmt.Errorf("failed to initialize bulk orchestrator: %w", err)
	}
	go orchestrator.Run(ctx)

	// Payment webhooks.
	webhooks := payments.NewWebhookEndpoint(payments.NewVerifier(cfg.Webhook), nil, emitter, nil, metrics)

	// HTTP surface.
	var counter middleware.Counter
	if redisClient != nil {
		counter = redisClient
	}
	server := api.NewServer(api.Dependencies{
		Auth:          middleware.NewAuthMiddleware(validator, sessions, logger),
		Resolver:      resolver,
		RateLimiter:   middleware.NewRateLimiter(counter, cfg.RateLimit, logger),
		Impersonation: api.NewImpersonationHandlers(sessions, logger),
		Bulk:          api.NewBulkHandlers(orchestrator, logger),
		Audit:         api.NewAuditHandlers(trail, emitter, logger, metrics),
		Webhooks:      webhooks,
		Logger:        logger,
		Metrics:       metrics,
	})

	// Scheduled maintenance.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Impersonation.SweepSchedule, func() {
		sweepCtx, sweepCancel := context.WithTimeout(context.Background(), time.Minute)
		defer sweepCancel()
		if _, err := sessions.Sweep(sweepCtx); err != nil {
			logger.WithError(err).Error("impersonation sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid impersonation sweep schedule: %w", err)
	}
	if _, err := scheduler.AddFunc(cfg.Bulk.JanitorSchedule, func() {
		janitorCtx, janitorCancel := context.WithTimeout(context.Background(), time.Minute)
		defer janitorCancel()
		if err := orchestrator.Janitor(janitorCtx); err != nil {
			logger.WithError(err).Error("bulk janitor failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid bulk janitor schedule: %w", err)
	}
	if cfg.Audit.ArchiveEnabled {
		archiver := audit.NewArchiver(dbTrail, archive, emitter, logger, metrics, 0)
		if _, err := scheduler.AddFunc(cfg.Audit.ArchiveSchedule, func() {
			archiveCtx, archiveCancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer archiveCancel()
			if err := archiver.Run(archiveCtx); err != nil {
				logger.WithError(err).Error("audit archive run failed")
			}
		}); err != nil {
			return fmt.Errorf("invalid audit archive schedule: %w", err)
		}
	}
	scheduler.Start()

	// Health and metrics on a separate port for probes.
	var rawRedis *redis.Client
	if redisClient != nil {
		rawRedis = redisClient.GetClient()
	}
	checker := observability.NewHealthChecker(db, rawRedis, version)
	checker.AddCheck("issuer", observability.IssuerCheck(&http.Client{Timeout: 5 * time.Second}, jwksURL))
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server stopped")
		}
	}()

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		logger.Infof("listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server stopped")
			cancel()
		}
	}()

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("health server", healthServer.Shutdown)
	shutdown.RegisterShutdownFunc("scheduler", func(ctx context.Context) error {
		stopCtx := scheduler.Stop()
		select {
		case <-stopCtx.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.RegisterShutdownFunc("bulk worker", func(ctx context.Context) error {
		cancel()
		return nil
	})
	shutdown.RegisterShutdownFunc("postgres", func(ctx context.Context) error {
		return connections.Close()
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc("redis", func(ctx context.Context) error {
			return redisClient.Close()
		})
	}
	if otelProviders != nil {
		shutdown.RegisterShutdownFunc("tracing", func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}

	return shutdown.WaitForShutdown()
}

func buildLogger(cfg config.ObservabilityConfig) (*observability.Logger, func(), error) {
	if cfg.LogFile == "" {
		return observability.NewLogger(cfg.LogLevel, os.Stdout), func() {}, nil
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logger := observability.NewMultiSinkLogger(cfg.LogLevel, os.Stdout, f)
	return logger, func() { f.Close() }, nil
}
