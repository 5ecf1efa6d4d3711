package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/dwellogo/dealdesk/internal/blob/s3"
	"github.com/dwellogo/dealdesk/internal/cache/redis"
	"github.com/dwellogo/dealdesk/internal/config"
	"github.com/dwellogo/dealdesk/internal/domain"
	"github.com/dwellogo/dealdesk/internal/notify"
	"github.com/dwellogo/dealdesk/internal/server/handler"
	"github.com/dwellogo/dealdesk/internal/service"
	"github.com/dwellogo/dealdesk/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	NegotiationStore *postgres.NegotiationStore
	PropertyStore    domain.PropertyStore
	AuditStore       domain.AuditStore

	// Caches
	PropertyCache domain.PropertyCache
	RateLimiter   domain.RateLimiter
	LockManager   domain.LockManager
	SignalBus     domain.SignalBus

	// Blob storage; nil unless the mode archives.
	Archiver domain.Archiver

	// Services
	Negotiations *service.NegotiationService
	Properties   *service.PropertyCatalog

	// Notifications
	Notifier *notify.Notifier

	// Checks backs GET /api/status, one entry per wired backend.
	Checks map[string]handler.Checker
}

// needsS3 returns true for modes that write archives.
func needsS3(cfg *config.Config) bool {
	switch strings.ToLower(cfg.Mode) {
	case "archive":
		return true
	case "full":
		return cfg.Archive.Enabled
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]handler.Checker)}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)
	deps.Checks["postgres"] = pgClient.Ping

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.NegotiationStore = postgres.NewNegotiationStore(pool)
	deps.PropertyStore = postgres.NewPropertyStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Checks["redis"] = redisClient.Ping

	deps.PropertyCache = redis.NewPropertyCache(redisClient, cfg.Negotiation.PropertyCacheTTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL, cfg.Notify.DiscordUsername))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Services ---
	deps.Properties = service.NewPropertyCatalog(deps.PropertyStore, deps.PropertyCache, logger)
	deps.Negotiations = service.NewNegotiationService(
		deps.NegotiationStore,
		deps.Properties,
		deps.LockManager,
		deps.SignalBus,
		deps.AuditStore,
		deps.Notifier,
		service.NegotiationConfig{
			OfferTTL: cfg.Negotiation.OfferTTL.Duration,
			LockTTL:  cfg.Negotiation.LockTTL.Duration,
			LockWait: cfg.Negotiation.LockWait.Duration,
		},
		logger,
	)

	// --- S3 blob storage (only for modes that archive) ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Checks["s3"] = s3Client.Health

		deps.Archiver = s3blob.NewNegotiationArchiver(
			s3blob.NewArchiveWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.NegotiationStore,
			deps.AuditStore,
			cfg.Archive.BatchSize,
		)
	}

	return deps, cleanup, nil
}
