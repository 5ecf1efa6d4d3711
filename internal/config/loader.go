package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies DEALDESK_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known DEALDESK_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DEALDESK_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform-provided alias
	setStr(&cfg.Postgres.Host, "DEALDESK_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "DEALDESK_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "DEALDESK_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "DEALDESK_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "DEALDESK_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "DEALDESK_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "DEALDESK_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "DEALDESK_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "DEALDESK_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "DEALDESK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DEALDESK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DEALDESK_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DEALDESK_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "DEALDESK_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "DEALDESK_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "DEALDESK_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "DEALDESK_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DEALDESK_S3_REGION")
	setStr(&cfg.S3.Bucket, "DEALDESK_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "DEALDESK_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DEALDESK_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "DEALDESK_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "DEALDESK_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "DEALDESK_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // platform-provided alias
	setStringSlice(&cfg.Server.CORSOrigins, "DEALDESK_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "DEALDESK_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMinute, "DEALDESK_SERVER_RATE_LIMIT_PER_MINUTE")

	// ── Negotiation ──
	setDuration(&cfg.Negotiation.OfferTTL, "DEALDESK_NEGOTIATION_OFFER_TTL")
	setDuration(&cfg.Negotiation.LockTTL, "DEALDESK_NEGOTIATION_LOCK_TTL")
	setDuration(&cfg.Negotiation.LockWait, "DEALDESK_NEGOTIATION_LOCK_WAIT")
	setDuration(&cfg.Negotiation.PropertyCacheTTL, "DEALDESK_NEGOTIATION_PROPERTY_CACHE_TTL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "DEALDESK_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "DEALDESK_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "DEALDESK_ARCHIVE_RETENTION_DAYS")
	setInt(&cfg.Archive.BatchSize, "DEALDESK_ARCHIVE_BATCH_SIZE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "DEALDESK_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DEALDESK_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DEALDESK_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.DiscordUsername, "DEALDESK_NOTIFY_DISCORD_USERNAME")
	setStringSlice(&cfg.Notify.Events, "DEALDESK_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "DEALDESK_MODE")
	setStr(&cfg.LogLevel, "DEALDESK_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
