package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearPlatformEnv blanks the unprefixed aliases a CI host may export.
func clearPlatformEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
}

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dealdesk.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 48*time.Hour, cfg.Negotiation.OfferTTL.Duration)
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearPlatformEnv(t)
	path := writeTOML(t, `
mode = "full"
log_level = "debug"

[postgres]
host = "db.internal"
pool_max_conns = 20

[server]
port = 9090
cors_origins = ["https://app.example.com"]

[negotiation]
offer_ttl = "24h"
lock_wait = "500ms"

[archive]
enabled = true
cron = "30 2 * * 0"
`)
	t.Setenv("DEALDESK_SERVER_PORT", "9191")
	t.Setenv("DEALDESK_NOTIFY_EVENTS", "offer_accepted, offer_rejected ,")
	t.Setenv("DEALDESK_NEGOTIATION_LOCK_TTL", "15s")
	t.Setenv("DEALDESK_REDIS_POOL_SIZE", "not-a-number")
	t.Setenv("DEALDESK_REDIS_KEY_PREFIX", "staging:")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "full", cfg.Mode)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, 5432, cfg.Postgres.Port, "unset keys keep defaults")
	assert.Equal(t, 20, cfg.Postgres.PoolMaxConns)
	assert.Equal(t, 9191, cfg.Server.Port, "env wins over file")
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 24*time.Hour, cfg.Negotiation.OfferTTL.Duration)
	assert.Equal(t, 500*time.Millisecond, cfg.Negotiation.LockWait.Duration)
	assert.Equal(t, 15*time.Second, cfg.Negotiation.LockTTL.Duration)
	assert.Equal(t, 10, cfg.Redis.PoolSize, "unparsable overrides are ignored")
	assert.Equal(t, "staging:", cfg.Redis.KeyPrefix)
	assert.Equal(t, []string{"offer_accepted", "offer_rejected"}, cfg.Notify.Events)
	assert.True(t, cfg.Archive.Enabled)
	assert.Equal(t, "30 2 * * 0", cfg.Archive.Cron)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	clearPlatformEnv(t)
	t.Setenv("DEALDESK_MODE", "archive")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "archive", cfg.Mode)
	assert.Equal(t, Defaults().Redis.Addr, cfg.Redis.Addr)
}

func TestLoad_BadFile(t *testing.T) {
	clearPlatformEnv(t)
	_, err := Load(writeTOML(t, `[negotiation]
offer_ttl = "forever"`))
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "batch"
	cfg.LogLevel = "loud"
	cfg.Postgres.Port = 0
	cfg.Postgres.PoolMinConns = 50
	cfg.Redis.Addr = ""
	cfg.Negotiation.LockTTL.Duration = 0
	cfg.Notify.TelegramToken = "token-only"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "batch"`,
		`unknown log_level "loud"`,
		"postgres: port must be 1-65535, got 0",
		"postgres: pool_min_conns must not exceed pool_max_conns",
		"redis: addr must not be empty",
		"negotiation: lock_ttl must be > 0",
		"notify: telegram_token and telegram_chat_id must be set together",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_ArchiveOnlyWhenArchiving(t *testing.T) {
	cfg := Defaults()
	cfg.S3.Bucket = ""
	cfg.Archive.RetentionDays = 0
	require.NoError(t, cfg.Validate(), "server mode ignores archive settings")

	cfg.Mode = "archive"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: bucket must not be empty")
	assert.Contains(t, err.Error(), "archive: retention_days must be >= 1")

	cfg = Defaults()
	cfg.Mode = "full"
	cfg.Archive.Enabled = true
	cfg.Archive.Cron = "every night"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `archive: invalid cron "every night"`)

	cfg.Archive.Cron = "@daily"
	require.NoError(t, cfg.Validate(), "descriptors are accepted")
}

func TestValidate_DSNSkipsDiscreteFields(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.DSN = "postgres://u:p@db:5432/dealdesk"
	cfg.Postgres.Host = ""
	cfg.Postgres.Port = 0
	require.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg-secret"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Server.APIKey = "gateway-key"
	cfg.Notify.DiscordWebhookURL = "https://discord.example/hook"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.Notify.DiscordWebhookURL)
	assert.Empty(t, out.Postgres.DSN, "empty secrets stay empty")
	assert.Equal(t, "localhost", out.Postgres.Host)

	out.Server.CORSOrigins[0] = "mutated"
	assert.Equal(t, "http://localhost:3000", cfg.Server.CORSOrigins[0])
	assert.Equal(t, "pg-secret", cfg.Postgres.Password)
}
