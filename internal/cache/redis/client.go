// Package redis implements the lock, pub/sub, rate limit and cache ports on
// go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key dealdesk writes.
const DefaultKeyPrefix = "dealdesk:"

const clientName = "dealdesk"

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool

	// KeyPrefix is prepended to lock, rate limit, cache and stream keys so
	// several deployments can share one database. Empty selects
	// DefaultKeyPrefix. Pub/sub channels are not keys and stay unprefixed.
	KeyPrefix string
}

// Client is the connection shared by the lock manager, rate limiter,
// property cache and signal bus.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// New connects, pings and loads the Lua scripts the lock manager and rate
// limiter run, so a server with scripting disabled fails at startup rather
// than on the first negotiation write.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
		ClientName: clientName,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	c := &Client{rdb: redis.NewClient(opts), prefix: normalizePrefix(cfg.KeyPrefix)}
	if err := c.Ping(ctx); err != nil {
		_ = c.rdb.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}
	for name, script := range map[string]*redis.Script{"unlock": unlockScript, "sliding_window": slidingWindowScript} {
		if err := script.Load(ctx, c.rdb).Err(); err != nil {
			_ = c.rdb.Close()
			return nil, fmt.Errorf("redis: load %s script: %w", name, err)
		}
	}
	return c, nil
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return DefaultKeyPrefix
	}
	if !strings.HasSuffix(p, ":") {
		p += ":"
	}
	return p
}

// key joins parts under the client's namespace: key("lock", "n1") is
// "dealdesk:lock:n1" with the default prefix.
func (c *Client) key(parts ...string) string {
	return c.prefix + strings.Join(parts, ":")
}

// Ping checks the Redis connection. It backs the status endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
