package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dwellogo/dealdesk/internal/domain"
)

const defaultPropertyTTL = 5 * time.Minute

// PropertyCache implements domain.PropertyCache as one hash per property
// holding the JSON snapshot in field "data".
//
// Key schema:
//
//	{prefix}property:{id} - hash with field "data"
type PropertyCache struct {
	client *Client
	ttl    time.Duration
}

// NewPropertyCache creates a PropertyCache. A non-positive ttl selects the
// five minute default.
func NewPropertyCache(c *Client, ttl time.Duration) *PropertyCache {
	if ttl <= 0 {
		ttl = defaultPropertyTTL
	}
	return &PropertyCache{client: c, ttl: ttl}
}

func (pc *PropertyCache) propertyKey(id string) string { return pc.client.key("property", id) }

// Set stores a property snapshot and refreshes its TTL.
func (pc *PropertyCache) Set(ctx context.Context, p domain.Property) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis: marshal property %s: %w", p.ID, err)
	}

	key := pc.propertyKey(p.ID)
	pipe := pc.client.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, pc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set property %s: %w", p.ID, err)
	}
	return nil
}

// Get returns domain.ErrNotFound on a miss.
func (pc *PropertyCache) Get(ctx context.Context, id string) (domain.Property, error) {
	data, err := pc.client.rdb.HGet(ctx, pc.propertyKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Property{}, domain.ErrNotFound
		}
		return domain.Property{}, fmt.Errorf("redis: get property %s: %w", id, err)
	}

	var p domain.Property
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Property{}, fmt.Errorf("redis: unmarshal property %s: %w", id, err)
	}
	return p, nil
}

// Invalidate drops the cached snapshot.
func (pc *PropertyCache) Invalidate(ctx context.Context, id string) error {
	if err := pc.client.rdb.Del(ctx, pc.propertyKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate property %s: %w", id, err)
	}
	return nil
}

var _ domain.PropertyCache = (*PropertyCache)(nil)
