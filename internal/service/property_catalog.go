package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dwellogo/dealdesk/internal/domain"
)

// PropertyCatalog resolves properties through the cache, falling back to the
// persistent store on a miss.
type PropertyCatalog struct {
	properties domain.PropertyStore
	cache      domain.PropertyCache
	logger     *slog.Logger
}

// NewPropertyCatalog creates a PropertyCatalog. cache may be nil.
func NewPropertyCatalog(properties domain.PropertyStore, cache domain.PropertyCache, logger *slog.Logger) *PropertyCatalog {
	return &PropertyCatalog{
		properties: properties,
		cache:      cache,
		logger:     logger,
	}
}

// Lookup returns the property or an error wrapping domain.ErrNotFound.
func (c *PropertyCatalog) Lookup(ctx context.Context, id string) (domain.Property, error) {
	if c.cache != nil {
		if p, err := c.cache.Get(ctx, id); err == nil {
			return p, nil
		}
	}

	p, err := c.properties.GetByID(ctx, id)
	if err != nil {
		return domain.Property{}, fmt.Errorf("property_catalog: get by id %q: %w", id, err)
	}

	if c.cache != nil {
		if cacheErr := c.cache.Set(ctx, p); cacheErr != nil {
			c.logger.WarnContext(ctx, "property_catalog: cache set failed",
				slog.String("property_id", id),
				slog.String("error", cacheErr.Error()),
			)
		}
	}
	return p, nil
}

// Register creates or replaces a catalog entry on behalf of an agent or admin
// account and returns the stored row. The property needs an owner or a
// listing agent so negotiations have a default seller.
func (c *PropertyCatalog) Register(ctx context.Context, actor domain.Actor, p domain.Property) (domain.Property, error) {
	if actor.ID == "" {
		return domain.Property{}, domain.ErrUnauthorized
	}
	if actor.Role != domain.AccountAgent && actor.Role != domain.AccountAdmin {
		return domain.Property{}, fmt.Errorf("%w: only agents and admins can register properties", domain.ErrForbidden)
	}
	p.ID = strings.TrimSpace(p.ID)
	p.Title = strings.TrimSpace(p.Title)
	p.OwnerID = strings.TrimSpace(p.OwnerID)
	p.ListingAgentID = strings.TrimSpace(p.ListingAgentID)
	if p.ID == "" {
		return domain.Property{}, fmt.Errorf("%w: property id is required", domain.ErrValidation)
	}
	if p.DefaultSeller() == "" {
		return domain.Property{}, fmt.Errorf("%w: owner_id or listing_agent_id is required", domain.ErrValidation)
	}

	if err := c.Upsert(ctx, p); err != nil {
		return domain.Property{}, err
	}
	c.logger.InfoContext(ctx, "property_catalog: property registered",
		slog.String("property_id", p.ID),
		slog.String("actor", actor.ID),
	)
	return c.Lookup(ctx, p.ID)
}

// Upsert writes the property and drops any cached copy.
func (c *PropertyCatalog) Upsert(ctx context.Context, p domain.Property) error {
	if err := c.properties.Upsert(ctx, p); err != nil {
		return fmt.Errorf("property_catalog: upsert %q: %w", p.ID, err)
	}
	if c.cache != nil {
		if err := c.cache.Invalidate(ctx, p.ID); err != nil {
			// Non-fatal: the entry expires on its own.
			c.logger.WarnContext(ctx, "property_catalog: cache invalidate failed",
				slog.String("property_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

var _ domain.PropertyCatalog = (*PropertyCatalog)(nil)
