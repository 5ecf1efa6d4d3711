package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dwellogo/dealdesk/internal/domain"
)

// PropertyStore implements domain.PropertyStore using PostgreSQL.
type PropertyStore struct {
	pool *pgxpool.Pool
}

// NewPropertyStore creates a new PropertyStore backed by the given connection pool.
func NewPropertyStore(pool *pgxpool.Pool) *PropertyStore {
	return &PropertyStore{pool: pool}
}

// Upsert inserts or updates a single property.
func (s *PropertyStore) Upsert(ctx context.Context, p domain.Property) error {
	const query = `
		INSERT INTO properties (id, title, owner_id, listing_agent_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			title            = EXCLUDED.title,
			owner_id         = EXCLUDED.owner_id,
			listing_agent_id = EXCLUDED.listing_agent_id,
			updated_at       = NOW()`

	_, err := s.pool.Exec(ctx, query, p.ID, p.Title, nullString(p.OwnerID), nullString(p.ListingAgentID))
	if err != nil {
		return fmt.Errorf("postgres: upsert property %s: %w", p.ID, err)
	}
	return nil
}

// GetByID retrieves a property by its primary key.
func (s *PropertyStore) GetByID(ctx context.Context, id string) (domain.Property, error) {
	const query = `
		SELECT id, title, owner_id, listing_agent_id, created_at, updated_at
		FROM properties WHERE id = $1`

	var p domain.Property
	var owner, agent *string
	err := s.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.Title, &owner, &agent, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Property{}, domain.ErrNotFound
		}
		return domain.Property{}, fmt.Errorf("postgres: get property %s: %w", id, err)
	}
	p.OwnerID = deref(owner)
	p.ListingAgentID = deref(agent)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

var _ domain.PropertyStore = (*PropertyStore)(nil)
