package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// NegotiationFilter narrows a participant's negotiation listing.
type NegotiationFilter struct {
	Participant string
	Status      NegotiationStatus
	ListOpts
}

// NegotiationStore persists negotiation aggregates.
type NegotiationStore interface {
	// Create inserts a new aggregate at version 1. It returns
	// ErrDuplicateActiveNegotiation when the buyer already has an open
	// negotiation on the property.
	Create(ctx context.Context, n *Negotiation) error
	Get(ctx context.Context, id string) (*Negotiation, error)
	// FindOpen returns the buyer's active or pending negotiation on the
	// property, or ErrNotFound.
	FindOpen(ctx context.Context, propertyID, buyerID string) (*Negotiation, error)
	// Save writes n if the stored version still equals expectedVersion and
	// bumps n.Version. It returns ErrVersionConflict otherwise.
	Save(ctx context.Context, n *Negotiation, expectedVersion int64) error
	// ListByParticipant returns negotiation headers ordered by last
	// activity, newest first. Offers and messages are not loaded.
	ListByParticipant(ctx context.Context, f NegotiationFilter) ([]Negotiation, error)
	CountByParticipant(ctx context.Context, f NegotiationFilter) (int64, error)
	// ListTerminalBefore returns fully loaded, not yet archived, closed
	// negotiations whose last activity precedes before.
	ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]*Negotiation, error)
	// MarkArchived excludes ids from later ListTerminalBefore calls.
	MarkArchived(ctx context.Context, ids []string, at time.Time) error
}

// PropertyStore persists the property catalog.
type PropertyStore interface {
	Upsert(ctx context.Context, p Property) error
	GetByID(ctx context.Context, id string) (Property, error)
}

// PropertyCatalog confirms a property exists and supplies its default seller.
type PropertyCatalog interface {
	Lookup(ctx context.Context, id string) (Property, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditFilter narrows an audit listing. EventPrefix "negotiation." matches
// every negotiation event; NegotiationID matches the detail's
// negotiation_id.
type AuditFilter struct {
	EventPrefix   string
	NegotiationID string
	ListOpts
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}
