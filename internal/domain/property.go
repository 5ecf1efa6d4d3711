package domain

import "time"

// Property is a listing that negotiations are opened against.
type Property struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	OwnerID        string    `json:"owner_id,omitempty"`
	ListingAgentID string    `json:"listing_agent_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DefaultSeller returns the owner, falling back to the listing agent.
func (p Property) DefaultSeller() string {
	if p.OwnerID != "" {
		return p.OwnerID
	}
	return p.ListingAgentID
}
