package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dwellogo/dealdesk/internal/domain"
	"github.com/dwellogo/dealdesk/internal/server/middleware"
)

// PropertyCatalog is the slice of the catalog the property endpoints use.
type PropertyCatalog interface {
	Lookup(ctx context.Context, id string) (domain.Property, error)
	Register(ctx context.Context, actor domain.Actor, p domain.Property) (domain.Property, error)
}

// PropertyHandler serves the listing sync endpoints.
type PropertyHandler struct {
	catalog PropertyCatalog
	logger  *slog.Logger
}

// NewPropertyHandler creates a PropertyHandler.
func NewPropertyHandler(catalog PropertyCatalog, logger *slog.Logger) *PropertyHandler {
	return &PropertyHandler{
		catalog: catalog,
		logger:  logger.With(slog.String("handler", "property")),
	}
}

type propertyRequest struct {
	Title          string `json:"title"`
	OwnerID        string `json:"owner_id"`
	ListingAgentID string `json:"listing_agent_id"`
}

type propertyResponse struct {
	Property domain.Property `json:"property"`
}

// Put creates or replaces a listing. Only agent and admin accounts may write.
// PUT /api/properties/{id}
func (h *PropertyHandler) Put(w http.ResponseWriter, r *http.Request) {
	var req propertyRequest
	if err := decode(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "register property", err)
		return
	}
	p, err := h.catalog.Register(r.Context(), middleware.ActorFrom(r.Context()), domain.Property{
		ID:             r.PathValue("id"),
		Title:          req.Title,
		OwnerID:        req.OwnerID,
		ListingAgentID: req.ListingAgentID,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "register property", err)
		return
	}
	writeJSON(w, http.StatusOK, propertyResponse{Property: p})
}

// Get returns a listing to any identified caller.
// GET /api/properties/{id}
func (h *PropertyHandler) Get(w http.ResponseWriter, r *http.Request) {
	if middleware.ActorFrom(r.Context()).ID == "" {
		writeDomainError(w, r, h.logger, "get property", fmt.Errorf("%w: caller identity required", domain.ErrUnauthorized))
		return
	}
	p, err := h.catalog.Lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get property", err)
		return
	}
	writeJSON(w, http.StatusOK, propertyResponse{Property: p})
}
