package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dwellogo/dealdesk/internal/domain"
	"github.com/dwellogo/dealdesk/internal/server/middleware"
)

// NegotiationService defines what the negotiation handler needs from the
// service layer.
type NegotiationService interface {
	Create(ctx context.Context, actor domain.Actor, req domain.NegotiationRequest) (*domain.Negotiation, error)
	Get(ctx context.Context, actor domain.Actor, id string) (*domain.Negotiation, error)
	List(ctx context.Context, actor domain.Actor, f domain.NegotiationFilter) ([]domain.Negotiation, int64, error)
	SubmitOffer(ctx context.Context, actor domain.Actor, id string, in domain.OfferInput) (*domain.Negotiation, domain.Offer, error)
	RespondToOffer(ctx context.Context, actor domain.Actor, id, offerID string, action domain.ResponseAction, counter *domain.OfferInput) (*domain.Negotiation, domain.Response, error)
	AddMessage(ctx context.Context, actor domain.Actor, id string, in domain.MessageInput) (*domain.Negotiation, domain.Message, error)
	SetStatus(ctx context.Context, actor domain.Actor, id string, status domain.NegotiationStatus) (*domain.Negotiation, error)
	MarkRead(ctx context.Context, actor domain.Actor, id string) (*domain.Negotiation, int, error)
	History(ctx context.Context, actor domain.Actor, id string, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// NegotiationHandler serves the negotiation endpoints.
type NegotiationHandler struct {
	svc    NegotiationService
	logger *slog.Logger
}

// NewNegotiationHandler creates a NegotiationHandler.
func NewNegotiationHandler(svc NegotiationService, logger *slog.Logger) *NegotiationHandler {
	return &NegotiationHandler{
		svc:    svc,
		logger: logger.With(slog.String("handler", "negotiation")),
	}
}

type negotiationResponse struct {
	Negotiation *domain.Negotiation `json:"negotiation"`
}

type listNegotiationsResponse struct {
	Negotiations []domain.Negotiation `json:"negotiations"`
	Total        int64                `json:"total"`
	Limit        int                  `json:"limit"`
	Offset       int                  `json:"offset"`
}

type respondRequest struct {
	Action       domain.ResponseAction `json:"action"`
	CounterOffer *domain.OfferInput    `json:"counter_offer,omitempty"`
}

type statusRequest struct {
	Status domain.NegotiationStatus `json:"status"`
}

// List returns the caller's negotiations, most recently active first.
// GET /api/negotiations?status=active&since=...&until=...&limit=50&offset=0
func (h *NegotiationHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "list negotiations", err)
		return
	}
	f := domain.NegotiationFilter{
		Status:   domain.NegotiationStatus(r.URL.Query().Get("status")),
		ListOpts: opts,
	}

	items, total, err := h.svc.List(r.Context(), middleware.ActorFrom(r.Context()), f)
	if err != nil {
		writeDomainError(w, r, h.logger, "list negotiations", err)
		return
	}
	if items == nil {
		items = []domain.Negotiation{}
	}
	writeJSON(w, http.StatusOK, listNegotiationsResponse{
		Negotiations: items,
		Total:        total,
		Limit:        f.Limit,
		Offset:       f.Offset,
	})
}

// Create opens a negotiation with the caller as buyer.
// POST /api/negotiations
func (h *NegotiationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.NegotiationRequest
	if err := decode(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "create negotiation", err)
		return
	}
	n, err := h.svc.Create(r.Context(), middleware.ActorFrom(r.Context()), req)
	if err != nil {
		writeDomainError(w, r, h.logger, "create negotiation", err)
		return
	}
	writeJSON(w, http.StatusCreated, negotiationResponse{Negotiation: n})
}

// Get returns one negotiation in full.
// GET /api/negotiations/{id}
func (h *NegotiationHandler) Get(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Get(r.Context(), middleware.ActorFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get negotiation", err)
		return
	}
	writeJSON(w, http.StatusOK, negotiationResponse{Negotiation: n})
}

// SubmitOffer adds an offer from the buyer side.
// POST /api/negotiations/{id}/offers
func (h *NegotiationHandler) SubmitOffer(w http.ResponseWriter, r *http.Request) {
	var in domain.OfferInput
	if err := decode(w, r, &in); err != nil {
		writeDomainError(w, r, h.logger, "submit offer", err)
		return
	}
	n, offer, err := h.svc.SubmitOffer(r.Context(), middleware.ActorFrom(r.Context()), r.PathValue("id"), in)
	if err != nil {
		writeDomainError(w, r, h.logger, "submit offer", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"negotiation": n,
		"offer":       offer,
	})
}

// RespondToOffer accepts, rejects or counters an offer.
// POST /api/negotiations/{id}/offers/{offerId}/respond
func (h *NegotiationHandler) RespondToOffer(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := decode(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "respond to offer", err)
		return
	}
	n, resp, err := h.svc.RespondToOffer(r.Context(), middleware.ActorFrom(r.Context()),
		r.PathValue("id"), r.PathValue("offerId"), req.Action, req.CounterOffer)
	if err != nil {
		writeDomainError(w, r, h.logger, "respond to offer", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"negotiation": n,
		"response":    resp,
	})
}

// AddMessage posts a chat message to the negotiation.
// POST /api/negotiations/{id}/messages
func (h *NegotiationHandler) AddMessage(w http.ResponseWriter, r *http.Request) {
	var in domain.MessageInput
	if err := decode(w, r, &in); err != nil {
		writeDomainError(w, r, h.logger, "add message", err)
		return
	}
	n, msg, err := h.svc.AddMessage(r.Context(), middleware.ActorFrom(r.Context()), r.PathValue("id"), in)
	if err != nil {
		writeDomainError(w, r, h.logger, "add message", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"negotiation": n,
		"message":     msg,
	})
}

// MarkRead marks the caller's unread messages as read.
// POST /api/negotiations/{id}/messages/read
func (h *NegotiationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	n, count, err := h.svc.MarkRead(r.Context(), middleware.ActorFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "mark read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"negotiation": n,
		"marked":      count,
	})
}

// History returns the negotiation's audit trail, newest first.
// GET /api/negotiations/{id}/history?since=...&until=...&limit=50&offset=0
func (h *NegotiationHandler) History(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "negotiation history", err)
		return
	}
	entries, err := h.svc.History(r.Context(), middleware.ActorFrom(r.Context()), r.PathValue("id"), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, "negotiation history", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"history": entries,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}

// SetStatus changes the negotiation status.
// PATCH /api/negotiations/{id}/status
func (h *NegotiationHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "set status", err)
		return
	}
	n, err := h.svc.SetStatus(r.Context(), middleware.ActorFrom(r.Context()), r.PathValue("id"), req.Status)
	if err != nil {
		writeDomainError(w, r, h.logger, "set status", err)
		return
	}
	writeJSON(w, http.StatusOK, negotiationResponse{Negotiation: n})
}
