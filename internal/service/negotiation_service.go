package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dwellogo/dealdesk/internal/domain"
	"github.com/google/uuid"
)

const (
	defaultLockTTL  = 10 * time.Second
	defaultLockWait = 2 * time.Second
	lockPoll        = 25 * time.Millisecond

	defaultListLimit = 50
	maxListLimit     = 500

	negotiationAuditPrefix = "negotiation."
)

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// NegotiationConfig tunes the negotiation service.
type NegotiationConfig struct {
	// OfferTTL is applied to offers submitted without an explicit expiry.
	OfferTTL time.Duration
	// LockTTL bounds how long one mutation may hold the aggregate lock.
	LockTTL time.Duration
	// LockWait is how long a mutation polls for a busy lock before giving up.
	LockWait time.Duration
}

// NegotiationService runs every negotiation operation as one locked
// load-apply-save cycle and fans committed changes out to subscribers.
type NegotiationService struct {
	store    domain.NegotiationStore
	catalog  domain.PropertyCatalog
	locks    domain.LockManager
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier Notifier
	cfg      NegotiationConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewNegotiationService creates a NegotiationService with all required
// dependencies. notifier may be nil.
func NewNegotiationService(
	store domain.NegotiationStore,
	catalog domain.PropertyCatalog,
	locks domain.LockManager,
	bus domain.SignalBus,
	audit domain.AuditStore,
	notifier Notifier,
	cfg NegotiationConfig,
	logger *slog.Logger,
) *NegotiationService {
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = domain.DefaultOfferTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = defaultLockWait
	}
	return &NegotiationService{
		store:    store,
		catalog:  catalog,
		locks:    locks,
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the time source. Tests use it to pin timestamps.
func (s *NegotiationService) WithClock(now func() time.Time) *NegotiationService {
	s.now = now
	return s
}

// Create opens a negotiation for actor as buyer. The seller defaults to the
// property owner, then the listing agent.
func (s *NegotiationService) Create(ctx context.Context, actor domain.Actor, req domain.NegotiationRequest) (*domain.Negotiation, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if req.PropertyID == "" {
		return nil, fmt.Errorf("%w: property_id is required", domain.ErrValidation)
	}

	prop, err := s.catalog.Lookup(ctx, req.PropertyID)
	if err != nil {
		return nil, fmt.Errorf("negotiation_service: lookup property: %w", err)
	}
	seller := req.Seller
	if seller == "" {
		seller = prop.DefaultSeller()
	}
	participants, err := domain.NewParticipants(actor.ID, seller, req.BuyerAgent, req.SellerAgent)
	if err != nil {
		return nil, err
	}

	unlock, err := s.acquire(ctx, "create:"+prop.ID+":"+actor.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.store.FindOpen(ctx, prop.ID, actor.ID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateActiveNegotiation, existing.ID)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("negotiation_service: find open: %w", err)
	}

	n, err := domain.NewNegotiation(uuid.NewString(), prop.ID, participants, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("negotiation_service: create: %w", err)
	}

	s.committed(ctx, n, domain.NegotiationEvent{
		Type:  domain.EventNegotiationCreated,
		Actor: actor.ID,
	})
	s.logger.InfoContext(ctx, "negotiation_service: negotiation created",
		slog.String("negotiation_id", n.ID),
		slog.String("property_id", n.PropertyID),
		slog.String("buyer", actor.ID),
	)
	return n, nil
}

// Get returns the negotiation if actor participates in it.
func (s *NegotiationService) Get(ctx context.Context, actor domain.Actor, id string) (*domain.Negotiation, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	n, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("negotiation_service: get %q: %w", id, err)
	}
	if !n.CanAccess(actor.ID) {
		return nil, fmt.Errorf("%w: access denied", domain.ErrForbidden)
	}
	return n, nil
}

// CanJoin reports whether actorID may subscribe to the negotiation's room.
func (s *NegotiationService) CanJoin(ctx context.Context, actorID, negotiationID string) error {
	_, err := s.Get(ctx, domain.Actor{ID: actorID}, negotiationID)
	return err
}

// List returns negotiation headers the actor participates in, most recently
// active first, plus the unpaginated total.
// The filter's Participant is always replaced by the actor.
func (s *NegotiationService) List(ctx context.Context, actor domain.Actor, f domain.NegotiationFilter) ([]domain.Negotiation, int64, error) {
	if err := requireActor(actor); err != nil {
		return nil, 0, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, f.Status)
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	f.Participant = actor.ID
	items, err := s.store.ListByParticipant(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("negotiation_service: list: %w", err)
	}
	total, err := s.store.CountByParticipant(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("negotiation_service: count: %w", err)
	}
	return items, total, nil
}

// History returns the audit trail of a negotiation the actor participates in,
// newest first.
func (s *NegotiationService) History(ctx context.Context, actor domain.Actor, id string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	entries, err := s.audit.List(ctx, domain.AuditFilter{
		EventPrefix:   negotiationAuditPrefix,
		NegotiationID: id,
		ListOpts:      opts,
	})
	if err != nil {
		return nil, fmt.Errorf("negotiation_service: history %q: %w", id, err)
	}
	return entries, nil
}

// SubmitOffer appends an offer from the buyer side.
func (s *NegotiationService) SubmitOffer(ctx context.Context, actor domain.Actor, id string, in domain.OfferInput) (*domain.Negotiation, domain.Offer, error) {
	var offer domain.Offer
	n, err := s.mutate(ctx, actor, id, func(n *domain.Negotiation, now time.Time) (domain.NegotiationEvent, error) {
		o, err := n.SubmitOffer(actor.ID, s.withDefaultExpiry(in, now), now)
		if err != nil {
			return domain.NegotiationEvent{}, err
		}
		offer = o
		return domain.NegotiationEvent{Type: domain.EventOfferSubmitted, Offer: &o}, nil
	})
	return n, offer, err
}

// RespondToOffer accepts, rejects or counters an offer from the seller side.
func (s *NegotiationService) RespondToOffer(ctx context.Context, actor domain.Actor, id, offerID string, action domain.ResponseAction, counter *domain.OfferInput) (*domain.Negotiation, domain.Response, error) {
	var resp domain.Response
	n, err := s.mutate(ctx, actor, id, func(n *domain.Negotiation, now time.Time) (domain.NegotiationEvent, error) {
		if counter != nil {
			c := s.withDefaultExpiry(*counter, now)
			counter = &c
		}
		r, err := n.RespondToOffer(actor.ID, offerID, action, counter, now)
		if err != nil {
			return domain.NegotiationEvent{}, err
		}
		resp = r
		evt := domain.NegotiationEvent{Offer: &r.Offer, Counter: r.Counter, Message: &r.Message}
		switch action {
		case domain.ActionAccept:
			evt.Type = domain.EventOfferAccepted
		case domain.ActionReject:
			evt.Type = domain.EventOfferRejected
		default:
			evt.Type = domain.EventOfferCountered
		}
		return evt, nil
	})
	return n, resp, err
}

// AddMessage appends a chat message from any participant.
func (s *NegotiationService) AddMessage(ctx context.Context, actor domain.Actor, id string, in domain.MessageInput) (*domain.Negotiation, domain.Message, error) {
	var msg domain.Message
	n, err := s.mutate(ctx, actor, id, func(n *domain.Negotiation, now time.Time) (domain.NegotiationEvent, error) {
		m, err := n.AddMessage(actor.ID, in, now)
		if err != nil {
			return domain.NegotiationEvent{}, err
		}
		msg = m
		return domain.NegotiationEvent{Type: domain.EventMessageAdded, Message: &m}, nil
	})
	return n, msg, err
}

// SetStatus moves the negotiation to status.
func (s *NegotiationService) SetStatus(ctx context.Context, actor domain.Actor, id string, status domain.NegotiationStatus) (*domain.Negotiation, error) {
	return s.mutate(ctx, actor, id, func(n *domain.Negotiation, now time.Time) (domain.NegotiationEvent, error) {
		prev := n.Status
		if err := n.SetStatus(actor.ID, status, now); err != nil {
			return domain.NegotiationEvent{}, err
		}
		if prev == n.Status {
			return domain.NegotiationEvent{}, nil
		}
		return domain.NegotiationEvent{Type: domain.EventStatusChanged}, nil
	})
}

// MarkRead flags the actor's unread messages as read.
func (s *NegotiationService) MarkRead(ctx context.Context, actor domain.Actor, id string) (*domain.Negotiation, int, error) {
	var count int
	n, err := s.mutate(ctx, actor, id, func(n *domain.Negotiation, now time.Time) (domain.NegotiationEvent, error) {
		c, err := n.MarkRead(actor.ID, now)
		if err != nil {
			return domain.NegotiationEvent{}, err
		}
		count = c
		if c == 0 {
			return domain.NegotiationEvent{}, nil
		}
		return domain.NegotiationEvent{Type: domain.EventMessagesRead}, nil
	})
	return n, count, err
}

// applyFunc changes n and describes the change. An event with an empty Type
// means nothing changed and the save is skipped.
type applyFunc func(n *domain.Negotiation, now time.Time) (domain.NegotiationEvent, error)

// mutate holds the aggregate lock across load, apply and save.
func (s *NegotiationService) mutate(ctx context.Context, actor domain.Actor, id string, apply applyFunc) (*domain.Negotiation, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	unlock, err := s.acquire(ctx, domain.NegotiationChannel(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	n, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("negotiation_service: get %q: %w", id, err)
	}
	expected := n.Version

	evt, err := apply(n, s.now())
	if err != nil {
		return nil, err
	}
	if evt.Type == "" {
		return n, nil
	}

	start := time.Now()
	if err := s.store.Save(ctx, n, expected); err != nil {
		return nil, fmt.Errorf("negotiation_service: save %q: %w", id, err)
	}

	evt.Actor = actor.ID
	s.committed(ctx, n, evt)
	s.logger.InfoContext(ctx, "negotiation_service: "+string(evt.Type),
		slog.String("negotiation_id", n.ID),
		slog.String("actor", actor.ID),
		slog.String("status", string(n.Status)),
		slog.Int64("version", n.Version),
		slog.Duration("save", time.Since(start)),
	)
	return n, nil
}

// committed fans out a persisted change. Failures here are logged only; the
// change is already durable.
func (s *NegotiationService) committed(ctx context.Context, n *domain.Negotiation, evt domain.NegotiationEvent) {
	evt.NegotiationID = n.ID
	evt.PropertyID = n.PropertyID
	evt.Status = n.Status
	evt.Version = n.Version
	evt.Participants = n.GetParticipants()
	evt.At = n.Metadata.LastActivity

	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.ErrorContext(ctx, "negotiation_service: marshal event failed",
			slog.String("negotiation_id", n.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := s.bus.Publish(ctx, domain.NegotiationChannel(n.ID), payload); err != nil {
		s.logger.WarnContext(ctx, "negotiation_service: publish event failed",
			slog.String("negotiation_id", n.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, domain.NegotiationStream, payload); err != nil {
		s.logger.WarnContext(ctx, "negotiation_service: stream append failed",
			slog.String("negotiation_id", n.ID),
			slog.String("error", err.Error()),
		)
	}

	detail := map[string]any{
		"negotiation_id": n.ID,
		"property_id":    n.PropertyID,
		"actor":          evt.Actor,
		"status":         string(n.Status),
		"version":        n.Version,
	}
	if evt.Offer != nil {
		detail["offer_id"] = evt.Offer.ID
		detail["amount"] = evt.Offer.Amount
	}
	if evt.Counter != nil {
		detail["counter_offer_id"] = evt.Counter.ID
		detail["counter_amount"] = evt.Counter.Amount
	}
	if evt.Message != nil {
		detail["message_id"] = evt.Message.ID
	}
	if err := s.audit.Log(ctx, negotiationAuditPrefix+string(evt.Type), detail); err != nil {
		s.logger.WarnContext(ctx, "negotiation_service: audit log failed",
			slog.String("negotiation_id", n.ID),
			slog.String("error", err.Error()),
		)
	}

	s.notify(ctx, n, evt)
}

func (s *NegotiationService) notify(ctx context.Context, n *domain.Negotiation, evt domain.NegotiationEvent) {
	if s.notifier == nil {
		return
	}
	var event, title, body string
	switch evt.Type {
	case domain.EventNegotiationCreated:
		event, title = "negotiation_created", "Negotiation opened"
		body = fmt.Sprintf("Property %s: buyer %s opened negotiation %s", n.PropertyID, evt.Actor, n.ID)
	case domain.EventOfferAccepted:
		event, title = "offer_accepted", "Offer accepted"
		body = fmt.Sprintf("Negotiation %s: offer %s of %.2f accepted by %s", n.ID, evt.Offer.ID, evt.Offer.Amount, evt.Actor)
	case domain.EventOfferRejected:
		event, title = "offer_rejected", "Offer rejected"
		body = fmt.Sprintf("Negotiation %s: offer %s of %.2f rejected by %s", n.ID, evt.Offer.ID, evt.Offer.Amount, evt.Actor)
	case domain.EventOfferCountered:
		event, title = "offer_countered", "Offer countered"
		body = fmt.Sprintf("Negotiation %s: offer of %.2f countered with %.2f by %s", n.ID, evt.Offer.Amount, evt.Counter.Amount, evt.Actor)
	default:
		return
	}
	if err := s.notifier.Notify(ctx, event, title, body); err != nil {
		s.logger.WarnContext(ctx, "negotiation_service: notify failed",
			slog.String("negotiation_id", n.ID),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// acquire polls the lock until LockWait elapses.
func (s *NegotiationService) acquire(ctx context.Context, key string) (func(), error) {
	deadline := time.NewTimer(s.cfg.LockWait)
	defer deadline.Stop()

	for {
		unlock, err := s.locks.Acquire(ctx, key, s.cfg.LockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("negotiation_service: acquire %s: %w", key, err)
		}

		retry := time.NewTimer(lockPoll)
		select {
		case <-ctx.Done():
			retry.Stop()
			return nil, fmt.Errorf("negotiation_service: acquire %s: %w", key, ctx.Err())
		case <-deadline.C:
			retry.Stop()
			return nil, fmt.Errorf("negotiation_service: acquire %s: %w", key, domain.ErrLockHeld)
		case <-retry.C:
		}
	}
}

func (s *NegotiationService) withDefaultExpiry(in domain.OfferInput, now time.Time) domain.OfferInput {
	if in.ExpiresAt == nil && s.cfg.OfferTTL != domain.DefaultOfferTTL {
		in.ExpiresAt = domain.TimestampOf(now.UTC().Add(s.cfg.OfferTTL))
	}
	return in
}

func requireActor(actor domain.Actor) error {
	if actor.ID == "" {
		return domain.ErrUnauthorized
	}
	return nil
}
