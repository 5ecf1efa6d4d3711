package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwellogo/dealdesk/internal/domain"
)

type memStore struct {
	mu       sync.Mutex
	rows     map[string]*domain.Negotiation
	conflict bool
	saves    int
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]*domain.Negotiation{}}
}

func (m *memStore) Create(_ context.Context, n *domain.Negotiation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buyer := n.Participants.Get(domain.RoleBuyer)
	for _, row := range m.rows {
		if row.PropertyID == n.PropertyID && row.Participants.Get(domain.RoleBuyer) == buyer && row.Status.Open() {
			return domain.ErrDuplicateActiveNegotiation
		}
	}
	n.Version = 1
	n.MarkPersisted()
	m.rows[n.ID] = n.Clone()
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*domain.Negotiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return row.Clone(), nil
}

func (m *memStore) FindOpen(_ context.Context, propertyID, buyerID string) (*domain.Negotiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.PropertyID == propertyID && row.Participants.Get(domain.RoleBuyer) == buyerID && row.Status.Open() {
			return row.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memStore) Save(_ context.Context, n *domain.Negotiation, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[n.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if m.conflict || row.Version != expected {
		return domain.ErrVersionConflict
	}
	n.Version = expected + 1
	n.MarkPersisted()
	m.rows[n.ID] = n.Clone()
	m.saves++
	return nil
}

func (m *memStore) filter(f domain.NegotiationFilter) []domain.Negotiation {
	var out []domain.Negotiation
	for _, row := range m.rows {
		if !row.CanAccess(f.Participant) {
			continue
		}
		if f.Status != "" && row.Status != f.Status {
			continue
		}
		out = append(out, *row.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.LastActivity.After(out[j].Metadata.LastActivity)
	})
	return out
}

func (m *memStore) ListByParticipant(_ context.Context, f domain.NegotiationFilter) ([]domain.Negotiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filter(f)
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) CountByParticipant(_ context.Context, f domain.NegotiationFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.filter(f))), nil
}

func (m *memStore) ListTerminalBefore(_ context.Context, before time.Time, limit int) ([]*domain.Negotiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Negotiation
	for _, row := range m.rows {
		if row.Status.Terminal() && row.Metadata.LastActivity.Before(before) {
			out = append(out, row.Clone())
		}
	}
	return out, nil
}

func (m *memStore) MarkArchived(context.Context, []string, time.Time) error {
	return nil
}

func (m *memStore) stored(id string) *domain.Negotiation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].Clone()
}

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

type recordingBus struct {
	mu         sync.Mutex
	published  map[string][][]byte
	stream     [][]byte
	publishErr error
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	if b.published == nil {
		b.published = map[string][][]byte{}
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *recordingBus) PSubscribe(context.Context, string) (<-chan domain.ChannelMessage, error) {
	return nil, errors.New("not implemented")
}

func (b *recordingBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream = append(b.stream, payload)
	return nil
}

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *recordingBus) events(t *testing.T, channel string) []domain.NegotiationEvent {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.NegotiationEvent
	for _, p := range b.published[channel] {
		var evt domain.NegotiationEvent
		require.NoError(t, json.Unmarshal(p, &evt))
		out = append(out, evt)
	}
	return out
}

type memAudit struct {
	mu      sync.Mutex
	events  []string
	entries []domain.AuditEntry
	filters []domain.AuditFilter
}

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	a.entries = append(a.entries, domain.AuditEntry{ID: int64(len(a.entries) + 1), Event: event, Detail: detail})
	return nil
}

// List filters by negotiation id only and returns newest first.
func (a *memAudit) List(_ context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.filters = append(a.filters, f)
	var out []domain.AuditEntry
	for i := len(a.entries) - 1; i >= 0; i-- {
		if e := a.entries[i]; f.NegotiationID == "" || e.Detail["negotiation_id"] == f.NegotiationID {
			out = append(out, e)
		}
	}
	return out, nil
}

type stubCatalog map[string]domain.Property

func (c stubCatalog) Lookup(_ context.Context, id string) (domain.Property, error) {
	p, ok := c[id]
	if !ok {
		return domain.Property{}, domain.ErrNotFound
	}
	return p, nil
}

type recordingNotifier struct {
	events []string
}

func (r *recordingNotifier) Notify(_ context.Context, event, _, _ string) error {
	r.events = append(r.events, event)
	return nil
}

type fixture struct {
	svc      *NegotiationService
	store    *memStore
	locks    *memLocks
	bus      *recordingBus
	audit    *memAudit
	notifier *recordingNotifier
	clock    time.Time
}

var (
	buyer       = domain.Actor{ID: "buyer-1", Role: domain.AccountUser}
	seller      = domain.Actor{ID: "owner-1", Role: domain.AccountUser}
	sellerAgent = domain.Actor{ID: "agent-9", Role: domain.AccountAgent}
	outsider    = domain.Actor{ID: "stranger", Role: domain.AccountUser}
)

func newFixture(t *testing.T, cfg NegotiationConfig) *fixture {
	t.Helper()
	f := &fixture{
		store:    newMemStore(),
		locks:    &memLocks{},
		bus:      &recordingBus{},
		audit:    &memAudit{},
		notifier: &recordingNotifier{},
		clock:    time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	catalog := stubCatalog{
		"prop-1": {ID: "prop-1", Title: "12 Elm St", OwnerID: "owner-1", ListingAgentID: "agent-9"},
		"prop-2": {ID: "prop-2", Title: "Lot 4", ListingAgentID: "agent-9"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewNegotiationService(f.store, catalog, f.locks, f.bus, f.audit, f.notifier, cfg, logger).
		WithClock(func() time.Time { return f.clock })
	return f
}

func (f *fixture) create(t *testing.T) *domain.Negotiation {
	t.Helper()
	n, err := f.svc.Create(context.Background(), buyer, domain.NegotiationRequest{PropertyID: "prop-1", SellerAgent: "agent-9"})
	require.NoError(t, err)
	return n
}

func TestCreate_DefaultsSellerToOwner(t *testing.T) {
	f := newFixture(t, NegotiationConfig{})
	n := f.create(t)

	assert.Equal(t, "buyer-1", n.Participants.Get(domain.RoleBuyer))
	assert.Equal(t, "owner-1", n.Participants.Get(domain.RoleSeller))
	assert.Equal(t, int64(1), n.Version)
	assert.Equal(t, []string{"negotiation.negotiation.created"}, f.audit.events)
	assert.Equal(t, []string{"negotiation_created"}, f.notifier.events)

	evts := f.bus.events(t, domain.NegotiationChannel(n.ID))
	require.Len(t, evts, 1)
	assert.Equal(t, domain.EventNegotiationCreated, evts[0].Type)
}

func TestCreate_FallsBackToListingAgent(t *testing.T) {
	f := newFixture(t, NegotiationConfig{})
	n, err := f.svc.Create(context.Background(), buyer, domain.NegotiationRequest{PropertyID: "prop-2"})
	require.NoError(t, err)
	assert.Equal(t, "agent-9", n.Participants.Get(domain.RoleSeller))
}

func TestCreate_UnknownProperty(t *testing.T) {
	f := newFixture(t, NegotiationConfig{})
	_, err := f.svc.Create(context.Background(), buyer, domain.NegotiationRequest{PropertyID: "nope"})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreate_Unauthenticated(t *testing.T) {
	f := newFixture(t, NegotiationConfig{})
	_, err := f.svc.Create(context.Background(), domain.Actor{}, domain.NegotiationRequest{PropertyID: "prop-1"})
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestCreate_DuplicateWhileOpen(t *testing.T) {
	f := newFixture(t, NegotiationConfig{})
	ctx := context.Background()
	n := f.create(t)

	_, err := f.svc.Create(ctx, buyer, domain.NegotiationRequest{PropertyID: "prop-1"})
	require.ErrorIs(t, err, domain.ErrDuplicateActiveNegotiation)

	_, err = f.svc.SetStatus(ctx, buyer, n.ID, domain.StatusPendingAcceptance)
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, buyer, domain.NegotiationRequest{PropertyID: "prop-1"})
	require.ErrorIs(t, err, domain.ErrDuplicateActiveNegotiation)

	_, err = f.svc.SetStatus(ctx, buyer, n.ID, domain.StatusCancelled)
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, buyer, domain.NegotiationRequest{PropertyID: "prop-1"})
	require.NoError(t, err)
}

func TestSubmitOffer_CommitsAndPublishes(t *testing.T) {
	f := newFixture(t, NegotiationConfig{})
	ctx := context.Background()
	n := f.create(t)

	got, offer, err := f.svc.SubmitOffer(ctx, buyer, n.ID, domain.OfferInput{Amount: 400000})
	require.NoError(t, err)

	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, offer.ID, got.CurrentOffer)
	assert.Equal(t, f.clock.Add(48*time.Hour), offer.ExpiresAt)

	stored := f.store.stored(n.ID)
	assert.Equal(t, 1, stored.Metadata.TotalOffers)
	require.NoError(t, stored.CheckInvariants())

	evts := f.bus.events(t, domain.NegotiationChannel(n.ID))
	require.Len(t, evts, 2)
	last := evts[1]
	assert.Equal(t, domain.EventOfferSubmitted, last.Type)
	assert.Equal(t, "buyer-1", last.Actor)
	require.NotNil(t, last.Offer)
	assert.Equal(t, offer.ID, last.Offer.ID)
	assert.ElementsMatch(t, []string{"buyer-1", "owner-1", "agent-9"}, last.Participants)
	assert.Len(t, f.bus.stream, 2)
	assert.Contains(t, f.audit.events, "negotiation.offer.submitted")
}

func TestSubmitOffer_ConfiguredTTL(t *testing.T) {
	f := newFixture(t, NegotiationConfig{OfferTTL: 24 * time.Hour})
	n := f.create(t)

	_, offer, err := f.svc.SubmitOffer(context.Background(), buyer, n.ID, domain.OfferInput{Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, f.clock.Add(24*time.Hour), offer.ExpiresAt)
}

func TestSubmitOffer_ForbiddenLeavesStoreUnchanged(t *testing.T) {
	f := newFixture(t, NegotiationConfig{})
	n := f.create(t)
	before := f.store.stored(n.ID)

	_, _, err := f.svc.SubmitOffer(context.Background(), seller, n.ID, domain.OfferInput{Amount: 400000})
	require.ErrorIs(t, err, domain.ErrForbidden)

	assert.Equal(t, before, f.store.stored(n.ID))
	assert.Zero(t, f.store.saves)
}

func TestSubmitOffer_NotFound(t *testing.T) {
	f := newFixture(t, NegotiationConfig{})
	_, _, err := f.svc.SubmitOffer(context.Background(), buyer, "missing", domain.OfferInput{Amount: 1})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRespondToOffer_AcceptNotifies(t *testing.T) {
	f := newFixture(t, NegotiationConfig{})
	ctx := context.Background()
	n := f.create(t)
	_, offer, err := f.svc.SubmitOffer(ctx, buyer, n.ID, domain.OfferInput{Amount: 400000})
	require.NoError(t, err)

	got, resp, err := f.svc.RespondToOffer(ctx, sellerAgent, n.ID, offer.ID, domain.ActionAccept, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusAccepted, got.Status)
	assert.Equal(t, domain.MessageTypeAcceptance, resp.Message.Type)
	assert.Equal(t, []string{"negotiation_created", "offer_accepted"}, f.notifier.events)

	_, _, err = f.svc.AddMessage(ctx, buyer, n.ID, domain.MessageInput{Recipient: "owner-1", Text: "thanks"})
	require.ErrorIs(t, err, domain.ErrNegotiationClosed)
}

func TestRespondToOffer_CounterUsesConfiguredTTL(t *testing.T) {
	f := newFixture(t, NegotiationConfig{OfferTTL: 12 * time.Hour})
	ctx := context.Background()
	n := f.create(t)
	_, offer, err := f.svc.SubmitOffer(ctx, buyer, n.ID, domain.OfferInput{Amount: 400000})
	require.NoError(t, err)

	got, resp, err := f.svc.RespondToOffer(ctx, seller, n.ID, offer.ID, domain.ActionCounter, &domain.OfferInput{Amount: 420000})
	require.NoError(t, err)

	require.NotNil(t, resp.Counter)
	assert.Equal(t, f.clock.Add(12*time.Hour), resp.Counter.ExpiresAt)
	assert.Len(t, got.Offers, 2)
	assert.Contains(t, f.notifier.events, "offer_countered")
}

func TestMutate_LockHeld(t *testing.T) {
	f := newFixture(t, NegotiationConfig{LockWait: 60 * time.Millisecond})
	ctx := context.Background()
	n := f.create(t)

	unlock, err := f.locks.Acquire(ctx, domain.NegotiationChannel(n.ID), time.Second)
	require.NoError(t, err)
	defer unlock()

	_, _, err = f.svc.SubmitOffer(ctx, buyer, n.ID, domain.OfferInput{Amount: 1})
	require.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestMutate_WaitsForLockRelease(t *testing.T) {
	f := newFixture(t, NegotiationConfig{LockWait: time.Second})
	ctx := context.Background()
	n := f.create(t)

	unlock, err := f.locks.Acquire(ctx, domain.NegotiationChannel(n.ID), time.Second)
	require.NoError(t, err)
	time.AfterFunc(50*time.Millisecond, unlock)

	_, _, err = f.svc.SubmitOffer(ctx, buyer, n.ID, domain.OfferInput{Amount: 1})
	require.NoError(t, err)
}

func TestMutate_VersionConflict(t *testing.T) {
	f := newFixture(t, NegotiationConfig{})
	n := f.create(t)
	f.store.conflict = true

	_, _, err := f.svc.SubmitOffer(context.Background(), buyer, n.ID, domain.OfferInput{Amount: 1})
	require.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.Len(t, f.bus.events(t, domain.NegotiationChannel(n.ID)), 1)
}

func TestMutate_PublishFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, NegotiationConfig{})
	n := f.create(t)
	f.bus.publishErr = errors.New("redis down")

	_, _, err := f.svc.AddMessage(context.Background(), buyer, n.ID, domain.MessageInput{Recipient: "owner-1", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.stored(n.ID).Metadata.TotalMessages)
}

func TestMarkRead_NoopSkipsSave(t *testing.T) {
	f := newFixture(t, NegotiationConfig{})
	ctx := context.Background()
	n := f.create(t)

	_, count, err := f.svc.MarkRead(ctx, buyer, n.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, f.store.saves)

	_, _, err = f.svc.AddMessage(ctx, seller, n.ID, domain.MessageInput{Recipient: "buyer-1", Text: "hi"})
	require.NoError(t, err)
	got, count, err := f.svc.MarkRead(ctx, buyer, n.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, got.Messages[0].IsRead)
	assert.True(t, f.store.stored(n.ID).Messages[0].IsRead)
}

func TestGet_ParticipantOnly(t *testing.T) {
	f := newFixture(t, NegotiationConfig{})
	ctx := context.Background()
	n := f.create(t)

	_, err := f.svc.Get(ctx, sellerAgent, n.ID)
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, outsider, n.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)
	require.ErrorIs(t, f.svc.CanJoin(ctx, "stranger", n.ID), domain.ErrForbidden)
}

func TestList_NewestActivityFirst(t *testing.T) {
	f := newFixture(t, NegotiationConfig{})
	ctx := context.Background()
	first := f.create(t)

	f.clock = f.clock.Add(time.Hour)
	second, err := f.svc.Create(ctx, buyer, domain.NegotiationRequest{PropertyID: "prop-2"})
	require.NoError(t, err)

	items, total, err := f.svc.List(ctx, buyer, domain.NegotiationFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, items, 2)
	assert.Equal(t, second.ID, items[0].ID)
	assert.Equal(t, first.ID, items[1].ID)

	items, total, err = f.svc.List(ctx, seller, domain.NegotiationFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, first.ID, items[0].ID)

	_, _, err = f.svc.List(ctx, buyer, domain.NegotiationFilter{Status: "bogus"})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, NegotiationConfig{})
	ctx := context.Background()
	n := f.create(t)
	_, _, err := f.svc.SubmitOffer(ctx, buyer, n.ID, domain.OfferInput{Amount: 400000})
	require.NoError(t, err)

	entries, err := f.svc.History(ctx, sellerAgent, n.ID, domain.ListOpts{Limit: 9000})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "negotiation.offer.submitted", entries[0].Event)
	assert.Equal(t, "negotiation.negotiation.created", entries[1].Event)

	last := f.audit.filters[len(f.audit.filters)-1]
	assert.Equal(t, n.ID, last.NegotiationID)
	assert.Equal(t, "negotiation.", last.EventPrefix)
	assert.Equal(t, maxListLimit, last.Limit)

	_, err = f.svc.History(ctx, outsider, n.ID, domain.ListOpts{})
	require.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.History(ctx, buyer, "missing", domain.ListOpts{})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRespondToOffer_TracksAverageResponseTime(t *testing.T) {
	f := newFixture(t, NegotiationConfig{})
	ctx := context.Background()
	n := f.create(t)
	_, offer, err := f.svc.SubmitOffer(ctx, buyer, n.ID, domain.OfferInput{Amount: 400000})
	require.NoError(t, err)

	f.clock = f.clock.Add(90 * time.Minute)
	got, _, err := f.svc.RespondToOffer(ctx, seller, n.ID, offer.ID, domain.ActionReject, nil)
	require.NoError(t, err)

	assert.InDelta(t, 90, got.Metadata.AverageResponseMinutes, 1e-9)
	assert.InDelta(t, 90, f.store.stored(n.ID).Metadata.AverageResponseMinutes, 1e-9)
}
