package domain

import (
	"fmt"
	"math"
	"slices"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// NegotiationStatus is the lifecycle state of a negotiation.
type NegotiationStatus string

const (
	StatusActive            NegotiationStatus = "active"
	StatusPendingAcceptance NegotiationStatus = "pending-acceptance"
	StatusAccepted          NegotiationStatus = "accepted"
	StatusRejected          NegotiationStatus = "rejected"
	StatusExpired           NegotiationStatus = "expired"
	StatusCancelled         NegotiationStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s NegotiationStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPendingAcceptance, StatusAccepted, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is final. Terminal negotiations accept no
// further offers, responses, messages or status changes.
func (s NegotiationStatus) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Open reports whether s blocks a second negotiation for the same property
// and buyer.
func (s NegotiationStatus) Open() bool {
	return s == StatusActive || s == StatusPendingAcceptance
}

// TimelineKind names an audit entry on the negotiation timeline.
type TimelineKind string

const (
	TimelineStarted        TimelineKind = "negotiation-started"
	TimelineOfferSubmitted TimelineKind = "offer-submitted"
	TimelineOfferCountered TimelineKind = "offer-countered"
	TimelineOfferAccepted  TimelineKind = "offer-accepted"
	TimelineOfferRejected  TimelineKind = "offer-rejected"
	TimelineStatusChanged  TimelineKind = "status-changed"
)

// TimelineEvent is an append-only audit record.
type TimelineEvent struct {
	Kind        TimelineKind `json:"event"`
	Description string       `json:"description"`
	Actor       string       `json:"user"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Metadata holds denormalized counters kept in step with the lists.
// AverageResponseMinutes is the mean submit-to-response time over every
// answered offer.
type Metadata struct {
	StartedAt              time.Time `json:"started_at"`
	LastActivity           time.Time `json:"last_activity"`
	TotalOffers            int       `json:"total_offers"`
	TotalMessages          int       `json:"total_messages"`
	AverageResponseMinutes float64   `json:"average_response_minutes"`
}

// ResponseAction is the seller side's answer to an offer.
type ResponseAction string

const (
	ActionAccept  ResponseAction = "accept"
	ActionReject  ResponseAction = "reject"
	ActionCounter ResponseAction = "counter"
)

// Response reports what RespondToOffer changed.
type Response struct {
	Action  ResponseAction `json:"action"`
	Offer   Offer          `json:"offer"`
	Counter *Offer         `json:"counter_offer,omitempty"`
	Message Message        `json:"message"`
}

// Negotiation is one buyer's offer and message history against one property.
// All mutation goes through its methods; each method validates completely
// before changing anything, so an error leaves the value untouched.
type Negotiation struct {
	ID           string            `json:"id"`
	PropertyID   string            `json:"property_id"`
	Participants Participants      `json:"participants"`
	Status       NegotiationStatus `json:"status"`
	Offers       []Offer           `json:"offers"`
	Messages     []Message         `json:"messages"`
	CurrentOffer string            `json:"current_offer,omitempty"`
	Timeline     []TimelineEvent   `json:"timeline"`
	Metadata     Metadata          `json:"metadata"`
	Version      int64             `json:"version"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`

	changes changes
}

// changes records entries touched since the aggregate was loaded or last
// persisted. The zero value means nothing is pending.
type changes struct {
	offers   []int
	messages []int
	timeline int // unsaved events at the tail of Timeline
}

// ChangeSet lists what a store must write to persist the aggregate: indexes
// into Offers and Messages that were added or modified, and the first
// Timeline index not yet stored.
type ChangeSet struct {
	Offers       []int
	Messages     []int
	TimelineFrom int
}

// NegotiationRequest asks to open a negotiation for the calling buyer. An
// empty Seller defaults to the property's owner, then its listing agent.
type NegotiationRequest struct {
	PropertyID  string `json:"property_id"`
	Seller      string `json:"seller,omitempty"`
	BuyerAgent  string `json:"buyer_agent,omitempty"`
	SellerAgent string `json:"seller_agent,omitempty"`
}

// NewNegotiation starts an active negotiation with empty history.
func NewNegotiation(id, propertyID string, participants Participants, now time.Time) (*Negotiation, error) {
	if id == "" {
		return nil, invalid("id is required")
	}
	if propertyID == "" {
		return nil, invalid("property is required")
	}
	if err := participants.Validate(); err != nil {
		return nil, err
	}
	now = now.UTC()
	buyer := participants.Get(RoleBuyer)
	return &Negotiation{
		ID:           id,
		PropertyID:   propertyID,
		Participants: participants.Clone(),
		Status:       StatusActive,
		Offers:       []Offer{},
		Messages:     []Message{},
		Timeline: []TimelineEvent{{
			Kind:        TimelineStarted,
			Description: "Negotiation started",
			Actor:       buyer,
			Timestamp:   now,
		}},
		Metadata: Metadata{
			StartedAt:    now,
			LastActivity: now,
		},
		CreatedAt: now,
		UpdatedAt: now,
		changes:   changes{timeline: 1},
	}, nil
}

// SubmitOffer appends a pending offer from the buyer or the buyer's agent.
func (n *Negotiation) SubmitOffer(actorID string, in OfferInput, now time.Time) (Offer, error) {
	if !n.Participants.HasRole(actorID, RoleBuyer, RoleBuyerAgent) {
		return Offer{}, fmt.Errorf("%w: only the buyer or buyer agent can make offers", ErrForbidden)
	}
	if err := n.ensureOpen(); err != nil {
		return Offer{}, err
	}
	at := n.activityTime(now)
	if err := in.Validate(at); err != nil {
		return Offer{}, err
	}
	return n.appendOffer(in, actorID, at), nil
}

// RespondToOffer lets the seller or the seller's agent accept, reject or
// counter an offer.
func (n *Negotiation) RespondToOffer(actorID, offerID string, action ResponseAction, counter *OfferInput, now time.Time) (Response, error) {
	if !n.Participants.HasRole(actorID, RoleSeller, RoleSellerAgent) {
		return Response{}, fmt.Errorf("%w: only the seller or seller agent can respond to offers", ErrForbidden)
	}
	idx := n.offerIndex(offerID)
	if idx < 0 {
		return Response{}, ErrOfferNotFound
	}
	switch action {
	case ActionAccept, ActionReject, ActionCounter:
	default:
		return Response{}, fmt.Errorf("%w %q", ErrInvalidAction, action)
	}
	if err := n.ensureOpen(); err != nil {
		return Response{}, err
	}
	if st := n.Offers[idx].Status; st != OfferStatusPending {
		return Response{}, invalid("offer is %s, not pending", st)
	}
	at := n.activityTime(now)
	if action == ActionCounter {
		if counter == nil {
			return Response{}, invalid("counter offer is required")
		}
		if err := counter.Validate(at); err != nil {
			return Response{}, err
		}
	}

	// Validation done; mutate.
	offer := &n.Offers[idx]
	offer.RespondedAt = &at
	n.changes.offers = touch(n.changes.offers, idx)
	n.Metadata.AverageResponseMinutes = n.averageResponseMinutes()
	resp := Response{Action: action}

	switch action {
	case ActionAccept:
		offer.Status = OfferStatusAccepted
		n.Status = StatusAccepted
		n.appendTimeline(TimelineOfferAccepted, fmt.Sprintf("Offer of %s accepted", formatAmount(offer.Amount)), actorID, at)
		resp.Message = n.appendMessage(actorID, MessageInput{
			Recipient: offer.SubmittedBy,
			Text:      fmt.Sprintf("Offer of %s has been accepted!", formatAmount(offer.Amount)),
			Type:      MessageTypeAcceptance,
		}, offer.ID, at)

	case ActionReject:
		offer.Status = OfferStatusRejected
		n.appendTimeline(TimelineOfferRejected, fmt.Sprintf("Offer of %s rejected", formatAmount(offer.Amount)), actorID, at)
		resp.Message = n.appendMessage(actorID, MessageInput{
			Recipient: offer.SubmittedBy,
			Text:      fmt.Sprintf("Offer of %s has been rejected.", formatAmount(offer.Amount)),
			Type:      MessageTypeRejection,
		}, offer.ID, at)

	case ActionCounter:
		offer.Status = OfferStatusCountered
		recipient := offer.SubmittedBy
		n.appendTimeline(TimelineOfferCountered, fmt.Sprintf("Offer of %s countered with %s",
			formatAmount(offer.Amount), formatAmount(counter.Amount)), actorID, at)
		// offer points into n.Offers; appendOffer may reallocate it.
		resp.Offer = *offer
		c := n.appendOffer(*counter, actorID, at)
		resp.Counter = &c
		resp.Message = n.appendMessage(actorID, MessageInput{
			Recipient: recipient,
			Text:      fmt.Sprintf("Counter offer of %s has been made.", formatAmount(c.Amount)),
			Type:      MessageTypeCounterOffer,
		}, c.ID, at)
		return resp, nil
	}

	resp.Offer = *offer
	return resp, nil
}

// AddMessage appends a message from any participant.
func (n *Negotiation) AddMessage(actorID string, in MessageInput, now time.Time) (Message, error) {
	if !n.Participants.Has(actorID) {
		return Message{}, fmt.Errorf("%w: must be a negotiation participant to send messages", ErrForbidden)
	}
	if err := n.ensureOpen(); err != nil {
		return Message{}, err
	}
	if err := in.Validate(); err != nil {
		return Message{}, err
	}
	return n.appendMessage(actorID, in, "", n.activityTime(now)), nil
}

// SetStatus moves the negotiation to status. Any participant may do this;
// only the enum is checked. Setting the current status is a no-op.
func (n *Negotiation) SetStatus(actorID string, status NegotiationStatus, now time.Time) error {
	if !n.Participants.Has(actorID) {
		return fmt.Errorf("%w: access denied", ErrForbidden)
	}
	if !status.Valid() {
		return invalid("unknown status %q", status)
	}
	if err := n.ensureOpen(); err != nil {
		return err
	}
	if status == n.Status {
		return nil
	}
	at := n.activityTime(now)
	prev := n.Status
	n.Status = status
	n.Metadata.LastActivity = at
	n.UpdatedAt = at
	n.appendTimeline(TimelineStatusChanged, fmt.Sprintf("Status changed from %s to %s", prev, status), actorID, at)
	return nil
}

// MarkRead flags every unread message addressed to actorID as read and
// returns how many changed. It works on closed negotiations too.
func (n *Negotiation) MarkRead(actorID string, now time.Time) (int, error) {
	if !n.Participants.Has(actorID) {
		return 0, fmt.Errorf("%w: access denied", ErrForbidden)
	}
	at := now.UTC()
	count := 0
	for i := range n.Messages {
		m := &n.Messages[i]
		if m.Recipient == actorID && !m.IsRead {
			m.IsRead = true
			m.ReadAt = &at
			n.changes.messages = touch(n.changes.messages, i)
			count++
		}
	}
	if count > 0 {
		n.UpdatedAt = at
	}
	return count, nil
}

// GetParticipants returns the ids of everyone allowed to see the negotiation.
func (n *Negotiation) GetParticipants() []string {
	return n.Participants.List()
}

// CanAccess reports whether actorID may read the negotiation.
func (n *Negotiation) CanAccess(actorID string) bool {
	return n.Participants.Has(actorID)
}

// Offer returns the offer with the given id.
func (n *Negotiation) Offer(id string) (Offer, bool) {
	if i := n.offerIndex(id); i >= 0 {
		return n.Offers[i], true
	}
	return Offer{}, false
}

// CheckInvariants verifies the denormalized fields agree with the lists.
func (n *Negotiation) CheckInvariants() error {
	if n.Metadata.TotalOffers != len(n.Offers) {
		return fmt.Errorf("total_offers %d != %d offers", n.Metadata.TotalOffers, len(n.Offers))
	}
	if n.Metadata.TotalMessages != len(n.Messages) {
		return fmt.Errorf("total_messages %d != %d messages", n.Metadata.TotalMessages, len(n.Messages))
	}
	if len(n.Offers) == 0 {
		if n.CurrentOffer != "" {
			return fmt.Errorf("current_offer %q set without offers", n.CurrentOffer)
		}
	} else if last := n.Offers[len(n.Offers)-1].ID; n.CurrentOffer != last {
		return fmt.Errorf("current_offer %q is not the last offer %q", n.CurrentOffer, last)
	}
	if n.Metadata.LastActivity.Before(n.Metadata.StartedAt) {
		return fmt.Errorf("last_activity precedes started_at")
	}
	if !n.Status.Valid() {
		return fmt.Errorf("unknown status %q", n.Status)
	}
	if avg := n.averageResponseMinutes(); math.Abs(avg-n.Metadata.AverageResponseMinutes) > 1e-6 {
		return fmt.Errorf("average_response_minutes %.4f != %.4f", n.Metadata.AverageResponseMinutes, avg)
	}
	return nil
}

// Changes reports what was added or modified since the aggregate was loaded
// or last marked persisted.
func (n *Negotiation) Changes() ChangeSet {
	return ChangeSet{
		Offers:       slices.Clone(n.changes.offers),
		Messages:     slices.Clone(n.changes.messages),
		TimelineFrom: len(n.Timeline) - n.changes.timeline,
	}
}

// MarkPersisted clears the pending changes. Stores call it after a commit.
func (n *Negotiation) MarkPersisted() {
	n.changes = changes{}
}

// Clone returns a deep copy.
func (n *Negotiation) Clone() *Negotiation {
	out := *n
	out.Participants = n.Participants.Clone()
	out.Offers = make([]Offer, len(n.Offers))
	for i, o := range n.Offers {
		out.Offers[i] = o.clone()
	}
	out.Messages = make([]Message, len(n.Messages))
	for i, m := range n.Messages {
		out.Messages[i] = m.clone()
	}
	out.Timeline = append([]TimelineEvent{}, n.Timeline...)
	out.changes = changes{
		offers:   slices.Clone(n.changes.offers),
		messages: slices.Clone(n.changes.messages),
		timeline: n.changes.timeline,
	}
	return &out
}

func (o Offer) clone() Offer {
	if o.RespondedAt != nil {
		t := *o.RespondedAt
		o.RespondedAt = &t
	}
	if o.ResponseBy != nil {
		t := *o.ResponseBy
		o.ResponseBy = &t
	}
	if o.Documents != nil {
		o.Documents = append([]Document(nil), o.Documents...)
	}
	if o.Terms.ClosingDate != nil {
		t := *o.Terms.ClosingDate
		o.Terms.ClosingDate = &t
	}
	if o.Terms.DownPayment != nil {
		dp := *o.Terms.DownPayment
		o.Terms.DownPayment = &dp
	}
	if o.Terms.Contingencies != nil {
		cs := make([]Contingency, len(o.Terms.Contingencies))
		for i, c := range o.Terms.Contingencies {
			if c.Deadline != nil {
				d := *c.Deadline
				c.Deadline = &d
			}
			cs[i] = c
		}
		o.Terms.Contingencies = cs
	}
	return o
}

func (m Message) clone() Message {
	if m.ReadAt != nil {
		t := *m.ReadAt
		m.ReadAt = &t
	}
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return m
}

func (n *Negotiation) ensureOpen() error {
	if n.Status.Terminal() {
		return fmt.Errorf("%w: status is %s", ErrNegotiationClosed, n.Status)
	}
	return nil
}

// activityTime clamps now so LastActivity never moves backwards.
func (n *Negotiation) activityTime(now time.Time) time.Time {
	at := now.UTC()
	if at.Before(n.Metadata.LastActivity) {
		return n.Metadata.LastActivity
	}
	return at
}

func (n *Negotiation) offerIndex(id string) int {
	if id == "" {
		return -1
	}
	for i := range n.Offers {
		if n.Offers[i].ID == id {
			return i
		}
	}
	return -1
}

func (n *Negotiation) appendOffer(in OfferInput, submittedBy string, at time.Time) Offer {
	o := newOffer(in, submittedBy, at)
	n.Offers = append(n.Offers, o)
	n.changes.offers = touch(n.changes.offers, len(n.Offers)-1)
	n.CurrentOffer = o.ID
	n.Metadata.TotalOffers++
	n.Metadata.LastActivity = at
	n.UpdatedAt = at
	n.appendTimeline(TimelineOfferSubmitted, fmt.Sprintf("Offer submitted for %s by %s", formatAmount(o.Amount), submittedBy), submittedBy, at)
	return o
}

func (n *Negotiation) appendMessage(sender string, in MessageInput, relatedOffer string, at time.Time) Message {
	m := newMessage(sender, in, relatedOffer, at)
	n.Messages = append(n.Messages, m)
	n.changes.messages = touch(n.changes.messages, len(n.Messages)-1)
	n.Metadata.TotalMessages++
	n.Metadata.LastActivity = at
	n.UpdatedAt = at
	return m
}

func (n *Negotiation) appendTimeline(kind TimelineKind, desc, actor string, at time.Time) {
	n.Timeline = append(n.Timeline, TimelineEvent{
		Kind:        kind,
		Description: desc,
		Actor:       actor,
		Timestamp:   at,
	})
	n.changes.timeline++
}

func touch(indexes []int, i int) []int {
	if slices.Contains(indexes, i) {
		return indexes
	}
	return append(indexes, i)
}

func (n *Negotiation) averageResponseMinutes() float64 {
	var total time.Duration
	answered := 0
	for _, o := range n.Offers {
		if o.RespondedAt != nil {
			total += o.RespondedAt.Sub(o.SubmittedAt)
			answered++
		}
	}
	if answered == 0 {
		return 0
	}
	return total.Minutes() / float64(answered)
}

var amountPrinter = message.NewPrinter(language.English)

// formatAmount renders a dollar amount with thousands separators.
func formatAmount(v float64) string {
	if v == math.Trunc(v) {
		return amountPrinter.Sprintf("$%.0f", v)
	}
	return amountPrinter.Sprintf("$%.2f", v)
}
