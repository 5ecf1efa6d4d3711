package domain

import "time"

// EventType names a change published to negotiation subscribers.
type EventType string

const (
	EventNegotiationCreated EventType = "negotiation.created"
	EventOfferSubmitted     EventType = "offer.submitted"
	EventOfferAccepted      EventType = "offer.accepted"
	EventOfferRejected      EventType = "offer.rejected"
	EventOfferCountered     EventType = "offer.countered"
	EventMessageAdded       EventType = "message.added"
	EventMessagesRead       EventType = "messages.read"
	EventStatusChanged      EventType = "status.changed"
)

const (
	// NegotiationStream is the durable stream every event is appended to.
	NegotiationStream = "stream:negotiations"
	// NegotiationChannelPattern matches every per-negotiation channel.
	NegotiationChannelPattern = "negotiation:*"

	negotiationChannelPrefix = "negotiation:"
)

// NegotiationChannel returns the pub/sub channel for one negotiation.
func NegotiationChannel(id string) string {
	return negotiationChannelPrefix + id
}

// NegotiationIDFromChannel reverses NegotiationChannel.
func NegotiationIDFromChannel(channel string) (string, bool) {
	if len(channel) <= len(negotiationChannelPrefix) || channel[:len(negotiationChannelPrefix)] != negotiationChannelPrefix {
		return "", false
	}
	return channel[len(negotiationChannelPrefix):], true
}

// NegotiationEvent is the payload published after every committed change.
type NegotiationEvent struct {
	Type          EventType         `json:"type"`
	NegotiationID string            `json:"negotiation_id"`
	PropertyID    string            `json:"property_id"`
	Actor         string            `json:"actor"`
	Status        NegotiationStatus `json:"status"`
	Version       int64             `json:"version"`
	Offer         *Offer            `json:"offer,omitempty"`
	Counter       *Offer            `json:"counter_offer,omitempty"`
	Message       *Message          `json:"message,omitempty"`
	Participants  []string          `json:"participants"`
	At            time.Time         `json:"at"`
}
