package domain

import (
	"strings"
	"time"
)

// MessageType classifies a negotiation message.
type MessageType string

const (
	MessageTypeMessage      MessageType = "message"
	MessageTypeOffer        MessageType = "offer"
	MessageTypeCounterOffer MessageType = "counter-offer"
	MessageTypeAcceptance   MessageType = "acceptance"
	MessageTypeRejection    MessageType = "rejection"
	MessageTypeDocument     MessageType = "document"
	MessageTypeSystem       MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeMessage, MessageTypeOffer, MessageTypeCounterOffer, MessageTypeAcceptance,
		MessageTypeRejection, MessageTypeDocument, MessageTypeSystem:
		return true
	}
	return false
}

// Attachment references a file stored elsewhere.
type Attachment struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Message is a chat or system entry in a negotiation thread.
type Message struct {
	ID           string       `json:"id"`
	Sender       string       `json:"sender"`
	Recipient    string       `json:"recipient"`
	Text         string       `json:"message"`
	Type         MessageType  `json:"type"`
	RelatedOffer string       `json:"related_offer,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	IsRead       bool         `json:"is_read"`
	ReadAt       *time.Time   `json:"read_at,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// MessageInput is what a participant sends through AddMessage.
type MessageInput struct {
	Recipient   string       `json:"recipient"`
	Text        string       `json:"message"`
	Type        MessageType  `json:"type,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Validate checks required fields and the message type.
func (in MessageInput) Validate() error {
	if strings.TrimSpace(in.Recipient) == "" {
		return invalid("recipient is required")
	}
	if strings.TrimSpace(in.Text) == "" {
		return invalid("message cannot be empty")
	}
	if in.Type != "" && !in.Type.Valid() {
		return invalid("unknown message type %q", in.Type)
	}
	for i, a := range in.Attachments {
		if strings.TrimSpace(a.URL) == "" {
			return invalid("attachment %d: url is required", i)
		}
		if a.Size < 0 {
			return invalid("attachment %d: size must not be negative", i)
		}
	}
	return nil
}

func newMessage(sender string, in MessageInput, relatedOffer string, now time.Time) Message {
	typ := in.Type
	if typ == "" {
		typ = MessageTypeMessage
	}
	var attachments []Attachment
	if len(in.Attachments) > 0 {
		attachments = append(attachments, in.Attachments...)
	}
	return Message{
		ID:           newEntryID(now),
		Sender:       sender,
		Recipient:    strings.TrimSpace(in.Recipient),
		Text:         strings.TrimSpace(in.Text),
		Type:         typ,
		RelatedOffer: relatedOffer,
		Attachments:  attachments,
		Timestamp:    now,
	}
}
