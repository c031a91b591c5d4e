package models

import (
	"errors"
	"time"
)

// EventKind discriminates inbound events.
type EventKind string

const (
	EventKindText     EventKind = "text"
	EventKindCallback EventKind = "callback"
	EventKindContact  EventKind = "contact"
	EventKindPayload  EventKind = "payload"
)

// ErrEmptySessionID is returned for events that carry no conversation identity.
var ErrEmptySessionID = errors.New("session id cannot be empty")

// ErrInvalidEventKind is returned for events with an unknown kind.
var ErrInvalidEventKind = errors.New("invalid event kind")

// InboundEvent is one message delivered by a transport for a conversation.
type InboundEvent struct {
	ID           string    `json:"id,omitempty"`
	SessionID    string    `json:"session_id"`
	Kind         EventKind `json:"kind"`
	Text         string    `json:"text,omitempty"`
	Callback     string    `json:"callback,omitempty"`
	ContactPhone string    `json:"contact_phone,omitempty"`
	Payload      []byte    `json:"payload,omitempty"`
	Locale       string    `json:"locale,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Validate checks the event carries an identity and a known kind.
func (e *InboundEvent) Validate() error {
	if e.SessionID == "" {
		return ErrEmptySessionID
	}
	switch e.Kind {
	case EventKindText, EventKindCallback, EventKindContact, EventKindPayload:
		return nil
	default:
		return ErrInvalidEventKind
	}
}

// Input returns the raw user input carried by the event: the text, callback token or shared phone.
func (e *InboundEvent) Input() string {
	switch e.Kind {
	case EventKindCallback:
		return e.Callback
	case EventKindContact:
		return e.ContactPhone
	default:
		return e.Text
	}
}
