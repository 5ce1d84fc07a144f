package domain

import (
	"encoding/json"
	"time"

	"github.com/amora/realtime/pkg/protocol"
)

// EventType is the coarse category of an envelope. It selects the routing-key template.
type EventType string

const (
	EventNotification EventType = "notification"
	EventMessage      EventType = "message"
	EventMatch        EventType = "match"
	EventPresence     EventType = "presence"
	EventRoom         EventType = "room"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventNotification, EventMessage, EventMatch, EventPresence, EventRoom:
		return true
	}
	return false
}

// DefaultEventName returns the client event name used when a publisher does not override it.
func DefaultEventName(t EventType) string {
	switch t {
	case EventNotification:
		return protocol.EventNotificationNew
	case EventMessage:
		return protocol.EventMessageNew
	case EventMatch:
		return protocol.EventMatchNew
	case EventPresence:
		return protocol.EventUserOnline
	default:
		return string(t)
	}
}

// Envelope is the unit carried through the broker between gateway processes.
// ID is unique per publish and is what receivers deduplicate on.
type Envelope struct {
	ID             string          `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	OriginServerID string          `json:"originServerId"`
	UserID         *UserID         `json:"userId,omitempty"`
	RoomID         string          `json:"roomId,omitempty"`
	EventType      EventType       `json:"eventType"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
}

// ClientEvent returns the name pushed to clients for this envelope.
func (e Envelope) ClientEvent() string {
	if e.Event != "" {
		return e.Event
	}
	return DefaultEventName(e.EventType)
}

// PresencePayload is the payload of user:online / user:offline events.
type PresencePayload struct {
	UserID UserID `json:"userId"`
	Online bool   `json:"online"`
}
