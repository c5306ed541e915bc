package model

import (
	"encoding/json"
	"time"
)

// Channel names the two independently-authenticated real-time streams.
type Channel string

const (
	ChannelChat      Channel = "chat"
	ChannelEmergency Channel = "emergency"
)

// Wire event names, as emitted by the backend.
const (
	EventNewMessage          = "conversation:new-message"
	EventConversationUpdated = "conversation:updated"
	EventEmergencyNewMessage = "emergency:new-message"
	EventEmergencyCompleted  = "emergency:completed"
	EventEmergencyCancelled  = "emergency:cancelled"
	EventStatusUpdated       = "status:updated"
)

// Envelope is the wire frame for every real-time payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Event is the typed union consumed by the engine loop. Cross-channel
// delivery order is not guaranteed; handlers must be idempotent.
type Event interface {
	event()
}

// JoinedEvent is synthesized by the connection manager after a channel
// connects (or reconnects), prompting re-issue of room joins.
type JoinedEvent struct {
	Channel Channel
	Role    Role
	UserID  string
}

// NewMessageEvent carries the authoritative copy of a message. Emergency
// is set when the payload arrived under the emergency:new-message name.
type NewMessageEvent struct {
	ConversationID string               `json:"conversation_id"`
	Message        Message              `json:"message"`
	Summary        *ConversationSummary `json:"summary,omitempty"`
	Emergency      bool                 `json:"-"`
}

// ConversationUpdatedEvent carries a conversation-summary push. Counter
// fields are pointers so an absent total never clobbers local deltas.
type ConversationUpdatedEvent struct {
	ConversationID  string    `json:"conversation_id"`
	LastMessage     string    `json:"last_message"`
	LastMessageAt   time.Time `json:"last_message_at"`
	UserUnreadCount *int      `json:"user_unread_count,omitempty"`
	VetUnreadCount  *int      `json:"vet_unread_count,omitempty"`
}

// EmergencyStatusEvent covers emergency:completed, emergency:cancelled and
// status:updated deliveries on the emergency channel.
type EmergencyStatusEvent struct {
	AppointmentID  string `json:"appointment_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Status         string `json:"status"`
}

// DisconnectedEvent reports a channel drop. Degraded is set once the
// bounded reconnect attempts are exhausted.
type DisconnectedEvent struct {
	Channel  Channel
	Degraded bool
}

func (JoinedEvent) event()              {}
func (NewMessageEvent) event()          {}
func (ConversationUpdatedEvent) event() {}
func (EmergencyStatusEvent) event()     {}
func (DisconnectedEvent) event()        {}
