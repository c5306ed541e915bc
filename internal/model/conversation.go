// Package model defines data structures for the conversation sync engine.
package model

import (
	"time"
)

// Role identifies which side of a conversation a participant is on.
type Role string

const (
	RoleUser Role = "user"
	RoleVet  Role = "vet"
)

// Counterpart returns the opposite role.
func (r Role) Counterpart() Role {
	if r == RoleUser {
		return RoleVet
	}
	return RoleUser
}

// DisplayName returns the generic display name used when the sender's
// real name is not available.
func (r Role) DisplayName() string {
	if r == RoleVet {
		return "Veterinario"
	}
	return "Cliente"
}

// Valid reports whether the role is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleVet
}

// Conversation is the engine's cached projection of a tutor↔vet thread.
// Conversations are created by the backend of record; the engine only
// mutates this projection.
type Conversation struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	VetID  string `json:"vet_id"`

	UserName string `json:"user_name,omitempty"`
	VetName  string `json:"vet_name,omitempty"`

	// AppointmentID is set only for emergency-linked conversations.
	AppointmentID string `json:"appointment_id,omitempty"`

	LastMessage   string    `json:"last_message,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`

	// UserUnreadCount counts messages the user has not read; it grows when
	// the vet sends. VetUnreadCount is the mirror image.
	UserUnreadCount int `json:"user_unread_count"`
	VetUnreadCount  int `json:"vet_unread_count"`
}

// EmergencyLinked reports whether the conversation is tied to an appointment.
func (c Conversation) EmergencyLinked() bool {
	return c.AppointmentID != ""
}

// UnreadFor returns the unread counter owned by the given role.
func (c Conversation) UnreadFor(role Role) int {
	if role == RoleVet {
		return c.VetUnreadCount
	}
	return c.UserUnreadCount
}

// UnreadTotal is the derived sum of both counters. It is never stored.
func (c Conversation) UnreadTotal() int {
	return c.UserUnreadCount + c.VetUnreadCount
}

// ConversationSummary carries sender display data and updated counters
// embedded in a conversation:new-message payload. Counter fields are
// pointers: absent means the server did not supply a total for this update.
type ConversationSummary struct {
	SenderName      string    `json:"sender_name,omitempty"`
	LastMessage     string    `json:"last_message,omitempty"`
	LastMessageAt   time.Time `json:"last_message_at,omitempty"`
	UserUnreadCount *int      `json:"user_unread_count,omitempty"`
	VetUnreadCount  *int      `json:"vet_unread_count,omitempty"`
}

// ConversationWithMessages is the REST payload for a single conversation
// fetch, with embedded message history and the linked appointment, if any.
type ConversationWithMessages struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
	Appointment  *Appointment `json:"appointment,omitempty"`
}

// ListConversationsResponse is the REST payload for the role-scoped list.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}
