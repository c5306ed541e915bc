package model

import (
	"time"
)

// Message is one entry in a conversation. IDs are unique within a
// conversation; duplicate deliveries collapse to one logical message.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`

	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	SenderRole Role   `json:"sender_role"`

	// At least one of Content and Image must be non-empty for the message
	// to be retained.
	Content string `json:"content,omitempty"`
	Image   string `json:"image,omitempty"`

	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`

	// Pending marks a locally-optimistic message not yet echoed by the
	// server. Failed marks a pending message whose send call was rejected;
	// a retry reuses the same ID.
	Pending bool `json:"pending,omitempty"`
	Failed  bool `json:"failed,omitempty"`
}

// Empty reports whether the message has neither text nor image.
func (m Message) Empty() bool {
	return m.Content == "" && m.Image == ""
}

// Before reports whether m sorts before other: by CreatedAt ascending,
// with ID as the tie-break. Arrival order is never used.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// SendMessageRequest is the REST request to send a message. Either text
// or a single image reference (or both) per call. ID is chosen by the
// client so the optimistic insert and the server echo collapse to one
// logical message.
type SendMessageRequest struct {
	ID      string `json:"id"`
	Content string `json:"content,omitempty"`
	Image   string `json:"image,omitempty"`
}

// SendMessageResponse is the REST response after sending a message.
type SendMessageResponse struct {
	Message Message `json:"message"`
}
