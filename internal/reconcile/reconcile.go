// Package reconcile merges independent observations of messages and
// conversation summaries into one consistent local state. All functions
// are pure: inputs are never mutated, results are fresh values, so
// consumers relying on reference-equality change detection observe
// updates deterministically.
package reconcile

import (
	"sort"

	"github.com/vetalia/chat-sync/internal/model"
)

// IsOwn reports whether the message was sent by the local participant.
func IsOwn(m model.Message, localRole model.Role) bool {
	return m.SenderRole == localRole
}

// Sort returns a copy of messages ordered by (createdAt, id). Ordering is
// always re-derived from the messages themselves, never from arrival order.
func Sort(messages []model.Message) []model.Message {
	out := make([]model.Message, len(messages))
	copy(out, messages)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Merge folds an incoming message into the sequence. Matching is by ID:
// when a match exists the existing entry is retained and only its
// pending/failed markers are cleared (the incoming copy confirms the
// optimistic send), which prevents visual duplication when the optimistic
// insert and the server echo race. Messages with neither text nor image
// are dropped. The returned slice is freshly allocated and sorted; the
// boolean reports whether a new entry was appended.
func Merge(messages []model.Message, incoming model.Message) ([]model.Message, bool) {
	if incoming.Empty() {
		return messages, false
	}

	for i, existing := range messages {
		if existing.ID != incoming.ID {
			continue
		}
		if !existing.Pending && !existing.Failed {
			return messages, false
		}
		out := make([]model.Message, len(messages))
		copy(out, messages)
		out[i].Pending = false
		out[i].Failed = false
		return out, false
	}

	out := make([]model.Message, 0, len(messages)+1)
	out = append(out, messages...)
	out = append(out, incoming)
	return Sort(out), true
}

// MergeAll folds a batch of messages (a REST history fetch) into the
// sequence, applying the same per-message rules as Merge.
func MergeAll(messages []model.Message, incoming []model.Message) []model.Message {
	out := messages
	for _, m := range incoming {
		out, _ = Merge(out, m)
	}
	return out
}

// ApplySummary merges an embedded conversation summary into a cached
// conversation. Server-supplied unread totals always take precedence over
// locally-accumulated deltas; absent counters leave local values alone.
func ApplySummary(conv model.Conversation, s *model.ConversationSummary) model.Conversation {
	if s == nil {
		return conv
	}
	if s.LastMessage != "" {
		conv.LastMessage = s.LastMessage
	}
	if !s.LastMessageAt.IsZero() {
		conv.LastMessageAt = s.LastMessageAt
	}
	if s.UserUnreadCount != nil {
		conv.UserUnreadCount = clamp(*s.UserUnreadCount)
	}
	if s.VetUnreadCount != nil {
		conv.VetUnreadCount = clamp(*s.VetUnreadCount)
	}
	return conv
}

// ApplyUpdate merges a conversation:updated push, with the same counter
// precedence as ApplySummary.
func ApplyUpdate(conv model.Conversation, ev model.ConversationUpdatedEvent) model.Conversation {
	if ev.LastMessage != "" {
		conv.LastMessage = ev.LastMessage
	}
	if !ev.LastMessageAt.IsZero() {
		conv.LastMessageAt = ev.LastMessageAt
	}
	if ev.UserUnreadCount != nil {
		conv.UserUnreadCount = clamp(*ev.UserUnreadCount)
	}
	if ev.VetUnreadCount != nil {
		conv.VetUnreadCount = clamp(*ev.VetUnreadCount)
	}
	return conv
}

// TouchLastMessage updates the conversation's last-message snapshot from a
// message, used when no summary rides along with the push.
func TouchLastMessage(conv model.Conversation, m model.Message) model.Conversation {
	text := m.Content
	if text == "" && m.Image != "" {
		text = "Imagen"
	}
	conv.LastMessage = text
	conv.LastMessageAt = m.CreatedAt
	return conv
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
