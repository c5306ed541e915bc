// Package store holds the addressable in-memory collection of
// conversations and the active conversation's message sequence. All
// updates are whole-value replacements; mutation happens only through
// the engine's event handlers.
package store

import (
	"sort"
	"sync"

	"github.com/vetalia/chat-sync/internal/model"
)

// Snapshot is an immutable view of the store at one version.
type Snapshot struct {
	Conversations []model.Conversation `json:"conversations"`
	ActiveID      string               `json:"active_id,omitempty"`
	Messages      []model.Message      `json:"messages,omitempty"`
	ReadOnly      bool                 `json:"read_only"`
	Visible       bool                 `json:"visible"`
	Degraded      bool                 `json:"degraded"`
	UnreadTotal   int                  `json:"unread_total"`
	Version       uint64               `json:"version"`
}

// Store is safe for concurrent readers (the HTTP surface) against the
// single-writer engine loop.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]model.Conversation
	activeID      string
	messages      []model.Message
	readOnly      bool
	visible       bool
	degraded      bool
	version       uint64
	watchers      map[int]chan Snapshot
	nextWatcher   int
}

// New creates an empty store. The surface starts visible.
func New() *Store {
	return &Store{
		conversations: make(map[string]model.Conversation),
		visible:       true,
		watchers:      make(map[int]chan Snapshot),
	}
}

// SetConversations replaces the whole conversation collection, keeping
// nothing from the previous one.
func (s *Store) SetConversations(convs []model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make(map[string]model.Conversation, len(convs))
	for _, c := range convs {
		s.conversations[c.ID] = c
	}
	s.bump()
}

// Upsert replaces a single conversation projection.
func (s *Store) Upsert(conv model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
	s.bump()
}

// Get returns a conversation by ID.
func (s *Store) Get(id string) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	return c, ok
}

// SetActive marks a conversation as the rendered one and replaces the
// active message sequence.
func (s *Store) SetActive(id string, messages []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeID = id
	s.messages = messages
	s.bump()
}

// ClearActive drops the active conversation and its message sequence.
func (s *Store) ClearActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeID = ""
	s.messages = nil
	s.readOnly = false
	s.bump()
}

// SetReadOnly flags the active conversation as gated shut.
func (s *Store) SetReadOnly(readOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readOnly = readOnly
	s.bump()
}

// ActiveID returns the currently rendered conversation, or "".
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// ReplaceMessages swaps in a new active message sequence. The slice must
// not be mutated by the caller afterwards.
func (s *Store) ReplaceMessages(messages []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = messages
	s.bump()
}

// Messages returns the active message sequence.
func (s *Store) Messages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messages
}

// SetVisible records whether the viewing surface is in the foreground.
func (s *Store) SetVisible(visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible = visible
	s.bump()
}

// Visible reports the surface visibility flag.
func (s *Store) Visible() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visible
}

// SetDegraded flags non-real-time mode after reconnect attempts are
// exhausted.
func (s *Store) SetDegraded(degraded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded = degraded
	s.bump()
}

// Snapshot returns an immutable view: conversations sorted by
// lastMessageAt descending, plus the active sequence and flags.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	convs := make([]model.Conversation, 0, len(s.conversations))
	unread := 0
	for _, c := range s.conversations {
		convs = append(convs, c)
		unread += c.UnreadTotal()
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].LastMessageAt.Equal(convs[j].LastMessageAt) {
			return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
		}
		return convs[i].ID < convs[j].ID
	})
	return Snapshot{
		Conversations: convs,
		ActiveID:      s.activeID,
		Messages:      s.messages,
		ReadOnly:      s.readOnly,
		Visible:       s.visible,
		Degraded:      s.degraded,
		UnreadTotal:   unread,
		Version:       s.version,
	}
}

// Watch registers a change listener. The channel holds the latest
// snapshot only; slow consumers never block the writer. The returned
// function cancels the watch.
func (s *Store) Watch() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextWatcher
	s.nextWatcher++
	ch := make(chan Snapshot, 1)
	s.watchers[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

// bump must be called with the write lock held.
func (s *Store) bump() {
	s.version++
	snap := s.snapshotLocked()
	for _, ch := range s.watchers {
		select {
		case ch <- snap:
		default:
			// Replace the stale snapshot so the watcher sees the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
