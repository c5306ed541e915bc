// Package engine coordinates the conversation cache, the reconciliation
// pipeline, the emergency gate and the notification dispatcher over the
// real-time channels and the REST backend of record.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vetalia/chat-sync/internal/gate"
	"github.com/vetalia/chat-sync/internal/model"
	"github.com/vetalia/chat-sync/internal/notify"
	"github.com/vetalia/chat-sync/internal/reconcile"
	"github.com/vetalia/chat-sync/internal/store"
	"github.com/vetalia/chat-sync/internal/unread"
	"github.com/vetalia/chat-sync/pkg/logger"
	"github.com/vetalia/chat-sync/pkg/metrics"
)

var (
	// ErrConversationReadOnly is returned when a send is attempted on a
	// terminal-state emergency conversation. No network call is issued.
	ErrConversationReadOnly = errors.New("conversation is read-only")

	// ErrNoActiveConversation is returned when a send or retry is
	// attempted without an open conversation.
	ErrNoActiveConversation = errors.New("no active conversation")

	// ErrEmptyMessage is returned when a send has neither text nor image.
	ErrEmptyMessage = errors.New("message needs text or an image")
)

// API is the backend-of-record surface the engine depends on.
type API interface {
	ListConversations(ctx context.Context, role model.Role) ([]model.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*model.ConversationWithMessages, error)
	MarkRead(ctx context.Context, conversationID string) error
	SendMessage(ctx context.Context, conversationID string, req model.SendMessageRequest) (*model.Message, error)
}

// Transport is the real-time channel surface the engine depends on.
type Transport interface {
	Connect(ctx context.Context) error
	JoinConversation(conversationID string) error
	LeaveConversation(conversationID string) error
	OpenEmergency(ctx context.Context, appointmentID string) error
	CloseEmergency()
	Close()
}

// Engine is the single writer of all conversation state. Events are
// applied one at a time from one goroutine; public operations serialize
// against that goroutine through the engine mutex, so every handler sees
// a consistent world. Handlers are idempotent: the same logical event may
// arrive more than once, or under two different names.
type Engine struct {
	api        API
	transport  Transport
	store      *store.Store
	gate       *gate.Gate
	tracker    *unread.Tracker
	dispatcher *notify.Dispatcher
	role       model.Role
	userID     string
	log        *logger.Logger

	mu     sync.Mutex
	events chan model.Event
	stop   chan struct{}
	once   sync.Once
}

// New creates an engine. The transport is bound at Start so its handler
// can be this engine's Dispatch.
func New(
	api API,
	st *store.Store,
	g *gate.Gate,
	tracker *unread.Tracker,
	dispatcher *notify.Dispatcher,
	role model.Role,
	userID string,
	log *logger.Logger,
) *Engine {
	return &Engine{
		api:        api,
		store:      st,
		gate:       g,
		tracker:    tracker,
		dispatcher: dispatcher,
		role:       role,
		userID:     userID,
		log:        log,
		events:     make(chan model.Event, 256),
		stop:       make(chan struct{}),
	}
}

// Start binds the transport, launches the event loop and connects the
// chat channel.
func (e *Engine) Start(ctx context.Context, transport Transport) error {
	e.transport = transport
	go e.loop()
	if err := transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	return nil
}

// Dispatch enqueues an event for the loop. It is the transport's handler.
func (e *Engine) Dispatch(ev model.Event) {
	select {
	case e.events <- ev:
	case <-e.stop:
	}
}

// Close stops the loop and releases every timer and channel resource.
func (e *Engine) Close() {
	e.once.Do(func() {
		close(e.stop)
		if e.transport != nil {
			e.transport.Close()
		}
		e.tracker.CancelAll()
		e.dispatcher.Close()
	})
}

func (e *Engine) loop() {
	for {
		select {
		case <-e.stop:
			return
		case ev := <-e.events:
			e.handleEvent(ev)
		}
	}
}

func (e *Engine) handleEvent(ev model.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev := ev.(type) {
	case model.JoinedEvent:
		e.handleJoined(ev)
	case model.NewMessageEvent:
		e.handleNewMessage(ev)
	case model.ConversationUpdatedEvent:
		e.tracker.ApplyUpdate(ev)
	case model.EmergencyStatusEvent:
		e.handleEmergencyStatus(ev)
	case model.DisconnectedEvent:
		// Degraded mode is tied to the chat channel; an emergency channel
		// drop leaves the rest of the cache serviceable.
		if ev.Degraded && ev.Channel == model.ChannelChat {
			e.store.SetDegraded(true)
			e.log.Warn("entering degraded mode", zap.String("channel", string(ev.Channel)))
		}
	}
}

// handleJoined fires on initial connect and after every reconnect: the
// conversation list is refreshed from the backend (server totals win) and
// the active conversation room is re-joined.
func (e *Engine) handleJoined(ev model.JoinedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	convs, err := e.api.ListConversations(ctx, e.role)
	if err != nil {
		e.log.Warn("conversation list refresh failed", zap.Error(err))
	} else {
		e.store.SetConversations(convs)
	}
	e.store.SetDegraded(false)

	if active := e.store.ActiveID(); active != "" {
		if err := e.transport.JoinConversation(active); err != nil {
			e.log.Warn("conversation rejoin failed",
				zap.String("conversation_id", active),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) handleNewMessage(ev model.NewMessageEvent) {
	msg := ev.Message
	if msg.ConversationID == "" {
		msg.ConversationID = ev.ConversationID
	}
	if msg.Empty() {
		return
	}
	if ev.Summary != nil && msg.SenderName == "" {
		msg.SenderName = ev.Summary.SenderName
	}

	activeID := e.store.ActiveID()
	visible := e.store.Visible()
	own := reconcile.IsOwn(msg, e.role)

	conv, cached := e.store.Get(msg.ConversationID)
	if !cached {
		// The backend creates conversations on first message exchange;
		// seed the projection until the next list refresh fills it in.
		conv = model.Conversation{ID: msg.ConversationID}
		e.store.Upsert(conv)
	}

	// Events for a non-active conversation update its summary and
	// counters but never touch the rendered message list.
	if msg.ConversationID == activeID {
		merged, added := reconcile.Merge(e.store.Messages(), msg)
		e.store.ReplaceMessages(merged)
		if added {
			metrics.MessagesMergedTotal.WithLabelValues("push").Inc()
		} else {
			metrics.DuplicateMessagesTotal.Inc()
		}
	}

	// The message itself is the freshest last-message observation; the
	// summary overrides only the fields the server supplied.
	c, _ := e.store.Get(msg.ConversationID)
	e.store.Upsert(reconcile.TouchLastMessage(c, msg))

	serverCounted := false
	if ev.Summary != nil {
		e.tracker.ApplySummary(msg.ConversationID, ev.Summary)
		serverCounted = summaryCountsFor(ev.Summary, e.role)
	}

	if !own && msg.ConversationID != activeID && !serverCounted {
		e.tracker.Increment(msg.ConversationID)
	}

	urgent := ev.Emergency || conv.EmergencyLinked()
	e.dispatcher.HandleMessage(msg, activeID, visible, urgent)
}

func (e *Engine) handleEmergencyStatus(ev model.EmergencyStatusEvent) {
	status := model.ParseEmergencyStatus(ev.Status)
	if status == "" {
		return
	}

	conversationID := ev.ConversationID
	var changed bool
	if conversationID != "" {
		changed = e.gate.Apply(conversationID, status)
	} else {
		conversationID, changed = e.gate.ApplyAppointment(ev.AppointmentID, status)
	}
	if !changed {
		return
	}

	e.log.Info("emergency gate transition",
		zap.String("conversation_id", conversationID),
		zap.String("status", string(status)),
	)

	if status.Terminal() && conversationID == e.store.ActiveID() {
		e.store.SetReadOnly(true)
		e.transport.CloseEmergency()
	}
}

// OpenConversation makes a conversation the rendered one: history is
// fetched, the gate is derived from the linked appointment, the room is
// joined, unread is zeroed and any pending banner is dismissed. Opening
// the already-open conversation is a no-op.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string, hint model.EmergencyStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store.ActiveID() == conversationID {
		return nil
	}
	e.closeActiveLocked()

	resp, err := e.api.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to open conversation: %w", err)
	}

	messages := reconcile.MergeAll(nil, resp.Messages)
	metrics.MessagesMergedTotal.WithLabelValues("fetch").Add(float64(len(messages)))

	e.store.Upsert(resp.Conversation)

	readOnly := false
	if appt := resp.Appointment; appt != nil && appt.Emergency() {
		initial := gate.Derive(appt, hint)
		e.gate.Track(conversationID, appt.ID, initial)
		if status, _ := e.gate.Status(conversationID); status.Terminal() {
			readOnly = true
		} else if err := e.transport.OpenEmergency(ctx, appt.ID); err != nil {
			e.log.Warn("emergency channel unavailable",
				zap.String("appointment_id", appt.ID),
				zap.Error(err),
			)
		}
	} else {
		e.gate.Forget(conversationID)
	}

	e.store.SetActive(conversationID, messages)
	e.store.SetReadOnly(readOnly)

	if err := e.transport.JoinConversation(conversationID); err != nil {
		e.log.Warn("conversation join failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}

	e.tracker.MarkRead(ctx, conversationID)
	e.dispatcher.DismissBanner(conversationID)
	return nil
}

// CloseActive tears the active conversation down: leave the room, close
// the emergency channel, cancel its timers and clear the rendered list.
func (e *Engine) CloseActive() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeActiveLocked()
}

func (e *Engine) closeActiveLocked() {
	conversationID := e.store.ActiveID()
	if conversationID == "" {
		return
	}
	if err := e.transport.LeaveConversation(conversationID); err != nil {
		e.log.Warn("conversation leave failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
	e.transport.CloseEmergency()
	e.tracker.CancelPending(conversationID)
	e.dispatcher.DismissBanner(conversationID)
	e.store.ClearActive()
}

// Send inserts an optimistic message and posts it to the backend. The
// gate is checked before any network call: a terminal emergency rejects
// the send locally. On a failed send the optimistic message stays in the
// sequence, flagged failed, so the caller can retry with the same content.
func (e *Engine) Send(ctx context.Context, content, image string) (*model.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	conversationID := e.store.ActiveID()
	if conversationID == "" {
		return nil, ErrNoActiveConversation
	}

	content = strings.TrimSpace(content)
	if content == "" && image == "" {
		return nil, ErrEmptyMessage
	}

	if !e.gate.Writable(conversationID) {
		metrics.GateRejectionsTotal.Inc()
		return nil, ErrConversationReadOnly
	}

	optimistic := model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		SenderID:       e.userID,
		SenderRole:     e.role,
		Content:        content,
		Image:          image,
		CreatedAt:      time.Now().UTC(),
		Pending:        true,
	}

	merged, _ := reconcile.Merge(e.store.Messages(), optimistic)
	e.store.ReplaceMessages(merged)
	metrics.MessagesMergedTotal.WithLabelValues("optimistic").Inc()

	if conv, ok := e.store.Get(conversationID); ok {
		e.store.Upsert(reconcile.TouchLastMessage(conv, optimistic))
	}

	return e.postLocked(ctx, optimistic)
}

// RetrySend re-posts a failed optimistic message, reusing its ID so the
// eventual server echo still collapses into the same entry.
func (e *Engine) RetrySend(ctx context.Context, messageID string) (*model.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store.ActiveID() == "" {
		return nil, ErrNoActiveConversation
	}

	var failed *model.Message
	for _, m := range e.store.Messages() {
		if m.ID == messageID && m.Failed {
			copied := m
			failed = &copied
			break
		}
	}
	if failed == nil {
		return nil, fmt.Errorf("no failed message %q to retry", messageID)
	}

	if !e.gate.Writable(failed.ConversationID) {
		metrics.GateRejectionsTotal.Inc()
		return nil, ErrConversationReadOnly
	}

	e.setFlags(messageID, true, false)
	return e.postLocked(ctx, *failed)
}

func (e *Engine) postLocked(ctx context.Context, msg model.Message) (*model.Message, error) {
	sent, err := e.api.SendMessage(ctx, msg.ConversationID, model.SendMessageRequest{
		ID:      msg.ID,
		Content: msg.Content,
		Image:   msg.Image,
	})
	if err != nil {
		metrics.SendFailuresTotal.Inc()
		e.setFlags(msg.ID, true, true)
		e.log.Error("send failed",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("send failed: %w", err)
	}

	merged, _ := reconcile.Merge(e.store.Messages(), *sent)
	e.store.ReplaceMessages(merged)
	return sent, nil
}

// MarkRead zeroes the local unread counter for a conversation and issues
// the read receipt.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracker.MarkRead(ctx, conversationID)
}

// SetVisibility records whether the viewing surface is foregrounded; it
// feeds the notification suppression rule.
func (e *Engine) SetVisibility(visible bool) {
	e.store.SetVisible(visible)
}

// Writable reports whether the gate allows sends on a conversation.
func (e *Engine) Writable(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gate.Writable(conversationID)
}

// setFlags rewrites the pending/failed markers of one message in the
// active sequence as a whole-value replacement.
func (e *Engine) setFlags(messageID string, pending, failed bool) {
	messages := e.store.Messages()
	out := make([]model.Message, len(messages))
	copy(out, messages)
	for i := range out {
		if out[i].ID == messageID {
			out[i].Pending = pending
			out[i].Failed = failed
		}
	}
	e.store.ReplaceMessages(out)
}

// summaryCountsFor reports whether the server supplied a total for the
// local role's counter, in which case the local delta must not be added
// on top.
func summaryCountsFor(s *model.ConversationSummary, role model.Role) bool {
	if role == model.RoleVet {
		return s.VetUnreadCount != nil
	}
	return s.UserUnreadCount != nil
}
