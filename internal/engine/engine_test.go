package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vetalia/chat-sync/internal/gate"
	"github.com/vetalia/chat-sync/internal/model"
	"github.com/vetalia/chat-sync/internal/notify"
	"github.com/vetalia/chat-sync/internal/store"
	"github.com/vetalia/chat-sync/internal/unread"
	"github.com/vetalia/chat-sync/pkg/logger"
)

type fakeAPI struct {
	mu            sync.Mutex
	conversations []model.Conversation
	byID          map[string]*model.ConversationWithMessages
	listErr       error
	sendErr       error
	sent          []model.SendMessageRequest
	getCalls      int
	markReads     []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{byID: make(map[string]*model.ConversationWithMessages)}
}

func (f *fakeAPI) ListConversations(ctx context.Context, role model.Role) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conversations, f.listErr
}

func (f *fakeAPI) GetConversation(ctx context.Context, conversationID string) (*model.ConversationWithMessages, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	resp, ok := f.byID[conversationID]
	if !ok {
		return nil, errors.New("not found")
	}
	return resp, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReads = append(f.markReads, conversationID)
	return nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, conversationID string, req model.SendMessageRequest) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &model.Message{
		ID:             req.ID,
		ConversationID: conversationID,
		SenderRole:     model.RoleUser,
		Content:        req.Content,
		Image:          req.Image,
		CreatedAt:      time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeAPI) sentRequests() []model.SendMessageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.SendMessageRequest, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeTransport struct {
	mu               sync.Mutex
	joins            []string
	leaves           []string
	emergencies      []string
	emergencyClosed  int
	joinErr          error
	openEmergencyErr error
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }

func (f *fakeTransport) JoinConversation(conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, conversationID)
	return f.joinErr
}

func (f *fakeTransport) LeaveConversation(conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, conversationID)
	return nil
}

func (f *fakeTransport) OpenEmergency(ctx context.Context, appointmentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emergencies = append(f.emergencies, appointmentID)
	return f.openEmergencyErr
}

func (f *fakeTransport) CloseEmergency() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emergencyClosed++
}

func (f *fakeTransport) Close() {}

type testWorld struct {
	api       *fakeAPI
	transport *fakeTransport
	store     *store.Store
	engine    *Engine
}

func newTestWorld(t *testing.T, role model.Role) *testWorld {
	t.Helper()
	api := newFakeAPI()
	transport := &fakeTransport{}
	st := store.New()
	g := gate.New()
	tracker := unread.New(st, api, role, time.Second, logger.Nop())
	dispatcher := notify.New(notify.NewFeed(), role, time.Hour, true, logger.Nop())

	eng := New(api, st, g, tracker, dispatcher, role, "u1", logger.Nop())
	eng.transport = transport
	t.Cleanup(eng.Close)

	return &testWorld{api: api, transport: transport, store: st, engine: eng}
}

func plainConversation(id string) *model.ConversationWithMessages {
	return &model.ConversationWithMessages{
		Conversation: model.Conversation{ID: id, UserID: "u1", VetID: "v1"},
	}
}

func TestOpenConversationFetchesAndOrdersHistory(t *testing.T) {
	w := newTestWorld(t, model.RoleUser)
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	w.api.byID["c1"] = &model.ConversationWithMessages{
		Conversation: model.Conversation{ID: "c1", UserID: "u1", VetID: "v1"},
		Messages: []model.Message{
			{ID: "m2", ConversationID: "c1", SenderRole: model.RoleVet, Content: "b", CreatedAt: base.Add(time.Minute)},
			{ID: "m1", ConversationID: "c1", SenderRole: model.RoleVet, Content: "a", CreatedAt: base},
		},
	}

	require.NoError(t, w.engine.OpenConversation(context.Background(), "c1", ""))

	snap := w.store.Snapshot()
	assert.Equal(t, "c1", snap.ActiveID)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "m1", snap.Messages[0].ID)
	assert.Equal(t, []string{"c1"}, w.transport.joins)
	assert.True(t, w.engine.Writable("c1"))
}

func TestOpenConversationTwiceFetchesOnce(t *testing.T) {
	w := newTestWorld(t, model.RoleUser)
	w.api.byID["c1"] = plainConversation("c1")

	require.NoError(t, w.engine.OpenConversation(context.Background(), "c1", ""))
	require.NoError(t, w.engine.OpenConversation(context.Background(), "c1", ""))

	assert.Equal(t, 1, w.api.getCalls)
}

func TestOpenConversationFetchFailureKeepsPreviousState(t *testing.T) {
	w := newTestWorld(t, model.RoleUser)

	err := w.engine.OpenConversation(context.Background(), "c1", "")
	require.Error(t, err)
	assert.Empty(t, w.store.Snapshot().ActiveID)
}

func TestSendEchoCollapsesIntoOptimisticMessage(t *testing.T) {
	w := newTestWorld(t, model.RoleUser)
	w.api.byID["c1"] = plainConversation("c1")
	require.NoError(t, w.engine.OpenConversation(context.Background(), "c1", ""))

	sent, err := w.engine.Send(context.Background(), "hola", "")
	require.NoError(t, err)

	// The channel push echoes the same message ID.
	w.engine.handleEvent(model.NewMessageEvent{
		ConversationID: "c1",
		Message: model.Message{
			ID:             sent.ID,
			ConversationID: "c1",
			SenderRole:     model.RoleUser,
			Content:        "hola",
			CreatedAt:      sent.CreatedAt,
		},
	})

	snap := w.store.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.False(t, snap.Messages[0].Pending)
	assert.False(t, snap.Messages[0].Failed)
}

func TestSendRejectedLocallyWhenEmergencyTerminal(t *testing.T) {
	w := newTestWorld(t, model.RoleUser)
	w.api.byID["c1"] = &model.ConversationWithMessages{
		Conversation: model.Conversation{ID: "c1", UserID: "u1", VetID: "v1", AppointmentID: "a1"},
		Appointment:  &model.Appointment{ID: "a1", Type: "emergency", Status: "completed"},
	}
	require.NoError(t, w.engine.OpenConversation(context.Background(), "c1", ""))
	assert.True(t, w.store.Snapshot().ReadOnly)

	_, err := w.engine.Send(context.Background(), "hola", "")
	assert.ErrorIs(t, err, ErrConversationReadOnly)
	assert.Empty(t, w.api.sentRequests(), "gate rejects before any network call")
}

func TestSendWithoutActiveConversation(t *testing.T) {
	w := newTestWorld(t, model.RoleUser)
	_, err := w.engine.Send(context.Background(), "hola", "")
	assert.ErrorIs(t, err, ErrNoActiveConversation)
}

func TestSendEmptyMessage(t *testing.T) {
	w := newTestWorld(t, model.RoleUser)
	w.api.byID["c1"] = plainConversation("c1")
	require.NoError(t, w.engine.OpenConversation(context.Background(), "c1", ""))

	_, err := w.engine.Send(context.Background(), "   ", "")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSendFailureFlagsMessageAndRetryReusesID(t *testing.T) {
	w := newTestWorld(t, model.RoleUser)
	w.api.byID["c1"] = plainConversation("c1")
	require.NoError(t, w.engine.OpenConversation(context.Background(), "c1", ""))

	w.api.sendErr = errors.New("backend down")
	_, err := w.engine.Send(context.Background(), "hola", "")
	require.Error(t, err)

	snap := w.store.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].Failed)
	failedID := snap.Messages[0].ID

	w.api.sendErr = nil
	retried, err := w.engine.RetrySend(context.Background(), failedID)
	require.NoError(t, err)
	assert.Equal(t, failedID, retried.ID)

	requests := w.api.sentRequests()
	require.Len(t, requests, 2)
	assert.Equal(t, requests[0].ID, requests[1].ID)

	snap = w.store.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.False(t, snap.Messages[0].Pending)
	assert.False(t, snap.Messages[0].Failed)
}

func TestRetryUnknownMessage(t *testing.T) {
	w := newTestWorld(t, model.RoleUser)
	w.api.byID["c1"] = plainConversation("c1")
	require.NoError(t, w.engine.OpenConversation(context.Background(), "c1", ""))

	_, err := w.engine.RetrySend(context.Background(), "nope")
	assert.Error(t, err)
}

func TestNonActiveMessageUpdatesCountersNotMessages(t *testing.T) {
	w := newTestWorld(t, model.RoleUser)
	w.api.byID["c1"] = plainConversation("c1")
	require.NoError(t, w.engine.OpenConversation(context.Background(), "c1", ""))
	w.store.Upsert(model.Conversation{ID: "c2", UserID: "u1", VetID: "v1"})

	at := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	w.engine.handleEvent(model.NewMessageEvent{
		ConversationID: "c2",
		Message: model.Message{
			ID:             "m9",
			ConversationID: "c2",
			SenderRole:     model.RoleVet,
			Content:        "hola",
			CreatedAt:      at,
		},
	})

	snap := w.store.Snapshot()
	assert.Empty(t, snap.Messages, "non-active conversation never touches the rendered list")

	conv, ok := w.store.Get("c2")
	require.True(t, ok)
	assert.Equal(t, 1, conv.UserUnreadCount)
	assert.Equal(t, "hola", conv.LastMessage)
	assert.Equal(t, at, conv.LastMessageAt)
}

func TestSenderOnlySummaryStillUpdatesLastMessage(t *testing.T) {
	w := newTestWorld(t, model.RoleVet)
	w.store.Upsert(model.Conversation{ID: "c3", UserID: "u1", VetID: "v1"})

	at := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
	w.engine.handleEvent(model.NewMessageEvent{
		ConversationID: "c3",
		Message: model.Message{
			ID:             "m1",
			ConversationID: "c3",
			SenderRole:     model.RoleUser,
			Content:        "hola",
			CreatedAt:      at,
		},
		Summary: &model.ConversationSummary{SenderName: "Andrea"},
	})

	conv, ok := w.store.Get("c3")
	require.True(t, ok)
	assert.Equal(t, 1, conv.VetUnreadCount, "no counter in the summary, local delta applies once")
	assert.Equal(t, "hola", conv.LastMessage)
	assert.Equal(t, at, conv.LastMessageAt)
}

func TestServerSummaryTotalPreventsDoubleCount(t *testing.T) {
	w := newTestWorld(t, model.RoleUser)
	w.store.Upsert(model.Conversation{ID: "c2", UserUnreadCount: 1})

	three := 3
	w.engine.handleEvent(model.NewMessageEvent{
		ConversationID: "c2",
		Message: model.Message{
			ID:             "m9",
			ConversationID: "c2",
			SenderRole:     model.RoleVet,
			Content:        "hola",
			CreatedAt:      time.Now(),
		},
		Summary: &model.ConversationSummary{UserUnreadCount: &three},
	})

	conv, _ := w.store.Get("c2")
	assert.Equal(t, 3, conv.UserUnreadCount, "server total is taken as-is, no local bump on top")
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	w := newTestWorld(t, model.RoleUser)
	w.api.byID["c1"] = plainConversation("c1")
	require.NoError(t, w.engine.OpenConversation(context.Background(), "c1", ""))

	ev := model.NewMessageEvent{
		ConversationID: "c1",
		Message: model.Message{
			ID:             "m1",
			ConversationID: "c1",
			SenderRole:     model.RoleVet,
			Content:        "hola",
			CreatedAt:      time.Now(),
		},
	}
	w.engine.handleEvent(ev)
	w.engine.handleEvent(ev)

	assert.Len(t, w.store.Snapshot().Messages, 1)
}

func TestUnknownConversationIsSeeded(t *testing.T) {
	w := newTestWorld(t, model.RoleUser)

	w.engine.handleEvent(model.NewMessageEvent{
		ConversationID: "fresh",
		Message: model.Message{
			ID:             "m1",
			ConversationID: "fresh",
			SenderRole:     model.RoleVet,
			Content:        "hola",
			CreatedAt:      time.Now(),
		},
	})

	conv, ok := w.store.Get("fresh")
	require.True(t, ok)
	assert.Equal(t, 1, conv.UserUnreadCount)
}

func TestEmergencyCompletionClosesActiveConversation(t *testing.T) {
	w := newTestWorld(t, model.RoleUser)
	w.api.byID["c1"] = &model.ConversationWithMessages{
		Conversation: model.Conversation{ID: "c1", UserID: "u1", VetID: "v1", AppointmentID: "a1"},
		Appointment:  &model.Appointment{ID: "a1", Type: "emergency", Status: "in_progress"},
	}
	require.NoError(t, w.engine.OpenConversation(context.Background(), "c1", ""))
	assert.Equal(t, []string{"a1"}, w.transport.emergencies)
	require.True(t, w.engine.Writable("c1"))

	w.engine.handleEvent(model.EmergencyStatusEvent{AppointmentID: "a1", Status: "completed"})

	snap := w.store.Snapshot()
	assert.True(t, snap.ReadOnly)
	assert.False(t, w.engine.Writable("c1"))
	assert.Equal(t, 1, w.transport.emergencyClosed)

	// Replay changes nothing.
	w.engine.handleEvent(model.EmergencyStatusEvent{AppointmentID: "a1", Status: "completed"})
	assert.Equal(t, 1, w.transport.emergencyClosed)
}

func TestJoinedRefreshesListAndRejoinsActive(t *testing.T) {
	w := newTestWorld(t, model.RoleUser)
	w.api.byID["c1"] = plainConversation("c1")
	require.NoError(t, w.engine.OpenConversation(context.Background(), "c1", ""))
	w.store.SetDegraded(true)

	w.api.mu.Lock()
	w.api.conversations = []model.Conversation{{ID: "c1"}, {ID: "c2"}}
	w.api.mu.Unlock()

	w.engine.handleEvent(model.JoinedEvent{Channel: model.ChannelChat, Role: model.RoleUser, UserID: "u1"})

	snap := w.store.Snapshot()
	assert.Len(t, snap.Conversations, 2)
	assert.False(t, snap.Degraded)
	assert.Equal(t, []string{"c1", "c1"}, w.transport.joins, "active room re-joined after reconnect")
}

func TestDisconnectedEventEntersDegradedMode(t *testing.T) {
	w := newTestWorld(t, model.RoleUser)
	w.store.Upsert(model.Conversation{ID: "c1", LastMessage: "hola"})

	w.engine.handleEvent(model.DisconnectedEvent{Channel: model.ChannelChat, Degraded: true})

	snap := w.store.Snapshot()
	assert.True(t, snap.Degraded)
	assert.Len(t, snap.Conversations, 1, "cached state survives degraded mode")
}

func TestEmergencyChannelDropDoesNotDegrade(t *testing.T) {
	w := newTestWorld(t, model.RoleUser)

	w.engine.handleEvent(model.DisconnectedEvent{Channel: model.ChannelEmergency, Degraded: true})

	assert.False(t, w.store.Snapshot().Degraded, "only a chat channel loss degrades the engine")
}

func TestCloseActiveLeavesRoomAndClearsState(t *testing.T) {
	w := newTestWorld(t, model.RoleUser)
	w.api.byID["c1"] = plainConversation("c1")
	require.NoError(t, w.engine.OpenConversation(context.Background(), "c1", ""))

	w.engine.CloseActive()

	snap := w.store.Snapshot()
	assert.Empty(t, snap.ActiveID)
	assert.Equal(t, []string{"c1"}, w.transport.leaves)
}

func TestOpenConversationZeroesUnread(t *testing.T) {
	w := newTestWorld(t, model.RoleUser)
	w.api.byID["c1"] = &model.ConversationWithMessages{
		Conversation: model.Conversation{ID: "c1", UserID: "u1", VetID: "v1", UserUnreadCount: 5},
	}

	require.NoError(t, w.engine.OpenConversation(context.Background(), "c1", ""))

	conv, _ := w.store.Get("c1")
	assert.Equal(t, 0, conv.UserUnreadCount)

	require.Eventually(t, func() bool {
		w.api.mu.Lock()
		defer w.api.mu.Unlock()
		return len(w.api.markReads) == 1
	}, time.Second, 5*time.Millisecond)
}
