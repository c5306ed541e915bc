package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vetalia/chat-sync/internal/engine"
	"github.com/vetalia/chat-sync/internal/middleware"
	"github.com/vetalia/chat-sync/internal/model"
	"github.com/vetalia/chat-sync/internal/restapi"
	"github.com/vetalia/chat-sync/internal/store"
	"github.com/vetalia/chat-sync/pkg/logger"
)

// ConversationHandler serves the cached conversation state and forwards
// operations to the engine.
type ConversationHandler struct {
	store  *store.Store
	engine *engine.Engine
	log    *logger.Logger
}

// NewConversationHandler creates a conversation handler.
func NewConversationHandler(st *store.Store, eng *engine.Engine, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{store: st, engine: eng, log: log}
}

// List handles GET /api/v1/conversations. It answers from the cache;
// the engine refreshes the cache from the backend on (re)connect.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	snap := h.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": snap.Conversations,
		"unread_total":  snap.UnreadTotal,
		"degraded":      snap.Degraded,
		"version":       snap.Version,
	})
}

// Get handles GET /api/v1/conversations/{conversationID}. The message
// sequence is only held for the active conversation.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, ok := h.store.Get(conversationID)
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	resp := map[string]interface{}{"conversation": conv}
	if h.store.ActiveID() == conversationID {
		resp["messages"] = h.store.Messages()
		resp["writable"] = h.engine.Writable(conversationID)
	}
	writeJSON(w, http.StatusOK, resp)
}

type openRequest struct {
	EmergencyStatus string `json:"emergency_status,omitempty"`
}

// Open handles POST /api/v1/conversations/{conversationID}/open. The
// optional emergency_status field is a hint carried over from the
// conversation list; the appointment record wins when they disagree.
func (h *ConversationHandler) Open(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req openRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	hint := model.ParseEmergencyStatus(req.EmergencyStatus)
	if err := h.engine.OpenConversation(r.Context(), conversationID, hint); err != nil {
		h.log.Error("open conversation failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		if errors.Is(err, restapi.ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, "backend rejected credentials")
			return
		}
		writeError(w, http.StatusBadGateway, "failed to open conversation")
		return
	}

	conv, _ := h.store.Get(conversationID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation": conv,
		"messages":     h.store.Messages(),
		"writable":     h.engine.Writable(conversationID),
	})
}

// Close handles POST /api/v1/conversations/{conversationID}/close.
// Closing a conversation that is not active is a no-op.
func (h *ConversationHandler) Close(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.store.ActiveID() == conversationID {
		h.engine.CloseActive()
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendRequest struct {
	Content string `json:"content"`
	Image   string `json:"image,omitempty"`
}

// SendMessage handles POST /api/v1/conversations/{conversationID}/messages.
// A failed backend post still leaves the optimistic message cached,
// flagged failed, so the response names the ID to retry with.
func (h *ConversationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.store.ActiveID() != conversationID {
		writeError(w, http.StatusConflict, "conversation is not open")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content, req.Image); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.engine.Send(r.Context(), req.Content, req.Image)
	if err != nil {
		h.writeSendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"message": msg})
}

// RetryMessage handles POST /api/v1/conversations/{conversationID}/messages/{messageID}/retry.
func (h *ConversationHandler) RetryMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	messageID := chi.URLParam(r, "messageID")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.engine.RetrySend(r.Context(), messageID)
	if err != nil {
		h.writeSendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": msg})
}

// MarkRead handles PUT /api/v1/conversations/{conversationID}/read. The
// local counter zeroes immediately; the receipt goes out best-effort.
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.engine.MarkRead(r.Context(), conversationID)
	w.WriteHeader(http.StatusNoContent)
}

type visibilityRequest struct {
	Visible bool `json:"visible"`
}

// Visibility handles PUT /api/v1/visibility.
func (h *ConversationHandler) Visibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.engine.SetVisibility(req.Visible)
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandler) writeSendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNoActiveConversation):
		writeError(w, http.StatusConflict, "no active conversation")
	case errors.Is(err, engine.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "message needs text or an image")
	case errors.Is(err, engine.ErrConversationReadOnly):
		writeError(w, http.StatusConflict, "emergency is closed, conversation is read-only")
	case errors.Is(err, restapi.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "backend rejected credentials")
	default:
		h.log.Error("send failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	}
}
