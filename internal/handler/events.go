package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vetalia/chat-sync/internal/notify"
	"github.com/vetalia/chat-sync/internal/store"
	"github.com/vetalia/chat-sync/pkg/logger"
	"github.com/vetalia/chat-sync/pkg/metrics"
)

// EventsHandler streams engine state over Server-Sent Events: a snapshot
// whenever the cache changes, plus notification feed entries.
type EventsHandler struct {
	store *store.Store
	feed  *notify.Feed
	log   *logger.Logger
}

// NewEventsHandler creates an SSE events handler.
func NewEventsHandler(st *store.Store, feed *notify.Feed, log *logger.Logger) *EventsHandler {
	return &EventsHandler{store: st, feed: feed, log: log}
}

// Stream handles GET /api/v1/events. The first event is always the
// current snapshot so a new listener never starts blind.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	snapshots, cancelSnapshots := h.store.Watch()
	defer cancelSnapshots()
	feed, cancelFeed := h.feed.Watch()
	defer cancelFeed()

	if err := sendSSEEvent(w, flusher, "snapshot", h.store.Snapshot()); err != nil {
		return
	}

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case snap := <-snapshots:
			if err := sendSSEEvent(w, flusher, "snapshot", snap); err != nil {
				h.log.Debug("sse write failed", zap.Error(err))
				return
			}

		case ev := <-feed:
			if err := sendSSEEvent(w, flusher, ev.Kind, ev); err != nil {
				h.log.Debug("sse write failed", zap.Error(err))
				return
			}

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, "heartbeat", map[string]int64{"ts": time.Now().Unix()}); err != nil {
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
