package notify

import (
	"sync"

	"go.uber.org/zap"

	"github.com/vetalia/chat-sync/pkg/logger"
)

// LogSink writes notification decisions to the structured log. It stands
// in for the OS notification surface, which is out of scope here.
type LogSink struct {
	log *logger.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Notify(n Notification) {
	s.log.Info("notification",
		zap.String("id", n.ID),
		zap.String("conversation_id", n.ConversationID),
		zap.String("title", n.Title),
		zap.String("target", n.Target),
		zap.Bool("banner", n.Banner),
	)
}

func (s *LogSink) Expire(id string) {
	s.log.Debug("notification expired", zap.String("id", id))
}

// FeedEvent is one entry on the notification feed.
type FeedEvent struct {
	Kind         string        `json:"kind"` // "notification" or "expired"
	Notification *Notification `json:"notification,omitempty"`
	ID           string        `json:"id,omitempty"`
}

// Feed fans notifications out to watchers (the SSE surface). Slow
// watchers drop events rather than block the dispatcher.
type Feed struct {
	mu       sync.Mutex
	watchers map[int]chan FeedEvent
	next     int
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{watchers: make(map[int]chan FeedEvent)}
}

func (f *Feed) Notify(n Notification) {
	f.broadcast(FeedEvent{Kind: "notification", Notification: &n})
}

func (f *Feed) Expire(id string) {
	f.broadcast(FeedEvent{Kind: "expired", ID: id})
}

// Watch registers a feed listener; the returned function cancels it.
func (f *Feed) Watch() (<-chan FeedEvent, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	ch := make(chan FeedEvent, 16)
	f.watchers[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.watchers, id)
	}
}

func (f *Feed) broadcast(ev FeedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Multi duplicates sink calls across several sinks.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Notify(n Notification) {
	for _, s := range m {
		s.Notify(n)
	}
}

func (m multiSink) Expire(id string) {
	for _, s := range m {
		s.Expire(id)
	}
}
