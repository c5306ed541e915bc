// Package notify decides, per incoming non-own message, whether to
// surface a system notification, avoiding noise.
package notify

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vetalia/chat-sync/internal/model"
	"github.com/vetalia/chat-sync/pkg/logger"
	"github.com/vetalia/chat-sync/pkg/metrics"
)

// DefaultBannerTTL is how long an emergency banner stays up before
// auto-expiring.
const DefaultBannerTTL = 20 * time.Second

// maxBodyRunes bounds the notification body length.
const maxBodyRunes = 100

// maxSeenEntries bounds the duplicate-delivery window. Oldest entries
// are evicted first once the window is full.
const maxSeenEntries = 4096

// Notification is the payload handed to the sink.
type Notification struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	Target         string `json:"target"`
	Banner         bool   `json:"banner,omitempty"`
}

// Sink receives notification decisions. Implementations must not block.
type Sink interface {
	Notify(n Notification)
	Expire(id string)
}

// Dispatcher applies the suppression rule and owns banner expiry timers.
// Timers are explicit cancellable resources: acquired on banner creation,
// released on dismissal or teardown, so none fire against torn-down state.
type Dispatcher struct {
	sink       Sink
	localRole  model.Role
	bannerTTL  time.Duration
	permission bool
	log        *logger.Logger

	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
	banners   map[string]*banner // conversation ID -> active banner
	closed    bool
}

type banner struct {
	messageID string
	timer     *time.Timer
}

// New creates a dispatcher. permission mirrors the OS notification
// permission grant; without it nothing is ever raised.
func New(sink Sink, localRole model.Role, bannerTTL time.Duration, permission bool, log *logger.Logger) *Dispatcher {
	if bannerTTL <= 0 {
		bannerTTL = DefaultBannerTTL
	}
	return &Dispatcher{
		sink:       sink,
		localRole:  localRole,
		bannerTTL:  bannerTTL,
		permission: permission,
		log:        log,
		seen:       make(map[string]struct{}),
		banners:    make(map[string]*banner),
	}
}

// HandleMessage evaluates one incoming message. activeID and visible
// describe the rendered conversation and surface state at delivery time;
// urgent marks emergency-flagged deliveries that additionally get the
// time-boxed banner when the user is not viewing that conversation.
func (d *Dispatcher) HandleMessage(msg model.Message, activeID string, visible bool, urgent bool) {
	if msg.SenderRole == d.localRole {
		metrics.NotificationsTotal.WithLabelValues("own").Inc()
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if _, dup := d.seen[msg.ID]; dup {
		d.mu.Unlock()
		metrics.NotificationsTotal.WithLabelValues("duplicate").Inc()
		return
	}
	d.seen[msg.ID] = struct{}{}
	d.seenOrder = append(d.seenOrder, msg.ID)
	if len(d.seenOrder) > maxSeenEntries {
		delete(d.seen, d.seenOrder[0])
		d.seenOrder = d.seenOrder[1:]
	}
	d.mu.Unlock()

	if !d.permission {
		metrics.NotificationsTotal.WithLabelValues("no_permission").Inc()
		return
	}

	// Suppress only when the message's conversation is the open one AND
	// the surface is in the foreground.
	if msg.ConversationID == activeID && visible {
		metrics.NotificationsTotal.WithLabelValues("suppressed").Inc()
		return
	}

	n := Notification{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Title:          d.title(msg),
		Body:           body(msg),
		Target:         d.target(msg.ConversationID),
	}
	d.sink.Notify(n)
	metrics.NotificationsTotal.WithLabelValues("notified").Inc()

	if urgent && msg.ConversationID != activeID {
		d.raiseBanner(n)
	}
}

// DismissBanner releases the banner for a conversation early, used when
// the user navigates onto that conversation's URL.
func (d *Dispatcher) DismissBanner(conversationID string) {
	d.mu.Lock()
	b, ok := d.banners[conversationID]
	delete(d.banners, conversationID)
	d.mu.Unlock()
	if !ok {
		return
	}
	b.timer.Stop()
	d.sink.Expire(bannerID(b.messageID))
	metrics.NotificationsTotal.WithLabelValues("banner_dismissed").Inc()
}

// Close cancels every outstanding banner timer.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	banners := d.banners
	d.banners = make(map[string]*banner)
	d.closed = true
	d.mu.Unlock()
	for _, b := range banners {
		b.timer.Stop()
	}
}

func (d *Dispatcher) raiseBanner(base Notification) {
	messageID := base.ID
	n := base
	n.Banner = true
	n.ID = bannerID(messageID)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if prev, ok := d.banners[n.ConversationID]; ok {
		prev.timer.Stop()
		d.sink.Expire(bannerID(prev.messageID))
	}
	d.banners[n.ConversationID] = &banner{
		messageID: messageID,
		timer: time.AfterFunc(d.bannerTTL, func() {
			d.expireBanner(n.ConversationID, messageID)
		}),
	}
	d.mu.Unlock()

	d.sink.Notify(n)
	metrics.NotificationsTotal.WithLabelValues("banner").Inc()
}

func (d *Dispatcher) expireBanner(conversationID, messageID string) {
	d.mu.Lock()
	b, ok := d.banners[conversationID]
	if !ok || b.messageID != messageID {
		d.mu.Unlock()
		return
	}
	delete(d.banners, conversationID)
	d.mu.Unlock()

	d.sink.Expire(bannerID(messageID))
	metrics.NotificationsTotal.WithLabelValues("banner_expired").Inc()
	d.log.Debug("banner expired", zap.String("conversation_id", conversationID))
}

func (d *Dispatcher) title(msg model.Message) string {
	if msg.SenderName != "" {
		return msg.SenderName
	}
	return msg.SenderRole.DisplayName()
}

// target encodes the conversation and local role for navigation; acting
// on the notification routes deterministically to the conversation.
func (d *Dispatcher) target(conversationID string) string {
	return fmt.Sprintf("/chat/%s?role=%s", conversationID, d.localRole)
}

func body(msg model.Message) string {
	if msg.Content == "" && msg.Image != "" {
		return "Imagen"
	}
	return Truncate(msg.Content, maxBodyRunes)
}

func bannerID(messageID string) string {
	return "banner:" + messageID
}

// Truncate shortens s to at most n runes, appending an ellipsis when
// anything was cut.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
