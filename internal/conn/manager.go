// Package conn establishes and supervises the two real-time channels,
// "chat" and "emergency", over NATS. Room membership is modelled as a
// subject subscription plus a presence signal to the backend; after any
// reconnect the manager re-issues every active join rather than assuming
// the transport remembered membership.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/vetalia/chat-sync/internal/model"
	"github.com/vetalia/chat-sync/pkg/logger"
	"github.com/vetalia/chat-sync/pkg/metrics"
)

// ErrUnauthorized marks a credential rejected at connect time. It is
// surfaced immediately and never retried.
var ErrUnauthorized = errors.New("channel authorization failed")

// Presence event names emitted to the backend.
const (
	presenceSubject    = "presence"
	joinUserEvent      = "join:user"
	joinVetEvent       = "join:vet"
	joinConvEvent      = "join:conversation"
	leaveConvEvent     = "leave:conversation"
	joinEmergencyEvent = "join:emergency"
)

// Handler receives decoded events. It must not block for long; the
// engine's loop drains promptly.
type Handler func(model.Event)

// Config holds channel connection settings.
type Config struct {
	ChatURL           string
	EmergencyURL      string
	Token             string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

// Manager owns the socket lifecycle per channel.
type Manager struct {
	cfg     Config
	role    model.Role
	userID  string
	handler Handler
	log     *logger.Logger

	mu        sync.Mutex
	chat      *channel
	emergency *channel
}

type channel struct {
	name    model.Channel
	nc      *nats.Conn
	subs    map[string]*nats.Subscription
	closing bool
}

// New creates a manager for the local participant. handler receives every
// decoded event, including the synthetic joined and disconnected ones.
func New(cfg Config, role model.Role, userID string, handler Handler, log *logger.Logger) *Manager {
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.EmergencyURL == "" {
		cfg.EmergencyURL = cfg.ChatURL
	}
	return &Manager{
		cfg:     cfg,
		role:    role,
		userID:  userID,
		handler: handler,
		log:     log,
	}
}

// Connect opens the chat channel and joins the role-scoped room. On
// success a synthetic joined event is delivered so the caller re-issues
// conversation joins.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.chat != nil {
		m.mu.Unlock()
		return nil
	}

	ch, err := m.dial(ctx, model.ChannelChat, m.cfg.ChatURL)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.chat = ch

	roleSubject := fmt.Sprintf("chat.%s.%s", m.role, m.userID)
	if err := m.subscribeLocked(ch, roleSubject); err != nil {
		ch.close()
		m.chat = nil
		m.mu.Unlock()
		return err
	}
	m.publishPresence(ch, roleJoinEvent(m.role), m.userID)
	m.mu.Unlock()

	m.handler(model.JoinedEvent{Channel: model.ChannelChat, Role: m.role, UserID: m.userID})
	return nil
}

// JoinConversation subscribes to a conversation room. Re-joining an
// already-joined conversation is a no-op, not an error.
func (m *Manager) JoinConversation(conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chat == nil {
		return errors.New("chat channel not connected")
	}
	subject := convSubject(conversationID)
	if _, joined := m.chat.subs[subject]; joined {
		return nil
	}
	if err := m.subscribeLocked(m.chat, subject); err != nil {
		return err
	}
	m.publishPresence(m.chat, joinConvEvent, conversationID)
	return nil
}

// LeaveConversation drops a conversation room. Leaving a conversation
// that was never joined is a no-op.
func (m *Manager) LeaveConversation(conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chat == nil {
		return nil
	}
	subject := convSubject(conversationID)
	sub, joined := m.chat.subs[subject]
	if !joined {
		return nil
	}
	delete(m.chat.subs, subject)
	_ = sub.Unsubscribe()
	m.publishPresence(m.chat, leaveConvEvent, conversationID)
	return nil
}

// OpenEmergency opens the emergency channel for one appointment. The
// channel exists only while an emergency-linked conversation is active;
// opening it never disturbs the chat channel.
func (m *Manager) OpenEmergency(ctx context.Context, appointmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	subject := emergencySubject(appointmentID)
	if m.emergency != nil {
		if _, joined := m.emergency.subs[subject]; joined {
			return nil
		}
		// Active conversation switched to a different emergency.
		m.emergency.close()
		m.emergency = nil
	}

	ch, err := m.dial(ctx, model.ChannelEmergency, m.cfg.EmergencyURL)
	if err != nil {
		return err
	}
	if err := m.subscribeLocked(ch, subject); err != nil {
		ch.close()
		return err
	}
	m.publishPresence(ch, joinEmergencyEvent, appointmentID)
	m.emergency = ch
	return nil
}

// CloseEmergency tears the emergency channel down, cancelling its pending
// reconnect timers. Closing when not open is a no-op.
func (m *Manager) CloseEmergency() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emergency == nil {
		return
	}
	m.emergency.close()
	m.emergency = nil
}

// Connected reports whether the chat channel is up.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chat != nil && m.chat.nc.IsConnected()
}

// Close tears down both channels.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emergency != nil {
		m.emergency.close()
		m.emergency = nil
	}
	if m.chat != nil {
		m.chat.close()
		m.chat = nil
	}
}

// dial attempts the initial connection with the bounded retry policy.
// Authorization failures abort immediately.
func (m *Manager) dial(ctx context.Context, name model.Channel, url string) (*channel, error) {
	ch := &channel{name: name, subs: make(map[string]*nats.Subscription)}

	opts := []nats.Option{
		nats.Name("chat-sync-" + string(name)),
		nats.MaxReconnects(m.cfg.ReconnectAttempts),
		nats.ReconnectWait(m.cfg.ReconnectDelay),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			m.log.Warn("channel disconnected",
				zap.String("channel", string(name)),
				zap.Error(err),
			)
			m.handler(model.DisconnectedEvent{Channel: name})
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.ReconnectsTotal.WithLabelValues(string(name)).Inc()
			m.log.Info("channel reconnected", zap.String("channel", string(name)))
			m.rejoin(ch)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if ch.closing {
				return
			}
			m.log.Error("channel closed, entering degraded mode",
				zap.String("channel", string(name)),
			)
			m.handler(model.DisconnectedEvent{Channel: name, Degraded: true})
		}),
	}
	if m.cfg.Token != "" {
		opts = append(opts, nats.Token(m.cfg.Token))
	}

	var lastErr error
	for attempt := 0; attempt < m.cfg.ReconnectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.cfg.ReconnectDelay):
			}
		}
		nc, err := nats.Connect(url, opts...)
		if err == nil {
			ch.nc = nc
			return ch, nil
		}
		if errors.Is(err, nats.ErrAuthorization) {
			return nil, fmt.Errorf("%s channel: %w", name, ErrUnauthorized)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to connect %s channel after %d attempts: %w",
		name, m.cfg.ReconnectAttempts, lastErr)
}

// rejoin re-issues every active room join after a reconnect and delivers
// a fresh joined event for the chat channel.
func (m *Manager) rejoin(ch *channel) {
	m.mu.Lock()
	for subject := range ch.subs {
		room, event := roomForSubject(subject, m.role)
		if event != "" {
			m.publishPresence(ch, event, room)
		}
	}
	m.mu.Unlock()

	if ch.name == model.ChannelChat {
		m.handler(model.JoinedEvent{Channel: model.ChannelChat, Role: m.role, UserID: m.userID})
	}
}

func (m *Manager) subscribeLocked(ch *channel, subject string) error {
	sub, err := ch.nc.Subscribe(subject, func(msg *nats.Msg) {
		m.dispatch(ch.name, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", subject, err)
	}
	ch.subs[subject] = sub
	return nil
}

func (m *Manager) dispatch(name model.Channel, data []byte) {
	ev, err := DecodeEnvelope(data)
	if err != nil {
		m.log.Warn("dropping undecodable event",
			zap.String("channel", string(name)),
			zap.Error(err),
		)
		return
	}
	if ev == nil {
		return
	}
	m.handler(ev)
}

func (m *Manager) publishPresence(ch *channel, event, room string) {
	payload, _ := json.Marshal(map[string]string{"room": room, "user_id": m.userID})
	env, _ := json.Marshal(model.Envelope{Event: event, Data: payload})
	if err := ch.nc.Publish(presenceSubject, env); err != nil {
		m.log.Warn("presence publish failed",
			zap.String("event", event),
			zap.String("room", room),
			zap.Error(err),
		)
	}
}

func (ch *channel) close() {
	ch.closing = true
	for subject, sub := range ch.subs {
		_ = sub.Unsubscribe()
		delete(ch.subs, subject)
	}
	// Close cancels the connection's pending reconnect timers as well.
	ch.nc.Close()
}

func roleJoinEvent(role model.Role) string {
	if role == model.RoleVet {
		return joinVetEvent
	}
	return joinUserEvent
}

func convSubject(conversationID string) string {
	return "chat.conv." + conversationID
}

func emergencySubject(appointmentID string) string {
	return "emergency." + appointmentID
}

// roomForSubject reverses a subject back into its presence event and room
// identifier so joins can be re-issued after reconnect.
func roomForSubject(subject string, role model.Role) (room, event string) {
	switch {
	case len(subject) > len("chat.conv.") && subject[:len("chat.conv.")] == "chat.conv.":
		return subject[len("chat.conv."):], joinConvEvent
	case len(subject) > len("emergency.") && subject[:len("emergency.")] == "emergency.":
		return subject[len("emergency."):], joinEmergencyEvent
	case len(subject) > len("chat.") && subject[:len("chat.")] == "chat.":
		return subject[len("chat.")+len(role)+1:], roleJoinEvent(role)
	default:
		return "", ""
	}
}
