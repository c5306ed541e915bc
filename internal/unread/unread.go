// Package unread keeps per-role unread counters accurate under
// concurrent local and remote updates.
package unread

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vetalia/chat-sync/internal/model"
	"github.com/vetalia/chat-sync/internal/reconcile"
	"github.com/vetalia/chat-sync/internal/store"
	"github.com/vetalia/chat-sync/pkg/logger"
	"github.com/vetalia/chat-sync/pkg/metrics"
)

// ReadReceipts is the backend-of-record call issued on mark-as-read.
type ReadReceipts interface {
	MarkRead(ctx context.Context, conversationID string) error
}

// Tracker owns the unread counter bookkeeping for the local role.
type Tracker struct {
	store    *store.Store
	receipts ReadReceipts
	role     model.Role
	timeout  time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	pending map[string]*receipt
}

// receipt identifies one in-flight read-receipt call.
type receipt struct {
	cancel context.CancelFunc
}

// New creates a tracker for the local participant's role.
func New(st *store.Store, receipts ReadReceipts, role model.Role, timeout time.Duration, log *logger.Logger) *Tracker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Tracker{
		store:    st,
		receipts: receipts,
		role:     role,
		timeout:  timeout,
		log:      log,
		pending:  make(map[string]*receipt),
	}
}

// Increment bumps the counter owned by the local role for a conversation
// that is not the actively-open one.
func (t *Tracker) Increment(conversationID string) {
	conv, ok := t.store.Get(conversationID)
	if !ok {
		return
	}
	if t.role == model.RoleVet {
		conv.VetUnreadCount++
	} else {
		conv.UserUnreadCount++
	}
	t.store.Upsert(conv)
	t.publishGauge()
}

// ApplySummary folds a server-supplied summary into the cached
// conversation; server totals take precedence over local deltas.
func (t *Tracker) ApplySummary(conversationID string, s *model.ConversationSummary) {
	conv, ok := t.store.Get(conversationID)
	if !ok {
		return
	}
	t.store.Upsert(reconcile.ApplySummary(conv, s))
	t.publishGauge()
}

// ApplyUpdate folds a conversation:updated push, same precedence rules.
func (t *Tracker) ApplyUpdate(ev model.ConversationUpdatedEvent) {
	conv, ok := t.store.Get(ev.ConversationID)
	if !ok {
		return
	}
	t.store.Upsert(reconcile.ApplyUpdate(conv, ev))
	t.publishGauge()
}

// MarkRead zeroes the local role's counter immediately and issues the
// read-receipt call in the background. A failed receipt does not roll the
// local zeroing back: read status is a best-effort UX signal.
func (t *Tracker) MarkRead(ctx context.Context, conversationID string) {
	conv, ok := t.store.Get(conversationID)
	if !ok {
		return
	}
	if conv.UnreadFor(t.role) == 0 {
		return
	}
	if t.role == model.RoleVet {
		conv.VetUnreadCount = 0
	} else {
		conv.UserUnreadCount = 0
	}
	t.store.Upsert(conv)
	t.publishGauge()

	receiptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	r := &receipt{cancel: cancel}
	t.track(conversationID, r)
	go func() {
		defer cancel()
		defer t.untrack(conversationID, r)
		if err := t.receipts.MarkRead(receiptCtx, conversationID); err != nil {
			t.log.Warn("read receipt failed",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
		}
	}()
}

// CancelPending aborts the in-flight read receipt for a conversation,
// used on conversation teardown.
func (t *Tracker) CancelPending(conversationID string) {
	t.mu.Lock()
	r, ok := t.pending[conversationID]
	delete(t.pending, conversationID)
	t.mu.Unlock()
	if ok {
		r.cancel()
	}
}

// CancelAll aborts every in-flight read receipt, used on shutdown.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	receipts := make([]*receipt, 0, len(t.pending))
	for id, r := range t.pending {
		receipts = append(receipts, r)
		delete(t.pending, id)
	}
	t.mu.Unlock()
	for _, r := range receipts {
		r.cancel()
	}
}

func (t *Tracker) track(conversationID string, r *receipt) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.pending[conversationID]; ok {
		prev.cancel()
	}
	t.pending[conversationID] = r
}

func (t *Tracker) untrack(conversationID string, r *receipt) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.pending[conversationID]; ok && current == r {
		delete(t.pending, conversationID)
	}
}

func (t *Tracker) publishGauge() {
	metrics.UnreadTotal.Set(float64(t.store.Snapshot().UnreadTotal))
}
