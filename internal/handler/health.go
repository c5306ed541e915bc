package handler

import (
	"net/http"

	"github.com/vetalia/chat-sync/internal/store"
)

// Connectivity reports whether the primary real-time channel is up.
type Connectivity interface {
	Connected() bool
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	conn  Connectivity
	store *store.Store
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(conn Connectivity, st *store.Store) *HealthHandler {
	return &HealthHandler{conn: conn, store: st}
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /ready. The engine stays alive in degraded mode but
// reports not-ready so supervisors can see the channel is down.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.conn == nil || !h.conn.Connected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "degraded",
			"degraded": true,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ready",
		"degraded": h.store.Snapshot().Degraded,
	})
}
