// Package gate derives conversation read/write status from emergency
// lifecycle state. A conversation without a tracked appointment has no
// gate and is always writable.
package gate

import (
	"github.com/vetalia/chat-sync/internal/model"
)

// Gate is the per-conversation emergency state machine. It is mutated
// only from the engine's event loop and needs no locking of its own.
type Gate struct {
	statuses       map[string]model.EmergencyStatus // conversation ID -> status
	byAppointment  map[string]string                // appointment ID -> conversation ID
	appointmentFor map[string]string                // conversation ID -> appointment ID
}

// New creates an empty gate.
func New() *Gate {
	return &Gate{
		statuses:       make(map[string]model.EmergencyStatus),
		byAppointment:  make(map[string]string),
		appointmentFor: make(map[string]string),
	}
}

// Derive computes the initial gate state from a fetched appointment.
// Precedence: explicit tracking sub-status, then the appointment's
// top-level status, then the caller-supplied hint. Defaults to active.
func Derive(appt *model.Appointment, hint model.EmergencyStatus) model.EmergencyStatus {
	if appt != nil && appt.Tracking != nil {
		if s := model.ParseEmergencyStatus(appt.Tracking.Status); s != "" {
			return s
		}
	}
	if appt != nil {
		if s := model.ParseEmergencyStatus(appt.Status); s != "" {
			return s
		}
	}
	if hint != "" {
		return hint
	}
	return model.EmergencyActive
}

// Track registers an emergency-linked conversation with its initial
// state. Re-tracking an already-tracked conversation never downgrades a
// terminal state back to active.
func (g *Gate) Track(conversationID, appointmentID string, initial model.EmergencyStatus) {
	if current, ok := g.statuses[conversationID]; ok && current.Terminal() {
		return
	}
	if initial == "" {
		initial = model.EmergencyActive
	}
	g.statuses[conversationID] = initial
	g.byAppointment[appointmentID] = conversationID
	g.appointmentFor[conversationID] = appointmentID
}

// Apply transitions a tracked conversation to the next state. Terminal
// states are absorbing: any event that would imply active again is
// ignored. Returns whether the stored state changed.
func (g *Gate) Apply(conversationID string, next model.EmergencyStatus) bool {
	current, ok := g.statuses[conversationID]
	if !ok {
		return false
	}
	if current.Terminal() || next == "" || next == current {
		return false
	}
	if next == model.EmergencyActive {
		return false
	}
	g.statuses[conversationID] = next
	return true
}

// ApplyAppointment routes a status delivery keyed by appointment ID to
// its conversation. Returns the conversation ID and whether state changed.
func (g *Gate) ApplyAppointment(appointmentID string, next model.EmergencyStatus) (string, bool) {
	conversationID, ok := g.byAppointment[appointmentID]
	if !ok {
		return "", false
	}
	return conversationID, g.Apply(conversationID, next)
}

// Status returns the tracked state for a conversation.
func (g *Gate) Status(conversationID string) (model.EmergencyStatus, bool) {
	s, ok := g.statuses[conversationID]
	return s, ok
}

// Writable reports whether sends are allowed. Untracked conversations
// have no gate; tracked ones must be active.
func (g *Gate) Writable(conversationID string) bool {
	s, ok := g.statuses[conversationID]
	if !ok {
		return true
	}
	return s == model.EmergencyActive
}

// AppointmentID returns the appointment linked to a tracked conversation.
func (g *Gate) AppointmentID(conversationID string) (string, bool) {
	id, ok := g.appointmentFor[conversationID]
	return id, ok
}

// Forget drops tracking for a conversation, used when its link resolves
// to a non-emergency appointment.
func (g *Gate) Forget(conversationID string) {
	if apptID, ok := g.appointmentFor[conversationID]; ok {
		delete(g.byAppointment, apptID)
	}
	delete(g.appointmentFor, conversationID)
	delete(g.statuses, conversationID)
}
