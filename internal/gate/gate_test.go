package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vetalia/chat-sync/internal/model"
)

func TestDerivePrecedence(t *testing.T) {
	tests := []struct {
		name string
		appt *model.Appointment
		hint model.EmergencyStatus
		want model.EmergencyStatus
	}{
		{
			name: "tracking sub-status wins over everything",
			appt: &model.Appointment{
				Status:   "in_progress",
				Tracking: &model.AppointmentTracking{Status: "finished"},
			},
			hint: model.EmergencyActive,
			want: model.EmergencyCompleted,
		},
		{
			name: "top-level status when tracking absent",
			appt: &model.Appointment{Status: "cancelled"},
			hint: model.EmergencyActive,
			want: model.EmergencyCancelled,
		},
		{
			name: "hint when appointment says nothing",
			appt: &model.Appointment{},
			hint: model.EmergencyCompleted,
			want: model.EmergencyCompleted,
		},
		{
			name: "defaults to active",
			appt: &model.Appointment{},
			want: model.EmergencyActive,
		},
		{
			name: "nil appointment falls through to hint",
			hint: model.EmergencyCancelled,
			want: model.EmergencyCancelled,
		},
		{
			name: "unknown status counts as active",
			appt: &model.Appointment{Status: "on_the_way"},
			want: model.EmergencyActive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Derive(tt.appt, tt.hint))
		})
	}
}

func TestUntrackedConversationIsWritable(t *testing.T) {
	g := New()
	assert.True(t, g.Writable("c1"))
}

func TestTerminalIsAbsorbing(t *testing.T) {
	g := New()
	g.Track("c1", "a1", model.EmergencyActive)
	require.True(t, g.Writable("c1"))

	assert.True(t, g.Apply("c1", model.EmergencyCompleted))
	assert.False(t, g.Writable("c1"))

	// Replays and contradictory deliveries change nothing.
	assert.False(t, g.Apply("c1", model.EmergencyCompleted))
	assert.False(t, g.Apply("c1", model.EmergencyActive))
	assert.False(t, g.Apply("c1", model.EmergencyCancelled))

	status, ok := g.Status("c1")
	require.True(t, ok)
	assert.Equal(t, model.EmergencyCompleted, status)
}

func TestApplyIgnoresUntracked(t *testing.T) {
	g := New()
	assert.False(t, g.Apply("nope", model.EmergencyCompleted))
}

func TestActiveIsNeverReentered(t *testing.T) {
	g := New()
	g.Track("c1", "a1", model.EmergencyActive)
	assert.False(t, g.Apply("c1", model.EmergencyActive))
	assert.True(t, g.Writable("c1"))
}

func TestTrackNeverDowngradesTerminal(t *testing.T) {
	g := New()
	g.Track("c1", "a1", model.EmergencyCancelled)
	g.Track("c1", "a1", model.EmergencyActive)

	status, ok := g.Status("c1")
	require.True(t, ok)
	assert.Equal(t, model.EmergencyCancelled, status)
}

func TestApplyAppointmentRoutesToConversation(t *testing.T) {
	g := New()
	g.Track("c1", "a1", model.EmergencyActive)

	convID, changed := g.ApplyAppointment("a1", model.EmergencyCompleted)
	assert.Equal(t, "c1", convID)
	assert.True(t, changed)
	assert.False(t, g.Writable("c1"))

	convID, changed = g.ApplyAppointment("unknown", model.EmergencyCompleted)
	assert.Empty(t, convID)
	assert.False(t, changed)
}

func TestForget(t *testing.T) {
	g := New()
	g.Track("c1", "a1", model.EmergencyCompleted)
	g.Forget("c1")

	assert.True(t, g.Writable("c1"))
	_, ok := g.Status("c1")
	assert.False(t, ok)
	_, ok = g.AppointmentID("c1")
	assert.False(t, ok)
}
