package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vetalia/chat-sync/internal/model"
)

func TestDecodeNewMessage(t *testing.T) {
	data := []byte(`{
		"event": "conversation:new-message",
		"data": {
			"conversation_id": "c1",
			"message": {"id": "m1", "conversation_id": "c1", "sender_role": "vet", "content": "hola"},
			"summary": {"last_message": "hola", "user_unread_count": 2}
		}
	}`)

	ev, err := DecodeEnvelope(data)
	require.NoError(t, err)

	msg, ok := ev.(model.NewMessageEvent)
	require.True(t, ok)
	assert.Equal(t, "c1", msg.ConversationID)
	assert.Equal(t, "m1", msg.Message.ID)
	assert.False(t, msg.Emergency)
	require.NotNil(t, msg.Summary)
	require.NotNil(t, msg.Summary.UserUnreadCount)
	assert.Equal(t, 2, *msg.Summary.UserUnreadCount)
	assert.Nil(t, msg.Summary.VetUnreadCount, "absent counter stays nil")
}

func TestDecodeEmergencyNewMessageSetsFlag(t *testing.T) {
	data := []byte(`{
		"event": "emergency:new-message",
		"data": {"message": {"id": "m1", "conversation_id": "c9", "sender_role": "vet", "content": "urgente"}}
	}`)

	ev, err := DecodeEnvelope(data)
	require.NoError(t, err)

	msg, ok := ev.(model.NewMessageEvent)
	require.True(t, ok)
	assert.True(t, msg.Emergency)
	assert.Equal(t, "c9", msg.ConversationID, "conversation ID falls back to the message")
}

func TestDecodeEmergencyLifecycleNameWins(t *testing.T) {
	// Payload status contradicts the event name; the name is authoritative.
	data := []byte(`{
		"event": "emergency:completed",
		"data": {"appointment_id": "a1", "status": "active"}
	}`)

	ev, err := DecodeEnvelope(data)
	require.NoError(t, err)

	status, ok := ev.(model.EmergencyStatusEvent)
	require.True(t, ok)
	assert.Equal(t, "a1", status.AppointmentID)
	assert.Equal(t, string(model.EmergencyCompleted), status.Status)
}

func TestDecodeEmergencyCancelled(t *testing.T) {
	data := []byte(`{"event": "emergency:cancelled", "data": {"appointment_id": "a1"}}`)

	ev, err := DecodeEnvelope(data)
	require.NoError(t, err)

	status, ok := ev.(model.EmergencyStatusEvent)
	require.True(t, ok)
	assert.Equal(t, string(model.EmergencyCancelled), status.Status)
}

func TestDecodeStatusUpdatedKeepsPayloadStatus(t *testing.T) {
	data := []byte(`{
		"event": "status:updated",
		"data": {"appointment_id": "a1", "conversation_id": "c1", "status": "finished"}
	}`)

	ev, err := DecodeEnvelope(data)
	require.NoError(t, err)

	status, ok := ev.(model.EmergencyStatusEvent)
	require.True(t, ok)
	assert.Equal(t, "finished", status.Status)
	assert.Equal(t, "c1", status.ConversationID)
}

func TestDecodeConversationUpdated(t *testing.T) {
	data := []byte(`{
		"event": "conversation:updated",
		"data": {"conversation_id": "c1", "last_message": "adios", "vet_unread_count": 4}
	}`)

	ev, err := DecodeEnvelope(data)
	require.NoError(t, err)

	upd, ok := ev.(model.ConversationUpdatedEvent)
	require.True(t, ok)
	assert.Equal(t, "adios", upd.LastMessage)
	require.NotNil(t, upd.VetUnreadCount)
	assert.Equal(t, 4, *upd.VetUnreadCount)
}

func TestDecodeUnknownEventIsIgnored(t *testing.T) {
	ev, err := DecodeEnvelope([]byte(`{"event": "typing:started", "data": {}}`))
	assert.NoError(t, err)
	assert.Nil(t, ev)
}

func TestDecodeMalformedEnvelope(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeMalformedPayload(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"event": "conversation:new-message", "data": "nope"}`))
	assert.Error(t, err)
}
