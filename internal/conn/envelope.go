package conn

import (
	"encoding/json"
	"fmt"

	"github.com/vetalia/chat-sync/internal/model"
)

// DecodeEnvelope parses a wire frame into a typed event. Unknown event
// names decode to nil without error; the transport may carry events this
// engine does not consume.
func DecodeEnvelope(data []byte) (model.Event, error) {
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Event {
	case model.EventNewMessage, model.EventEmergencyNewMessage:
		var ev model.NewMessageEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Event, err)
		}
		ev.Emergency = env.Event == model.EventEmergencyNewMessage
		if ev.ConversationID == "" {
			ev.ConversationID = ev.Message.ConversationID
		}
		return ev, nil

	case model.EventConversationUpdated:
		var ev model.ConversationUpdatedEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Event, err)
		}
		return ev, nil

	case model.EventEmergencyCompleted, model.EventEmergencyCancelled:
		var ev model.EmergencyStatusEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Event, err)
		}
		// The event name is authoritative regardless of payload status.
		if env.Event == model.EventEmergencyCompleted {
			ev.Status = string(model.EmergencyCompleted)
		} else {
			ev.Status = string(model.EmergencyCancelled)
		}
		return ev, nil

	case model.EventStatusUpdated:
		var ev model.EmergencyStatusEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Event, err)
		}
		return ev, nil

	default:
		return nil, nil
	}
}
