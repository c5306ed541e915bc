package model

// EmergencyStatus is the lifecycle state of an emergency-linked
// appointment. Completed and cancelled are absorbing terminal states.
type EmergencyStatus string

const (
	EmergencyActive    EmergencyStatus = "active"
	EmergencyCompleted EmergencyStatus = "completed"
	EmergencyCancelled EmergencyStatus = "cancelled"
)

// Terminal reports whether no further transition is legal from s.
func (s EmergencyStatus) Terminal() bool {
	return s == EmergencyCompleted || s == EmergencyCancelled
}

// ParseEmergencyStatus maps backend status strings onto the gate's state
// space. Unknown and in-progress statuses count as active; the zero value
// is returned for empty input so callers can fall through to the next
// precedence level.
func ParseEmergencyStatus(raw string) EmergencyStatus {
	switch raw {
	case "":
		return ""
	case "completed", "finished", "resolved":
		return EmergencyCompleted
	case "cancelled", "canceled", "rejected":
		return EmergencyCancelled
	default:
		return EmergencyActive
	}
}

// AppointmentTypeEmergency marks appointments whose conversation is gated.
const AppointmentTypeEmergency = "emergency"

// Appointment is the REST projection of the appointment linked to a
// conversation, fetched when the conversation is opened.
type Appointment struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`

	// Tracking carries the emergency's sub-status, which takes precedence
	// over the top-level status when deriving the initial gate state.
	Tracking *AppointmentTracking `json:"tracking,omitempty"`
}

// AppointmentTracking is the emergency tracking sub-record.
type AppointmentTracking struct {
	Status string `json:"status"`
}

// Emergency reports whether the appointment gates its conversation.
func (a Appointment) Emergency() bool {
	return a.Type == AppointmentTypeEmergency
}
