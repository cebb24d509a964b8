package events

import (
	"time"
)

// EventType is the severity of an event.
type EventType string

const (
	// EventTypeNormal indicates normal, non-problematic events.
	EventTypeNormal EventType = "Normal"

	// EventTypeWarning indicates events that may require attention.
	EventTypeWarning EventType = "Warning"
)

// EventReason is the reason code of an event.
type EventReason string

// Connection lifecycle reasons
const (
	// ReasonConnectionEstablished indicates a connection reached Connected.
	ReasonConnectionEstablished EventReason = "ConnectionEstablished"

	// ReasonConnectionFailed indicates a connection entered a failure state.
	ReasonConnectionFailed EventReason = "ConnectionFailed"

	// ReasonStateChanged indicates any state transition.
	ReasonStateChanged EventReason = "StateChanged"
)

// Authentication reasons
const (
	// ReasonDeviceCodePresented indicates the user has to enter a device code.
	ReasonDeviceCodePresented EventReason = "DeviceCodePresented"

	// ReasonAuthURLPresented indicates the user has to open an authorization URL.
	ReasonAuthURLPresented EventReason = "AuthURLPresented"

	// ReasonAuthSucceeded indicates an authentication step produced a credential.
	ReasonAuthSucceeded EventReason = "AuthSucceeded"

	// ReasonAuthFailed indicates an authentication step failed.
	ReasonAuthFailed EventReason = "AuthFailed"

	// ReasonTokenRefreshed indicates a credential was renewed.
	ReasonTokenRefreshed EventReason = "TokenRefreshed"
)

// EventData holds contextual information for event message templating.
type EventData struct {
	// Connection is the display name or id of the connection.
	Connection string

	// Stage is the lifecycle state a failure happened in.
	Stage string

	// From and To are the states of a transition.
	From string
	To   string

	// Strategy is the authentication strategy of an attempt.
	Strategy string

	// Error and Hint describe a failure.
	Error string
	Hint  string

	// Recoverable is set when a retry may succeed.
	Recoverable bool

	// UserCode and VerificationURI describe a device-code sign-in; URL is the
	// authorization URL of an auth-code sign-in.
	UserCode        string
	VerificationURI string
	URL             string

	// ExpiresAt is a credential or device-code expiry.
	ExpiresAt time.Time

	// Duration is the duration of an authentication attempt.
	Duration time.Duration
}

// Event is a rendered notification.
type Event struct {
	Type         EventType
	Reason       EventReason
	ConnectionID string
	Message      string
	Timestamp    time.Time
}

// getEventType returns the EventType for a reason.
func getEventType(reason EventReason) EventType {
	switch reason {
	case ReasonConnectionFailed, ReasonAuthFailed:
		return EventTypeWarning
	default:
		return EventTypeNormal
	}
}
