package connection

import (
	"time"

	"adoconnect/internal/api"
	"adoconnect/internal/auth"
	"adoconnect/internal/config"
)

// RuntimeState is a point-in-time copy of an engine's state.
type RuntimeState struct {
	ConnectionID string                  `json:"connectionId"`
	Config       config.ConnectionConfig `json:"config"`
	State        State                   `json:"state"`
	RetryCount   int                     `json:"retryCount"`
	LastError    *api.Error              `json:"-"`

	// Credential is present only while valid.
	Credential          string    `json:"-"`
	CredentialExpiresAt time.Time `json:"credentialExpiresAt,omitempty"`

	RefreshFailureCount int       `json:"refreshFailureCount"`
	RefreshBackoffUntil time.Time `json:"refreshBackoffUntil,omitempty"`

	// ForceInteractive is a one-shot flag cleared when the next
	// authentication attempt starts.
	ForceInteractive bool `json:"forceInteractive"`

	// DeviceCode is the device-code session of an in-flight sign-in.
	DeviceCode *auth.DeviceCodeSession `json:"deviceCode,omitempty"`

	// Generation increases on every fresh Connect, Disconnect and Reset.
	// Results of asynchronous steps started under an older generation are
	// discarded.
	Generation uint64    `json:"generation"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// IsConnected reports whether the connection is usable.
func (r RuntimeState) IsConnected() bool {
	return r.State.IsConnected()
}

// HasCredential reports whether a credential is held.
func (r RuntimeState) HasCredential() bool {
	return r.Credential != ""
}

// ErrorMessage returns the last error text or an empty string.
func (r RuntimeState) ErrorMessage() string {
	if r.LastError == nil {
		return ""
	}
	return r.LastError.Error()
}

// CommandResult reports how an engine handled a command. Commands are never
// rejected with a Go error; Reason explains rejections and no-ops.
type CommandResult struct {
	Accepted bool
	State    State
	Reason   string

	// Err is set by the supervisor for unknown connection ids.
	Err error
}

func accepted(state State) CommandResult {
	return CommandResult{Accepted: true, State: state}
}

func rejected(state State, reason string) CommandResult {
	return CommandResult{State: state, Reason: reason}
}
