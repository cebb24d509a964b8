package connection

import (
	"time"

	"adoconnect/internal/api"
	"adoconnect/internal/auth"
)

// Notification is an outbound event emitted by an engine.
type Notification interface {
	ConnectionID() string
}

// Listener receives notifications. It is called synchronously from the
// engine's goroutine and must not block or call back into the engine.
type Listener func(Notification)

// ConnectionEstablished is emitted on entering Connected.
type ConnectionEstablished struct {
	ID       string
	Client   Client
	Provider Provider
}

// ConnectionFailed is emitted on entering a failure state.
type ConnectionFailed struct {
	ID          string
	Stage       State
	Err         *api.Error
	Recoverable bool
}

// DeviceCodePresented carries the device-code session the user must
// complete. Presenting it is the listener's job.
type DeviceCodePresented struct {
	ID      string
	Session auth.DeviceCodeSession
}

// AuthURLPresented carries the authorization URL of an auth-code sign-in.
type AuthURLPresented struct {
	ID  string
	URL string
}

// TokenRefreshed is emitted after a successful refresh.
type TokenRefreshed struct {
	ID        string
	ExpiresAt time.Time
}

// StateChanged is emitted on every transition.
type StateChanged struct {
	ID   string
	From State
	To   State
}

// AuthAttempted is emitted when an authentication step finishes.
type AuthAttempted struct {
	ID       string
	Strategy auth.Strategy
	Success  bool
	Duration time.Duration
}

func (n ConnectionEstablished) ConnectionID() string { return n.ID }
func (n ConnectionFailed) ConnectionID() string      { return n.ID }
func (n DeviceCodePresented) ConnectionID() string   { return n.ID }
func (n AuthURLPresented) ConnectionID() string      { return n.ID }
func (n TokenRefreshed) ConnectionID() string        { return n.ID }
func (n StateChanged) ConnectionID() string          { return n.ID }
func (n AuthAttempted) ConnectionID() string         { return n.ID }
