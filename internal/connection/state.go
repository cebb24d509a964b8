package connection

// State is the lifecycle state of one connection.
type State string

const (
	StateDisconnected     State = "Disconnected"
	StateAuthenticating   State = "Authenticating"
	StateCreatingClient   State = "CreatingClient"
	StateCreatingProvider State = "CreatingProvider"
	StateConnected        State = "Connected"
	StateTokenRefresh     State = "TokenRefresh"
	StateAuthFailed       State = "AuthFailed"
	StateClientFailed     State = "ClientFailed"
	StateProviderFailed   State = "ProviderFailed"
	StateConnectionError  State = "ConnectionError"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateDisconnected,
	StateAuthenticating,
	StateCreatingClient,
	StateCreatingProvider,
	StateConnected,
	StateTokenRefresh,
	StateAuthFailed,
	StateClientFailed,
	StateProviderFailed,
	StateConnectionError,
}

// IsFailure reports whether s is a terminal-until-retried failure state.
func (s State) IsFailure() bool {
	switch s {
	case StateAuthFailed, StateClientFailed, StateProviderFailed, StateConnectionError:
		return true
	default:
		return false
	}
}

// IsBusy reports whether an asynchronous step is in flight in s.
func (s State) IsBusy() bool {
	switch s {
	case StateAuthenticating, StateCreatingClient, StateCreatingProvider, StateTokenRefresh:
		return true
	default:
		return false
	}
}

// IsConnected reports whether the connection is usable in s. TokenRefresh
// is a sub-state of Connected.
func (s State) IsConnected() bool {
	return s == StateConnected || s == StateTokenRefresh
}

// Event drives a transition of the state machine.
type Event string

const (
	EventConnect          Event = "Connect"
	EventDisconnect       Event = "Disconnect"
	EventReset            Event = "Reset"
	EventRetry            Event = "Retry"
	EventRefreshAuth      Event = "RefreshAuth"
	EventReportError      Event = "ReportError"
	EventReauthRequired   Event = "ReauthRequired"
	EventAuthSucceeded    Event = "AuthSucceeded"
	EventAuthFailed       Event = "AuthFailed"
	EventClientCreated    Event = "ClientCreated"
	EventClientFailed     Event = "ClientFailed"
	EventProviderCreated  Event = "ProviderCreated"
	EventProviderFailed   Event = "ProviderFailed"
	EventRefreshSucceeded Event = "RefreshSucceeded"
	EventRefreshFailed    Event = "RefreshFailed"
)

// transitions is the complete transition table except for Disconnect and
// Reset, which are accepted in every state.
var transitions = map[State]map[Event]State{
	StateDisconnected: {
		EventConnect: StateAuthenticating,
	},
	StateAuthenticating: {
		EventAuthSucceeded: StateCreatingClient,
		EventAuthFailed:    StateAuthFailed,
	},
	StateCreatingClient: {
		EventClientCreated: StateCreatingProvider,
		EventClientFailed:  StateClientFailed,
	},
	StateCreatingProvider: {
		EventProviderCreated: StateConnected,
		EventProviderFailed:  StateProviderFailed,
	},
	StateConnected: {
		EventRefreshAuth:    StateTokenRefresh,
		EventReportError:    StateConnectionError,
		EventReauthRequired: StateAuthFailed,
	},
	StateTokenRefresh: {
		EventRefreshSucceeded: StateConnected,
		EventRefreshFailed:    StateAuthFailed,
	},
	StateAuthFailed: {
		EventConnect: StateAuthenticating,
		EventRetry:   StateAuthenticating,
	},
	StateClientFailed: {
		EventConnect: StateAuthenticating,
		EventRetry:   StateCreatingClient,
	},
	StateProviderFailed: {
		EventConnect: StateAuthenticating,
		EventRetry:   StateCreatingProvider,
	},
	StateConnectionError: {
		EventConnect: StateAuthenticating,
		EventRetry:   StateAuthenticating,
	},
}

// Next returns the state reached by applying ev in from, and whether the
// transition is defined.
func Next(from State, ev Event) (State, bool) {
	if ev == EventDisconnect || ev == EventReset {
		return StateDisconnected, true
	}
	to, ok := transitions[from][ev]
	return to, ok
}
