package events

import (
	"k8s.io/utils/clock"

	"adoconnect/internal/connection"
	"adoconnect/pkg/logging"
)

// Sink receives rendered events.
type Sink func(Event)

// EventGenerator turns connection notifications into rendered events.
type EventGenerator struct {
	templates *MessageTemplateEngine
	clock     clock.PassiveClock
	names     func(connectionID string) string
	sink      Sink

	// IncludeStateChanges also emits an event for every transition.
	IncludeStateChanges bool
}

// NewEventGenerator creates a generator delivering to sink. names maps a
// connection id to its display name and may be nil.
func NewEventGenerator(sink Sink, names func(connectionID string) string) *EventGenerator {
	return &EventGenerator{
		templates: NewMessageTemplateEngine(),
		clock:     clock.RealClock{},
		names:     names,
		sink:      sink,
	}
}

// Listener returns a connection listener feeding this generator.
func (g *EventGenerator) Listener() connection.Listener {
	return func(n connection.Notification) {
		ev, ok := g.FromNotification(n)
		if !ok {
			return
		}
		logging.Debug("events", "Generating event: reason=%s, type=%s, message=%s", ev.Reason, ev.Type, ev.Message)
		if g.sink != nil {
			g.sink(ev)
		}
	}
}

// FromNotification renders n. ok is false for notifications that do not
// produce an event.
func (g *EventGenerator) FromNotification(n connection.Notification) (Event, bool) {
	data := EventData{Connection: n.ConnectionID()}
	if g.names != nil {
		if name := g.names(n.ConnectionID()); name != "" {
			data.Connection = name
		}
	}

	var reason EventReason
	switch v := n.(type) {
	case connection.ConnectionEstablished:
		reason = ReasonConnectionEstablished
	case connection.ConnectionFailed:
		reason = ReasonConnectionFailed
		data.Stage = string(v.Stage)
		data.Recoverable = v.Recoverable
		if v.Err != nil {
			data.Error = v.Err.Error()
			data.Hint = v.Err.Hint
		}
	case connection.StateChanged:
		if !g.IncludeStateChanges {
			return Event{}, false
		}
		reason = ReasonStateChanged
		data.From = string(v.From)
		data.To = string(v.To)
	case connection.DeviceCodePresented:
		reason = ReasonDeviceCodePresented
		data.UserCode = v.Session.UserCode
		data.VerificationURI = v.Session.VerificationURI
		if v.Session.ExpiresInSeconds > 0 && !v.Session.StartedAt.IsZero() {
			data.ExpiresAt = v.Session.ExpiresAt()
		}
	case connection.AuthURLPresented:
		reason = ReasonAuthURLPresented
		data.URL = v.URL
	case connection.AuthAttempted:
		reason = ReasonAuthFailed
		if v.Success {
			reason = ReasonAuthSucceeded
		}
		data.Strategy = string(v.Strategy)
		data.Duration = v.Duration
	case connection.TokenRefreshed:
		reason = ReasonTokenRefreshed
		data.ExpiresAt = v.ExpiresAt
	default:
		return Event{}, false
	}

	return Event{
		Type:         getEventType(reason),
		Reason:       reason,
		ConnectionID: n.ConnectionID(),
		Message:      g.templates.Render(reason, data),
		Timestamp:    g.clock.Now(),
	}, true
}

// SetTemplate customizes the message template of a reason.
func (g *EventGenerator) SetTemplate(reason EventReason, template string) {
	g.templates.SetTemplate(reason, template)
}

// GetTemplate returns the template of a reason.
func (g *EventGenerator) GetTemplate(reason EventReason) (string, bool) {
	return g.templates.GetTemplate(reason)
}
