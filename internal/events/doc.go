// Package events renders connection notifications as human-readable events.
//
// An EventGenerator subscribes to a supervisor or engine, maps each
// notification to an EventReason with a Normal or Warning type and renders
// the message through a MessageTemplateEngine. Templates can be overridden
// per reason:
//
//	gen := events.NewEventGenerator(func(ev events.Event) { fmt.Println(ev.Message) }, nil)
//	gen.SetTemplate(events.ReasonTokenRefreshed, "{{.Connection}} renewed")
//	unsubscribe := sup.Subscribe(gen.Listener())
package events
