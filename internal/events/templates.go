package events

import (
	"fmt"
	"strings"
	"time"
)

// MessageTemplateEngine renders event messages. Templates support plain
// field references such as {{.Connection}} and {{if .Field}}...{{end}}
// blocks that are kept only when the field is set.
type MessageTemplateEngine struct {
	templates map[EventReason]string
}

// NewMessageTemplateEngine creates a template engine with the default templates.
func NewMessageTemplateEngine() *MessageTemplateEngine {
	engine := &MessageTemplateEngine{
		templates: make(map[EventReason]string),
	}
	engine.loadDefaultTemplates()
	return engine
}

func (e *MessageTemplateEngine) loadDefaultTemplates() {
	e.templates[ReasonConnectionEstablished] = "Connection {{.Connection}} established"
	e.templates[ReasonConnectionFailed] = "Connection {{.Connection}} failed during {{.Stage}}{{if .Error}}: {{.Error}}{{end}}{{if .Hint}} ({{.Hint}}){{end}}{{if .Recoverable}}; retry is possible{{end}}"
	e.templates[ReasonStateChanged] = "Connection {{.Connection}} moved from {{.From}} to {{.To}}"

	e.templates[ReasonDeviceCodePresented] = "To sign in {{.Connection}}, open {{.VerificationURI}} and enter the code {{.UserCode}}{{if .ExpiresAt}} before {{.ExpiresAt}}{{end}}"
	e.templates[ReasonAuthURLPresented] = "To sign in {{.Connection}}, open {{.URL}}"
	e.templates[ReasonAuthSucceeded] = "Connection {{.Connection}} authenticated with {{.Strategy}}{{if .Duration}} in {{.Duration}}{{end}}"
	e.templates[ReasonAuthFailed] = "Connection {{.Connection}} could not authenticate with {{.Strategy}}{{if .Duration}} after {{.Duration}}{{end}}"
	e.templates[ReasonTokenRefreshed] = "Credential of connection {{.Connection}} refreshed{{if .ExpiresAt}}, valid until {{.ExpiresAt}}{{end}}"
}

// Render generates the message for reason and data.
func (e *MessageTemplateEngine) Render(reason EventReason, data EventData) string {
	template, exists := e.templates[reason]
	if !exists {
		return fmt.Sprintf("Event: %s for connection %s", string(reason), data.Connection)
	}
	return e.renderTemplate(template, data)
}

// SetTemplate customizes the template of a reason.
func (e *MessageTemplateEngine) SetTemplate(reason EventReason, template string) {
	e.templates[reason] = template
}

// GetTemplate returns the template of a reason.
func (e *MessageTemplateEngine) GetTemplate(reason EventReason) (string, bool) {
	template, exists := e.templates[reason]
	return template, exists
}

func (e *MessageTemplateEngine) renderTemplate(template string, data EventData) string {
	var expiresAt, duration string
	if !data.ExpiresAt.IsZero() {
		expiresAt = data.ExpiresAt.Local().Format(time.Kitchen)
	}
	if data.Duration > 0 {
		duration = data.Duration.Round(time.Millisecond).String()
	}

	result := template
	for _, block := range []struct {
		field string
		set   bool
	}{
		{"Error", data.Error != ""},
		{"Hint", data.Hint != ""},
		{"Recoverable", data.Recoverable},
		{"ExpiresAt", expiresAt != ""},
		{"Duration", duration != ""},
	} {
		result = renderConditional(result, "{{if ."+block.field+"}}", "{{end}}", block.set)
	}

	return strings.NewReplacer(
		"{{.Connection}}", data.Connection,
		"{{.Stage}}", data.Stage,
		"{{.From}}", data.From,
		"{{.To}}", data.To,
		"{{.Strategy}}", data.Strategy,
		"{{.Error}}", data.Error,
		"{{.Hint}}", data.Hint,
		"{{.UserCode}}", data.UserCode,
		"{{.VerificationURI}}", data.VerificationURI,
		"{{.URL}}", data.URL,
		"{{.ExpiresAt}}", expiresAt,
		"{{.Duration}}", duration,
	).Replace(result)
}

// renderConditional resolves every block opened by startMarker. Blocks do
// not nest.
func renderConditional(template, startMarker, endMarker string, condition bool) string {
	result := template
	for {
		startIndex := strings.Index(result, startMarker)
		if startIndex == -1 {
			return result
		}
		endIndex := strings.Index(result[startIndex:], endMarker)
		if endIndex == -1 {
			return result
		}
		endIndex += startIndex

		before := result[:startIndex]
		after := result[endIndex+len(endMarker):]
		if condition {
			result = before + result[startIndex+len(startMarker):endIndex] + after
		} else {
			result = before + after
		}
	}
}
