package cmd

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"adoconnect/internal/auth"
	"adoconnect/internal/connection"
	"adoconnect/pkg/logging"
)

// newTable creates a table with the standard styling.
func newTable(out io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	return t
}

// header renders column titles the same way in every table.
func header(titles ...string) table.Row {
	row := make(table.Row, len(titles))
	for i, title := range titles {
		row[i] = text.FgHiCyan.Sprint(title)
	}
	return row
}

// colorState renders a lifecycle state with a color matching its outcome.
func colorState(s connection.State) string {
	switch {
	case s.IsConnected():
		return text.FgGreen.Sprint(string(s))
	case s.IsFailure():
		return text.FgRed.Sprint(string(s))
	case s.IsBusy():
		return text.FgYellow.Sprint(string(s))
	default:
		return string(s)
	}
}

// printStates renders the outcome of a connect run.
func printStates(out io.Writer, states []connection.RuntimeState) {
	t := newTable(out)
	t.AppendHeader(header("CONNECTION", "STATE", "EXPIRES", "DETAIL"))
	for _, st := range states {
		if st.ConnectionID == "" {
			continue
		}
		expires := "-"
		if !st.CredentialExpiresAt.IsZero() {
			expires = st.CredentialExpiresAt.Local().Format(time.Kitchen)
		}
		detail := ""
		if st.LastError != nil {
			detail = st.LastError.Error()
			if st.LastError.Hint != "" {
				detail += "\n" + text.FgYellow.Sprint(st.LastError.Hint)
			}
		}
		t.AppendRow(table.Row{st.Config.DisplayName(), colorState(st.State), expires, detail})
	}
	t.Render()
}

// presenter shows interactive sign-in prompts while commands wait for a
// connection to settle. It is a connection.Listener and never blocks.
type presenter struct {
	out         io.Writer
	openBrowser bool
	names       *displayNames

	mu      sync.Mutex
	spinner *spinner.Spinner
}

func newPresenter(out io.Writer, openBrowser bool, names *displayNames) *presenter {
	return &presenter{out: out, openBrowser: openBrowser, names: names}
}

// start shows a spinner with msg until stop is called.
func (p *presenter) start(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spinner == nil {
		p.spinner = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(p.out))
	}
	p.spinner.Suffix = " " + msg
	p.spinner.Start()
}

func (p *presenter) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spinner != nil {
		p.spinner.Stop()
	}
}

func (p *presenter) name(id string) string {
	if p.names != nil {
		if n := p.names.lookup(id); n != "" {
			return n
		}
	}
	return id
}

// listen implements connection.Listener.
func (p *presenter) listen(n connection.Notification) {
	switch v := n.(type) {
	case connection.DeviceCodePresented:
		p.withSpinnerPaused("Waiting for sign-in...", func() {
			printDeviceCode(p.out, p.name(v.ID), v.Session)
		})
	case connection.AuthURLPresented:
		p.withSpinnerPaused("Waiting for sign-in in the browser...", func() {
			fmt.Fprintf(p.out, "\nSign in to %s at:\n  %s\n\n", text.Bold.Sprint(p.name(v.ID)), text.FgHiBlue.Sprint(v.URL))
			if !p.openBrowser {
				return
			}
			if err := auth.OpenBrowser(v.URL); err != nil {
				logging.Warn("CLI", "Could not open the browser: %v", err)
				fmt.Fprintln(p.out, "Open the URL above manually.")
			}
		})
	}
}

func (p *presenter) withSpinnerPaused(msg string, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	running := p.spinner != nil && p.spinner.Active()
	if running {
		p.spinner.Stop()
	}
	fn()
	if running {
		p.spinner.Suffix = " " + msg
		p.spinner.Start()
	}
}

// printDeviceCode renders the device-code banner for one connection.
func printDeviceCode(out io.Writer, name string, session auth.DeviceCodeSession) {
	t := newTable(out)
	t.SetTitle("Sign in to " + name)
	t.AppendRow(table.Row{"Open", text.FgHiBlue.Sprint(session.VerificationURI)})
	t.AppendRow(table.Row{"Enter code", text.Bold.Sprint(text.FgHiYellow.Sprint(session.UserCode))})
	if session.ExpiresInSeconds > 0 {
		t.AppendRow(table.Row{"Expires", session.ExpiresAt().Local().Format(time.Kitchen)})
	}
	fmt.Fprintln(out)
	t.Render()
	fmt.Fprintln(out)
}
