package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"adoconnect/internal/config"
	"adoconnect/internal/credentials"
	pkgoauth "adoconnect/pkg/oauth"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configured connections and their stored credentials",
		Long: `Show every configured connection together with the state of its stored
credential. Nothing is sent to Azure DevOps; use 'adoconnect connect' to
verify access.

The active connection is marked with an asterisk.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(env.connections) == 0 {
		fmt.Fprintf(out, "%s %s\n", text.FgYellow.Sprint("No connections configured in"), env.cfg.ConnectionsFile)
		return nil
	}

	ctx := commandContext(cmd)
	active, _ := env.activeConnection()

	t := newTable(out)
	t.AppendHeader(header("", "CONNECTION", "ID", "AUTH", "URL", "CREDENTIAL"))
	for _, c := range env.connections {
		marker := ""
		if c.ID == active.ID {
			marker = text.FgGreen.Sprint("*")
		}
		t.AppendRow(table.Row{marker, c.DisplayName(), c.ID, string(c.AuthMethod), c.BaseURL, credentialStatus(ctx, env, c)})
	}
	t.Render()
	return nil
}

// credentialStatus describes what the credential store holds for c.
func credentialStatus(ctx context.Context, env *environment, c config.ConnectionConfig) string {
	if c.AuthMethod == config.AuthMethodOAuth {
		tok, err := env.auth.CachedToken(ctx, c.ID)
		if err != nil {
			return text.FgRed.Sprint("unreadable")
		}
		return describeToken(tok, time.Now())
	}

	_, err := env.store.Get(ctx, c.CredentialKey)
	switch {
	case errors.Is(err, credentials.ErrNotFound):
		return text.FgYellow.Sprint("missing")
	case err != nil:
		return text.FgRed.Sprint("unreadable")
	default:
		return text.FgGreen.Sprint("stored")
	}
}

// describeToken summarizes a cached OAuth token as of now.
func describeToken(tok *pkgoauth.Token, now time.Time) string {
	switch {
	case tok == nil:
		return text.FgYellow.Sprint("sign-in required")
	case !tok.IsExpiredAt(now, pkgoauth.ValidityBuffer):
		return text.FgGreen.Sprintf("valid until %s", tok.ExpiresAt.Local().Format(time.Kitchen))
	case tok.RefreshToken != "":
		return text.FgYellow.Sprint("expired, refreshable")
	default:
		return text.FgYellow.Sprint("sign-in required")
	}
}

// printConnections lists connections without credential details.
func printConnections(out io.Writer, conns []config.ConnectionConfig) {
	t := newTable(out)
	t.AppendHeader(header("CONNECTION", "ID", "AUTH", "API BASE URL"))
	for _, c := range conns {
		t.AppendRow(table.Row{c.DisplayName(), c.ID, string(c.AuthMethod), c.APIBaseURL})
	}
	t.Render()
}
