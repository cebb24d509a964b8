package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"adoconnect/internal/config"
	"adoconnect/internal/credentials"
)

var credentialFromStdin bool

func newCredentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage stored credentials",
		Long: `Store or remove the credentials of a connection.

Personal access tokens of static connections are kept in the credential
store under the connection's credential key. OAuth connections cache their
tokens there after signing in.`,
	}

	set := &cobra.Command{
		Use:   "set <connection>",
		Short: "Store the personal access token of a static connection",
		Long: `Store the personal access token of a static connection. The token is
read from the terminal without echo, or from standard input with --stdin.

Examples:
  adoconnect credential set contoso/web
  echo "$ADO_PAT" | adoconnect credential set contoso/web --stdin`,
		Args: cobra.ExactArgs(1),
		RunE: runCredentialSet,
	}
	set.Flags().BoolVar(&credentialFromStdin, "stdin", false, "Read the token from standard input")

	del := &cobra.Command{
		Use:   "delete <connection>",
		Short: "Remove the stored token or cached sign-in of a connection",
		Args:  cobra.ExactArgs(1),
		RunE:  runCredentialDelete,
	}

	cmd.AddCommand(set, del)
	return cmd
}

func runCredentialSet(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	c, err := findConnection(env.connections, args[0])
	if err != nil {
		return err
	}
	if c.AuthMethod != config.AuthMethodStatic {
		return fmt.Errorf("connection %s signs in with OAuth; use 'adoconnect connect' instead", c.DisplayName())
	}

	token, err := readSecret(cmd, fmt.Sprintf("Personal access token for %s: ", c.DisplayName()))
	if err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("no token given")
	}

	if err := env.store.Set(commandContext(cmd), c.CredentialKey, token); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored personal access token for %s\n", c.DisplayName())
	return nil
}

func runCredentialDelete(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	c, err := findConnection(env.connections, args[0])
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	out := cmd.OutOrStdout()
	what := "personal access token"
	var stored bool
	if c.AuthMethod == config.AuthMethodOAuth {
		what = "cached sign-in"
		tok, err := env.auth.CachedToken(ctx, c.ID)
		stored = err != nil || tok != nil
	} else {
		_, err := env.store.Get(ctx, c.CredentialKey)
		stored = !errors.Is(err, credentials.ErrNotFound)
	}
	if !stored {
		fmt.Fprintf(out, "No %s stored for %s\n", what, c.DisplayName())
		return nil
	}

	if c.AuthMethod == config.AuthMethodOAuth {
		err = env.auth.Forget(ctx, c.ID)
	} else {
		err = env.store.Delete(ctx, c.CredentialKey)
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", what, err)
	}
	fmt.Fprintf(out, "Deleted %s for %s\n", what, c.DisplayName())
	return nil
}

// readSecret reads one line from stdin, without echo when stdin is a
// terminal and --stdin is not set.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && !credentialFromStdin && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
