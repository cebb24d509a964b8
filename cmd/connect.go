package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"adoconnect/internal/config"
	"adoconnect/internal/connection"
	"adoconnect/pkg/logging"
)

// Connect-specific flags
var (
	connectAll     bool
	connectForce   bool
	connectTimeout time.Duration
)

func newConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect [connection]",
		Short: "Connect to Azure DevOps and verify access",
		Long: `Authenticate one or more connections, build their API clients and verify
that the project can be read.

Without an argument the active connection is used. The connection may be
given by id, label or organization/project.

OAuth connections reuse a cached sign-in when it is still valid or can be
refreshed silently; otherwise an interactive sign-in is started.

Examples:
  adoconnect connect                   # Connect the active connection
  adoconnect connect contoso/web       # Connect by organization/project
  adoconnect connect --all             # Connect every configured connection
  adoconnect connect web --force       # Sign in again even if a token is cached`,
		Args: cobra.MaximumNArgs(1),
		RunE: runConnect,
	}
	cmd.Flags().BoolVar(&connectAll, "all", false, "Connect every configured connection")
	cmd.Flags().BoolVar(&connectForce, "force", false, "Skip cached OAuth tokens and sign in interactively")
	cmd.Flags().DurationVar(&connectTimeout, "timeout", 10*time.Minute, "Give up waiting after this long")
	return cmd
}

func runConnect(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	targets, err := selectTargets(env, args, connectAll)
	if err != nil {
		return err
	}

	names := newDisplayNames(env.connections)
	p := newPresenter(cmd.ErrOrStderr(), env.cfg.OAuth.OpenBrowser, names)
	sup := env.newSupervisor(p.listen)
	defer sup.Close()

	ctx := commandContext(cmd)
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	p.start("Connecting...")
	states, err := sup.ConnectAll(ctx, targets, connectForce)
	p.stop()

	printStates(cmd.OutOrStdout(), states)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("timed out after %s waiting for connections", connectTimeout)
		}
		return err
	}

	if len(targets) == 1 && states[0].IsConnected() {
		if err := env.setActiveConnection(targets[0].ID); err != nil {
			logging.Warn("CLI", "Could not remember the active connection: %v", err)
		}
	}
	return firstFailure(states)
}

// selectTargets resolves the command arguments to connection configs.
func selectTargets(env *environment, args []string, all bool) ([]config.ConnectionConfig, error) {
	if len(env.connections) == 0 {
		return nil, errNoConnections
	}
	if all {
		if len(args) > 0 {
			return nil, fmt.Errorf("--all cannot be combined with a connection argument")
		}
		return env.connections, nil
	}
	if len(args) == 1 {
		c, err := findConnection(env.connections, args[0])
		if err != nil {
			return nil, err
		}
		return []config.ConnectionConfig{c}, nil
	}
	c, ok := env.activeConnection()
	if !ok {
		return nil, errNoConnections
	}
	return []config.ConnectionConfig{c}, nil
}

// firstFailure returns the error of the first connection that did not
// connect.
func firstFailure(states []connection.RuntimeState) error {
	for _, st := range states {
		if !st.IsConnected() {
			return connectionError(st)
		}
	}
	return nil
}
