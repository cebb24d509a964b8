package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"adoconnect/internal/api"
	"adoconnect/internal/config"
	"adoconnect/pkg/logging"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates an interactive sign-in or a stored
	// credential is needed before the connection can succeed.
	ExitCodeAuthRequired = 2
	// ExitCodeConnectionFailed indicates Azure DevOps could not be reached
	// or refused to build a client or provider.
	ExitCodeConnectionFailed = 3
)

// Persistent flags shared by every subcommand.
var (
	logLevel  string
	configDir string
)

// rootCmd represents the base command for the adoconnect application.
var rootCmd = &cobra.Command{
	Use:   "adoconnect",
	Short: "Manage authenticated connections to Azure DevOps projects",
	Long: `adoconnect keeps one or more named connections to Azure DevOps projects
authenticated and usable. Each connection signs in either with a personal
access token kept in the local credential store or interactively with
Microsoft Entra ID, and tokens are refreshed before they expire.

Connections are read from connections.json in the configuration directory.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logging.InitForCLI(level, os.Stderr)
		return nil
	},
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
// This function is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "adoconnect version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error kind.
// This provides semantic exit codes for scripting and automation.
func getExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	if api.RequiresInteractive(err) {
		return ExitCodeAuthRequired
	}

	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		return ExitCodeError
	}
	switch apiErr.Kind {
	case api.KindCredentialMissing, api.KindCredentialMalformed, api.KindAuthProvider, api.KindRefreshFailed:
		return ExitCodeAuthRequired
	case api.KindNetwork, api.KindClientConstruction, api.KindProviderConstruction:
		return ExitCodeConnectionFailed
	default:
		return ExitCodeError
	}
}

// resolveConfigDir returns --config-dir or the platform default.
func resolveConfigDir() (string, error) {
	if configDir != "" {
		return configDir, nil
	}
	return config.DefaultConfigDir()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Configuration directory (default $XDG_CONFIG_HOME/adoconnect)")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConnectCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newNormalizeCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCredentialCmd())
}
