package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"adoconnect/internal/config"
)

var normalizeDryRun bool

func newNormalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "normalize",
		Short: "Fill in missing fields of the connections file",
		Long: `Normalize the connections file: generate missing ids, derive base URLs
and API base URLs, recover organization and project from pasted URLs,
assign credential keys and drop duplicate connections.

Normalization is idempotent. Without --dry-run the file is rewritten when
anything changed.`,
		Args: cobra.NoArgs,
		RunE: runNormalize,
	}
	cmd.Flags().BoolVar(&normalizeDryRun, "dry-run", false, "Report changes without writing the file")
	return cmd
}

func runNormalize(cmd *cobra.Command, args []string) error {
	dir, err := resolveConfigDir()
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return err
	}

	raw, err := config.LoadConnections(cfg.ConnectionsFile)
	if err != nil {
		return err
	}
	conns, report := config.NormalizeAll(raw, nil)

	out := cmd.OutOrStdout()
	if !report.RequiresSave() {
		fmt.Fprintf(out, "%s is already normalized.\n", cfg.ConnectionsFile)
		printConnections(out, conns)
		return nil
	}

	printReport(out, report)
	if normalizeDryRun {
		fmt.Fprintln(out, text.FgYellow.Sprint("Dry run: nothing was written."))
		return nil
	}
	if err := config.SaveConnections(cfg.ConnectionsFile, conns); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %d connection(s) to %s\n", len(conns), cfg.ConnectionsFile)
	printConnections(out, conns)
	return nil
}

func printReport(out io.Writer, r config.NormalizeReport) {
	section := func(title string, ids []string) {
		if len(ids) == 0 {
			return
		}
		fmt.Fprintf(out, "%s %s\n", text.FgHiCyan.Sprint(title+":"), strings.Join(ids, ", "))
	}
	section("Generated ids", r.GeneratedIDs)
	section("Recovered from URL", r.RecoveredFromURL)
	section("Derived auth method", r.DerivedAuthMethods)
	section("Added credential key", r.AddedCredentialKeys)
	section("Added base URL", r.AddedBaseURLs)
	section("Added API base URL", r.AddedAPIBaseURLs)
	section("Dropped duplicates", r.DroppedDuplicates)
}
