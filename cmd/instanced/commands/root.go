package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "instanced",
		Short: "instanced - deployment orchestration and reconciliation daemon",
		Long: `instanced provisions, links and configures application instances for
many tenants.

Instances run on a cloud provider, as local processes, or on remote hosts.
All three follow one lifecycle (creating, connecting, idle, active, error,
unlinked), receive configuration pushes over HTTP, and report lifecycle
events to subscribers as newline-delimited JSON.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("INSTANCED_CONFIG"), "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newKeygenCommand())
	rootCmd.AddCommand(newCredentialsCommand())
	rootCmd.AddCommand(newProfilesCommand())
	rootCmd.AddCommand(newTenantCommand())
	rootCmd.AddCommand(newBackupCommand())
	rootCmd.AddCommand(newRestoreCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}

// printResult writes v as indented JSON with --json, or calls text otherwise.
func printResult(cmd *cobra.Command, v interface{}, text func()) error {
	if !jsonOutput {
		text()
		return nil
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
