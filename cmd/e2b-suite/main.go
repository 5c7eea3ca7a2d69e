// e2b-suite runs integration suites against an E2B-compatible sandbox
// platform and builds the templates they use.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "e2b-suite [suite...]",
	Short: "Integration test suite for E2B-compatible sandbox platforms.",
	Long: `e2b-suite creates sandboxes on a remote platform, drives them through the
platform API (files, commands, PTY, code interpreter, desktop, templates)
and reports pass/fail per suite. Runs can be scheduled and their history
is kept in SQLite or PostgreSQL.

Without a subcommand it behaves like "run": names that are not
subcommands are treated as suite names.`,
	Args:          cobra.ArbitraryArgs,
	RunE:          runSuites, // Default to running the default suites.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.configPath, "config", "", "path to config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.logLevel, "log-level", "", "log level: debug, info, warn, error (default warn)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.logFormat, "log-format", "text", "log format: text or json")
	addRunFlags(rootCmd)

	rootCmd.AddCommand(runCmd, listCmd, templateCmd, serveCmd, historyCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
