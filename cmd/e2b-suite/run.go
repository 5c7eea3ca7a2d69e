package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mfzzf/e2b-test-suite/internal/orchestrator"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

type runOptions struct {
	tests   []string
	all     bool
	list    bool
	beta    bool
	verbose bool
	save    bool
}

var runFlags runOptions

var runCmd = &cobra.Command{
	Use:   "run [suite...]",
	Short: "Run suites (default suites when none are named)",
	Example: `  e2b-suite run
  e2b-suite run -t sandbox_basic -t commands
  e2b-suite run pty filesystem --verbose
  e2b-suite run --all --beta`,
	RunE: runSuites,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List available suites",
	RunE: func(_ *cobra.Command, _ []string) error {
		sc, err := setup(false)
		if err != nil {
			return err
		}
		defer sc.Cleanup()
		return printSuites(os.Stdout, sc.Registry)
	},
}

func init() {
	addRunFlags(runCmd)
}

// addRunFlags registers the run flags on cmd. The root command shares them
// so that `e2b-suite -t pty` keeps working.
func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&runFlags.tests, "test", "t", nil, "suite to run (repeatable or comma-separated)")
	cmd.Flags().BoolVar(&runFlags.all, "all", false, "run every registered suite")
	cmd.Flags().BoolVarP(&runFlags.list, "list", "l", false, "list available suites and exit")
	cmd.Flags().BoolVar(&runFlags.beta, "beta", false, "enable cases that use beta platform features")
	cmd.Flags().BoolVarP(&runFlags.verbose, "verbose", "v", false, "print case log lines")
	cmd.Flags().BoolVar(&runFlags.save, "save", true, "record the run in the history store")
}

func setup(withStore bool) (*SharedComponents, error) {
	logger, err := newLogger(os.Stderr)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if runFlags.beta {
		cfg.Suites.Beta = true
	}
	return initShared(cfg, logger, withStore)
}

func runSuites(_ *cobra.Command, args []string) error {
	sc, err := setup(runFlags.save && !runFlags.list)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if runFlags.list {
		return printSuites(os.Stdout, sc.Registry)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	names := append(append([]string(nil), runFlags.tests...), args...)
	engine, err := sc.newEngine(os.Stdout, runFlags.verbose)
	if err != nil {
		return err
	}
	rep, err := engine.Run(ctx, orchestrator.RunRequest{
		Trigger: orchestrator.TriggerCLI,
		Suites:  names,
		All:     runFlags.all,
	})
	if err != nil {
		return err
	}
	if sc.Store != nil {
		fmt.Fprintf(os.Stdout, "run id: %s\n", rep.RunID)
	}
	if _, failed := rep.Totals(); failed > 0 {
		return fmt.Errorf("%d of %d suites %s", failed, len(rep.Suites), rep.Status())
	}
	return nil
}

func printSuites(w io.Writer, reg *suite.Registry) error {
	defaults := make(map[string]bool)
	for _, s := range reg.Defaults() {
		defaults[s.Name] = true
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SUITE\tCASES\tDEFAULT\tTAGS\tDESCRIPTION")
	for _, s := range reg.All() {
		def := ""
		if defaults[s.Name] {
			def = "yes"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", s.Name, len(s.Cases), def, strings.Join(s.Tags, ","), s.Description)
	}
	return tw.Flush()
}
