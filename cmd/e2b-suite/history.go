package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mfzzf/e2b-test-suite/internal/storage"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

type historyOptions struct {
	limit     int
	suite     string
	trigger   string
	failed    bool
	olderThan time.Duration
}

var historyFlags historyOptions

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded runs, newest first",
	Example: `  e2b-suite history --limit 50
  e2b-suite history --suite pty --failed
  e2b-suite history show 3f0c...
  e2b-suite history suite commands
  e2b-suite history prune --older-than 720h`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print the full report of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historySuiteCmd = &cobra.Command{
	Use:   "suite <name>",
	Short: "Print the latest results of one suite",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistorySuite,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete runs older than a cutoff",
	Args:  cobra.NoArgs,
	RunE:  runHistoryPrune,
}

func init() {
	f := historyCmd.Flags()
	f.IntVar(&historyFlags.limit, "limit", storage.DefaultListLimit, "maximum number of runs")
	f.StringVar(&historyFlags.suite, "suite", "", "only runs that included this suite")
	f.StringVar(&historyFlags.trigger, "trigger", "", "only runs started by cli, schedule or api")
	f.BoolVar(&historyFlags.failed, "failed", false, "only failed runs")

	historySuiteCmd.Flags().IntVar(&historyFlags.limit, "limit", storage.DefaultListLimit, "maximum number of results")
	historyPruneCmd.Flags().DurationVar(&historyFlags.olderThan, "older-than", 30*24*time.Hour, "delete runs started before now minus this duration")

	historyCmd.AddCommand(historyShowCmd, historySuiteCmd, historyPruneCmd)
}

// openHistory loads config and opens only the run store.
func openHistory() (storage.RunStore, error) {
	logger, err := newLogger(os.Stderr)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openStore(cfg, logger)
}

func runHistory(_ *cobra.Command, _ []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), storage.RunFilter{
		Limit:      historyFlags.limit,
		Trigger:    historyFlags.trigger,
		Suite:      historyFlags.suite,
		FailedOnly: historyFlags.failed,
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tTRIGGER\tSTATUS\tSUITES\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			r.RunID,
			r.StartedAt.Local().Format(time.DateTime),
			r.Trigger,
			r.Status,
			r.SuitesPassed, r.SuitesPassed+r.SuitesFailed,
			r.Duration.Round(time.Millisecond),
		)
	}
	return tw.Flush()
}

func runHistoryShow(_ *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	rep, err := store.GetRun(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("run %s (%s) started %s, took %s\n",
		rep.RunID, rep.Trigger, rep.StartedAt.Local().Format(time.DateTime), rep.Duration.Round(time.Millisecond))
	for _, s := range rep.Suites {
		fmt.Printf("\n%s: %s (%d passed, %d failed, %d skipped)\n", s.Name, s.Status, s.Passed, s.Failed, s.Skipped)
		for _, c := range s.Cases {
			mark := "✓"
			switch c.Status {
			case suite.StatusFailed:
				mark = "✗"
			case suite.StatusSkipped:
				mark = "-"
			case suite.StatusAborted:
				mark = "⊘"
			}
			line := fmt.Sprintf("  %s %s (%s)", mark, c.Name, c.Duration.Round(time.Millisecond))
			if c.Message != "" {
				line += ": " + c.Message
			}
			fmt.Println(line)
		}
	}
	passed, failed := rep.Totals()
	fmt.Printf("\ntotal: %d passed, %d failed\n", passed, failed)
	return nil
}

func runHistorySuite(_ *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.SuiteHistory(context.Background(), args[0], historyFlags.limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("no results recorded for %s\n", args[0])
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tSTATUS\tPASSED\tFAILED\tSKIPPED\tDURATION")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.RunID,
			r.StartedAt.Local().Format(time.DateTime),
			r.Status, r.Passed, r.Failed, r.Skipped,
			r.Duration.Round(time.Millisecond),
		)
	}
	return tw.Flush()
}

func runHistoryPrune(_ *cobra.Command, _ []string) error {
	if historyFlags.olderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	cutoff := time.Now().Add(-historyFlags.olderThan)
	n, err := store.Prune(context.Background(), cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d runs started before %s\n", n, cutoff.Format(time.DateTime))
	return nil
}
