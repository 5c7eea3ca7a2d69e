package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mfzzf/e2b-test-suite/internal/template"
)

type templateOptions struct {
	alias          string
	cpuCount       int
	memoryMB       int
	skipCache      bool
	background     bool
	fromDockerfile string
	logsOffset     int
	wait           bool
}

var templateFlags templateOptions

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Build sandbox templates used by the suites",
}

var templateBuildCmd = &cobra.Command{
	Use:   "build <" + strings.Join(append(template.PresetNames(), "dockerfile"), "|") + ">",
	Short: "Build a preset template (dockerfile prints the preset's Dockerfile)",
	Example: `  e2b-suite template build base
  e2b-suite template build code-interpreter --background
  e2b-suite template build desktop --alias my-desktop
  e2b-suite template build base --from-dockerfile ./Dockerfile --alias custom
  e2b-suite template build dockerfile desktop`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runTemplateBuild,
}

var templateStatusCmd = &cobra.Command{
	Use:   "status <template-id> <build-id>",
	Short: "Show the status and logs of a template build",
	Args:  cobra.ExactArgs(2),
	RunE:  runTemplateStatus,
}

var templateDockerfileCmd = &cobra.Command{
	Use:   "dockerfile [base|desktop]",
	Short: "Print the Dockerfile of a preset",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		kind := "base"
		if len(args) == 1 {
			kind = args[0]
		}
		return printDockerfile(kind)
	},
}

func init() {
	f := templateBuildCmd.Flags()
	f.StringVar(&templateFlags.alias, "alias", "", "template alias (default: preset alias)")
	f.IntVar(&templateFlags.cpuCount, "cpu", 0, "vCPU count (default: preset value)")
	f.IntVar(&templateFlags.memoryMB, "memory-mb", 0, "memory in MB (default: preset value)")
	f.BoolVar(&templateFlags.skipCache, "skip-cache", false, "rebuild every step")
	f.BoolVar(&templateFlags.background, "background", false, "start the build and return without waiting")
	f.StringVar(&templateFlags.fromDockerfile, "from-dockerfile", "", "build from a Dockerfile instead of the preset image")

	templateStatusCmd.Flags().IntVar(&templateFlags.logsOffset, "logs-offset", 0, "skip this many log entries")
	templateStatusCmd.Flags().BoolVar(&templateFlags.wait, "wait", false, "poll until the build finishes")

	templateCmd.AddCommand(templateBuildCmd, templateStatusCmd, templateDockerfileCmd)
}

func printDockerfile(kind string) error {
	df, err := template.Dockerfile(kind)
	if err != nil {
		return err
	}
	fmt.Print(df)
	return nil
}

func printLog(e template.LogEntry) {
	fmt.Println(e.String())
}

func runTemplateBuild(_ *cobra.Command, args []string) error {
	if args[0] == "dockerfile" {
		kind := "base"
		if len(args) == 2 {
			kind = args[1]
		}
		return printDockerfile(kind)
	}
	if len(args) > 1 {
		return fmt.Errorf("unexpected argument %q", args[1])
	}

	preset, err := template.LookupPreset(args[0])
	if err != nil {
		return err
	}
	tpl := preset.Template()
	if templateFlags.fromDockerfile != "" {
		f, err := os.Open(templateFlags.fromDockerfile)
		if err != nil {
			return fmt.Errorf("opening Dockerfile: %w", err)
		}
		defer f.Close()
		if tpl, err = template.New().FromDockerfile(f); err != nil {
			return err
		}
	}

	opts := preset.Options(printLog)
	if templateFlags.alias != "" {
		opts.Alias = templateFlags.alias
	}
	if templateFlags.cpuCount > 0 {
		opts.CPUCount = templateFlags.cpuCount
	}
	if templateFlags.memoryMB > 0 {
		opts.MemoryMB = templateFlags.memoryMB
	}
	opts.SkipCache = templateFlags.skipCache

	sc, err := setup(false)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := template.NewClient(sc.Client)
	if templateFlags.background {
		info, err := client.BuildInBackground(ctx, tpl, opts)
		if err != nil {
			return err
		}
		fmt.Printf("build started: %s\n", info)
		fmt.Printf("check with: e2b-suite template status %s %s\n", info.TemplateID, info.BuildID)
		return nil
	}

	start := time.Now()
	info, err := client.Build(ctx, tpl, opts)
	status := "ready"
	if err != nil {
		status = "error"
	}
	sc.Obs.MetricsOrNil().ObserveBuild(status, time.Since(start))
	if err != nil {
		return err
	}
	fmt.Printf("template built: %s (%s)\n", info, time.Since(start).Round(time.Second))
	return nil
}

func runTemplateStatus(_ *cobra.Command, args []string) error {
	sc, err := setup(false)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := template.NewClient(sc.Client)
	info := &template.BuildInfo{TemplateID: args[0], BuildID: args[1]}
	if templateFlags.wait {
		if err := client.WaitForBuild(ctx, info, template.BuildOptions{OnBuildLogs: printLog}); err != nil {
			return err
		}
		fmt.Println("status: ready")
		return nil
	}

	st, err := client.GetBuildStatus(ctx, info, templateFlags.logsOffset)
	if err != nil {
		return err
	}
	for _, e := range st.LogEntries {
		printLog(e)
	}
	fmt.Printf("status: %s\n", st.Status)
	if st.Reason != nil {
		fmt.Printf("reason: %s\n", st.Reason.Message)
	}
	return nil
}
