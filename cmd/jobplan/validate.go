package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"jobplan/internal/config"
	"jobplan/internal/task/engine"
	"jobplan/internal/task/scheduler"
	logx "jobplan/pkg/logx"
)

func newValidateCommand(rf *rootFlags) *cobra.Command {
	var next int
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a scheduling document and preview fire times",
		Long: `validate loads the document, registers every job and trigger with an
engine that is never started, and prints the resulting identities with
their next fire times. It exits non-zero if anything fails to register.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return validateConfig(cmd, rf.config, next)
		},
	}
	cmd.Flags().IntVarP(&next, "next", "n", 3, "fire times to preview per trigger")
	return cmd
}

func validateConfig(cmd *cobra.Command, path string, next int) error {
	handlers := handlerRegistry()
	cfg, err := config.Load(path, handlers)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Config{MaxRunTime: cfg.MaxExecution()}, handlers, logx.Nop(), nil)
	rep, err := scheduler.New(cfg, eng, logx.Nop()).DryRun(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if rep.Disabled {
		fmt.Fprintln(out, "scheduler disabled; nothing would be registered")
		return nil
	}
	fmt.Fprintf(out, "maxExecutionDuration=%s maxWaitDuration=%s\n", cfg.MaxExecution(), cfg.MaxWait())
	printTriggers(out, eng, next)

	for _, f := range rep.Failures {
		fmt.Fprintf(out, "FAIL %s.%s (%s): %v\n", f.Group, f.Job, f.Op, f.Err)
	}
	fmt.Fprintf(out, "%d jobs, %d triggers, %d failures\n", rep.Jobs, rep.Triggers, len(rep.Failures))
	if n := len(rep.Failures); n > 0 {
		return fmt.Errorf("%d registration failures", n)
	}
	return nil
}

func printTriggers(out io.Writer, eng *engine.Service, next int) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tTRIGGER\tCRON\tTZ\tPRIO\tNEXT")
	for _, ti := range eng.Snapshot().Triggers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			ti.JobKey, ti.Key, ti.Spec, ti.Timezone, ti.Priority, previewTimes(eng, ti, next))
	}
	_ = tw.Flush()
}

func previewTimes(eng *engine.Service, ti engine.TriggerInfo, n int) string {
	if ti.Next.IsZero() {
		return "never"
	}
	loc, err := time.LoadLocation(ti.Timezone)
	if err != nil {
		loc = time.Local
	}
	times := []time.Time{ti.Next}
	if n > 1 {
		more, err := eng.Preview(engine.CronSchedule{Expression: ti.Spec, Location: loc}, ti.Next, n-1)
		if err == nil {
			times = append(times, more...)
		}
	}
	parts := make([]string, 0, len(times))
	for _, t := range times {
		parts = append(parts, t.Format(time.RFC3339))
	}
	return strings.Join(parts, ", ")
}
