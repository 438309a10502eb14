package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"jobplan/internal/storage"
	logx "jobplan/pkg/logx"
)

func newHistoryCommand() *cobra.Command {
	var (
		cfg   storage.Config
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs from the history store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := storage.Open(cfg, logx.Nop())
			if err != nil {
				return err
			}
			if st == nil {
				return errors.New("history disabled: set --history-driver")
			}
			defer st.Close()

			runs, err := st.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tJOB\tTRIGGER\tSTATUS\tDURATION\tERROR")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s.%s\t%s.%s\t%s\t%s\t%s\n",
					r.Started.Format(time.RFC3339), r.JobGroup, r.JobName, r.TriggerGroup, r.TriggerName,
					r.Status, r.Duration.Round(time.Millisecond), r.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&cfg.Driver, "history-driver", envOr("JOBPLAN_HISTORY_DRIVER", "none"), "file|sqlite")
	cmd.Flags().StringVar(&cfg.Path, "history-path", envOr("JOBPLAN_HISTORY_PATH", ""), "history file")
	cmd.Flags().IntVar(&limit, "limit", 20, "rows to show")
	return cmd
}
