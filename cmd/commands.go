package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
	"github.com/JakeFAU/tradestat-ingest/internal/seed"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "serve",
		Short:       "Serve the status API and run the daily batch",
		Annotations: map[string]string{needsPipeline: ""},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app App) error {
				if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			})
		},
	}
}

func newRunOnceCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:         "run-once",
		Short:       "Run a single batch over every pending work item and exit",
		Annotations: map[string]string{needsPipeline: ""},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app App) error {
				summary, err := app.RunOnce(ctx)
				if printErr := printSummary(cmd.OutOrStdout(), summary, asJSON); printErr != nil {
					return errors.Join(err, printErr)
				}
				if err != nil {
					return fmt.Errorf("run once: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <codes-file>",
		Short: "Load 8-digit commodity codes, one per line, as pending work items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app App) error {
				res, err := seed.LoadFile(args[0], app.Logger().Named("seed"))
				if err != nil {
					return err
				}
				created, err := app.Store().Seed(ctx, res.Codes)
				if err != nil {
					return fmt.Errorf("seed work items: %w", err)
				}
				app.Logger().Info("seeded work items",
					zap.Int("codes", len(res.Codes)),
					zap.Int("created", created),
					zap.Int("invalid", res.Invalid),
					zap.Int("duplicates", res.Duplicates),
				)
				_, err = fmt.Fprintf(cmd.OutOrStdout(),
					"codes=%d created=%d invalid=%d duplicates=%d\n",
					len(res.Codes), created, res.Invalid, res.Duplicates)
				return err
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	var runs int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-mode queue counts and recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app App) error {
				stats, err := app.Store().Stats(ctx)
				if err != nil {
					return fmt.Errorf("load stats: %w", err)
				}
				recent, err := app.Runs().ListRuns(ctx, runs)
				if err != nil {
					return fmt.Errorf("list runs: %w", err)
				}
				return printStatus(cmd.OutOrStdout(), stats, recent)
			})
		},
	}
	cmd.Flags().IntVar(&runs, "runs", 5, "number of recent runs to show")
	return cmd
}

func newResetCmd() *cobra.Command {
	var failed bool
	cmd := &cobra.Command{
		Use:   "reset-stale",
		Short: "Requeue items left running by a crashed process",
		Long: `reset-stale returns every running item to pending. With --failed it also
requeues failed items whose error count is below retry.abandon_after.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app App) error {
				stale, err := app.Store().ResetStaleRunning(ctx)
				if err != nil {
					return fmt.Errorf("reset stale items: %w", err)
				}
				requeued := 0
				if failed {
					requeued, err = app.Store().RequeueFailed(ctx, app.Config().Retry.AbandonAfter)
					if err != nil {
						return fmt.Errorf("requeue failed items: %w", err)
					}
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "stale=%d requeued=%d\n", stale, requeued)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "also requeue failed items below the abandon ceiling")
	return cmd
}

func printSummary(w io.Writer, s ingest.Summary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	_, err := fmt.Fprintf(w, "attempted=%d completed=%d failed=%d deferred=%d\n",
		s.Attempted, s.Completed, s.Failed, s.Deferred)
	return err
}

func printStatus(w io.Writer, stats ingest.Stats, runs []ingest.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "codes\t%d\t(done %d)\n", stats.Codes, stats.CodesDone)
	fmt.Fprintln(tw, "MODE\tPENDING\tRUNNING\tCOMPLETED\tFAILED")
	for _, mode := range ingest.Modes() {
		byStatus := stats.ByMode[mode]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", mode,
			byStatus[ingest.StatusPending],
			byStatus[ingest.StatusRunning],
			byStatus[ingest.StatusCompleted],
			byStatus[ingest.StatusFailed],
		)
	}
	if len(runs) > 0 {
		fmt.Fprintln(tw, "\nRUN\tSTATUS\tSTARTED\tATTEMPTED\tCOMPLETED\tFAILED\tDEFERRED")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n", r.ID, r.Status,
				r.StartedAt.Format("2006-01-02 15:04:05Z07:00"),
				r.Summary.Attempted, r.Summary.Completed, r.Summary.Failed, r.Summary.Deferred)
		}
	}
	return tw.Flush()
}
